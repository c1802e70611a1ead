package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/tradedash/tokenkeeper/internal/session"
)

// forwardedHeaders are the request headers passed through to the API server.
// Authorization is set by the token transport, never taken from the client.
var forwardedHeaders = map[string]bool{
	"Accept":          true,
	"Accept-Encoding": true,
	"Content-Type":    true,
	"Content-Length":  true,
	"Authorization":   true,

	// W3C Trace Context for distributed tracing correlation
	"Traceparent": true,
	"Tracestate":  true,
}

// headerFilter is an http.RoundTripper that drops headers not in forwardedHeaders.
type headerFilter struct {
	Base http.RoundTripper
}

// Compile-time check that headerFilter implements http.RoundTripper.
var _ http.RoundTripper = (*headerFilter)(nil)

func (t *headerFilter) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	out := req.Clone(req.Context())
	out.Header = make(http.Header, len(forwardedHeaders))
	for key, values := range req.Header {
		if forwardedHeaders[key] {
			out.Header[key] = values
		}
	}
	return base.RoundTrip(out)
}

type targetKey struct{}

// newAPIProxy forwards /api/{path...} to <api_server>/{path...} of the current grant.
func newAPIProxy(sessions Sessions, upstream http.RoundTripper) http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := pr.In.Context().Value(targetKey{}).(*url.URL)
			pr.Out.URL.Path = "/" + pr.In.PathValue("path")
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
		},
		Transport: &oauth2.Transport{
			Source: sessions,
			Base:   &headerFilter{Base: upstream},
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, session.ErrNotAuthenticated) {
				writeJSONError(r.Context(), w, "no valid access token", http.StatusServiceUnavailable)
				return
			}
			slog.ErrorContext(r.Context(), "api request failed", "error", err)
			writeJSONError(r.Context(), w, "upstream request failed", http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiServer := sessions.State().APIServer()
		if apiServer == "" {
			writeJSONError(r.Context(), w, "not authenticated", http.StatusServiceUnavailable)
			return
		}
		target, err := url.Parse(apiServer)
		if err != nil {
			writeJSONError(r.Context(), w, "invalid api server", http.StatusBadGateway)
			return
		}

		rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), targetKey{}, target)))
	})
}
