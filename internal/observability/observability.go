// Package observability configures the process-wide slog logger and optional
// OpenTelemetry log export.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ScopeName identifies log records emitted through the OpenTelemetry bridge.
const ScopeName = "github.com/tradedash/tokenkeeper"

// Export protocols for OpenTelemetry logs.
const (
	ProtocolHTTP   = "http"
	ProtocolGRPC   = "grpc"
	ProtocolStdout = "stdout"
)

// Config controls logger setup.
type Config struct {
	Level  slog.Level
	Format string // "text" or "json"

	// OTLPEndpoint enables OpenTelemetry log export when set.
	OTLPEndpoint string
	// OTLPProtocol selects the exporter. Empty means derive from the endpoint scheme.
	OTLPProtocol string

	// Writer receives local log output. Defaults to os.Stderr.
	Writer io.Writer
}

// ShutdownFunc flushes and stops exporters installed by Instrument.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger. With an OTLP endpoint configured, records
// are also exported through an OpenTelemetry LoggerProvider, which is registered globally.
// The returned ShutdownFunc is never nil.
func Instrument(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	local, err := newLocalHandler(w, cfg.Level, cfg.Format)
	if err != nil {
		return noopShutdown, err
	}

	if cfg.OTLPEndpoint == "" && cfg.OTLPProtocol != ProtocolStdout {
		slog.SetDefault(slog.New(local))
		return noopShutdown, nil
	}

	exporter, err := newExporter(ctx, cfg.OTLPEndpoint, cfg.OTLPProtocol, w)
	if err != nil {
		return noopShutdown, fmt.Errorf("creating log exporter: %w", err)
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severityFor(cfg.Level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
	global.SetLoggerProvider(provider)

	bridge := otelslog.NewHandler(ScopeName, otelslog.WithLoggerProvider(provider))
	slog.SetDefault(slog.New(fanout{local, bridge}))

	return provider.Shutdown, nil
}

func newLocalHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

// newExporter picks the exporter for protocol, falling back to the endpoint's URL scheme.
func newExporter(ctx context.Context, endpoint, protocol string, w io.Writer) (sdklog.Exporter, error) {
	if protocol == "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid OTLP endpoint: %w", err)
		}
		switch u.Scheme {
		case "grpc":
			protocol = ProtocolGRPC
			endpoint = "http://" + u.Host + u.Path
		case "http", "https":
			protocol = ProtocolHTTP
		default:
			return nil, fmt.Errorf("cannot derive OTLP protocol from endpoint %q", endpoint)
		}
	}

	switch protocol {
	case ProtocolHTTP:
		return otlploghttp.New(ctx, otlploghttp.WithEndpointURL(endpoint))
	case ProtocolGRPC:
		return otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(endpoint))
	case ProtocolStdout:
		return stdoutlog.New(stdoutlog.WithWriter(w))
	default:
		return nil, errors.New("unsupported OTLP protocol: " + protocol)
	}
}

func severityFor(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

func noopShutdown(context.Context) error { return nil }
