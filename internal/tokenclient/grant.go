package tokenclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// Grant is the result of a successful refresh-token exchange.
type Grant struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	APIServer    string `json:"api_server"`
}

// Lifetime returns the access token lifetime as a duration.
func (g Grant) Lifetime() time.Duration {
	return time.Duration(g.ExpiresIn) * time.Second
}

// OAuth2Token converts the grant into an oauth2.Token expiring at expiry.
// The API server is attached as the "api_server" extra.
func (g Grant) OAuth2Token(expiry time.Time) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  g.AccessToken,
		TokenType:    g.TokenType,
		RefreshToken: g.RefreshToken,
		Expiry:       expiry,
		ExpiresIn:    int64(g.ExpiresIn),
	}
	return token.WithExtra(map[string]any{"api_server": g.APIServer})
}

// LogValue keeps token values out of logs.
func (g Grant) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_type", g.TokenType),
		slog.Int("expires_in", g.ExpiresIn),
		slog.String("api_server", g.APIServer),
	)
}

// validate checks the fields a usable grant must carry.
func (g Grant) validate() error {
	if g.AccessToken == "" {
		return errors.New("access_token is empty")
	}
	if g.RefreshToken == "" {
		return errors.New("refresh_token is empty")
	}
	if g.ExpiresIn < 0 {
		return fmt.Errorf("expires_in must not be negative, got: %d", g.ExpiresIn)
	}
	u, err := url.Parse(g.APIServer)
	if err != nil {
		return fmt.Errorf("api_server: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("api_server must be an absolute URL, got: %q", g.APIServer)
	}
	return nil
}
