// Package tokenclient exchanges refresh tokens for access tokens at a brokerage
// authorization server.
//
// The exchange is a single form-encoded POST:
//
//	POST /oauth2/token
//	Content-Type: application/x-www-form-urlencoded
//
//	grant_type=refresh_token&refresh_token=<token>
//
// answered by a JSON body carrying access_token, token_type, expires_in, refresh_token
// and api_server. The refresh token rotates on every exchange; callers must persist the
// returned one and never reuse the old one.
//
// Failures are reported as distinct types so callers can present them differently:
//   - *TransportError: the request could not be sent or timed out
//   - *AuthServerError: the server answered with a non-200 status
//   - *DecodeError: the body did not match the expected schema
//
// Usage:
//
//	client, err := tokenclient.New(tokenclient.Endpoint)
//	grant, err := client.ExchangeRefreshToken(ctx, refreshToken)
package tokenclient
