package tokenclient

import (
	"fmt"
	"net/http"
)

// TransportError reports that the exchange request could not be sent or timed out.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("token exchange transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthServerError reports a non-200 answer from the authorization server,
// typically a revoked or already-rotated refresh token.
type AuthServerError struct {
	StatusCode int
	// Code and Description come from an OAuth2 error body, if the server sent one.
	Code        string
	Description string
}

func (e *AuthServerError) Error() string {
	msg := fmt.Sprintf("authorization server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

// DecodeError reports a response body that did not match the token schema.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding token response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a malformed endpoint or base URL.
// It is only ever returned by constructors.
type ConfigurationError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
