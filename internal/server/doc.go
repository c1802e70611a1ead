// Package server exposes the session over a local HTTP interface. Requests from
// non-loopback peers are rejected on every route.
//
// Endpoints:
//
//	GET    /session          session status as JSON
//	GET    /session/token    current access token
//	POST   /session/refresh  exchange a pasted refresh token, or re-trigger with the current one
//	DELETE /session          log out
//	ANY    /api/{path...}    forwarded to the session's API server with the bearer token attached
package server
