// Package session keeps one brokerage access token valid for the lifetime of the process.
//
// Manager is the sole owner of the session state. Every mutation runs on the goroutine
// executing Manager.Run: public methods, exchange completions and timer callbacks are all
// posted to that goroutine, so no two transitions ever race.
//
// # States
//
//	Unauthenticated ──Start/TriggerRefresh──▶ Refreshing ──success──▶ Authenticated
//	       ▲                                     │                         │
//	       └────────────failure/Logout───────────┴────renewal timer────────┘
//
// At most one exchange is in flight; triggers received while Refreshing are ignored.
// A successful exchange persists the rotated refresh token and arms two timers together:
// a one-shot renewal timer at 95% of the token lifetime and a countdown ticker that only
// feeds the "time remaining" display. Failed exchanges keep both the last grant and the
// persisted refresh token, so a transient outage never locks the user out.
//
// # Consumers
//
// State returns a lock-free snapshot, Subscribe delivers a snapshot after every
// transition, and Manager implements oauth2.TokenSource for use with oauth2.Transport:
//
//	go mgr.Run(ctx)
//	_ = mgr.Start(ctx)
//	client := &http.Client{Transport: &oauth2.Transport{Source: mgr}}
package session
