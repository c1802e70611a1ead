package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"k8s.io/utils/clock"

	"github.com/tradedash/tokenkeeper/internal/secretstore"
	"github.com/tradedash/tokenkeeper/internal/tokenclient"
)

// Default timing values
const (
	DefaultRenewFraction     = 0.95
	DefaultCountdownInterval = time.Second

	// persistTimeout bounds a single secret store operation.
	persistTimeout = 5 * time.Second
	// persistRetryInterval spaces out retries of a failed refresh token save.
	persistRetryInterval = 30 * time.Second
)

// Exchanger trades a refresh token for a new grant. *tokenclient.Client satisfies it.
type Exchanger interface {
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (tokenclient.Grant, error)
}

// SnapshotCache mirrors non-secret session fields to disk. *secretstore.SnapshotFile satisfies it.
type SnapshotCache interface {
	Write(ctx context.Context, snap secretstore.Snapshot) error
	Remove(ctx context.Context) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for timers. Defaults to the real clock.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithRenewFraction sets the fraction of the token lifetime after which renewal fires.
// Values outside (0, 1] are ignored.
func WithRenewFraction(fraction float64) Option {
	return func(m *Manager) {
		if fraction > 0 && fraction <= 1 {
			m.renewFraction = fraction
		}
	}
}

// WithCountdownInterval sets the countdown tick interval. Non-positive values are ignored.
func WithCountdownInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.countdownInterval = interval
		}
	}
}

// WithSnapshotCache enables the plaintext warm-start snapshot.
func WithSnapshotCache(cache SnapshotCache) Option {
	return func(m *Manager) {
		m.snapshots = cache
	}
}

// flight is one in-progress exchange.
type flight struct {
	id           uuid.UUID
	refreshToken string
}

// Manager owns the session state and drives the token lifecycle.
type Manager struct {
	store             secretstore.Store
	exchanger         Exchanger
	snapshots         SnapshotCache
	clock             Clock
	renewFraction     float64
	countdownInterval time.Duration

	ops     chan func()
	stopped chan struct{}
	running atomic.Bool
	runCtx  context.Context

	published atomic.Pointer[State]
	subsMu    sync.Mutex
	subs      map[uint64]chan State
	nextSub   uint64

	// Owned by the Run goroutine.
	started          bool
	refreshToken     string
	grant            *tokenclient.Grant
	acquiredAt       time.Time
	expiresAt        time.Time
	secondsLeft      *int
	valid            bool
	lastErr          error
	inFlight         *flight
	renewTimer       clock.Timer
	renewAt          time.Time
	ticker           clock.Ticker
	generation       uint64
	persistPending   bool
	lastPersistRetry time.Time
}

// Compile-time check to ensure Manager implements oauth2.TokenSource
var _ oauth2.TokenSource = (*Manager)(nil)

// New creates a Manager. No I/O is performed until Start.
func New(store secretstore.Store, exchanger Exchanger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("missing secret store")
	}
	if exchanger == nil {
		return nil, fmt.Errorf("missing token exchanger")
	}

	m := &Manager{
		store:             store,
		exchanger:         exchanger,
		clock:             clock.RealClock{},
		renewFraction:     DefaultRenewFraction,
		countdownInterval: DefaultCountdownInterval,
		ops:               make(chan func(), 16),
		stopped:           make(chan struct{}),
		runCtx:            context.Background(),
		subs:              make(map[uint64]chan State),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.published.Store(&State{Phase: PhaseUnauthenticated, UpdatedAt: m.clock.Now()})
	return m, nil
}

// Run executes state transitions until ctx is cancelled. It may only be called once.
// Commands issued before Run starts are queued; commands issued after it returns fail
// with ErrStopped.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("session: manager already running")
	}
	defer close(m.stopped)
	defer m.disarm()

	m.runCtx = ctx
	slog.DebugContext(ctx, "session manager running")

	for {
		var tick <-chan time.Time
		if m.ticker != nil {
			tick = m.ticker.C()
		}

		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "session manager stopped")
			return nil
		case op := <-m.ops:
			op()
		case <-tick:
			m.onCountdownTick()
		}
	}
}

// Start loads the persisted refresh token and, if one exists, begins an exchange with it.
// Without a stored token the manager stays unauthenticated. Calling Start again has no
// effect until Logout.
func (m *Manager) Start(ctx context.Context) error {
	return m.do(ctx, m.start)
}

// TriggerRefresh begins an exchange with refreshToken, or with the current refresh
// token if refreshToken is empty. It is a no-op while an exchange is in flight.
func (m *Manager) TriggerRefresh(ctx context.Context, refreshToken string) error {
	return m.do(ctx, func() {
		m.started = true
		if refreshToken == "" {
			refreshToken = m.refreshToken
		}
		m.triggerRefresh(refreshToken, "manual")
	})
}

// Logout cancels both timers, forgets the grant, discards any in-flight exchange and
// deletes the persisted refresh token and snapshot. The in-memory state is cleared even
// if the secret store fails; that failure is returned and recorded.
func (m *Manager) Logout(ctx context.Context) error {
	var deleteErr error
	if err := m.do(ctx, func() { deleteErr = m.logout() }); err != nil {
		return err
	}
	return deleteErr
}

// State returns the latest published snapshot.
func (m *Manager) State() State {
	return *m.published.Load()
}

// Subscribe returns a channel that receives the current state immediately and the
// latest state after every transition. Slow readers only miss intermediate states.
// The returned func unsubscribes and closes the channel.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	offer(ch, *m.published.Load())
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

// Await blocks until no exchange is in flight and returns the state at that point.
func (m *Manager) Await(ctx context.Context) (State, error) {
	states, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return m.State(), ctx.Err()
		case <-m.stopped:
			return m.State(), ErrStopped
		case s := <-states:
			if !s.Refreshing {
				return s, nil
			}
		}
	}
}

// Token returns the current access token while it has not expired, even if the most
// recent renewal failed.
func (m *Manager) Token() (*oauth2.Token, error) {
	s := m.State()
	if s.Grant == nil {
		return nil, ErrNotAuthenticated
	}
	if !s.ExpiresAt.After(m.clock.Now()) {
		return nil, fmt.Errorf("access token expired at %s: %w", s.ExpiresAt.Format(time.RFC3339), ErrNotAuthenticated)
	}
	return s.Grant.OAuth2Token(s.ExpiresAt), nil
}

// do runs fn on the owner goroutine and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	select {
	case <-m.stopped:
		return ErrStopped
	default:
	}

	done := make(chan struct{})
	op := func() {
		fn()
		close(done)
	}

	select {
	case m.ops <- op:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn for the owner goroutine without waiting for it.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.stopped:
	}
}

func (m *Manager) start() {
	if m.started {
		return
	}
	m.started = true

	ctx, cancel := context.WithTimeout(m.runCtx, persistTimeout)
	defer cancel()

	token, ok, err := m.store.Load(ctx, secretstore.RefreshTokenKey)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load refresh token", "error", err)
		m.lastErr = asPersistenceError("load", err)
		m.publish()
		return
	}
	if !ok {
		slog.InfoContext(ctx, "no stored refresh token, waiting for manual login")
		m.publish()
		return
	}

	m.refreshToken = token
	m.triggerRefresh(token, "startup")
}

func (m *Manager) triggerRefresh(refreshToken, reason string) {
	if m.inFlight != nil {
		slog.DebugContext(m.runCtx, "refresh already in flight, ignoring trigger", "reason", reason, "flight", m.inFlight.id)
		return
	}
	if refreshToken == "" {
		slog.DebugContext(m.runCtx, "no refresh token available, ignoring trigger", "reason", reason)
		return
	}

	f := &flight{id: uuid.New(), refreshToken: refreshToken}
	m.inFlight = f
	slog.InfoContext(m.runCtx, "refreshing access token", "reason", reason, "flight", f.id)
	m.publish()

	ctx := m.runCtx
	go func() {
		grant, err := m.exchanger.ExchangeRefreshToken(ctx, f.refreshToken)
		m.post(func() { m.completeExchange(f, grant, err) })
	}()
}

func (m *Manager) completeExchange(f *flight, grant tokenclient.Grant, err error) {
	if m.inFlight != f {
		slog.DebugContext(m.runCtx, "discarding superseded exchange result", "flight", f.id)
		return
	}
	m.inFlight = nil

	if err != nil {
		m.onExchangeFailed(f, err)
		return
	}
	m.onExchangeSucceeded(f, grant)
}

func (m *Manager) onExchangeSucceeded(f *flight, grant tokenclient.Grant) {
	now := m.clock.Now()

	m.grant = &grant
	m.refreshToken = grant.RefreshToken
	m.acquiredAt = now
	m.expiresAt = now.Add(grant.Lifetime())
	m.lastErr = nil
	m.valid = grant.ExpiresIn > 0
	m.secondsLeft = nil
	m.arm(grant)
	m.updateCountdown(now)

	slog.InfoContext(m.runCtx, "access token refreshed", "flight", f.id, "grant", grant, "renew_at", m.renewAt)

	m.persistRefreshToken()
	m.writeSnapshot()
	m.publish()
}

func (m *Manager) onExchangeFailed(f *flight, err error) {
	m.valid = false
	m.lastErr = err
	slog.ErrorContext(m.runCtx, "token refresh failed", "flight", f.id, "kind", ErrorKind(err), "error", err)
	m.publish()
}

func (m *Manager) onRenewalDue(generation uint64) {
	if generation != m.generation || m.grant == nil {
		return
	}
	m.renewTimer = nil
	m.renewAt = time.Time{}
	m.triggerRefresh(m.refreshToken, "renewal")
}

func (m *Manager) onCountdownTick() {
	if m.grant == nil {
		return
	}
	now := m.clock.Now()
	m.updateCountdown(now)
	if m.persistPending && now.Sub(m.lastPersistRetry) >= persistRetryInterval {
		m.persistRefreshToken()
	}
	m.publish()
}

// updateCountdown recomputes the remaining seconds. The value never increases for the
// same grant, and the session turns invalid at zero unless a renewal is in flight.
// Reaching zero stops only the ticker; a renewal due at the same instant still fires.
func (m *Manager) updateCountdown(now time.Time) {
	secs := int(math.Ceil(m.expiresAt.Sub(now).Seconds()))
	if secs < 0 {
		secs = 0
	}
	if m.secondsLeft != nil && *m.secondsLeft < secs {
		secs = *m.secondsLeft
	}
	m.secondsLeft = &secs

	if secs == 0 {
		if m.inFlight == nil {
			m.valid = false
		}
		m.stopTicker()
	}
}

func (m *Manager) logout() error {
	m.disarm()
	if m.inFlight != nil {
		slog.DebugContext(m.runCtx, "abandoning in-flight exchange on logout", "flight", m.inFlight.id)
	}
	m.inFlight = nil
	m.grant = nil
	m.refreshToken = ""
	m.acquiredAt = time.Time{}
	m.expiresAt = time.Time{}
	m.secondsLeft = nil
	m.valid = false
	m.lastErr = nil
	m.persistPending = false
	m.started = false

	ctx, cancel := context.WithTimeout(m.runCtx, persistTimeout)
	defer cancel()

	var err error
	if deleteErr := m.store.Delete(ctx, secretstore.RefreshTokenKey); deleteErr != nil {
		err = asPersistenceError("delete", deleteErr)
		m.lastErr = err
		slog.ErrorContext(ctx, "failed to delete refresh token", "error", deleteErr)
	}
	if m.snapshots != nil {
		if snapErr := m.snapshots.Remove(ctx); snapErr != nil {
			slog.WarnContext(ctx, "failed to remove session snapshot", "error", snapErr)
		}
	}

	slog.InfoContext(ctx, "logged out")
	m.publish()
	return err
}

// arm replaces both timers for grant. Grants without a lifetime arm nothing.
func (m *Manager) arm(grant tokenclient.Grant) {
	m.disarm()
	if grant.ExpiresIn <= 0 {
		return
	}

	m.generation++
	generation := m.generation

	renewAfter := time.Duration(math.Round(float64(grant.Lifetime()) * m.renewFraction))
	m.renewAt = m.clock.Now().Add(renewAfter)
	m.renewTimer = m.clock.AfterFunc(renewAfter, func() {
		// Timer callbacks must not block the clock; hand off to the owner goroutine.
		go m.post(func() { m.onRenewalDue(generation) })
	})
	m.ticker = m.clock.NewTicker(m.countdownInterval)
}

// disarm stops both timers. A renewal callback already queued is discarded by its
// generation check.
func (m *Manager) disarm() {
	m.generation++
	if m.renewTimer != nil {
		m.renewTimer.Stop()
		m.renewTimer = nil
	}
	m.renewAt = time.Time{}
	m.stopTicker()
}

func (m *Manager) stopTicker() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
}

// persistRefreshToken saves the current refresh token. A failure is recorded and
// retried later; the in-memory session stays usable.
func (m *Manager) persistRefreshToken() {
	ctx, cancel := context.WithTimeout(m.runCtx, persistTimeout)
	defer cancel()

	m.lastPersistRetry = m.clock.Now()
	if err := m.store.Save(ctx, secretstore.RefreshTokenKey, m.refreshToken); err != nil {
		// Access token is still valid, but a restart would need a manual login
		slog.ErrorContext(ctx, "failed to persist refresh token", "error", err)
		m.persistPending = true
		m.lastErr = asPersistenceError("save", err)
		return
	}

	if m.persistPending {
		slog.InfoContext(ctx, "persisted refresh token after earlier failure")
		if ErrorKind(m.lastErr) == KindPersistence {
			m.lastErr = nil
		}
	}
	m.persistPending = false
}

func (m *Manager) writeSnapshot() {
	if m.snapshots == nil || m.grant == nil {
		return
	}

	ctx, cancel := context.WithTimeout(m.runCtx, persistTimeout)
	defer cancel()

	snap := secretstore.Snapshot{
		AccessToken: m.grant.AccessToken,
		TokenType:   m.grant.TokenType,
		APIServer:   m.grant.APIServer,
		ExpiresAt:   m.expiresAt,
		SavedAt:     m.acquiredAt,
	}
	if err := m.snapshots.Write(ctx, snap); err != nil {
		slog.WarnContext(ctx, "failed to write session snapshot", "error", err)
	}
}

// publish stores a fresh snapshot and notifies subscribers.
func (m *Manager) publish() {
	s := &State{
		Grant:      m.grant,
		AcquiredAt: m.acquiredAt,
		ExpiresAt:  m.expiresAt,
		RenewAt:    m.renewAt,
		Valid:      m.valid && m.grant != nil,
		Refreshing: m.inFlight != nil,
		LastError:  m.lastErr,
		UpdatedAt:  m.clock.Now(),

		HasRefreshToken: m.refreshToken != "",
	}
	if m.secondsLeft != nil {
		secs := *m.secondsLeft
		s.SecondsUntilExpiry = &secs
	}

	switch {
	case s.Refreshing:
		s.Phase = PhaseRefreshing
	case s.Valid:
		s.Phase = PhaseAuthenticated
	default:
		s.Phase = PhaseUnauthenticated
	}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.published.Store(s)
	for _, ch := range m.subs {
		offer(ch, *s)
	}
}

// offer replaces any unread state in ch with s.
func offer(ch chan State, s State) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func asPersistenceError(op string, err error) error {
	var perr *secretstore.PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &secretstore.PersistenceError{Op: op, Key: secretstore.RefreshTokenKey, Err: err}
}
