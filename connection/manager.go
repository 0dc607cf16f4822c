// Package connection keeps one authenticated transport session alive per user.
//
// Every user is served by a single actor goroutine that owns the session
// state; commands, transport events and reconnect timers are all delivered to
// its inbox so transitions for one user never run concurrently.
package connection

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/metric"
)

// Config tunes the reconnect state machine
type Config struct {
	BaseDelay            time.Duration
	GrowthFactor         float64
	MaxDelay             time.Duration
	MaxReconnectAttempts int

	// A close while still connecting, before any challenge and within
	// QuickFailWindow of the attempt start, waits QuickFailDelay instead of
	// climbing the backoff ladder. Both values are heuristics.
	QuickFailWindow time.Duration
	QuickFailDelay  time.Duration

	ChallengeTTL       time.Duration
	RestoreConcurrency int
	StoreTimeout       time.Duration
	LogoutTimeout      time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BaseDelay:            5 * time.Second,
		GrowthFactor:         1.5,
		MaxDelay:             60 * time.Second,
		MaxReconnectAttempts: 10,
		QuickFailWindow:      3 * time.Second,
		QuickFailDelay:       10 * time.Second,
		ChallengeTTL:         30 * time.Second,
		RestoreConcurrency:   4,
		StoreTimeout:         5 * time.Second,
		LogoutTimeout:        5 * time.Second,
	}
}

// Hooks are invoked from the user's actor. They must not block for long.
// OnMessage runs on a separate per-user goroutine and may call back into the Manager.
type Hooks struct {
	OnChallenge func(userID, challenge string)
	OnReady     func(userID string)
	OnLoggedOut func(userID, reason string)
	OnGiveUp    func(userID string, attempts int, lastErr error)
	OnMessage   func(ctx context.Context, msg InboundMessage)
}

// StatusInfo answers the per-user status query
type StatusInfo struct {
	Connected            bool       `json:"connected"`
	Reconnecting         bool       `json:"reconnecting"`
	ReconnectAttempts    int        `json:"reconnectAttempts"`
	MaxReconnectAttempts int        `json:"maxReconnectAttempts"`
	State                State      `json:"state"`
	Exhausted            bool       `json:"exhausted,omitempty"`
	Challenge            string     `json:"challenge,omitempty"`
	ConnectedAt          *time.Time `json:"connectedAt,omitempty"`
	LastError            string     `json:"lastError,omitempty"`

	challengeExpiresAt time.Time
}

// ConnectedUser is one entry of ConnectedUsers
type ConnectedUser struct {
	UserID      string    `json:"userId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Manager owns the registry of per-user actors
type Manager struct {
	cfg       Config
	transport Transport
	sessions  SessionStore
	creds     CredentialStore
	clock     Clock
	logger    *slog.Logger
	metrics   *metric.Metrics
	hooks     atomic.Pointer[Hooks]

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	actors map[string]*userActor
	closed bool
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics enables Prometheus session metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.metrics = registry.CoreMetrics()
		}
	}
}

// WithHooks sets the initial hooks
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks.Store(&h) }
}

// NewManager creates a Manager. transport, sessions and creds are required.
func NewManager(cfg Config, transport Transport, sessions SessionStore, creds CredentialStore,
	opts ...Option) (*Manager, error) {

	if transport == nil || sessions == nil || creds == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager",
			"transport, session store and credential store are required")
	}
	if cfg.MaxReconnectAttempts <= 0 || cfg.BaseDelay <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager",
			"base delay and max reconnect attempts must be positive")
	}
	if cfg.RestoreConcurrency <= 0 {
		cfg.RestoreConcurrency = 1
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		sessions:  sessions,
		creds:     creds,
		clock:     realClock{},
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		actors:    make(map[string]*userActor),
	}
	m.hooks.Store(&Hooks{})
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connection")
	return m, nil
}

// SetHooks swaps the hook set used by every actor
func (m *Manager) SetHooks(h Hooks) {
	m.hooks.Store(&h)
}

func (m *Manager) currentHooks() *Hooks {
	return m.hooks.Load()
}

func (m *Manager) actor(userID string, create bool) (*userActor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "Manager", "actor", "lookup user")
	}
	if a, ok := m.actors[userID]; ok {
		return a, nil
	}
	if !create {
		return nil, nil
	}
	a := newUserActor(m, userID)
	m.actors[userID] = a
	go a.run()
	go a.dispatch()
	return a, nil
}

func (m *Manager) remove(userID string, a *userActor) {
	m.mu.Lock()
	if m.actors[userID] == a {
		delete(m.actors, userID)
	}
	m.mu.Unlock()
	a.stop()
}

// Connect starts (or resumes) the user's session. It returns once the attempt
// has been scheduled; the handshake completes asynchronously.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Connect", "user id is required")
	}
	for range 2 {
		a, err := m.actor(userID, true)
		if err != nil {
			return err
		}
		err = a.call(ctx, func(a *userActor) { a.connect() })
		if !stderrors.Is(err, errActorStopped) {
			return err
		}
	}
	return errors.WrapTransient(errActorStopped, "Manager", "Connect", "start session")
}

// Disconnect logs the user out best effort and clears all in-memory state.
// Calling it for an unknown or already disconnected user is a no-op.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	a, err := m.actor(userID, false)
	if err != nil {
		return err
	}
	if a == nil {
		return m.markDisconnected(ctx, userID)
	}
	err = a.call(ctx, func(a *userActor) { a.disconnect(ctx) })
	m.remove(userID, a)
	if err != nil && !stderrors.Is(err, errActorStopped) {
		return err
	}
	return nil
}

func (m *Manager) markDisconnected(ctx context.Context, userID string) error {
	s, err := m.sessions.Get(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if !s.Connected && s.State == StateDisconnected {
		return nil
	}
	s.Connected = false
	s.State = StateDisconnected
	s.UpdatedAt = m.clock.Now()
	return m.sessions.Put(ctx, s)
}

// SendResult delivers text to peerRef over the user's live session.
func (m *Manager) SendResult(ctx context.Context, userID, peerRef, text string) error {
	a, err := m.actor(userID, false)
	if err != nil {
		return err
	}
	if a == nil {
		return &errors.NotConnectedError{UserID: userID, State: string(StateDisconnected)}
	}

	var h Handle
	var state State
	if err := a.call(ctx, func(a *userActor) {
		state = a.state
		if a.state == StateConnected {
			h = a.handle
		}
	}); err != nil {
		return &errors.NotConnectedError{UserID: userID, State: string(StateDisconnected)}
	}
	if h == nil {
		return &errors.NotConnectedError{UserID: userID, State: string(state)}
	}

	if err := h.Send(ctx, peerRef, text); err != nil {
		return errors.WrapTransient(&errors.ConnectionError{UserID: userID, Reason: "send failed", Err: err},
			"Manager", "SendResult", "send message")
	}
	return nil
}

// Status reports the user's connection status. Unknown users are disconnected.
func (m *Manager) Status(userID string) StatusInfo {
	a, _ := m.actor(userID, false)
	if a == nil {
		return StatusInfo{State: StateDisconnected, MaxReconnectAttempts: m.cfg.MaxReconnectAttempts}
	}
	info := a.snapshot()
	if info.Challenge != "" && !m.clock.Now().Before(info.challengeExpiresAt) {
		info.Challenge = ""
	}
	return info
}

// ConnectedUsers lists users whose session is currently open
func (m *Manager) ConnectedUsers() []ConnectedUser {
	m.mu.Lock()
	actors := make([]*userActor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	var users []ConnectedUser
	for _, a := range actors {
		info := a.snapshot()
		if info.Connected && info.ConnectedAt != nil {
			users = append(users, ConnectedUser{UserID: a.userID, ConnectedAt: *info.ConnectedAt})
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// Restore reconnects every session persisted as connected. Individual
// failures are logged; only a failure to list sessions is returned.
func (m *Manager) Restore(ctx context.Context) error {
	sessions, err := m.sessions.ListConnected(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Manager", "Restore", "list connected sessions")
	}
	m.logger.Info("Restoring sessions", "count", len(sessions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.RestoreConcurrency)
	for _, s := range sessions {
		userID := s.UserID
		g.Go(func() error {
			if err := m.Connect(gctx, userID); err != nil {
				m.logger.Error("Failed to restore session", "user_id", userID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown closes every live handle without logging out so persisted
// sessions are restored on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	actors := m.actors
	m.actors = make(map[string]*userActor)
	m.mu.Unlock()

	var errs []error
	for userID, a := range actors {
		if err := a.call(ctx, func(a *userActor) { a.shutdown() }); err != nil &&
			!stderrors.Is(err, errActorStopped) {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
		a.stop()
	}
	m.cancel()
	m.logger.Info("Connection manager stopped", "sessions", len(actors))
	return stderrors.Join(errs...)
}

func (m *Manager) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(m.ctx), m.cfg.StoreTimeout)
}
