package connection

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/storage"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and fires every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

// pending returns the delays of timers that are still armed
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

type fakeTransport struct {
	opens   chan *fakeHandle
	mu      sync.Mutex
	openErr error
	creds   [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opens: make(chan *fakeHandle, 64)}
}

func (t *fakeTransport) Open(_ context.Context, userID string, creds []byte, emit func(Event)) (Handle, error) {
	t.mu.Lock()
	err := t.openErr
	t.creds = append(t.creds, creds)
	t.mu.Unlock()

	h := &fakeHandle{userID: userID, emit: emit}
	t.opens <- h
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (t *fakeTransport) setOpenErr(err error) {
	t.mu.Lock()
	t.openErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) next(tb testing.TB) *fakeHandle {
	tb.Helper()
	select {
	case h := <-t.opens:
		return h
	case <-time.After(2 * time.Second):
		tb.Fatal("transport was not opened")
		return nil
	}
}

func (t *fakeTransport) assertNoOpen(tb testing.TB) {
	tb.Helper()
	select {
	case <-t.opens:
		tb.Fatal("unexpected transport open")
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeHandle struct {
	userID string
	emit   func(Event)

	mu        sync.Mutex
	sent      []string
	sendErr   error
	loggedOut bool
	closed    bool
}

func (h *fakeHandle) Send(_ context.Context, peerRef, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, peerRef+": "+text)
	return nil
}

func (h *fakeHandle) Logout(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) isLoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

func (h *fakeHandle) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

func (h *fakeHandle) challenge(code string) { h.emit(Event{Type: EventChallenge, Challenge: code}) }
func (h *fakeHandle) open()                 { h.emit(Event{Type: EventOpen}) }
func (h *fakeHandle) closeWith(code int, reason string) {
	h.emit(Event{Type: EventClose, Code: code, Reason: reason, Err: stderrors.New("socket closed")})
}
func (h *fakeHandle) logout() {
	h.emit(Event{Type: EventClose, Code: 401, Reason: "logged_out", LoggedOut: true})
}

type harness struct {
	m         *Manager
	transport *fakeTransport
	clock     *fakeClock
	sessions  *MemorySessionStore
	blobs     *storage.MemoryStore
	creds     *BlobCredentialStore
	registry  *metric.MetricsRegistry
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxReconnectAttempts = 5
	return cfg
}

func newHarness(t *testing.T, cfg Config, hooks Hooks) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		clock:     newFakeClock(),
		sessions:  NewMemorySessionStore(),
		blobs:     storage.NewMemoryStore(),
		registry:  metric.NewMetricsRegistry(),
	}
	h.creds = NewBlobCredentialStore(h.blobs)

	m, err := NewManager(cfg, h.transport, h.sessions, h.creds,
		WithClock(h.clock), WithHooks(hooks), WithMetrics(h.registry))
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return h
}

// flush waits until every event already posted for userID has been handled.
func (h *harness) flush(t *testing.T, userID string) {
	t.Helper()
	a, err := h.m.actor(userID, false)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NoError(t, a.call(context.Background(), func(*userActor) {}))
}

// waitAttached waits until fh is the actor's live handle.
func (h *harness) waitAttached(t *testing.T, userID string, fh *fakeHandle) {
	t.Helper()
	a, err := h.m.actor(userID, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		attached := false
		_ = a.call(context.Background(), func(a *userActor) { attached = a.handle == Handle(fh) })
		return attached
	}, 2*time.Second, 5*time.Millisecond)
}

// connected drives userID through a full open and returns the live handle.
func (h *harness) connected(t *testing.T, userID string) *fakeHandle {
	t.Helper()
	require.NoError(t, h.m.Connect(context.Background(), userID))
	fh := h.transport.next(t)
	h.waitAttached(t, userID, fh)
	fh.open()
	h.flush(t, userID)
	return fh
}
