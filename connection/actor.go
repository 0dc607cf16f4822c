package connection

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/pkg/retry"
	"github.com/c360/docrelay/storage"
)

var errActorStopped = stderrors.New("connection actor stopped")

const inboxSize = 64

// userActor serializes every transition for one user. Fields below the
// snapshot lock are owned by the run goroutine.
type userActor struct {
	m      *Manager
	userID string

	inbox    chan func(*userActor)
	done     chan struct{}
	stopOnce sync.Once

	// inbound messages are queued without bound so the actor never waits
	// on a slow OnMessage hook that is itself calling back into the actor.
	msgMu     sync.Mutex
	msgQueue  []InboundMessage
	msgSignal chan struct{}

	state           State
	session         Session
	handle          Handle
	gen             uint64
	timer           Timer
	timerToken      uint64
	attempts        int
	quickFails      int
	exhausted       bool
	challengeIssued bool
	attemptStarted  time.Time
	lastErr         error

	snapMu sync.RWMutex
	snap   StatusInfo
}

func newUserActor(m *Manager, userID string) *userActor {
	a := &userActor{
		m:         m,
		userID:    userID,
		inbox:     make(chan func(*userActor), inboxSize),
		done:      make(chan struct{}),
		msgSignal: make(chan struct{}, 1),
		state:     StateDisconnected,
		session: Session{
			UserID:        userID,
			State:         StateDisconnected,
			CredentialRef: storage.CredentialKey(userID),
		},
	}
	if m.metrics != nil {
		m.metrics.Sessions.WithLabelValues(string(StateDisconnected)).Inc()
	}
	a.publish()
	return a
}

func (a *userActor) run() {
	for {
		select {
		case fn := <-a.inbox:
			fn(a)
		case <-a.done:
			return
		}
	}
}

// dispatch hands inbound messages to OnMessage in arrival order.
func (a *userActor) dispatch() {
	for {
		select {
		case <-a.msgSignal:
		case <-a.done:
			return
		}
		for {
			a.msgMu.Lock()
			if len(a.msgQueue) == 0 {
				a.msgMu.Unlock()
				break
			}
			msg := a.msgQueue[0]
			a.msgQueue = a.msgQueue[1:]
			a.msgMu.Unlock()

			if h := a.m.currentHooks().OnMessage; h != nil {
				h(a.m.ctx, msg)
			}
			select {
			case <-a.done:
				return
			default:
			}
		}
	}
}

func (a *userActor) stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		if a.m.metrics != nil {
			a.snapMu.RLock()
			state := a.snap.State
			a.snapMu.RUnlock()
			a.m.metrics.Sessions.WithLabelValues(string(state)).Dec()
		}
	})
}

func (a *userActor) post(fn func(*userActor)) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.inbox <- fn:
		return true
	case <-a.done:
		return false
	}
}

// call runs fn on the actor and waits for it to finish
func (a *userActor) call(ctx context.Context, fn func(*userActor)) error {
	finished := make(chan struct{})
	if !a.post(func(a *userActor) {
		defer close(finished)
		fn(a)
	}) {
		return errActorStopped
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		return errActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *userActor) snapshot() StatusInfo {
	a.snapMu.RLock()
	defer a.snapMu.RUnlock()
	return a.snap
}

// publish copies actor-owned state into the lock-protected snapshot.
func (a *userActor) publish() {
	info := StatusInfo{
		Connected:            a.state == StateConnected,
		Reconnecting:         a.state == StateReconnecting && !a.exhausted,
		ReconnectAttempts:    a.attempts,
		MaxReconnectAttempts: a.m.cfg.MaxReconnectAttempts,
		State:                a.state,
		Exhausted:            a.exhausted,
		ConnectedAt:          a.session.ConnectedAt,
		Challenge:            a.session.LastChallenge,
	}
	if a.session.ChallengeExpiresAt != nil {
		info.challengeExpiresAt = *a.session.ChallengeExpiresAt
	}
	if a.lastErr != nil {
		info.LastError = a.lastErr.Error()
	}
	a.snapMu.Lock()
	a.snap = info
	a.snapMu.Unlock()
}

func (a *userActor) setState(s State) {
	if a.state == s {
		return
	}
	if a.m.metrics != nil {
		a.m.metrics.Sessions.WithLabelValues(string(a.state)).Dec()
		a.m.metrics.Sessions.WithLabelValues(string(s)).Inc()
	}
	a.m.logger.Debug("Session state change", "user_id", a.userID, "from", a.state, "to", s)
	a.state = s
}

func (a *userActor) persist() {
	a.session.State = a.state
	a.session.ReconnectAttempts = a.attempts
	a.session.UpdatedAt = a.m.clock.Now()
	if a.lastErr != nil {
		a.session.LastError = a.lastErr.Error()
	}

	ctx, cancel := a.m.storeCtx()
	defer cancel()
	s := a.session
	if err := a.m.sessions.Put(ctx, &s); err != nil {
		a.m.logger.Warn("Failed to persist session", "user_id", a.userID, "error", err)
	}
	a.publish()
}

func (a *userActor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerToken++
}

// dropHandle invalidates the current handle so late events are ignored.
func (a *userActor) dropHandle() {
	a.gen++
	if a.handle != nil {
		h := a.handle
		a.handle = nil
		go func() { _ = h.Close() }()
	}
}

func (a *userActor) connect() {
	switch {
	case a.state == StateConnected:
		return
	case a.state == StateReconnecting && !a.exhausted:
		return
	}
	a.attempts = 0
	a.quickFails = 0
	a.exhausted = false
	a.startAttempt()
}

func (a *userActor) startAttempt() {
	a.stopTimer()
	a.dropHandle()
	gen := a.gen

	a.setState(StateConnecting)
	a.challengeIssued = false
	a.attemptStarted = a.m.clock.Now()
	a.persist()

	emit := func(ev Event) {
		a.post(func(a *userActor) { a.handleEvent(gen, ev) })
	}
	go func() {
		creds, err := a.m.creds.Load(a.m.ctx, a.userID)
		if err != nil {
			a.post(func(a *userActor) { a.opened(gen, nil, err) })
			return
		}
		h, err := a.m.transport.Open(a.m.ctx, a.userID, creds, emit)
		if !a.post(func(a *userActor) { a.opened(gen, h, err) }) && h != nil {
			_ = h.Close()
		}
	}()
}

func (a *userActor) opened(gen uint64, h Handle, err error) {
	if gen != a.gen {
		if h != nil {
			go func() { _ = h.Close() }()
		}
		return
	}
	if err != nil {
		var loggedOut *errors.LoggedOutError
		if stderrors.As(err, &loggedOut) {
			a.handleClose(Event{Type: EventClose, Reason: loggedOut.Reason, LoggedOut: true})
			return
		}
		a.handleClose(Event{Type: EventClose, Reason: "open failed", Err: err})
		return
	}
	a.handle = h
}

func (a *userActor) handleEvent(gen uint64, ev Event) {
	if gen != a.gen {
		a.m.logger.Debug("Dropping event from superseded handle",
			"user_id", a.userID, "event", ev.Type.String())
		return
	}

	switch ev.Type {
	case EventChallenge:
		a.handleChallenge(ev.Challenge)
	case EventOpen:
		a.handleOpen()
	case EventClose:
		a.handleClose(ev)
	case EventCredentials:
		a.handleCredentials(ev.Credentials)
	case EventMessage:
		a.handleMessage(ev.Message)
	}
}

func (a *userActor) handleChallenge(challenge string) {
	now := a.m.clock.Now()
	expires := now.Add(a.m.cfg.ChallengeTTL)

	a.setState(StateAwaitingChallenge)
	a.attempts = 0
	a.challengeIssued = true
	a.session.LastChallenge = challenge
	a.session.ChallengeExpiresAt = &expires
	a.persist()

	a.m.logger.Info("Challenge issued", "user_id", a.userID)
	if h := a.m.currentHooks().OnChallenge; h != nil {
		h(a.userID, challenge)
	}
}

func (a *userActor) handleOpen() {
	now := a.m.clock.Now()

	a.setState(StateConnected)
	a.attempts = 0
	a.quickFails = 0
	a.exhausted = false
	a.lastErr = nil
	a.session.Connected = true
	a.session.ConnectedAt = &now
	a.session.LastChallenge = ""
	a.session.ChallengeExpiresAt = nil
	a.session.LastError = ""
	a.persist()

	a.m.logger.Info("Session connected", "user_id", a.userID)
	if h := a.m.currentHooks().OnReady; h != nil {
		h(a.userID)
	}
}

func (a *userActor) handleClose(ev Event) {
	a.dropHandle()
	a.stopTimer()
	a.session.Connected = false
	a.session.LastChallenge = ""
	a.session.ChallengeExpiresAt = nil

	if ev.LoggedOut {
		a.lastErr = &errors.LoggedOutError{UserID: a.userID, Reason: ev.Reason}
		a.setState(StateLoggedOut)
		a.attempts = 0
		a.quickFails = 0
		a.exhausted = false
		a.persist()

		ctx, cancel := a.m.storeCtx()
		if err := a.m.creds.Delete(ctx, a.userID); err != nil {
			a.m.logger.Warn("Failed to delete credentials", "user_id", a.userID, "error", err)
		}
		cancel()

		a.m.logger.Warn("Session logged out", "user_id", a.userID, "reason", ev.Reason)
		if h := a.m.currentHooks().OnLoggedOut; h != nil {
			h(a.userID, ev.Reason)
		}
		return
	}

	a.lastErr = &errors.ConnectionError{UserID: a.userID, Code: ev.Code, Reason: ev.Reason, Err: ev.Err}

	quick := a.state == StateConnecting && !a.challengeIssued &&
		a.m.clock.Now().Sub(a.attemptStarted) < a.m.cfg.QuickFailWindow
	if quick {
		if a.quickFails >= a.m.cfg.MaxReconnectAttempts {
			a.giveUp()
			return
		}
		a.quickFails++
		a.m.logger.Info("Connection closed during bootstrap, waiting before retry",
			"user_id", a.userID, "delay", a.m.cfg.QuickFailDelay, "quick_failures", a.quickFails)
		a.schedule(a.m.cfg.QuickFailDelay, "quick_fail")
		return
	}

	if a.attempts >= a.m.cfg.MaxReconnectAttempts {
		a.giveUp()
		return
	}
	delay := retry.Backoff(a.m.cfg.BaseDelay, a.m.cfg.GrowthFactor, a.m.cfg.MaxDelay, a.attempts)
	a.attempts++
	a.m.logger.Info("Connection closed, reconnecting",
		"user_id", a.userID, "attempt", a.attempts, "delay", delay, "code", ev.Code, "reason", ev.Reason)
	a.schedule(delay, "backoff")
}

func (a *userActor) schedule(delay time.Duration, kind string) {
	a.setState(StateReconnecting)
	a.persist()

	token := a.timerToken
	a.timer = a.m.clock.AfterFunc(delay, func() {
		a.post(func(a *userActor) {
			if token != a.timerToken {
				return
			}
			a.timer = nil
			a.startAttempt()
		})
	})
	if a.m.metrics != nil {
		a.m.metrics.Reconnects.WithLabelValues(kind).Inc()
	}
}

func (a *userActor) giveUp() {
	a.setState(StateReconnecting)
	a.exhausted = true
	a.persist()

	a.m.logger.Error("Reconnect budget exhausted", "user_id", a.userID,
		"attempts", a.attempts, "quick_failures", a.quickFails, "error", a.lastErr)
	if a.m.metrics != nil {
		a.m.metrics.ReconnectGiveUps.Inc()
	}
	if h := a.m.currentHooks().OnGiveUp; h != nil {
		h(a.userID, a.attempts, a.lastErr)
	}
}

func (a *userActor) handleCredentials(blob []byte) {
	ctx, cancel := a.m.storeCtx()
	defer cancel()
	if err := a.m.creds.Save(ctx, a.userID, blob); err != nil {
		a.m.logger.Error("Failed to save credentials", "user_id", a.userID, "error", err)
	}
}

func (a *userActor) handleMessage(msg *InboundMessage) {
	if msg == nil || msg.FromMe {
		return
	}
	msg.UserID = a.userID

	a.msgMu.Lock()
	a.msgQueue = append(a.msgQueue, *msg)
	a.msgMu.Unlock()
	select {
	case a.msgSignal <- struct{}{}:
	default:
	}
}

func (a *userActor) disconnect(ctx context.Context) {
	a.stopTimer()
	if a.handle != nil {
		lctx, cancel := context.WithTimeout(ctx, a.m.cfg.LogoutTimeout)
		if err := a.handle.Logout(lctx); err != nil {
			a.m.logger.Warn("Logout failed", "user_id", a.userID, "error", err)
		}
		cancel()
	}
	a.dropHandle()

	sctx, cancel := a.m.storeCtx()
	if err := a.m.creds.Delete(sctx, a.userID); err != nil {
		a.m.logger.Warn("Failed to delete credentials", "user_id", a.userID, "error", err)
	}
	cancel()

	a.setState(StateDisconnected)
	a.attempts = 0
	a.quickFails = 0
	a.exhausted = false
	a.lastErr = nil
	a.session.Connected = false
	a.session.LastChallenge = ""
	a.session.ChallengeExpiresAt = nil
	a.session.LastError = ""
	a.persist()
	a.m.logger.Info("Session disconnected", "user_id", a.userID)
}

func (a *userActor) shutdown() {
	a.stopTimer()
	a.dropHandle()
}
