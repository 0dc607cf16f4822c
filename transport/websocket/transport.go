// Package websocket implements connection.Transport over a WebSocket bridge
// to the messaging network. Each user session is one socket at
// <bridge>/sessions/<userID>; frames are JSON envelopes.
package websocket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/docrelay/connection"
	"github.com/c360/docrelay/errors"
)

// Config holds bridge connection settings
type Config struct {
	BridgeURL        string
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
	PingInterval     time.Duration // 0 disables keepalive pings
	Header           http.Header   // extra headers sent on dial, e.g. Authorization
	TLS              *tls.Config   // used for wss bridges; nil means system defaults
}

// DefaultConfig returns sensible defaults for a local bridge
func DefaultConfig() Config {
	return Config{
		BridgeURL:        "ws://localhost:3001",
		HandshakeTimeout: 10 * time.Second,
		SendTimeout:      15 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// Transport dials bridge sessions
type Transport struct {
	cfg    Config
	base   *url.URL
	dialer *websocket.Dialer
	logger *slog.Logger
}

var _ connection.Transport = (*Transport)(nil)

// New creates a Transport for the configured bridge
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if cfg.BridgeURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "websocket", "New", "bridge url is required")
	}
	base, err := url.Parse(cfg.BridgeURL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "websocket", "New", "parse bridge url")
	}
	switch base.Scheme {
	case "ws", "wss":
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "websocket", "New",
			fmt.Sprintf("unsupported bridge scheme %q", base.Scheme))
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		base:   base,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, TLSClientConfig: cfg.TLS},
		logger: logger.With("component", "bridge_transport"),
	}, nil
}

func (t *Transport) sessionURL(userID string) string {
	u := *t.base
	escaped := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sessions/" + userID
	u.RawPath = escaped + "/sessions/" + url.PathEscape(userID)
	return u.String()
}

// Open dials the user's bridge session and sends hello. Lifecycle events are
// delivered through emit from the session's read goroutine.
func (t *Transport) Open(ctx context.Context, userID string, credentials []byte,
	emit func(connection.Event)) (connection.Handle, error) {

	conn, resp, err := t.dialer.DialContext(ctx, t.sessionURL(userID), t.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &errors.LoggedOutError{UserID: userID, Reason: resp.Status}
		}
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		return nil, errors.WrapTransient(&errors.ConnectionError{UserID: userID, Code: code, Reason: "dial failed", Err: err},
			"websocket", "Open", "dial bridge")
	}

	s := &session{
		t:       t,
		userID:  userID,
		conn:    conn,
		emit:    emit,
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}

	hello, err := newEnvelope(TypeHello, uuid.NewString(), HelloPayload{UserID: userID, Credentials: credentials})
	if err == nil {
		err = s.write(websocket.TextMessage, hello)
	}
	if err != nil {
		_ = conn.Close()
		return nil, errors.WrapTransient(&errors.ConnectionError{UserID: userID, Reason: "hello failed", Err: err},
			"websocket", "Open", "send hello")
	}

	if t.cfg.PingInterval > 0 {
		s.extendDeadline()
		conn.SetPongHandler(func(string) error {
			s.extendDeadline()
			return nil
		})
		go s.pingLoop()
	}
	go s.readLoop()

	t.logger.Debug("Bridge session opened", "user_id", userID)
	return s, nil
}

// session is one live bridge socket
type session struct {
	t      *Transport
	userID string
	conn   *websocket.Conn
	emit   func(connection.Event)

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan error

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (s *session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.t.cfg.SendTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.t.cfg.SendTimeout))
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *session) extendDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.t.cfg.PingInterval))
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(s.t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.t.cfg.SendTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) readLoop() {
	defer s.finish()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			s.emitClose(err)
			return
		}
		if s.t.cfg.PingInterval > 0 {
			s.extendDeadline()
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.t.logger.Warn("Dropping malformed bridge frame", "user_id", s.userID, "error", err)
			continue
		}
		if stop := s.handle(&env); stop {
			return
		}
	}
}

// handle converts one envelope into events. It returns true when the bridge
// ended the session.
func (s *session) handle(env *Envelope) bool {
	switch env.Type {
	case TypeChallenge:
		var p ChallengePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Code == "" {
			s.t.logger.Warn("Invalid challenge frame", "user_id", s.userID)
			return false
		}
		s.emit(connection.Event{Type: connection.EventChallenge, Challenge: p.Code})

	case TypeOpen:
		s.emit(connection.Event{Type: connection.EventOpen})

	case TypeClose:
		var p ClosePayload
		_ = json.Unmarshal(env.Payload, &p)
		s.closing.Store(true)
		s.emit(connection.Event{
			Type:      connection.EventClose,
			Code:      p.Code,
			Reason:    p.Reason,
			LoggedOut: isLoggedOut(p.Code, p.Reason),
		})
		_ = s.conn.Close()
		return true

	case TypeCredentials:
		var p CredentialsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || len(p.Credentials) == 0 {
			s.t.logger.Warn("Invalid credentials frame", "user_id", s.userID)
			return false
		}
		s.emit(connection.Event{Type: connection.EventCredentials, Credentials: p.Credentials})

	case TypeMessage:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.t.logger.Warn("Invalid message frame", "user_id", s.userID, "error", err)
			return false
		}
		s.emit(connection.Event{Type: connection.EventMessage, Message: toInbound(s.userID, &p)})

	case TypeAck:
		s.resolve(env.ID, nil)

	case TypeNack:
		var p NackPayload
		_ = json.Unmarshal(env.Payload, &p)
		reason := p.Reason
		if p.Error != "" {
			reason += ": " + p.Error
		}
		s.resolve(env.ID, fmt.Errorf("bridge refused send: %s", reason))

	default:
		s.t.logger.Debug("Ignoring bridge frame", "user_id", s.userID, "type", env.Type)
	}
	return false
}

func toInbound(userID string, p *MessagePayload) *connection.InboundMessage {
	received := time.Now()
	if p.Timestamp > 0 {
		received = time.UnixMilli(p.Timestamp)
	}
	kind := connection.MessageKind(p.Kind)
	if kind == "" {
		kind = connection.KindText
	}
	return &connection.InboundMessage{
		UserID:     userID,
		MessageID:  p.MessageID,
		PeerRef:    p.PeerRef,
		Kind:       kind,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		Caption:    p.Caption,
		Data:       p.Data,
		FromMe:     p.FromMe,
		ReceivedAt: received,
	}
}

func (s *session) emitClose(err error) {
	ev := connection.Event{Type: connection.EventClose, Err: err, Reason: "connection lost"}
	var ce *websocket.CloseError
	if stderrors.As(err, &ce) {
		ev.Code = ce.Code
		if ce.Text != "" {
			ev.Reason = ce.Text
		}
		if isLoggedOut(ce.Code, ce.Text) {
			ev.Code = http.StatusUnauthorized
			ev.LoggedOut = true
		}
	}
	s.emit(ev)
}

func (s *session) resolve(id string, err error) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()
	if ok {
		ch <- err
	}
}

// finish fails every outstanding send once the socket is gone
func (s *session) finish() {
	s.closeOnce.Do(func() { close(s.done) })
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		ch <- errors.ErrConnectionLost
		delete(s.pending, id)
	}
}

// Send writes a send envelope and waits for the bridge's ack or nack
func (s *session) Send(ctx context.Context, peerRef, text string) error {
	id := uuid.NewString()
	data, err := newEnvelope(TypeSend, id, SendPayload{PeerRef: peerRef, Text: text})
	if err != nil {
		return errors.WrapInvalid(err, "websocket", "Send", "encode envelope")
	}

	reply := make(chan error, 1)
	s.pendingMu.Lock()
	select {
	case <-s.done:
		s.pendingMu.Unlock()
		return errors.ErrConnectionLost
	default:
	}
	s.pending[id] = reply
	s.pendingMu.Unlock()

	if err := s.write(websocket.TextMessage, data); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return fmt.Errorf("%w: %v", errors.ErrConnectionLost, err)
	}

	timer := time.NewTimer(s.t.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err
	case <-timer.C:
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return fmt.Errorf("no ack within %s: %w", s.t.cfg.SendTimeout, errors.ErrConnectionTimeout)
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return ctx.Err()
	}
}

// Logout asks the bridge to revoke the session. It does not wait for the
// socket to close.
func (s *session) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := newEnvelope(TypeLogout, uuid.NewString(), nil)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

// Close ends the socket without emitting a close event
func (s *session) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}
