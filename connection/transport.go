package connection

import (
	"context"
	"time"
)

// EventType distinguishes transport lifecycle events
type EventType int

// Transport events delivered to the manager
const (
	EventChallenge EventType = iota
	EventOpen
	EventClose
	EventCredentials
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventChallenge:
		return "challenge"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventCredentials:
		return "credentials"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is emitted by a Handle. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// challenge
	Challenge string

	// close
	Code      int
	Reason    string
	LoggedOut bool
	Err       error

	// credentials
	Credentials []byte

	// message
	Message *InboundMessage
}

// MessageKind classifies inbound payloads
type MessageKind string

// Inbound payload kinds
const (
	KindText     MessageKind = "text"
	KindDocument MessageKind = "document"
	KindImage    MessageKind = "image"
)

// InboundMessage is a payload received on a user's session
type InboundMessage struct {
	UserID     string      `json:"userId"`
	MessageID  string      `json:"messageId"`
	PeerRef    string      `json:"peerRef"`
	Kind       MessageKind `json:"kind"`
	Filename   string      `json:"filename,omitempty"`
	MimeType   string      `json:"mimeType,omitempty"`
	Caption    string      `json:"caption,omitempty"`
	Data       []byte      `json:"data,omitempty"`
	FromMe     bool        `json:"fromMe,omitempty"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// IsDocument reports whether the payload carries a file
func (m *InboundMessage) IsDocument() bool {
	return m.Kind == KindDocument || m.Kind == KindImage
}

// Transport opens authenticated sessions for users. Open returns once the
// underlying connection is established; lifecycle events arrive via emit.
type Transport interface {
	Open(ctx context.Context, userID string, credentials []byte, emit func(Event)) (Handle, error)
}

// Handle is one live transport session
type Handle interface {
	Send(ctx context.Context, peerRef, text string) error
	Logout(ctx context.Context) error
	Close() error
}
