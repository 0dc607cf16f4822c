package websocket

import (
	"encoding/json"
	"time"
)

// Envelope types exchanged with the bridge.
//
// Client to bridge: hello, send, logout.
// Bridge to client: challenge, open, close, credentials, message, ack, nack.
const (
	TypeHello       = "hello"
	TypeSend        = "send"
	TypeLogout      = "logout"
	TypeChallenge   = "challenge"
	TypeOpen        = "open"
	TypeClose       = "close"
	TypeCredentials = "credentials"
	TypeMessage     = "message"
	TypeAck         = "ack"
	TypeNack        = "nack"
)

// CloseLoggedOut is the application close code the bridge uses when the
// remote network revoked the session. ReasonLoggedOut is its close text.
const (
	CloseLoggedOut  = 4401
	ReasonLoggedOut = "logged_out"
)

// Envelope wraps every frame with type discrimination and an id used to
// correlate ack/nack replies with the send that caused them.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload opens a session. Credentials are base64 encoded by encoding/json.
type HelloPayload struct {
	UserID      string `json:"userId"`
	Credentials []byte `json:"credentials,omitempty"`
}

// ChallengePayload carries the opaque code the user must present out of band
type ChallengePayload struct {
	Code string `json:"code"`
}

// ClosePayload describes why the bridge ended the session
type ClosePayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// CredentialsPayload carries refreshed session credentials
type CredentialsPayload struct {
	Credentials []byte `json:"credentials"`
}

// MessagePayload is an inbound chat message, optionally with a file
type MessagePayload struct {
	MessageID string `json:"messageId"`
	PeerRef   string `json:"peerRef"`
	Kind      string `json:"kind"`
	Filename  string `json:"filename,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Data      []byte `json:"data,omitempty"`
	FromMe    bool   `json:"fromMe,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// SendPayload asks the bridge to deliver text to a peer
type SendPayload struct {
	PeerRef string `json:"peerRef"`
	Text    string `json:"text"`
}

// NackPayload explains a refused send
type NackPayload struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

func newEnvelope(typ, id string, payload any) ([]byte, error) {
	env := Envelope{Type: typ, ID: id, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func isLoggedOut(code int, reason string) bool {
	return code == CloseLoggedOut || code == 401 || reason == ReasonLoggedOut
}
