package connection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/natsclient"
	"github.com/c360/docrelay/storage"
)

// State is a user's position in the connection state machine
type State string

// Connection states
const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateConnected         State = "connected"
	StateReconnecting      State = "reconnecting"
	StateLoggedOut         State = "logged_out"
)

// Session is the persisted view of one user's connection
type Session struct {
	UserID             string     `json:"userId"`
	State              State      `json:"state"`
	CredentialRef      string     `json:"credentialRef"`
	Connected          bool       `json:"connected"`
	ConnectedAt        *time.Time `json:"connectedAt,omitempty"`
	LastChallenge      string     `json:"lastChallenge,omitempty"`
	ChallengeExpiresAt *time.Time `json:"challengeExpiresAt,omitempty"`
	ReconnectAttempts  int        `json:"reconnectAttempts"`
	LastError          string     `json:"lastError,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// SessionStore persists Session rows
type SessionStore interface {
	Get(ctx context.Context, userID string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, userID string) error
	// ListConnected returns sessions persisted as connected, used for restore.
	ListConnected(ctx context.Context) ([]*Session, error)
}

// CredentialStore loads and saves opaque per-user transport credentials
type CredentialStore interface {
	// Load returns nil, nil when the user has no stored credentials.
	Load(ctx context.Context, userID string) ([]byte, error)
	Save(ctx context.Context, userID string, blob []byte) error
	Delete(ctx context.Context, userID string) error
}

// MemorySessionStore keeps sessions in memory
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

// Get implements SessionStore
func (m *MemorySessionStore) Get(_ context.Context, userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", userID, errors.ErrNotFound)
	}
	return &s, nil
}

// Put implements SessionStore
func (m *MemorySessionStore) Put(_ context.Context, s *Session) error {
	if s == nil || s.UserID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "MemorySessionStore", "Put", "session needs a user id")
	}
	m.mu.Lock()
	m.sessions[s.UserID] = *s
	m.mu.Unlock()
	return nil
}

// Delete implements SessionStore
func (m *MemorySessionStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	return nil
}

// ListConnected implements SessionStore
func (m *MemorySessionStore) ListConnected(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Connected {
			cp := s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// KVSessionStore persists sessions in a NATS KV bucket keyed by user
type KVSessionStore struct {
	kv *natsclient.KVStore
}

// NewKVSessionStore creates (or binds to) the session bucket
func NewKVSessionStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVSessionStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "connection", "NewKVSessionStore",
			"nats client cannot be nil")
	}
	kvb, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Per-user transport sessions",
		History:     3,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "connection", "NewKVSessionStore", "create KV bucket")
	}
	return &KVSessionStore{kv: client.NewKVStore(kvb)}, nil
}

// sessionKey encodes userID into the KV key alphabet
func sessionKey(userID string) string {
	return "session." + base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func isNotFound(err error) bool {
	return stderrors.Is(err, errors.ErrNotFound)
}

// Get implements SessionStore
func (k *KVSessionStore) Get(ctx context.Context, userID string) (*Session, error) {
	var s Session
	if _, err := k.kv.GetJSON(ctx, sessionKey(userID), &s); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, fmt.Errorf("session %s: %w", userID, errors.ErrNotFound)
		}
		return nil, errors.WrapTransient(err, "KVSessionStore", "Get", "get session")
	}
	return &s, nil
}

// Put implements SessionStore
func (k *KVSessionStore) Put(ctx context.Context, s *Session) error {
	if s == nil || s.UserID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "KVSessionStore", "Put", "session needs a user id")
	}
	if _, err := k.kv.PutJSON(ctx, sessionKey(s.UserID), s); err != nil {
		return errors.WrapTransient(err, "KVSessionStore", "Put", "put session")
	}
	return nil
}

// Delete implements SessionStore
func (k *KVSessionStore) Delete(ctx context.Context, userID string) error {
	if err := k.kv.Delete(ctx, sessionKey(userID)); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "KVSessionStore", "Delete", "delete session")
	}
	return nil
}

// ListConnected implements SessionStore
func (k *KVSessionStore) ListConnected(ctx context.Context) ([]*Session, error) {
	keys, err := k.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVSessionStore", "ListConnected", "list keys")
	}
	var out []*Session
	for _, key := range keys {
		entry, err := k.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "KVSessionStore", "ListConnected", "get "+key)
		}
		var s Session
		if err := json.Unmarshal(entry.Value, &s); err != nil {
			continue
		}
		if s.Connected {
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// BlobCredentialStore keeps credentials in a storage.Store
type BlobCredentialStore struct {
	blobs storage.Store
}

// NewBlobCredentialStore wraps blobs
func NewBlobCredentialStore(blobs storage.Store) *BlobCredentialStore {
	return &BlobCredentialStore{blobs: blobs}
}

// Load implements CredentialStore
func (b *BlobCredentialStore) Load(ctx context.Context, userID string) ([]byte, error) {
	data, err := b.blobs.Get(ctx, storage.CredentialKey(userID))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Save implements CredentialStore
func (b *BlobCredentialStore) Save(ctx context.Context, userID string, blob []byte) error {
	return b.blobs.Put(ctx, storage.CredentialKey(userID), blob)
}

// Delete implements CredentialStore
func (b *BlobCredentialStore) Delete(ctx context.Context, userID string) error {
	return b.blobs.Delete(ctx, storage.CredentialKey(userID))
}
