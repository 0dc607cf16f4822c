// Package storage provides the blob backend used for uploaded document payloads
// and per-user transport credentials.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360/docrelay/errors"
)

// Store is the pluggable backend interface for blob operations.
//
// Keys are strings with "/" separated hierarchy, for example
// "payloads/<user>/<message-id>" or "credentials/<user>". Values are opaque
// bytes. All implementations must be safe for concurrent use.
type Store interface {
	// Put stores data at key, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the data at key. A missing key yields an error matching
	// errors.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns keys with the given prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// PayloadKey is where the router stores the bytes of an inbound document.
func PayloadKey(userID, messageID string) string {
	return fmt.Sprintf("payloads/%s/%s", sanitize(userID), sanitize(messageID))
}

// CredentialKey is where a user's transport credentials live.
func CredentialKey(userID string) string {
	return "credentials/" + sanitize(userID)
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put implements Store
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "MemoryStore", "Put", "empty key")
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.objects[key] = cp
	m.mu.Unlock()
	return nil
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, errors.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List implements Store
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Store
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}
