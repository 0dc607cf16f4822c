// Package objectstore implements storage.Store on a NATS JetStream object store bucket.
package objectstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/natsclient"
	"github.com/c360/docrelay/storage"
)

// Config holds configuration for the object store backend
type Config struct {
	BucketName  string        `json:"bucket_name"`
	Description string        `json:"description,omitempty"`
	MaxBytes    int64         `json:"max_bytes,omitempty"`
	TTL         time.Duration `json:"ttl,omitempty"`
	Replicas    int           `json:"replicas,omitempty"`
}

// DefaultConfig returns the defaults for the payload bucket
func DefaultConfig() Config {
	return Config{
		BucketName:  "docrelay_blobs",
		Description: "Document payloads and transport credentials",
		Replicas:    1,
	}
}

// Store is a storage.Store over a JetStream ObjectStore
type Store struct {
	os     jetstream.ObjectStore
	bucket string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore creates (or binds to) the bucket described by cfg.
func NewStore(ctx context.Context, client *natsclient.Client, cfg Config, logger *slog.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "objectstore", "NewStore", "nats client cannot be nil")
	}
	if cfg.BucketName == "" {
		cfg.BucketName = DefaultConfig().BucketName
	}
	if logger == nil {
		logger = slog.Default()
	}

	os, err := client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.BucketName,
		Description: cfg.Description,
		MaxBytes:    cfg.MaxBytes,
		TTL:         cfg.TTL,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "NewStore", "create object store bucket")
	}

	return NewStoreFromBucket(os, logger), nil
}

// NewStoreFromBucket wraps an existing bucket handle
func NewStoreFromBucket(os jetstream.ObjectStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	bucket := ""
	if status, err := os.Status(context.Background()); err == nil {
		bucket = status.Bucket()
	}
	return &Store{os: os, bucket: bucket, logger: logger.With("bucket", bucket)}
}

// Put stores data at key
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "objectstore", "Put", "empty key")
	}
	if _, err := s.os.PutBytes(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "objectstore", "Put", fmt.Sprintf("put %s", key))
	}
	s.logger.Debug("Stored object", "key", key, "size", len(data))
	return nil
}

// Get retrieves data at key
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.os.GetBytes(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("blob %s: %w", key, errors.ErrNotFound)
		}
		return nil, errors.WrapTransient(err, "objectstore", "Get", fmt.Sprintf("get %s", key))
	}
	return data, nil
}

// List returns the keys with prefix, sorted
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := s.os.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			return []string{}, nil
		}
		return nil, errors.WrapTransient(err, "objectstore", "List", "list objects")
	}

	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		keys = append(keys, info.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key; a missing key is ignored
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.os.Delete(ctx, key); err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "objectstore", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}
