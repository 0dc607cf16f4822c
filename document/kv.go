package document

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/natsclient"
)

const (
	seqKey        = "seq"
	docPrefix     = "doc."
	summaryPrefix = "summary."
	sourcePrefix  = "source."
)

// KVStore persists documents in a NATS KV bucket. Every mutation is a CAS
// update so concurrent pipeline workers cannot lose writes.
type KVStore struct {
	kv  *natsclient.KVStore
	now func() time.Time
}

var _ Store = (*KVStore)(nil)

// NewKVStore creates (or binds to) the document bucket
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "document", "NewKVStore", "nats client cannot be nil")
	}
	kvb, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Documents, summaries and source claims",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "document", "NewKVStore", "create KV bucket")
	}
	return &KVStore{kv: client.NewKVStore(kvb), now: time.Now}, nil
}

func docKey(id int64) string     { return docPrefix + strconv.FormatInt(id, 10) }
func summaryKey(id int64) string { return summaryPrefix + strconv.FormatInt(id, 10) }

func (s *KVStore) nextID(ctx context.Context) (int64, error) {
	var id int64
	err := s.kv.UpdateWithRetry(ctx, seqKey, func(current []byte) ([]byte, error) {
		var n int64
		if len(current) > 0 {
			parsed, err := strconv.ParseInt(string(current), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: sequence %q", errors.ErrInvalidData, current)
			}
			n = parsed
		}
		id = n + 1
		return []byte(strconv.FormatInt(id, 10)), nil
	})
	return id, err
}

// Create implements Store
func (s *KVStore) Create(ctx context.Context, doc *Document) (*Document, error) {
	if err := validateNew(doc); err != nil {
		return nil, err
	}
	id, err := s.nextID(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "document", "Create", "allocate id")
	}

	stored := *doc
	stored.ID = id
	stored.Status = StatusQueued
	if stored.UploadedAt.IsZero() {
		stored.UploadedAt = s.now()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, errors.WrapFatal(err, "document", "Create", "marshal document")
	}
	if _, err := s.kv.Create(ctx, docKey(id), data); err != nil {
		return nil, errors.WrapTransient(err, "document", "Create", "create in KV")
	}
	return &stored, nil
}

// Get implements Store
func (s *KVStore) Get(ctx context.Context, id int64) (*Document, error) {
	var doc Document
	if _, err := s.kv.GetJSON(ctx, docKey(id), &doc); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, notFound("document", id)
		}
		return nil, errors.WrapTransient(err, "document", "Get", "get from KV")
	}
	return &doc, nil
}

func (s *KVStore) mutate(ctx context.Context, id int64, fn func(*Document) error) (*Document, error) {
	var out Document
	err := s.kv.UpdateWithRetry(ctx, docKey(id), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, notFound("document", id)
		}
		var doc Document
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
		if err := fn(&doc); err != nil {
			return nil, err
		}
		out = doc
		return json.Marshal(&doc)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) || errors.IsInvalid(err) {
			return nil, err
		}
		return nil, errors.WrapTransient(err, "document", "mutate", fmt.Sprintf("update document %d", id))
	}
	return &out, nil
}

// Transition implements Store
func (s *KVStore) Transition(ctx context.Context, id int64, to Status, errMsg string) (*Document, error) {
	hasSummary := false
	if to == StatusCompleted || to == StatusFailed {
		if _, err := s.kv.Get(ctx, summaryKey(id)); err == nil {
			hasSummary = true
		} else if !natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapTransient(err, "document", "Transition", "check summary")
		}
	}
	return s.mutate(ctx, id, func(doc *Document) error {
		return applyTransition(doc, to, errMsg, hasSummary, s.now())
	})
}

// SetError implements Store
func (s *KVStore) SetError(ctx context.Context, id int64, msg string) error {
	_, err := s.mutate(ctx, id, func(doc *Document) error {
		return applyError(doc, msg)
	})
	return err
}

// ClaimSource implements Store
func (s *KVStore) ClaimSource(ctx context.Context, userID string, ref SourceRef) (bool, error) {
	payload, err := json.Marshal(struct {
		UserID string    `json:"userId"`
		Ref    SourceRef `json:"sourceRef"`
		At     time.Time `json:"claimedAt"`
	}{userID, ref, s.now()})
	if err != nil {
		return false, errors.WrapFatal(err, "document", "ClaimSource", "marshal claim")
	}
	if _, err := s.kv.Create(ctx, sourcePrefix+sourceKey(userID, ref), payload); err != nil {
		if natsclient.IsKVConflictError(err) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "document", "ClaimSource", "create claim")
	}
	return true, nil
}

// ReleaseSource implements Store
func (s *KVStore) ReleaseSource(ctx context.Context, userID string, ref SourceRef) error {
	err := s.kv.Delete(ctx, sourcePrefix+sourceKey(userID, ref))
	if err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "document", "ReleaseSource", "delete claim")
	}
	return nil
}

// CreateSummary implements Store
func (s *KVStore) CreateSummary(ctx context.Context, sum *Summary) (bool, error) {
	if err := validateSummary(sum); err != nil {
		return false, err
	}
	if _, err := s.Get(ctx, sum.DocumentID); err != nil {
		return false, err
	}
	cp := *sum
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return false, errors.WrapFatal(err, "document", "CreateSummary", "marshal summary")
	}
	if _, err := s.kv.Create(ctx, summaryKey(sum.DocumentID), data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "document", "CreateSummary", "create in KV")
	}
	return true, nil
}

// GetSummary implements Store
func (s *KVStore) GetSummary(ctx context.Context, documentID int64) (*Summary, error) {
	var sum Summary
	if _, err := s.kv.GetJSON(ctx, summaryKey(documentID), &sum); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, notFound("summary", documentID)
		}
		return nil, errors.WrapTransient(err, "document", "GetSummary", "get from KV")
	}
	return &sum, nil
}

// DeleteSummary implements Store
func (s *KVStore) DeleteSummary(ctx context.Context, documentID int64) error {
	doc, err := s.Get(ctx, documentID)
	if err != nil && !stderrors.Is(err, errors.ErrNotFound) {
		return err
	}
	if doc != nil && doc.Status.IsTerminal() {
		return summaryLocked(doc)
	}
	if err := s.kv.Delete(ctx, summaryKey(documentID)); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "document", "DeleteSummary", "delete from KV")
	}
	return nil
}

// CountByStatus implements Store
func (s *KVStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "document", "CountByStatus", "list keys")
	}
	counts := make(map[Status]int, 4)
	for _, key := range keys {
		if !strings.HasPrefix(key, docPrefix) {
			continue
		}
		var doc Document
		if _, err := s.kv.GetJSON(ctx, key, &doc); err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "document", "CountByStatus", "get "+key)
		}
		counts[doc.Status]++
	}
	return counts, nil
}
