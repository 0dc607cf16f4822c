package metricstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/natsclient"
)

const (
	stagePrefix      = "stage."
	processingPrefix = "proc."
	detectionPrefix  = "detect."
	detectionTotals  = "detections"
)

// KVStore keeps metric rows in a NATS KV bucket. Keys embed a zero-padded
// timestamp so lexical order is insertion order.
type KVStore struct {
	kv  *natsclient.KVStore
	now func() time.Time
}

var _ Store = (*KVStore)(nil)

type detectionCounts struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
}

// NewKVStore creates (or binds to) the metrics bucket
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "metricstore", "NewKVStore", "nats client cannot be nil")
	}
	kvb, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Stage metrics, processing records and detections",
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "metricstore", "NewKVStore", "create KV bucket")
	}
	return &KVStore{kv: client.NewKVStore(kvb), now: time.Now}, nil
}

func (s *KVStore) stamp() string {
	return fmt.Sprintf("%020d.%s", s.now().UnixNano(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// AppendStage implements Store
func (s *KVStore) AppendStage(ctx context.Context, m StageMetric) error {
	key := fmt.Sprintf("%s%d.%s", stagePrefix, m.DocumentID, s.stamp())
	if _, err := s.kv.PutJSON(ctx, key, &m); err != nil {
		return errors.WrapTransient(err, "metricstore", "AppendStage", "put stage metric")
	}
	return nil
}

// ListStages implements Store
func (s *KVStore) ListStages(ctx context.Context, documentID int64) ([]StageMetric, error) {
	keys, err := s.keysWithPrefix(ctx, stagePrefix+strconv.FormatInt(documentID, 10)+".")
	if err != nil {
		return nil, errors.WrapTransient(err, "metricstore", "ListStages", "list keys")
	}
	out := make([]StageMetric, 0, len(keys))
	for _, key := range keys {
		var m StageMetric
		if _, err := s.kv.GetJSON(ctx, key, &m); err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "metricstore", "ListStages", "get stage metric")
		}
		out = append(out, m)
	}
	return out, nil
}

// AppendProcessing implements Store
func (s *KVStore) AppendProcessing(ctx context.Context, r ProcessingRecord) error {
	key := processingPrefix + s.stamp()
	if _, err := s.kv.PutJSON(ctx, key, &r); err != nil {
		return errors.WrapTransient(err, "metricstore", "AppendProcessing", "put processing record")
	}
	return nil
}

// ListProcessing implements Store
func (s *KVStore) ListProcessing(ctx context.Context, limit int) ([]ProcessingRecord, error) {
	keys, err := s.keysWithPrefix(ctx, processingPrefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "metricstore", "ListProcessing", "list keys")
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]ProcessingRecord, 0, len(keys))
	for _, key := range keys {
		var r ProcessingRecord
		if _, err := s.kv.GetJSON(ctx, key, &r); err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "metricstore", "ListProcessing", "get processing record")
		}
		out = append(out, r)
	}
	return out, nil
}

// AppendDetection implements Store. Totals are kept in a CAS-updated
// counter so accuracy does not require scanning every detection.
func (s *KVStore) AppendDetection(ctx context.Context, d Detection) error {
	if _, err := s.kv.PutJSON(ctx, detectionPrefix+s.stamp(), &d); err != nil {
		return errors.WrapTransient(err, "metricstore", "AppendDetection", "put detection")
	}
	err := s.kv.UpdateWithRetry(ctx, detectionTotals, func(current []byte) ([]byte, error) {
		var c detectionCounts
		if len(current) > 0 {
			if err := json.Unmarshal(current, &c); err != nil {
				return nil, fmt.Errorf("%w: detection totals: %v", errors.ErrParsingFailed, err)
			}
		}
		c.Total++
		if d.Success {
			c.Successful++
		}
		return json.Marshal(&c)
	})
	if err != nil {
		return errors.WrapTransient(err, "metricstore", "AppendDetection", "update totals")
	}
	return nil
}

// DetectionCounts implements Store
func (s *KVStore) DetectionCounts(ctx context.Context) (int, int, error) {
	var c detectionCounts
	if _, err := s.kv.GetJSON(ctx, detectionTotals, &c); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return 0, 0, nil
		}
		return 0, 0, errors.WrapTransient(err, "metricstore", "DetectionCounts", "get totals")
	}
	return c.Total, c.Successful, nil
}

func (s *KVStore) keysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	all, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
