package metricstore

import (
	"context"
	"sync"
)

// MemoryStore keeps metric rows in process memory
type MemoryStore struct {
	mu         sync.RWMutex
	stages     map[int64][]StageMetric
	processing []ProcessingRecord
	detections []Detection
	successful int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stages: make(map[int64][]StageMetric)}
}

// AppendStage implements Store
func (s *MemoryStore) AppendStage(_ context.Context, m StageMetric) error {
	s.mu.Lock()
	s.stages[m.DocumentID] = append(s.stages[m.DocumentID], m)
	s.mu.Unlock()
	return nil
}

// ListStages implements Store
func (s *MemoryStore) ListStages(_ context.Context, documentID int64) ([]StageMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StageMetric(nil), s.stages[documentID]...), nil
}

// AppendProcessing implements Store
func (s *MemoryStore) AppendProcessing(_ context.Context, r ProcessingRecord) error {
	s.mu.Lock()
	s.processing = append(s.processing, r)
	s.mu.Unlock()
	return nil
}

// ListProcessing implements Store
func (s *MemoryStore) ListProcessing(_ context.Context, limit int) ([]ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.processing)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ProcessingRecord, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.processing[i])
	}
	return out, nil
}

// AppendDetection implements Store
func (s *MemoryStore) AppendDetection(_ context.Context, d Detection) error {
	s.mu.Lock()
	s.detections = append(s.detections, d)
	if d.Success {
		s.successful++
	}
	s.mu.Unlock()
	return nil
}

// DetectionCounts implements Store
func (s *MemoryStore) DetectionCounts(context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.detections), s.successful, nil
}
