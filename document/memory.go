package document

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps documents in process memory
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	docs      map[int64]*Document
	summaries map[int64]*Summary
	claims    map[string]struct{}
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[int64]*Document),
		summaries: make(map[int64]*Summary),
		claims:    make(map[string]struct{}),
		now:       time.Now,
	}
}

func copyDoc(d *Document) *Document {
	cp := *d
	return &cp
}

// Create implements Store
func (m *MemoryStore) Create(_ context.Context, doc *Document) (*Document, error) {
	if err := validateNew(doc); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	stored := copyDoc(doc)
	stored.ID = m.nextID
	stored.Status = StatusQueued
	if stored.UploadedAt.IsZero() {
		stored.UploadedAt = m.now()
	}
	m.docs[stored.ID] = stored
	return copyDoc(stored), nil
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, id int64) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, notFound("document", id)
	}
	return copyDoc(doc), nil
}

// Transition implements Store
func (m *MemoryStore) Transition(_ context.Context, id int64, to Status, errMsg string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, notFound("document", id)
	}
	next := copyDoc(doc)
	_, hasSummary := m.summaries[id]
	if err := applyTransition(next, to, errMsg, hasSummary, m.now()); err != nil {
		return nil, err
	}
	m.docs[id] = next
	return copyDoc(next), nil
}

// SetError implements Store
func (m *MemoryStore) SetError(_ context.Context, id int64, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return notFound("document", id)
	}
	return applyError(doc, msg)
}

// ClaimSource implements Store
func (m *MemoryStore) ClaimSource(_ context.Context, userID string, ref SourceRef) (bool, error) {
	key := sourceKey(userID, ref)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.claims[key]; seen {
		return false, nil
	}
	m.claims[key] = struct{}{}
	return true, nil
}

// ReleaseSource implements Store
func (m *MemoryStore) ReleaseSource(_ context.Context, userID string, ref SourceRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, sourceKey(userID, ref))
	return nil
}

// CreateSummary implements Store
func (m *MemoryStore) CreateSummary(_ context.Context, s *Summary) (bool, error) {
	if err := validateSummary(s); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[s.DocumentID]; !ok {
		return false, notFound("document", s.DocumentID)
	}
	if _, exists := m.summaries[s.DocumentID]; exists {
		return false, nil
	}
	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.summaries[s.DocumentID] = &cp
	return true, nil
}

// GetSummary implements Store
func (m *MemoryStore) GetSummary(_ context.Context, documentID int64) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[documentID]
	if !ok {
		return nil, notFound("summary", documentID)
	}
	cp := *s
	return &cp, nil
}

// DeleteSummary implements Store
func (m *MemoryStore) DeleteSummary(_ context.Context, documentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[documentID]; ok && doc.Status.IsTerminal() {
		return summaryLocked(doc)
	}
	delete(m.summaries, documentID)
	return nil
}

// CountByStatus implements Store
func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int, 4)
	for _, d := range m.docs {
		counts[d.Status]++
	}
	return counts, nil
}

// SummaryCount returns how many summaries exist
func (m *MemoryStore) SummaryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.summaries)
}
