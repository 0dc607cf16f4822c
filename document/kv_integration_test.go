//go:build integration

package document

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/natsclient"
)

func TestKVStore_Lifecycle(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx := context.Background()

	s, err := NewKVStore(ctx, tc.Client, "documents_lifecycle")
	require.NoError(t, err)

	doc, err := s.Create(ctx, newDoc())
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.ID)
	assert.Equal(t, StatusQueued, doc.Status)

	_, err = s.Transition(ctx, doc.ID, StatusProcessing, "")
	require.NoError(t, err)

	_, err = s.Transition(ctx, doc.ID, StatusCompleted, "")
	assert.True(t, stderrors.Is(err, pkgerrors.ErrInvalidTransition))

	created, err := s.CreateSummary(ctx, newSummary(doc.ID))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.CreateSummary(ctx, newSummary(doc.ID))
	require.NoError(t, err)
	assert.False(t, created, "second summary is skipped")

	done, err := s.Transition(ctx, doc.ID, StatusCompleted, "")
	require.NoError(t, err)
	assert.NotNil(t, done.ProcessedAt)

	got, err := s.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusCompleted])
}

func TestKVStore_ConcurrentCreateAndClaim(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx := context.Background()

	s, err := NewKVStore(ctx, tc.Client, "documents_concurrent")
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make(chan int64, 10)
	claims := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := s.Create(ctx, newDoc())
			if err == nil {
				ids <- doc.ID
			}
			ok, err := s.ClaimSource(ctx, "u1", SourceRef{TransportMessageID: "same"})
			if err == nil {
				claims <- ok
			}
		}()
	}
	wg.Wait()
	close(ids)
	close(claims)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 10)

	won := 0
	for ok := range claims {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestKVStore_DiscardSummaryAndReleaseClaim(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx := context.Background()

	s, err := NewKVStore(ctx, tc.Client, "documents_discard")
	require.NoError(t, err)

	doc, err := s.Create(ctx, newDoc())
	require.NoError(t, err)
	_, err = s.Transition(ctx, doc.ID, StatusProcessing, "")
	require.NoError(t, err)
	_, err = s.CreateSummary(ctx, newSummary(doc.ID))
	require.NoError(t, err)

	_, err = s.Transition(ctx, doc.ID, StatusFailed, "timeout")
	assert.True(t, stderrors.Is(err, pkgerrors.ErrInvalidTransition))

	require.NoError(t, s.DeleteSummary(ctx, doc.ID))
	_, err = s.GetSummary(ctx, doc.ID)
	assert.True(t, stderrors.Is(err, pkgerrors.ErrNotFound))

	failed, err := s.Transition(ctx, doc.ID, StatusFailed, "timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.True(t, pkgerrors.IsInvalid(s.DeleteSummary(ctx, doc.ID)))

	ref := SourceRef{TransportMessageID: "m9"}
	ok, err := s.ClaimSource(ctx, "u1", ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ReleaseSource(ctx, "u1", ref))
	ok, err = s.ClaimSource(ctx, "u1", ref)
	require.NoError(t, err)
	assert.True(t, ok)
}
