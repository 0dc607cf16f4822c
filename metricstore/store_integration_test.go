//go:build integration

package metricstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/docrelay/natsclient"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, s.AppendStage(ctx, StageMetric{
			DocumentID: 7, Stage: StageAnalysis, Attempt: attempt,
			StartedAt: base, CompletedAt: base.Add(time.Second), DurationMs: 1000,
			Success: attempt == 2, Error: map[bool]string{true: "", false: "timeout"}[attempt == 2],
		}))
	}
	stages, err := s.ListStages(ctx, 7)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, 1, stages[0].Attempt)
	assert.Equal(t, "timeout", stages[0].Error)
	assert.True(t, stages[1].Success)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendProcessing(ctx, ProcessingRecord{
			DocumentID: int64(i), UserID: "u1", Filename: "f.pdf", MimeType: "application/pdf",
			DurationMs: int64(i * 1000), Success: true, WithinTarget: true,
			RecordedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	recent, err := s.ListProcessing(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(3), recent[0].DocumentID)
	all, err := s.ListProcessing(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.AppendDetection(ctx, Detection{UserID: "u1", Success: true, Reason: ReasonSuccess, RecordedAt: base}))
	require.NoError(t, s.AppendDetection(ctx, Detection{UserID: "u1", Success: false, Reason: ReasonUnsupportedFormat, RecordedAt: base}))
	total, ok, err := s.DetectionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, ok)
}

func TestKVStore_Conformance(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	s, err := NewKVStore(context.Background(), tc.Client, "test_metrics")
	require.NoError(t, err)
	exerciseStore(t, s)
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "docrelay",
				"POSTGRES_PASSWORD": "docrelay",
				"POSTGRES_DB":       "docrelay",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://docrelay:docrelay@%s:%s/docrelay?sslmode=disable", host, port.Port())
}

func TestSQLStore_Conformance(t *testing.T) {
	dsn := startPostgres(t)
	s, err := OpenSQLStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// Migrate is idempotent
	require.NoError(t, s.Migrate(context.Background()))
	exerciseStore(t, s)
}
