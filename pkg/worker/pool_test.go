package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/metric"
)

type testWork struct {
	id   int
	fail bool
}

func TestNewPool_Defaults(t *testing.T) {
	noop := func(context.Context, testWork) error { return nil }

	pool := NewPool(5, 100, noop)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool = NewPool(0, -1, noop)
	assert.Equal(t, 4, pool.workers)
	assert.Equal(t, 0, pool.queueSize)

	assert.Panics(t, func() { NewPool[testWork](1, 1, nil) })
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, testWork) error { return nil })
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)
	assert.ErrorIs(t, pool.SubmitWait(context.Background(), testWork{}), ErrPoolNotStarted)
}

func TestPool_ProcessesWork(t *testing.T) {
	var processed, failed int64
	done := make(chan struct{}, 10)

	pool := NewPool(3, 10, func(_ context.Context, w testWork) error {
		defer func() { done <- struct{}{} }()
		if w.fail {
			atomic.AddInt64(&failed, 1)
			return errors.New("fail")
		}
		atomic.AddInt64(&processed, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.SubmitWait(ctx, testWork{id: i, fail: i%5 == 0}))
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for work")
		}
	}

	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(8), atomic.LoadInt64(&processed))
	assert.Equal(t, int64(0), stats.Active)
}

func TestPool_SubmitQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	pool := NewPool(1, 0, func(context.Context, testWork) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.SubmitWait(context.Background(), testWork{id: 1}))
	<-started

	assert.ErrorIs(t, pool.Submit(testWork{id: 2}), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)
	assert.Equal(t, int64(1), pool.Stats().Active)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
}

func TestPool_SubmitWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 0, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(release)
		_ = pool.Stop(time.Second)
	}()

	require.NoError(t, pool.SubmitWait(context.Background(), testWork{id: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.SubmitWait(ctx, testWork{id: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	pool := NewPool(1, 0, func(context.Context, testWork) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.SubmitWait(context.Background(), testWork{}))
	<-started

	assert.ErrorIs(t, pool.Stop(10*time.Millisecond), ErrStopTimeout)
	close(release)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	done := make(chan struct{}, 2)

	pool := NewPool(1, 2, func(_ context.Context, w testWork) error {
		defer func() { done <- struct{}{} }()
		if w.fail {
			return errors.New("fail")
		}
		return nil
	}, WithMetricsRegistry[testWork](registry, "jobs"))
	require.NotNil(t, pool.metrics)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Submit(testWork{id: 2, fail: true}))
	<-done
	<-done
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.processed))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.failed))
}
