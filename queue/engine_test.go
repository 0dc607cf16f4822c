package queue

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/pkg/retry"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.BackoffDelay = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.BusyDelay = 5 * time.Millisecond
	cfg.JobTimeout = 2 * time.Second
	return cfg
}

func testJob(docID int64) *Job {
	return &Job{
		DocumentID:      docID,
		UserID:          "user-1",
		Filename:        "notes.txt",
		MimeType:        "text/plain",
		PayloadLocation: "payloads/user-1/m1",
	}
}

func startEngine(t *testing.T, cfg Config, proc Processor, opts ...Option) (*Engine, *MemoryBroker) {
	t.Helper()
	broker := NewMemoryBroker()
	e, err := NewEngine(cfg, broker, proc, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close(time.Second) })
	return e, broker
}

func TestEnqueue_DefaultsAndValidation(t *testing.T) {
	e, err := NewEngine(fastConfig(), NewMemoryBroker(), func(context.Context, *Job) error { return nil })
	require.NoError(t, err)

	err = e.Enqueue(context.Background(), &Job{UserID: "u"})
	assert.True(t, errors.IsInvalid(err))

	job := testJob(1)
	require.NoError(t, e.Enqueue(context.Background(), job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, PriorityNormal, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, int64(2000), job.TimeoutMs)
	assert.False(t, job.EnqueuedAt.IsZero())

	counts, err := e.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
}

func TestNewEngine_RequiresBrokerAndProcessor(t *testing.T) {
	_, err := NewEngine(fastConfig(), nil, func(context.Context, *Job) error { return nil })
	assert.True(t, errors.IsInvalid(err))
	_, err = NewEngine(fastConfig(), NewMemoryBroker(), nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	var mu sync.Mutex
	var attempts []int
	proc := func(_ context.Context, job *Job) error {
		mu.Lock()
		attempts = append(attempts, job.Attempt)
		mu.Unlock()
		if job.Attempt == 1 {
			return stderrors.New("extraction timed out")
		}
		return nil
	}
	e, _ := startEngine(t, fastConfig(), proc, WithMetrics(registry))

	require.NoError(t, e.Enqueue(context.Background(), testJob(7)))
	require.Eventually(t, func() bool { return len(e.Completed()) == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2}, attempts)
	mu.Unlock()
	rec := e.Completed()[0]
	assert.Equal(t, int64(7), rec.DocumentID)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, e.Failed())

	m := registry.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobAttempts.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobAttempts.WithLabelValues("success")))
}

func TestEngine_ExhaustedAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	exhausted := make(chan *Job, 1)
	var lastErr error
	proc := func(context.Context, *Job) error {
		calls.Add(1)
		return stderrors.New("pdf is encrypted")
	}
	e, _ := startEngine(t, fastConfig(), proc, WithExhausted(func(_ context.Context, job *Job, err error) {
		lastErr = err
		exhausted <- job
	}))

	require.NoError(t, e.Enqueue(context.Background(), testJob(8)))
	select {
	case job := <-exhausted:
		assert.Equal(t, 3, job.Attempt)
		assert.True(t, job.FinalAttempt())
		assert.EqualError(t, lastErr, "pdf is encrypted")
	case <-time.After(2 * time.Second):
		t.Fatal("exhausted hook not called")
	}
	assert.Equal(t, int32(3), calls.Load())
	require.Eventually(t, func() bool { return len(e.Failed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "pdf is encrypted", e.Failed()[0].Error)
}

func TestEngine_NonRetryableStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	exhausted := make(chan struct{}, 1)
	proc := func(context.Context, *Job) error {
		calls.Add(1)
		return retry.NonRetryable(errors.ErrNotFound)
	}
	e, _ := startEngine(t, fastConfig(), proc, WithExhausted(func(context.Context, *Job, error) {
		exhausted <- struct{}{}
	}))

	require.NoError(t, e.Enqueue(context.Background(), testJob(9)))
	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("exhausted hook not called")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_TimeoutAbandonsAttempt(t *testing.T) {
	cfg := fastConfig()
	release := make(chan struct{})
	defer close(release)

	errs := make(chan error, 1)
	proc := func(context.Context, *Job) error {
		<-release
		return nil
	}
	e, _ := startEngine(t, cfg, proc, WithExhausted(func(_ context.Context, _ *Job, err error) {
		errs <- err
	}))

	job := testJob(10)
	job.TimeoutMs = 30
	job.MaxAttempts = 1
	require.NoError(t, e.Enqueue(context.Background(), job))

	select {
	case err := <-errs:
		var timeoutErr *errors.QueueTimeoutError
		require.True(t, stderrors.As(err, &timeoutErr))
		assert.Equal(t, 30*time.Millisecond, timeoutErr.Timeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not reported")
	}
}

func TestEngine_PriorityOrder(t *testing.T) {
	cfg := fastConfig()
	cfg.Workers = 1
	broker := NewMemoryBroker()

	var mu sync.Mutex
	var order []int64
	e, err := NewEngine(cfg, broker, func(_ context.Context, job *Job) error {
		mu.Lock()
		order = append(order, job.DocumentID)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for _, p := range []struct {
		id       int64
		priority Priority
	}{{1, PriorityLow}, {2, PriorityNormal}, {3, PriorityHigh}, {4, PriorityNormal}} {
		job := testJob(p.id)
		job.Priority = p.priority
		require.NoError(t, e.Enqueue(context.Background(), job))
	}

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close(time.Second) })
	require.Eventually(t, func() bool { return len(e.Completed()) == 4 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{3, 2, 4, 1}, order)
}

// stubDelivery records how the engine settled it
type stubDelivery struct {
	job     *Job
	attempt int

	mu      sync.Mutex
	actions []string
	delay   time.Duration
}

func (d *stubDelivery) Job() *Job    { return d.job }
func (d *stubDelivery) Attempt() int { return d.attempt }
func (d *stubDelivery) record(a string) {
	d.mu.Lock()
	d.actions = append(d.actions, a)
	d.mu.Unlock()
}
func (d *stubDelivery) Ack(context.Context) error { d.record("ack"); return nil }
func (d *stubDelivery) Retry(_ context.Context, delay time.Duration) error {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
	d.record("retry")
	return nil
}
func (d *stubDelivery) Fail(context.Context) error       { d.record("fail"); return nil }
func (d *stubDelivery) InProgress(context.Context) error { return nil }
func (d *stubDelivery) settled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.actions...)
}

func TestEngine_SingleInFlightPerDocument(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	e, err := NewEngine(fastConfig(), NewMemoryBroker(), func(context.Context, *Job) error {
		calls.Add(1)
		close(entered)
		<-release
		return nil
	})
	require.NoError(t, err)

	first := &stubDelivery{job: testJob(11), attempt: 1}
	second := &stubDelivery{job: testJob(11), attempt: 1}

	firstDone := make(chan struct{})
	go func() {
		_ = e.handle(context.Background(), first)
		close(firstDone)
	}()
	<-entered

	require.NoError(t, e.handle(context.Background(), second))
	assert.Equal(t, []string{"retry"}, second.settled())
	second.mu.Lock()
	assert.Equal(t, 5*time.Millisecond, second.delay)
	second.mu.Unlock()

	close(release)
	<-firstDone
	assert.Equal(t, []string{"ack"}, first.settled())
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_BusyDeliveriesDoNotCountAsAttempts(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var attempts []int
	e, err := NewEngine(fastConfig(), NewMemoryBroker(), func(_ context.Context, job *Job) error {
		if job.ID == "running" {
			close(entered)
			<-release
			return nil
		}
		attempts = append(attempts, job.Attempt)
		return stderrors.New("analysis unavailable")
	})
	require.NoError(t, err)

	running := testJob(12)
	running.ID = "running"
	waiting := testJob(12)
	waiting.ID = "waiting"
	waiting.MaxAttempts = 2

	done := make(chan struct{})
	go func() {
		_ = e.handle(context.Background(), &stubDelivery{job: running, attempt: 1})
		close(done)
	}()
	<-entered

	for delivery := 1; delivery <= 3; delivery++ {
		d := &stubDelivery{job: waiting, attempt: delivery}
		require.NoError(t, e.handle(context.Background(), d))
		assert.Equal(t, []string{"retry"}, d.settled())
	}
	close(release)
	<-done

	// the broker has delivered the job three times already
	fourth := &stubDelivery{job: waiting, attempt: 4}
	require.Error(t, e.handle(context.Background(), fourth))
	assert.Equal(t, []string{"retry"}, fourth.settled(), "first real attempt is retried")

	fifth := &stubDelivery{job: waiting, attempt: 5}
	require.Error(t, e.handle(context.Background(), fifth))
	assert.Equal(t, []string{"fail"}, fifth.settled())

	assert.Equal(t, []int{1, 2}, attempts)
	require.Len(t, e.Failed(), 1)
	assert.Equal(t, 2, e.Failed()[0].Attempts)

	e.inflightMu.Lock()
	assert.Empty(t, e.busy, "settled jobs drop their busy count")
	e.inflightMu.Unlock()
}

func TestEngine_BackoffLadder(t *testing.T) {
	cfg := fastConfig()
	cfg.BackoffDelay = 5 * time.Second
	cfg.BackoffFactor = 2
	cfg.MaxBackoff = time.Minute
	e, err := NewEngine(cfg, NewMemoryBroker(), func(context.Context, *Job) error {
		return stderrors.New("boom")
	})
	require.NoError(t, err)

	var delays []time.Duration
	for attempt := 1; attempt <= 2; attempt++ {
		d := &stubDelivery{job: testJob(12), attempt: attempt}
		_ = e.handle(context.Background(), d)
		require.Equal(t, []string{"retry"}, d.settled())
		delays = append(delays, d.delay)
	}
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, delays)

	final := &stubDelivery{job: testJob(12), attempt: 3}
	_ = e.handle(context.Background(), final)
	assert.Equal(t, []string{"fail"}, final.settled())
}

func TestEngine_RetentionAndClean(t *testing.T) {
	cfg := fastConfig()
	cfg.RetainCompleted = 2
	e, err := NewEngine(cfg, NewMemoryBroker(), func(context.Context, *Job) error { return nil })
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	for i := int64(1); i <= 3; i++ {
		_ = e.handle(context.Background(), &stubDelivery{job: testJob(i), attempt: 1})
		now = now.Add(time.Hour)
	}

	completed := e.Completed()
	require.Len(t, completed, 2)
	assert.Equal(t, int64(2), completed[0].DocumentID)
	assert.Equal(t, int64(3), completed[1].DocumentID)

	// records finished at 13:00 and 14:00; now is 15:00
	assert.Equal(t, 1, e.Clean(90*time.Minute))
	require.Len(t, e.Completed(), 1)
	assert.Equal(t, int64(3), e.Completed()[0].DocumentID)
}

func TestEngine_StopDrainsRunningJob(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	e, broker := startEngine(t, fastConfig(), func(context.Context, *Job) error {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, e.Enqueue(context.Background(), testJob(13)))
	<-entered

	require.NoError(t, e.Stop(time.Second))
	assert.True(t, finished.Load())
	waiting, _, err := broker.Backlog(context.Background())
	require.NoError(t, err)
	assert.Zero(t, waiting)
}

func TestMemoryBroker_DedupeUntilSettled(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, testJob(1)))
	require.NoError(t, b.Publish(ctx, testJob(1)))
	waiting, _, _ := b.Backlog(ctx)
	assert.Equal(t, 1, waiting)

	d, err := b.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Attempt())
	require.NoError(t, d.Retry(ctx, 20*time.Millisecond))
	assert.Error(t, d.Ack(ctx))

	_, delayed, _ := b.Backlog(ctx)
	assert.Equal(t, 1, delayed)

	fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err = b.Fetch(fetchCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt())
	require.NoError(t, d.Ack(ctx))

	require.NoError(t, b.Publish(ctx, testJob(1)))
	waiting, _, _ = b.Backlog(ctx)
	assert.Equal(t, 1, waiting)
}

func TestMemoryBroker_CloseUnblocksFetch(t *testing.T) {
	b := NewMemoryBroker()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Fetch(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.IsFatal(err))
	case <-time.After(time.Second):
		t.Fatal("fetch did not return")
	}
	assert.True(t, errors.IsFatal(b.Publish(context.Background(), testJob(2))))
}
