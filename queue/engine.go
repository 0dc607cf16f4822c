package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/pkg/retry"
	"github.com/c360/docrelay/pkg/worker"
)

// Processor runs one attempt of a job. Returning an error wrapped with
// retry.NonRetryable fails the job without further attempts.
type Processor func(ctx context.Context, job *Job) error

// ExhaustedFunc is called once per job that failed terminally, with the
// error of the last attempt.
type ExhaustedFunc func(ctx context.Context, job *Job, err error)

// Config tunes the engine
type Config struct {
	Workers         int
	MaxAttempts     int
	BackoffDelay    time.Duration
	BackoffFactor   float64
	MaxBackoff      time.Duration
	JobTimeout      time.Duration
	RetainCompleted int
	RetainFailed    int

	// BusyDelay re-schedules a delivery whose document is already running.
	BusyDelay time.Duration
	// HeartbeatInterval extends the broker lease of a running job.
	HeartbeatInterval time.Duration
	// SettleTimeout bounds ack/nack calls after the job context has ended.
	SettleTimeout time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		MaxAttempts:       3,
		BackoffDelay:      5 * time.Second,
		BackoffFactor:     2,
		MaxBackoff:        5 * time.Minute,
		JobTimeout:        5 * time.Minute,
		RetainCompleted:   100,
		RetainFailed:      500,
		BusyDelay:         time.Second,
		HeartbeatInterval: 10 * time.Second,
		SettleTimeout:     5 * time.Second,
	}
}

// Engine pulls deliveries from a Broker and runs them on a worker pool
type Engine struct {
	cfg         Config
	broker      Broker
	processor   Processor
	onExhausted atomic.Pointer[ExhaustedFunc]
	pool        *worker.Pool[Delivery]
	logger      *slog.Logger
	metrics     *metric.Metrics
	now         func() time.Time

	inflightMu sync.Mutex
	inflight   map[int64]string
	busy       map[string]int // job ID -> deliveries turned away while its document ran

	active atomic.Int64

	historyMu sync.Mutex
	completed []Record
	failed    []Record

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	fetchDone   chan struct{}
	running     bool
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics exports queue gauges and worker pool metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.metrics = registry.CoreMetrics()
			e.pool = worker.NewPool(e.cfg.Workers, 0, e.handle,
				worker.WithMetricsRegistry[Delivery](registry, "queue_worker"))
		}
	}
}

// WithExhausted sets the terminal failure hook
func WithExhausted(fn ExhaustedFunc) Option {
	return func(e *Engine) { e.SetExhausted(fn) }
}

// NewEngine creates an engine. processor is required.
func NewEngine(cfg Config, broker Broker, processor Processor, opts ...Option) (*Engine, error) {
	if broker == nil || processor == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "NewEngine",
			"broker and processor are required")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffDelay <= 0 {
		cfg.BackoffDelay = def.BackoffDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.RetainCompleted < 0 {
		cfg.RetainCompleted = 0
	}
	if cfg.RetainFailed < 0 {
		cfg.RetainFailed = 0
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = def.BusyDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = def.SettleTimeout
	}

	e := &Engine{
		cfg:       cfg,
		broker:    broker,
		processor: processor,
		logger:    slog.Default(),
		now:       time.Now,
		inflight:  make(map[int64]string),
		busy:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = worker.NewPool(cfg.Workers, 0, e.handle)
	}
	e.logger = e.logger.With("component", "queue")
	return e, nil
}

// SetExhausted swaps the terminal failure hook
func (e *Engine) SetExhausted(fn ExhaustedFunc) {
	if fn == nil {
		e.onExhausted.Store(nil)
		return
	}
	e.onExhausted.Store(&fn)
}

// Enqueue fills in bookkeeping fields and hands the job to the broker. It
// returns as soon as the broker accepted it.
func (e *Engine) Enqueue(ctx context.Context, job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = newJobID()
	}
	if job.Priority == 0 {
		job.Priority = PriorityNormal
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = e.cfg.MaxAttempts
	}
	if job.TimeoutMs <= 0 {
		job.TimeoutMs = e.cfg.JobTimeout.Milliseconds()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = e.now()
	}
	if err := e.broker.Publish(ctx, job); err != nil {
		if errors.IsFatal(err) || errors.IsInvalid(err) {
			return err
		}
		return errors.WrapTransient(err, "Engine", "Enqueue", fmt.Sprintf("publish job for document %d", job.DocumentID))
	}
	e.logger.Debug("Job enqueued", "job_id", job.ID, "document_id", job.DocumentID, "priority", job.Priority)
	return nil
}

// Start begins fetching and processing jobs
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.running {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.pool.Start(runCtx); err != nil {
		cancel()
		return errors.WrapFatal(err, "Engine", "Start", "start worker pool")
	}
	e.cancel = cancel
	e.fetchDone = make(chan struct{})
	e.running = true
	go e.fetchLoop(runCtx, e.fetchDone)

	e.logger.Info("Queue engine started", "workers", e.cfg.Workers, "max_attempts", e.cfg.MaxAttempts)
	return nil
}

// Stop stops fetching and waits up to timeout for running jobs to finish.
// Jobs still running after timeout are abandoned and will be redelivered
// by a durable broker.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	if !e.running {
		e.lifecycleMu.Unlock()
		return nil
	}
	e.running = false
	cancel, fetchDone := e.cancel, e.fetchDone
	e.lifecycleMu.Unlock()

	// the pool must stop accepting before fetching ends so a delivery in
	// hand is not lost between the two
	err := e.pool.Stop(timeout)
	cancel()
	<-fetchDone
	if err != nil {
		e.logger.Warn("Queue engine stopped with jobs still running", "active", e.active.Load())
		return errors.WrapTransient(err, "Engine", "Stop", "drain workers")
	}
	e.logger.Info("Queue engine stopped")
	return nil
}

func (e *Engine) fetchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		d, err := e.broker.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.IsFatal(err) {
				return
			}
			e.logger.Warn("Fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := e.pool.SubmitWait(ctx, d); err != nil {
			// not running: hand the job back for a later process
			settleCtx, cancel := context.WithTimeout(context.Background(), e.cfg.SettleTimeout)
			_ = d.Retry(settleCtx, 0)
			cancel()
			return
		}
	}
}

// claim marks the job's document as running; false when another job for the
// same document is already in flight. Refused deliveries are counted so they
// do not use up the job's attempts.
func (e *Engine) claim(job *Job) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[job.DocumentID]; busy {
		e.busy[job.ID]++
		return false
	}
	e.inflight[job.DocumentID] = job.ID
	return true
}

// attemptOf turns the broker's delivery count into the job's attempt number.
// Counts kept in memory are lost on restart, so a job may then run fewer
// times than MaxAttempts, never more.
func (e *Engine) attemptOf(d Delivery) int {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return max(d.Attempt()-e.busy[d.Job().ID], 1)
}

func (e *Engine) forget(job *Job) {
	e.inflightMu.Lock()
	delete(e.busy, job.ID)
	e.inflightMu.Unlock()
}

func (e *Engine) release(job *Job) {
	e.inflightMu.Lock()
	delete(e.inflight, job.DocumentID)
	e.inflightMu.Unlock()
}

// handle runs on a pool worker. The returned error only feeds pool metrics.
func (e *Engine) handle(ctx context.Context, d Delivery) error {
	job := d.Job()
	job.Attempt = e.attemptOf(d)
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = e.cfg.MaxAttempts
	}
	log := e.logger.With("job_id", job.ID, "document_id", job.DocumentID, "attempt", job.Attempt)

	if !e.claim(job) {
		log.Debug("Document already running, re-scheduling delivery")
		e.settle(log, "busy", func(c context.Context) error { return d.Retry(c, e.cfg.BusyDelay) })
		return nil
	}
	defer e.release(job)

	e.active.Add(1)
	e.gauge("active", 1)
	err := e.run(ctx, d, job)
	e.active.Add(-1)
	e.gauge("active", -1)

	switch {
	case err == nil:
		e.forget(job)
		e.settle(log, "ack", d.Ack)
		e.remember(&e.completed, e.cfg.RetainCompleted, job, "")
		e.attempt("success")
		log.Debug("Job completed")
		return nil

	case retry.IsNonRetryable(err) || job.Attempt >= job.MaxAttempts:
		e.forget(job)
		e.settle(log, "fail", d.Fail)
		e.remember(&e.failed, e.cfg.RetainFailed, job, err.Error())
		e.attempt("exhausted")
		log.Warn("Job failed terminally", "error", err)
		if fn := e.onExhausted.Load(); fn != nil {
			hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.JobTimeout)
			(*fn)(hookCtx, job, err)
			cancel()
		}
		return err

	default:
		delay := retry.Backoff(e.cfg.BackoffDelay, e.cfg.BackoffFactor, e.cfg.MaxBackoff, job.Attempt-1)
		e.settle(log, "retry", func(c context.Context) error { return d.Retry(c, delay) })
		e.attempt("retry")
		log.Info("Job attempt failed, retrying", "error", err, "delay", delay)
		return err
	}
}

// run executes the processor under the job's hard timeout. On timeout the
// processor goroutine is abandoned; its result is discarded.
func (e *Engine) run(ctx context.Context, d Delivery, job *Job) error {
	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.JobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("processor panic: %v", r)
			}
		}()
		result <- e.processor(runCtx, job)
	}()

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case err := <-result:
			return err
		case <-heartbeat.C:
			if err := d.InProgress(runCtx); err != nil {
				e.logger.Debug("Lease extension failed", "job_id", job.ID, "error", err)
			}
		case <-runCtx.Done():
			if stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return &errors.QueueTimeoutError{JobID: job.ID, Timeout: timeout}
			}
			return runCtx.Err()
		}
	}
}

func (e *Engine) settle(log *slog.Logger, action string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SettleTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error("Failed to settle delivery", "action", action, "error", err)
	}
}

func (e *Engine) remember(list *[]Record, limit int, job *Job, errMsg string) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	if limit == 0 {
		return
	}
	*list = append(*list, Record{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		UserID:     job.UserID,
		Attempts:   job.Attempt,
		FinishedAt: e.now(),
		Error:      errMsg,
	})
	if over := len(*list) - limit; over > 0 {
		*list = append((*list)[:0:0], (*list)[over:]...)
	}
}

func (e *Engine) gauge(state string, delta float64) {
	if e.metrics != nil {
		e.metrics.QueueJobs.WithLabelValues(state).Add(delta)
	}
}

func (e *Engine) attempt(result string) {
	if e.metrics != nil {
		e.metrics.JobAttempts.WithLabelValues(result).Inc()
	}
}

// Counts returns the aggregate queue view. Completed and failed count
// retained records.
func (e *Engine) Counts(ctx context.Context) (Counts, error) {
	waiting, delayed, err := e.broker.Backlog(ctx)
	if err != nil {
		return Counts{}, errors.WrapTransient(err, "Engine", "Counts", "read broker backlog")
	}
	e.historyMu.Lock()
	c := Counts{
		Waiting:   waiting,
		Active:    int(e.active.Load()),
		Completed: len(e.completed),
		Failed:    len(e.failed),
		Delayed:   delayed,
	}
	e.historyMu.Unlock()

	if e.metrics != nil {
		e.metrics.QueueJobs.WithLabelValues("waiting").Set(float64(c.Waiting))
		e.metrics.QueueJobs.WithLabelValues("delayed").Set(float64(c.Delayed))
		e.metrics.QueueJobs.WithLabelValues("completed").Set(float64(c.Completed))
		e.metrics.QueueJobs.WithLabelValues("failed").Set(float64(c.Failed))
	}
	return c, nil
}

// Completed returns retained completed records, newest last
func (e *Engine) Completed() []Record {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	return append([]Record(nil), e.completed...)
}

// Failed returns retained failed records, newest last
func (e *Engine) Failed() []Record {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	return append([]Record(nil), e.failed...)
}

// Clean drops retained records that finished more than olderThan ago and
// returns how many were removed.
func (e *Engine) Clean(olderThan time.Duration) int {
	cutoff := e.now().Add(-olderThan)
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	removed := 0
	for _, list := range []*[]Record{&e.completed, &e.failed} {
		kept := (*list)[:0]
		for _, r := range *list {
			if r.FinishedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		*list = kept
	}
	return removed
}

// Stats exposes worker pool statistics
func (e *Engine) Stats() worker.PoolStats {
	return e.pool.Stats()
}

// Close stops the engine and the broker
func (e *Engine) Close(timeout time.Duration) error {
	err := e.Stop(timeout)
	if cerr := e.broker.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
