// Package service wires docrelay together: it builds every component from
// config.Config, hooks the connection manager to the router and the queue to
// the pipeline, serves the status API and owns startup and shutdown order.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/docrelay/analysis"
	"github.com/c360/docrelay/config"
	"github.com/c360/docrelay/connection"
	"github.com/c360/docrelay/document"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/extract"
	"github.com/c360/docrelay/health"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/metricstore"
	"github.com/c360/docrelay/natsclient"
	"github.com/c360/docrelay/notify"
	"github.com/c360/docrelay/pipeline"
	"github.com/c360/docrelay/pkg/retry"
	"github.com/c360/docrelay/pkg/tlsutil"
	"github.com/c360/docrelay/queue"
	"github.com/c360/docrelay/router"
	"github.com/c360/docrelay/storage"
	"github.com/c360/docrelay/storage/objectstore"
	"github.com/c360/docrelay/transport/websocket"
)

// Name identifies the system in health reports and logs
const Name = "docrelay"

const (
	maintenanceInterval = time.Minute
	historyRetention    = 24 * time.Hour
)

// Option is a functional option for configuring Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRegistry shares an existing registry instead of creating one
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(s *Service) { s.registry = registry }
}

// WithNATS uses an already connected client. The service does not close it.
func WithNATS(client *natsclient.Client) Option {
	return func(s *Service) {
		s.nats = client
		s.ownsNATS = false
	}
}

// WithConnectRetry bounds the initial NATS connect. The default keeps
// trying for minutes, limited by the context given to New.
func WithConnectRetry(cfg retry.Config) Option {
	return func(s *Service) { s.connectRetry = cfg }
}

// WithTransport replaces the websocket bridge transport
func WithTransport(t connection.Transport) Option {
	return func(s *Service) { s.transport = t }
}

// WithAnalyzer replaces the OpenAI-compatible analyzer
func WithAnalyzer(a analysis.Analyzer) Option {
	return func(s *Service) { s.analyzer = a }
}

// Service owns every docrelay component
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	nats         *natsclient.Client
	ownsNATS     bool
	connectRetry retry.Config

	blobs     storage.Store
	documents document.Store
	sessions  connection.SessionStore
	metrics   metricstore.Store

	transport connection.Transport
	analyzer  analysis.Analyzer

	connections *connection.Manager
	extractor   *extract.Registry
	notifier    *notify.Notifier
	recorder    *metricstore.Recorder
	router      *router.Router
	pipeline    *pipeline.Pipeline
	engine      *queue.Engine

	monitor *health.Monitor
	server  *metric.Server

	status    atomic.Value // Status
	startTime atomic.Value // time.Time

	mu         sync.Mutex
	cancel     context.CancelFunc
	background sync.WaitGroup
	closed     bool
}

// New builds the component graph. NATS-backed stores are created here, so
// ctx bounds the connection and bucket setup.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Service", "New", "config is required")
	}

	s := &Service{
		cfg:          cfg,
		logger:       slog.Default(),
		ownsNATS:     true,
		connectRetry: retry.Persistent(),
		monitor:      health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = metric.NewMetricsRegistry()
	}
	s.logger = s.logger.With("service", Name)
	s.status.Store(StatusStopped)
	s.startTime.Store(time.Time{})

	if err := s.build(ctx); err != nil {
		s.closeResources(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	if err := s.connectNATS(ctx); err != nil {
		return err
	}
	if err := s.buildStores(ctx); err != nil {
		return err
	}

	core := s.registry.CoreMetrics()

	if s.transport == nil {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(s.cfg.Transport.TLS)
		if err != nil {
			return err
		}
		t, err := websocket.New(websocket.Config{
			BridgeURL:        s.cfg.Transport.BridgeURL,
			HandshakeTimeout: s.cfg.Transport.HandshakeTimeout.D(),
			SendTimeout:      s.cfg.Transport.SendTimeout.D(),
			PingInterval:     s.cfg.Transport.PingInterval.D(),
			TLS:              tlsConfig,
		}, s.logger)
		if err != nil {
			return err
		}
		s.transport = t
	}

	cc := s.cfg.Connection
	manager, err := connection.NewManager(connection.Config{
		BaseDelay:            cc.BaseDelay.D(),
		GrowthFactor:         cc.GrowthFactor,
		MaxDelay:             cc.MaxDelay.D(),
		MaxReconnectAttempts: cc.MaxReconnectAttempts,
		QuickFailWindow:      cc.QuickFailWindow.D(),
		QuickFailDelay:       cc.QuickFailDelay.D(),
		ChallengeTTL:         cc.ChallengeTTL.D(),
		RestoreConcurrency:   cc.RestoreConcurrency,
	}, s.transport, s.sessions, connection.NewBlobCredentialStore(s.blobs),
		connection.WithLogger(s.logger), connection.WithMetrics(s.registry))
	if err != nil {
		return err
	}
	s.connections = manager

	pc := s.cfg.Pipeline
	s.extractor = extract.NewDefaultRegistry(pc.MinTextLength, s.logger)
	s.notifier = notify.New(manager, core, s.logger)
	s.recorder = metricstore.NewRecorder(s.metrics, metricstore.Config{
		TargetLatency:   pc.TargetLatency.D(),
		DetectionTarget: pc.DetectionTarget,
	}, core, s.logger)

	if s.analyzer == nil {
		ai := s.cfg.AI
		a, err := analysis.NewOpenAIAnalyzer(analysis.Config{
			BaseURL:           ai.BaseURL,
			APIKey:            ai.APIKey,
			Model:             ai.Model,
			Temperature:       ai.Temperature,
			MaxTokens:         ai.MaxTokens,
			Timeout:           ai.Timeout.D(),
			RequestsPerMinute: ai.RequestsPerMinute,
			MaxInputChars:     ai.MaxInputChars,
		}, s.logger)
		if err != nil {
			return err
		}
		s.analyzer = a
	}

	p, err := pipeline.New(pipeline.Deps{
		Documents: s.documents,
		Blobs:     s.blobs,
		Extractor: s.extractor,
		Analyzer:  s.analyzer,
		Notifier:  s.notifier,
		Recorder:  s.recorder,
	}, pipeline.Config{
		ExtractionTimeout: pc.ExtractionTimeout.D(),
		AnalysisTimeout:   pc.AnalysisTimeout.D(),
	}, s.logger)
	if err != nil {
		return err
	}
	s.pipeline = p

	broker, err := s.buildBroker(ctx)
	if err != nil {
		return err
	}
	qc := s.cfg.Queue
	engine, err := queue.NewEngine(queue.Config{
		Workers:         qc.Workers,
		MaxAttempts:     qc.MaxAttempts,
		BackoffDelay:    qc.BackoffDelay.D(),
		BackoffFactor:   qc.BackoffFactor,
		MaxBackoff:      qc.MaxBackoff.D(),
		JobTimeout:      qc.JobTimeout.D(),
		RetainCompleted: qc.RetainCompleted,
		RetainFailed:    qc.RetainFailed,
	}, broker, p.Process,
		queue.WithLogger(s.logger), queue.WithMetrics(s.registry), queue.WithExhausted(p.OnExhausted))
	if err != nil {
		_ = broker.Close()
		return err
	}
	s.engine = engine

	r, err := router.New(router.Deps{
		Documents: s.documents,
		Blobs:     s.blobs,
		Queue:     engine,
		Formats:   s.extractor,
		Notifier:  s.notifier,
		Recorder:  s.recorder,
		Metrics:   core,
	}, router.Config{MaxFileSize: pc.MaxFileSize}, s.logger)
	if err != nil {
		return err
	}
	s.router = r

	manager.SetHooks(connection.Hooks{
		OnChallenge: func(userID, _ string) {
			s.logger.Info("Waiting for user to answer challenge", "user_id", userID)
		},
		OnReady: func(userID string) {
			s.logger.Info("User session ready", "user_id", userID)
		},
		OnLoggedOut: func(userID, reason string) {
			s.logger.Warn("User logged out, credentials cleared", "user_id", userID, "reason", reason)
		},
		OnGiveUp: func(userID string, attempts int, lastErr error) {
			s.logger.Error("Gave up reconnecting", "user_id", userID, "attempts", attempts, "error", lastErr)
		},
		OnMessage: r.Handle,
	})

	s.registerHealthChecks()

	s.server = metric.NewServer(s.cfg.Metrics.Port, s.cfg.Metrics.Path, s.registry)
	s.registerRoutes()
	return nil
}

func (s *Service) usesNATS() bool {
	return s.cfg.Storage.Backend == config.BackendNATS ||
		s.cfg.Queue.Backend == config.BackendJetStream ||
		s.cfg.Metrics.Store == config.BackendNATS
}

func (s *Service) connectNATS(ctx context.Context) error {
	if s.nats != nil || !s.usesNATS() {
		return nil
	}
	nc := s.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait.D()),
		natsclient.WithPingInterval(nc.PingInterval.D()),
		natsclient.WithDrainTimeout(nc.DrainTimeout.D()),
		natsclient.WithClientName(Name),
		natsclient.WithLogger(s.logger),
		natsclient.WithMetrics(s.registry),
		natsclient.WithDisconnectCallback(s.natsDisconnected),
		natsclient.WithReconnectCallback(s.natsReconnected),
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	tlsConfig, err := tlsutil.LoadClientTLSConfig(nc.TLS)
	if err != nil {
		return err
	}
	opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	client, err := natsclient.NewClient(nc.URL, opts...)
	if err != nil {
		return err
	}

	s.logger.Info("Connecting to NATS", "url", nc.URL)
	err = retry.Do(ctx, s.connectRetry, func() error {
		if err := client.Connect(ctx); err != nil {
			s.logger.Warn("NATS not reachable yet", "url", nc.URL, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "Service", "connectNATS", "connect to NATS")
	}
	s.nats = client
	s.ownsNATS = true
	s.monitor.Update("nats", health.NewHealthy("nats", "connected"))
	return nil
}

// natsDisconnected and natsReconnected keep the "nats" health entry current
// for a connection this service owns.
func (s *Service) natsDisconnected(err error) {
	if err == nil {
		err = stderrors.New("connection closed by server")
	}
	s.monitor.Update("nats", health.FromError("nats", err))
}

func (s *Service) natsReconnected() {
	s.monitor.Update("nats", health.NewHealthy("nats", "reconnected"))
}

func (s *Service) buildStores(ctx context.Context) error {
	sc := s.cfg.Storage
	switch sc.Backend {
	case config.BackendNATS:
		ocfg := objectstore.DefaultConfig()
		ocfg.BucketName = sc.BlobBucket
		blobs, err := objectstore.NewStore(ctx, s.nats, ocfg, s.logger)
		if err != nil {
			return err
		}
		docs, err := document.NewKVStore(ctx, s.nats, sc.DocumentBucket)
		if err != nil {
			return err
		}
		sessions, err := connection.NewKVSessionStore(ctx, s.nats, sc.SessionBucket)
		if err != nil {
			return err
		}
		s.blobs, s.documents, s.sessions = blobs, docs, sessions
	default:
		s.blobs = storage.NewMemoryStore()
		s.documents = document.NewMemoryStore()
		s.sessions = connection.NewMemorySessionStore()
	}

	switch s.cfg.Metrics.Store {
	case config.BackendNATS:
		store, err := metricstore.NewKVStore(ctx, s.nats, sc.MetricBucket)
		if err != nil {
			return err
		}
		s.metrics = store
	case config.BackendPostgres:
		store, err := metricstore.OpenSQLStore(ctx, s.cfg.Metrics.DSN)
		if err != nil {
			return err
		}
		s.metrics = store
	default:
		s.metrics = metricstore.NewMemoryStore()
	}

	s.logger.Info("Stores ready", "storage", sc.Backend, "metric_store", s.cfg.Metrics.Store)
	return nil
}

func (s *Service) buildBroker(ctx context.Context) (queue.Broker, error) {
	if s.cfg.Queue.Backend != config.BackendJetStream {
		return queue.NewMemoryBroker(), nil
	}
	jcfg := queue.DefaultJetStreamConfig()
	if s.cfg.Queue.Stream != "" {
		jcfg.Stream = s.cfg.Queue.Stream
	}
	if s.cfg.Queue.Subject != "" {
		jcfg.Subject = s.cfg.Queue.Subject
	}
	return queue.NewJetStreamBroker(ctx, s.nats, jcfg, s.logger)
}

// Status returns the current lifecycle state
func (s *Service) Status() Status {
	return s.status.Load().(Status)
}

// Uptime reports how long the service has been running
func (s *Service) Uptime() time.Duration {
	started := s.startTime.Load().(time.Time)
	if started.IsZero() || s.Status() != StatusRunning {
		return 0
	}
	return time.Since(started)
}

// Connections exposes the connection manager
func (s *Service) Connections() *connection.Manager { return s.connections }

// Queue exposes the job queue engine
func (s *Service) Queue() *queue.Engine { return s.engine }

// Recorder exposes the metrics recorder
func (s *Service) Recorder() *metricstore.Recorder { return s.recorder }

// Documents exposes the document store
func (s *Service) Documents() document.Store { return s.documents }

// Health returns the aggregate health of every component
func (s *Service) Health() health.Status {
	return s.monitor.AggregateHealth(Name)
}

// Start runs the queue, serves the API when enabled and restores persisted
// sessions. It returns once restore has been attempted for every session.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.Status(); st == StatusRunning || st == StatusStarting {
		return nil
	}
	if s.closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "Service", "Start", "service was stopped")
	}
	s.status.Store(StatusStarting)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if err := s.engine.Start(runCtx); err != nil {
		cancel()
		s.status.Store(StatusStopped)
		return err
	}

	if s.cfg.Metrics.Enabled {
		errCh, err := s.server.Start()
		if err != nil {
			cancel()
			_ = s.engine.Stop(time.Second)
			s.status.Store(StatusStopped)
			return err
		}
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			for err := range errCh {
				s.logger.Error("API server failed", "error", err)
			}
		}()
		s.logger.Info("API listening", "address", s.server.Address())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.connections.Restore(gctx) })
	g.Go(func() error {
		_, err := s.engine.Counts(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		// Startup continues: users can reconnect through the API.
		s.logger.Error("Startup restore incomplete", "error", err)
	}

	s.background.Add(1)
	go s.maintain(runCtx)

	s.startTime.Store(time.Now())
	s.status.Store(StatusRunning)
	s.logger.Info("Service started",
		"queue", s.cfg.Queue.Backend, "storage", s.cfg.Storage.Backend, "workers", s.engine.Stats().Workers)
	return nil
}

// maintain refreshes queue gauges and trims finished job history.
func (s *Service) maintain(ctx context.Context) {
	defer s.background.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.engine.Counts(ctx); err != nil {
				s.logger.Debug("Queue counts unavailable", "error", err)
			}
			if n := s.engine.Clean(historyRetention); n > 0 {
				s.logger.Debug("Trimmed job history", "removed", n)
			}
		}
	}
}

// Stop shuts down in dependency order: sessions first so no new work
// arrives, then the queue drains, then the API and stores close.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch s.Status() {
	case StatusStopping:
		return nil
	case StatusStopped:
		// never started: only the stores and connections need releasing
		if !s.closed {
			s.closeResources(ctx)
		}
		return nil
	}
	s.status.Store(StatusStopping)

	var errs []error
	if err := s.connections.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connections: %w", err))
	}
	if err := s.engine.Stop(remaining(ctx, timeout)); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if err := s.server.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.background.Wait()
	s.closeResources(ctx)

	s.status.Store(StatusStopped)
	s.logger.Info("Service stopped")
	return stderrors.Join(errs...)
}

func (s *Service) closeResources(ctx context.Context) {
	s.closed = true
	if s.engine != nil {
		// Stop already drained the workers; this releases the broker.
		if err := s.engine.Close(time.Second); err != nil {
			s.logger.Warn("Failed to close queue", "error", err)
		}
	}
	if c, ok := s.metrics.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn("Failed to close metric store", "error", err)
		}
	}
	if s.nats != nil && s.ownsNATS {
		if err := s.nats.Close(ctx); err != nil {
			s.logger.Warn("Failed to close NATS connection", "error", err)
		}
		s.monitor.Remove("nats")
	}
}

func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
