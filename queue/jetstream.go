package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/natsclient"
)

// JetStreamConfig names the work-queue stream and its subjects
type JetStreamConfig struct {
	Stream string
	// Subject is the prefix; jobs go to <Subject>.<lane>.
	Subject       string
	AckWait       time.Duration
	DedupeWindow  time.Duration
	PollInterval  time.Duration
	MaxAckPending int
}

// DefaultJetStreamConfig returns the stream layout used in production
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Stream:        "DOCRELAY_JOBS",
		Subject:       "docrelay.jobs",
		AckWait:       30 * time.Second,
		DedupeWindow:  10 * time.Minute,
		PollInterval:  250 * time.Millisecond,
		MaxAckPending: 256,
	}
}

type lane struct {
	name     string
	consumer jetstream.Consumer
}

var laneNames = []string{"high", "normal", "low"}

func laneFor(p Priority) string {
	switch {
	case p <= PriorityHigh:
		return "high"
	case p <= PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// JetStreamBroker is a durable Broker on a WorkQueue stream. Each priority
// lane has its own durable pull consumer; fetches drain higher lanes first.
type JetStreamBroker struct {
	cfg    JetStreamConfig
	js     jetstream.JetStream
	lanes  []lane
	logger *slog.Logger

	// fetched but not yet settled by this process
	inHand atomic.Int64
	closed atomic.Bool
}

var _ Broker = (*JetStreamBroker)(nil)

// NewJetStreamBroker ensures the stream and lane consumers exist
func NewJetStreamBroker(ctx context.Context, client *natsclient.Client, cfg JetStreamConfig,
	logger *slog.Logger) (*JetStreamBroker, error) {

	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JetStreamBroker", "New", "nats client cannot be nil")
	}
	def := DefaultJetStreamConfig()
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = def.AckWait
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = def.MaxAckPending
	}
	if logger == nil {
		logger = slog.Default()
	}

	js, err := client.JetStream()
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamBroker", "New", "get jetstream context")
	}
	stream, err := client.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Document processing jobs",
		Subjects:    []string{cfg.Subject + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  cfg.DedupeWindow,
	})
	if err != nil {
		return nil, err
	}

	b := &JetStreamBroker{cfg: cfg, js: js, logger: logger.With("component", "jetstream_broker")}
	for _, name := range laneNames {
		cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       cfg.Stream + "_" + name,
			FilterSubject: cfg.Subject + "." + name,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       cfg.AckWait,
			MaxDeliver:    -1,
			MaxAckPending: cfg.MaxAckPending,
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "JetStreamBroker", "New", "create consumer for lane "+name)
		}
		b.lanes = append(b.lanes, lane{name: name, consumer: cons})
	}
	return b, nil
}

// Publish implements Broker. Publishing twice for the same document inside
// the dedupe window stores one message.
func (b *JetStreamBroker) Publish(ctx context.Context, job *Job) error {
	if b.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "JetStreamBroker", "Publish", "publish job")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return errors.WrapInvalid(err, "JetStreamBroker", "Publish", "encode job")
	}
	subject := b.cfg.Subject + "." + laneFor(job.Priority)
	ack, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(fmt.Sprintf("doc-%d", job.DocumentID)))
	if err != nil {
		return errors.WrapTransient(err, "JetStreamBroker", "Publish", "publish to "+subject)
	}
	if ack.Duplicate {
		b.logger.Debug("Duplicate job publish ignored", "document_id", job.DocumentID)
	}
	return nil
}

// Fetch implements Broker
func (b *JetStreamBroker) Fetch(ctx context.Context) (Delivery, error) {
	for {
		if b.closed.Load() {
			return nil, errors.WrapFatal(errors.ErrShuttingDown, "JetStreamBroker", "Fetch", "fetch job")
		}
		for _, l := range b.lanes {
			d, err := b.fetchLane(l)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

func (b *JetStreamBroker) fetchLane(l lane) (Delivery, error) {
	batch, err := l.consumer.FetchNoWait(1)
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamBroker", "Fetch", "fetch from lane "+l.name)
	}
	for msg := range batch.Messages() {
		var job Job
		if err := json.Unmarshal(msg.Data(), &job); err != nil {
			b.logger.Error("Dropping undecodable job", "lane", l.name, "error", err)
			_ = msg.Term()
			continue
		}
		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}
		b.inHand.Add(1)
		return &jsDelivery{b: b, msg: msg, job: &job, attempt: attempt}, nil
	}
	if err := batch.Error(); err != nil {
		return nil, errors.WrapTransient(err, "JetStreamBroker", "Fetch", "read batch from lane "+l.name)
	}
	return nil, nil
}

// Backlog implements Broker. Delayed counts messages delivered but unacked
// that this process is not currently holding, which are mostly nak'd retries.
func (b *JetStreamBroker) Backlog(ctx context.Context) (int, int, error) {
	var waiting, unacked int
	for _, l := range b.lanes {
		info, err := l.consumer.Info(ctx)
		if err != nil {
			return 0, 0, errors.WrapTransient(err, "JetStreamBroker", "Backlog", "consumer info for lane "+l.name)
		}
		waiting += int(info.NumPending)
		unacked += info.NumAckPending
	}
	delayed := unacked - int(b.inHand.Load())
	if delayed < 0 {
		delayed = 0
	}
	return waiting, delayed, nil
}

// Close stops further fetches. Unsettled deliveries are redelivered after AckWait.
func (b *JetStreamBroker) Close() error {
	b.closed.Store(true)
	return nil
}

type jsDelivery struct {
	b       *JetStreamBroker
	msg     jetstream.Msg
	job     *Job
	attempt int
	settled atomic.Bool
}

func (d *jsDelivery) Job() *Job    { return d.job }
func (d *jsDelivery) Attempt() int { return d.attempt }

func (d *jsDelivery) settle(fn func() error) error {
	if !d.settled.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrInvalidTransition, "JetStreamBroker", "settle", "delivery already settled")
	}
	d.b.inHand.Add(-1)
	return fn()
}

func (d *jsDelivery) Ack(ctx context.Context) error {
	return d.settle(func() error { return d.msg.DoubleAck(ctx) })
}

func (d *jsDelivery) Retry(_ context.Context, delay time.Duration) error {
	return d.settle(func() error { return d.msg.NakWithDelay(delay) })
}

func (d *jsDelivery) Fail(context.Context) error {
	return d.settle(d.msg.Term)
}

func (d *jsDelivery) InProgress(context.Context) error {
	if d.settled.Load() {
		return nil
	}
	return d.msg.InProgress()
}
