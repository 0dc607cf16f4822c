package router

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/connection"
	"github.com/c360/docrelay/document"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/extract"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/metricstore"
	"github.com/c360/docrelay/queue"
	"github.com/c360/docrelay/storage"
)

type fakeQueue struct {
	mu   sync.Mutex
	err  error
	jobs []*queue.Job
}

func (q *fakeQueue) Enqueue(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	job.ID = "job-" + job.Filename
	q.jobs = append(q.jobs, job)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) record(s string) error {
	n.mu.Lock()
	n.calls = append(n.calls, s)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) Acknowledge(_ context.Context, _, _, filename string) error {
	return n.record("ack:" + filename)
}

func (n *fakeNotifier) RejectUnsupported(_ context.Context, _, _, filename, mimeType string, formats []extract.Format) error {
	return n.record("unsupported:" + filename + ":" + mimeType)
}

func (n *fakeNotifier) RejectTooLarge(_ context.Context, _, _, filename string, _ int64) error {
	return n.record("too_large:" + filename)
}

func (n *fakeNotifier) SendFailure(_ context.Context, _, _, filename string) error {
	return n.record("failure:" + filename)
}

// flakyBlobs fails the first n puts.
type flakyBlobs struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
}

func (b *flakyBlobs) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	fail := b.failures > 0
	if fail {
		b.failures--
	}
	b.mu.Unlock()
	if fail {
		return errors.WrapTransient(errors.ErrConnectionLost, "test", "Put", "write object")
	}
	return b.MemoryStore.Put(ctx, key, data)
}

type fixture struct {
	router   *Router
	docs     *document.MemoryStore
	blobs    *storage.MemoryStore
	queue    *fakeQueue
	notifier *fakeNotifier
	recorder *metricstore.Recorder
	metrics  *metric.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		docs:     document.NewMemoryStore(),
		blobs:    storage.NewMemoryStore(),
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
		metrics:  metric.NewMetrics(),
	}
	f.recorder = metricstore.NewRecorder(metricstore.NewMemoryStore(), metricstore.DefaultConfig(), f.metrics, nil)
	r, err := New(Deps{
		Documents: f.docs,
		Blobs:     f.blobs,
		Queue:     f.queue,
		Formats:   extract.NewDefaultRegistry(20, nil),
		Notifier:  f.notifier,
		Recorder:  f.recorder,
		Metrics:   f.metrics,
	}, Config{MaxFileSize: 1024}, nil)
	require.NoError(t, err)
	f.router = r
	return f
}

func pdfMessage(id string) connection.InboundMessage {
	return connection.InboundMessage{
		UserID:     "u1",
		MessageID:  id,
		PeerRef:    "peer-1",
		Kind:       connection.KindDocument,
		Filename:   "report.pdf",
		MimeType:   "application/pdf",
		Data:       []byte("%PDF-1.4 ..."),
		ReceivedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestRouter_QueuesSupportedDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.router.Route(ctx, pdfMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, "u1", job.UserID)
	assert.Equal(t, "application/pdf", job.MimeType)
	assert.Equal(t, "m1", job.Source.TransportMessageID)
	assert.Equal(t, queue.PriorityNormal, job.Priority)

	doc, err := f.docs.Get(ctx, job.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusQueued, doc.Status)
	assert.Equal(t, int64(len("%PDF-1.4 ...")), doc.SizeBytes)

	data, err := f.blobs.Get(ctx, job.PayloadLocation)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 ..."), data)

	assert.Equal(t, []string{"ack:report.pdf"}, f.notifier.calls)
	s, err := f.recorder.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Detection.Successful)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesRouted.WithLabelValues("queued")))
}

func TestRouter_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Route(ctx, pdfMessage("m1"))
	require.NoError(t, err)
	outcome, err := f.router.Route(ctx, pdfMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Len(t, f.queue.jobs, 1)
	assert.Equal(t, []string{"ack:report.pdf"}, f.notifier.calls)
	counts, err := f.docs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[document.StatusQueued])
}

func TestRouter_UnsupportedFormat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := pdfMessage("m2")
	msg.Kind = connection.KindImage
	msg.Filename = "photo.png"
	msg.MimeType = "image/png"

	outcome, err := f.router.Route(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnsupported, outcome)
	assert.Empty(t, f.queue.jobs)
	assert.Equal(t, []string{"unsupported:photo.png:image/png"}, f.notifier.calls)

	counts, err := f.docs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[document.StatusQueued])

	keys, err := f.blobs.List(ctx, "payloads/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	s, err := f.recorder.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Detection.Total)
	assert.Zero(t, s.Detection.Successful)

	// a redelivered rejection is not repeated
	outcome, err = f.router.Route(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, f.notifier.calls, 1)
}

func TestRouter_TooLarge(t *testing.T) {
	f := newFixture(t)
	msg := pdfMessage("m3")
	msg.Data = []byte(strings.Repeat("x", 2048))

	outcome, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTooLarge, outcome)
	assert.Empty(t, f.queue.jobs)
	assert.Equal(t, []string{"too_large:report.pdf"}, f.notifier.calls)
}

func TestRouter_IgnoresNonDocuments(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.router.Route(context.Background(), connection.InboundMessage{
		UserID: "u1", MessageID: "m4", Kind: connection.KindText,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	own := pdfMessage("m5")
	own.FromMe = true
	outcome, err = f.router.Route(context.Background(), own)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, f.notifier.calls)
}

func TestRouter_EnqueueFailureMarksDocumentFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queue.err = errors.WrapTransient(stderrors.New("broker down"), "test", "Enqueue", "publish")

	outcome, err := f.router.Route(ctx, pdfMessage("m6"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	counts, err := f.docs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[document.StatusFailed])
	assert.Equal(t, []string{"failure:report.pdf"}, f.notifier.calls)

	keys, err := f.blobs.List(ctx, "payloads/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRouter_DuplicateStoresNoPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.router.Route(ctx, pdfMessage("m1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, outcome)

	// the pipeline drops the payload once the document is terminal
	require.NoError(t, f.blobs.Delete(ctx, f.queue.jobs[0].PayloadLocation))

	outcome, err = f.router.Route(ctx, pdfMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	keys, err := f.blobs.List(ctx, "payloads/")
	require.NoError(t, err)
	assert.Empty(t, keys, "a duplicate must not leave a payload behind")
	assert.Len(t, f.queue.jobs, 1)
}

func TestRouter_PayloadFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.router.deps.Blobs = &flakyBlobs{MemoryStore: f.blobs, failures: 1}

	outcome, err := f.router.Route(ctx, pdfMessage("m7"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Empty(t, f.queue.jobs)

	outcome, err = f.router.Route(ctx, pdfMessage("m7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome, "the redelivery is accepted")
	require.Len(t, f.queue.jobs, 1)

	data, err := f.blobs.Get(ctx, f.queue.jobs[0].PayloadLocation)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 ..."), data)
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		name string
		msg  connection.InboundMessage
		want string
	}{
		{"declared", connection.InboundMessage{MimeType: "Application/PDF"}, "application/pdf"},
		{"extension", connection.InboundMessage{Filename: "notes.txt", MimeType: "application/octet-stream"}, "text/plain"},
		{"sniffed", connection.InboundMessage{Data: []byte("%PDF-1.7\n")}, "application/pdf"},
		{"unknown", connection.InboundMessage{}, "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectMimeType(&tt.msg))
		})
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{}, nil)
	assert.True(t, errors.IsInvalid(err))
}
