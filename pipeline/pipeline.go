// Package pipeline processes queued documents: extract text, analyze it,
// persist the summary and notify the user. Every stage attempt is timed and
// recorded; failures go back to the queue for retry.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/docrelay/analysis"
	"github.com/c360/docrelay/document"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/metricstore"
	"github.com/c360/docrelay/pkg/retry"
	"github.com/c360/docrelay/queue"
	"github.com/c360/docrelay/storage"
)

// Extractor turns payload bytes into text. extract.Registry implements it.
type Extractor interface {
	Extract(ctx context.Context, mimeType string, data []byte) (string, error)
}

// Notifier delivers results. notify.Notifier implements it.
type Notifier interface {
	SendSummary(ctx context.Context, userID, peerRef, filename string, s *document.Summary) error
	SendFailure(ctx context.Context, userID, peerRef, filename string) error
}

// Recorder stores stage and processing metrics. metricstore.Recorder implements it.
type Recorder interface {
	RecordStage(ctx context.Context, m metricstore.StageMetric) error
	RecordProcessing(ctx context.Context, r metricstore.ProcessingRecord) error
}

// Config holds per-stage timeouts
type Config struct {
	ExtractionTimeout time.Duration
	AnalysisTimeout   time.Duration
}

// DefaultConfig returns the default stage timeouts
func DefaultConfig() Config {
	return Config{
		ExtractionTimeout: 60 * time.Second,
		AnalysisTimeout:   120 * time.Second,
	}
}

// Deps are the pipeline collaborators
type Deps struct {
	Documents document.Store
	Blobs     storage.Store
	Extractor Extractor
	Analyzer  analysis.Analyzer
	Notifier  Notifier
	Recorder  Recorder
}

// Pipeline implements queue.Processor and queue.ExhaustedFunc
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Pipeline
func New(deps Deps, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if deps.Documents == nil || deps.Blobs == nil || deps.Extractor == nil ||
		deps.Analyzer == nil || deps.Notifier == nil || deps.Recorder == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "New", "all collaborators are required")
	}
	def := DefaultConfig()
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = def.ExtractionTimeout
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = def.AnalysisTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger.With("component", "pipeline"), now: time.Now}, nil
}

// Process runs one job attempt. It is safe to call again for the same
// document after a failure or a redelivery.
func (p *Pipeline) Process(ctx context.Context, job *queue.Job) error {
	log := p.logger.With("document_id", job.DocumentID, "job_id", job.ID, "attempt", job.Attempt)

	doc, err := p.deps.Documents.Get(ctx, job.DocumentID)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return retry.NonRetryable(err)
		}
		return err
	}
	if doc.Status.IsTerminal() {
		log.Info("Document already finished, skipping redelivery", "status", doc.Status)
		return nil
	}
	if doc.Status == document.StatusQueued {
		if doc, err = p.deps.Documents.Transition(ctx, doc.ID, document.StatusProcessing, ""); err != nil {
			return err
		}
	}

	text, err := p.extract(ctx, job, doc)
	if err != nil {
		return err
	}

	summary, err := p.analyze(ctx, job, doc, text)
	if err != nil {
		return err
	}

	completed, err := p.persist(ctx, job, doc, summary)
	if err != nil {
		return err
	}

	p.recordOutcome(ctx, completed, len(text), nil)
	p.dropPayload(ctx, completed)
	log.Info("Document processed", "duration_ms", durationMs(completed), "text_length", len(text))

	p.notify(ctx, job, completed, summary)
	return nil
}

func (p *Pipeline) extract(ctx context.Context, job *queue.Job, doc *document.Document) (string, error) {
	started := p.now()
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.ExtractionTimeout)
	defer cancel()

	data, err := p.deps.Blobs.Get(stageCtx, doc.PayloadLocation)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			err = retry.NonRetryable(&errors.ExtractionError{DocumentID: doc.ID, MimeType: doc.MimeType,
				Err: fmt.Errorf("payload %s missing: %w", doc.PayloadLocation, err)})
		}
		return "", p.stageFailed(ctx, job, metricstore.StageExtraction, started, err)
	}

	text, err := p.deps.Extractor.Extract(stageCtx, doc.MimeType, data)
	if err != nil {
		err = &errors.ExtractionError{DocumentID: doc.ID, MimeType: doc.MimeType, Err: err}
		// A file that cannot be read will not become readable on retry.
		if errors.IsInvalid(err) {
			err = retry.NonRetryable(err)
		}
		return "", p.stageFailed(ctx, job, metricstore.StageExtraction, started, err)
	}

	p.stageSucceeded(ctx, job, metricstore.StageExtraction, started)
	return text, nil
}

func (p *Pipeline) analyze(ctx context.Context, job *queue.Job, doc *document.Document, text string) (*document.Summary, error) {
	started := p.now()
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.AnalysisTimeout)
	defer cancel()

	summary, err := p.deps.Analyzer.Analyze(stageCtx, analysis.Request{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		Text:       text,
	})
	if err == nil && summary == nil {
		err = &errors.AnalysisFormatError{Err: fmt.Errorf("analyzer returned no summary: %w", errors.ErrInvalidData)}
	}
	if err != nil {
		if stageCtx.Err() != nil && ctx.Err() == nil {
			err = &errors.AnalysisTransportError{Err: fmt.Errorf("analysis timed out after %s: %w",
				p.cfg.AnalysisTimeout, stageCtx.Err())}
		}
		return nil, p.stageFailed(ctx, job, metricstore.StageAnalysis, started, err)
	}

	summary.DocumentID = doc.ID
	p.stageSucceeded(ctx, job, metricstore.StageAnalysis, started)
	return summary, nil
}

// persist stores the summary and completes the document. Both steps are
// idempotent so a retry after a partial failure converges.
func (p *Pipeline) persist(ctx context.Context, job *queue.Job, doc *document.Document, summary *document.Summary) (*document.Document, error) {
	started := p.now()
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = started
	}

	created, err := p.deps.Documents.CreateSummary(ctx, summary)
	if err != nil {
		return nil, p.stageFailed(ctx, job, metricstore.StagePersistence, started, err)
	}
	if !created {
		p.logger.Info("Summary already stored, keeping the first one", "document_id", doc.ID)
	}

	completed, err := p.deps.Documents.Transition(ctx, doc.ID, document.StatusCompleted, "")
	if err != nil {
		return nil, p.stageFailed(ctx, job, metricstore.StagePersistence, started, err)
	}

	p.stageSucceeded(ctx, job, metricstore.StagePersistence, started)
	return completed, nil
}

// notify is best effort: a missed delivery never fails the job.
func (p *Pipeline) notify(ctx context.Context, job *queue.Job, doc *document.Document, summary *document.Summary) {
	started := p.now()
	err := p.deps.Notifier.SendSummary(ctx, doc.UserID, doc.Source.PeerRef, doc.Filename, summary)
	p.record(ctx, job, metricstore.StageNotify, started, err)
	if err != nil {
		p.logger.Warn("Summary not delivered", "document_id", doc.ID, "user_id", doc.UserID, "error", err)
	}
}

// OnExhausted marks the document failed after the last attempt, records the
// outcome and tells the user. A document whose summary was already stored
// is completed instead, so a summary never sits next to a failed document.
func (p *Pipeline) OnExhausted(ctx context.Context, job *queue.Job, cause error) {
	log := p.logger.With("document_id", job.DocumentID, "job_id", job.ID)

	doc, err := p.deps.Documents.Get(ctx, job.DocumentID)
	if err != nil {
		log.Error("Cannot load exhausted document", "error", err)
		return
	}
	if doc.Status.IsTerminal() {
		return
	}

	if p.finishStored(ctx, job, doc) {
		return
	}

	msg := "processing failed"
	if cause != nil {
		msg = cause.Error()
	}
	failed, err := p.deps.Documents.Transition(ctx, doc.ID, document.StatusFailed, msg)
	if err != nil {
		log.Error("Failed to mark document failed", "error", err)
		return
	}
	log.Warn("Document failed after retries", "attempts", job.Attempt, "error", msg)

	p.recordOutcome(ctx, failed, 0, cause)
	p.dropPayload(ctx, failed)
	if err := p.deps.Notifier.SendFailure(ctx, failed.UserID, failed.Source.PeerRef, failed.Filename); err != nil {
		log.Warn("Failure notice not delivered", "error", err)
	}
}

// finishStored completes a document whose summary survived a failed
// completion. When completion still fails the summary is removed and false
// is returned so the caller can fail the document.
func (p *Pipeline) finishStored(ctx context.Context, job *queue.Job, doc *document.Document) bool {
	summary, err := p.deps.Documents.GetSummary(ctx, doc.ID)
	if err != nil {
		if !stderrors.Is(err, errors.ErrNotFound) {
			p.logger.Warn("Cannot check stored summary", "document_id", doc.ID, "error", err)
		}
		return false
	}

	completed, err := p.deps.Documents.Transition(ctx, doc.ID, document.StatusCompleted, "")
	if err == nil {
		p.logger.Info("Completed document from stored summary", "document_id", doc.ID)
		p.recordOutcome(ctx, completed, 0, nil)
		p.dropPayload(ctx, completed)
		p.notify(ctx, job, completed, summary)
		return true
	}

	p.logger.Warn("Completion failed again, discarding summary", "document_id", doc.ID, "error", err)
	if derr := p.deps.Documents.DeleteSummary(ctx, doc.ID); derr != nil {
		p.logger.Error("Failed to discard summary", "document_id", doc.ID, "error", derr)
	}
	return false
}

func (p *Pipeline) stageFailed(ctx context.Context, job *queue.Job, stage metricstore.Stage, started time.Time, err error) error {
	p.record(ctx, job, stage, started, err)
	if serr := p.deps.Documents.SetError(ctx, job.DocumentID, err.Error()); serr != nil {
		p.logger.Warn("Failed to record document error", "document_id", job.DocumentID, "error", serr)
	}
	p.logger.Warn("Stage failed",
		"document_id", job.DocumentID, "stage", stage, "attempt", job.Attempt, "error", err)
	return err
}

func (p *Pipeline) stageSucceeded(ctx context.Context, job *queue.Job, stage metricstore.Stage, started time.Time) {
	p.record(ctx, job, stage, started, nil)
}

// record appends a stage metric. Recording problems are logged by the
// recorder and never affect processing.
func (p *Pipeline) record(ctx context.Context, job *queue.Job, stage metricstore.Stage, started time.Time, err error) {
	completed := p.now()
	m := metricstore.StageMetric{
		DocumentID:  job.DocumentID,
		Stage:       stage,
		Attempt:     job.Attempt,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
		Success:     err == nil,
	}
	if err != nil {
		m.Error = err.Error()
	}
	_ = p.deps.Recorder.RecordStage(context.WithoutCancel(ctx), m)
}

func (p *Pipeline) recordOutcome(ctx context.Context, doc *document.Document, textLength int, cause error) {
	rec := metricstore.ProcessingRecord{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		Filename:   doc.Filename,
		MimeType:   doc.MimeType,
		TextLength: textLength,
		DurationMs: durationMs(doc),
		Success:    cause == nil,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	_ = p.deps.Recorder.RecordProcessing(context.WithoutCancel(ctx), rec)
}

func (p *Pipeline) dropPayload(ctx context.Context, doc *document.Document) {
	if doc.PayloadLocation == "" {
		return
	}
	if err := p.deps.Blobs.Delete(ctx, doc.PayloadLocation); err != nil {
		p.logger.Warn("Failed to delete payload", "document_id", doc.ID, "error", err)
	}
}

func durationMs(doc *document.Document) int64 {
	if doc.ProcessingDurationMs != nil {
		return *doc.ProcessingDurationMs
	}
	return 0
}
