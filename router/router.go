// Package router turns inbound messages into queued documents. It dedupes
// redelivered messages by their transport id, rejects formats the pipeline
// cannot read and acknowledges everything it accepts.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/c360/docrelay/connection"
	"github.com/c360/docrelay/document"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/extract"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/metricstore"
	"github.com/c360/docrelay/queue"
	"github.com/c360/docrelay/storage"
)

// Outcome is the routing decision for one message
type Outcome string

// Routing outcomes
const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeTooLarge    Outcome = "too_large"
	OutcomeQueued      Outcome = "queued"
	OutcomeFailed      Outcome = "failed"
)

// Enqueuer accepts jobs. queue.Engine implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Formats answers which mime types can be extracted. extract.Registry implements it.
type Formats interface {
	Supports(mimeType string) bool
	Formats() []extract.Format
}

// Notifier sends the router's user-facing replies. notify.Notifier implements it.
type Notifier interface {
	Acknowledge(ctx context.Context, userID, peerRef, filename string) error
	RejectUnsupported(ctx context.Context, userID, peerRef, filename, mimeType string, formats []extract.Format) error
	RejectTooLarge(ctx context.Context, userID, peerRef, filename string, limit int64) error
	SendFailure(ctx context.Context, userID, peerRef, filename string) error
}

// DetectionRecorder records detection outcomes. metricstore.Recorder implements it.
type DetectionRecorder interface {
	RecordDetection(ctx context.Context, userID string, success bool, reason string) error
}

// Config tunes routing
type Config struct {
	MaxFileSize int64
	Priority    queue.Priority
}

// Deps are the collaborators the router needs. Recorder and Metrics are optional.
type Deps struct {
	Documents document.Store
	Blobs     storage.Store
	Queue     Enqueuer
	Formats   Formats
	Notifier  Notifier
	Recorder  DetectionRecorder
	Metrics   *metric.Metrics
}

// Router routes inbound messages
type Router struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New creates a Router
func New(deps Deps, cfg Config, logger *slog.Logger) (*Router, error) {
	if deps.Documents == nil || deps.Blobs == nil || deps.Queue == nil || deps.Formats == nil || deps.Notifier == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Router", "New",
			"documents, blobs, queue, formats and notifier are required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 50 << 20
	}
	if cfg.Priority == 0 {
		cfg.Priority = queue.PriorityNormal
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{deps: deps, cfg: cfg, logger: logger.With("component", "router")}, nil
}

// Handle is the connection.Hooks.OnMessage callback
func (r *Router) Handle(ctx context.Context, msg connection.InboundMessage) {
	if _, err := r.Route(ctx, msg); err != nil {
		r.logger.Error("Failed to route message",
			"user_id", msg.UserID, "message_id", msg.MessageID, "error", err)
	}
}

// Route classifies msg and acts on it. The returned error is for logging;
// the user has already been told about failures where possible.
func (r *Router) Route(ctx context.Context, msg connection.InboundMessage) (Outcome, error) {
	outcome, err := r.route(ctx, &msg)
	if r.deps.Metrics != nil {
		r.deps.Metrics.MessagesRouted.WithLabelValues(string(outcome)).Inc()
	}
	return outcome, err
}

func (r *Router) route(ctx context.Context, msg *connection.InboundMessage) (Outcome, error) {
	if !msg.IsDocument() || msg.FromMe {
		r.logger.Debug("Ignoring non-document message", "user_id", msg.UserID, "kind", msg.Kind)
		return OutcomeIgnored, nil
	}
	if msg.MessageID == "" {
		return OutcomeIgnored, errors.WrapInvalid(errors.ErrInvalidData, "Router", "Route", "message id is required")
	}

	filename := msg.Filename
	if filename == "" {
		filename = "document"
	}
	mimeType := detectMimeType(msg)
	ref := document.SourceRef{TransportMessageID: msg.MessageID, PeerRef: msg.PeerRef}

	var rejection Outcome
	switch {
	case !r.deps.Formats.Supports(mimeType):
		rejection = OutcomeUnsupported
	case int64(len(msg.Data)) > r.cfg.MaxFileSize:
		rejection = OutcomeTooLarge
	}

	if rejection != "" {
		first, err := r.deps.Documents.ClaimSource(ctx, msg.UserID, ref)
		if err != nil {
			return OutcomeFailed, err
		}
		if !first {
			return OutcomeDuplicate, nil
		}
		return rejection, r.reject(ctx, msg, filename, mimeType, rejection)
	}

	first, err := r.deps.Documents.ClaimSource(ctx, msg.UserID, ref)
	if err != nil {
		return OutcomeFailed, err
	}
	if !first {
		r.logger.Debug("Duplicate delivery ignored", "user_id", msg.UserID, "message_id", msg.MessageID)
		return OutcomeDuplicate, nil
	}

	// The claim is released when the payload cannot be stored so the
	// transport redelivery gets a fresh attempt.
	key := storage.PayloadKey(msg.UserID, msg.MessageID)
	if err := r.deps.Blobs.Put(ctx, key, msg.Data); err != nil {
		if rerr := r.deps.Documents.ReleaseSource(ctx, msg.UserID, ref); rerr != nil {
			r.logger.Error("Failed to release source claim", "user_id", msg.UserID, "message_id", msg.MessageID, "error", rerr)
		}
		return OutcomeFailed, errors.WrapTransient(err, "Router", "Route", "store payload")
	}

	doc, err := r.deps.Documents.Create(ctx, &document.Document{
		UserID:          msg.UserID,
		Filename:        filename,
		MimeType:        mimeType,
		SizeBytes:       int64(len(msg.Data)),
		Source:          ref,
		PayloadLocation: key,
		UploadedAt:      msg.ReceivedAt,
	})
	if err != nil {
		r.recordDetection(ctx, msg.UserID, false, "create_failed")
		r.sendFailure(ctx, msg, filename)
		return OutcomeFailed, err
	}

	job := &queue.Job{
		DocumentID:      doc.ID,
		UserID:          doc.UserID,
		Filename:        doc.Filename,
		MimeType:        doc.MimeType,
		PayloadLocation: key,
		Source:          ref,
		Priority:        r.cfg.Priority,
	}
	if err := r.deps.Queue.Enqueue(ctx, job); err != nil {
		if _, terr := r.deps.Documents.Transition(ctx, doc.ID, document.StatusFailed, "enqueue failed"); terr != nil {
			r.logger.Error("Failed to mark document failed", "document_id", doc.ID, "error", terr)
		}
		if derr := r.deps.Blobs.Delete(ctx, key); derr != nil {
			r.logger.Warn("Failed to delete payload", "document_id", doc.ID, "error", derr)
		}
		r.recordDetection(ctx, msg.UserID, false, "enqueue_failed")
		r.sendFailure(ctx, msg, filename)
		return OutcomeFailed, fmt.Errorf("enqueue document %d: %w", doc.ID, err)
	}

	r.logger.Info("Document queued",
		"user_id", msg.UserID, "document_id", doc.ID, "job_id", job.ID,
		"filename", filename, "mime_type", mimeType, "size", doc.SizeBytes)
	r.recordDetection(ctx, msg.UserID, true, metricstore.ReasonSuccess)
	if err := r.deps.Notifier.Acknowledge(ctx, msg.UserID, msg.PeerRef, filename); err != nil {
		r.logger.Warn("Acknowledgment not delivered", "document_id", doc.ID, "error", err)
	}
	return OutcomeQueued, nil
}

func (r *Router) reject(ctx context.Context, msg *connection.InboundMessage, filename, mimeType string, why Outcome) error {
	var err error
	reason := metricstore.ReasonUnsupportedFormat
	if why == OutcomeTooLarge {
		reason = metricstore.ReasonFileTooLarge
		err = r.deps.Notifier.RejectTooLarge(ctx, msg.UserID, msg.PeerRef, filename, r.cfg.MaxFileSize)
	} else {
		err = r.deps.Notifier.RejectUnsupported(ctx, msg.UserID, msg.PeerRef, filename, mimeType, r.deps.Formats.Formats())
	}
	r.logger.Info("Document rejected",
		"user_id", msg.UserID, "filename", filename, "mime_type", mimeType, "reason", reason)
	r.recordDetection(ctx, msg.UserID, false, reason)
	if err != nil {
		r.logger.Warn("Rejection not delivered", "user_id", msg.UserID, "error", err)
	}
	return nil
}

func (r *Router) sendFailure(ctx context.Context, msg *connection.InboundMessage, filename string) {
	if err := r.deps.Notifier.SendFailure(ctx, msg.UserID, msg.PeerRef, filename); err != nil {
		r.logger.Warn("Failure notice not delivered", "user_id", msg.UserID, "error", err)
	}
}

func (r *Router) recordDetection(ctx context.Context, userID string, success bool, reason string) {
	if r.deps.Recorder == nil {
		return
	}
	_ = r.deps.Recorder.RecordDetection(ctx, userID, success, reason)
}

// detectMimeType prefers the declared type, then the file extension, then
// content sniffing.
func detectMimeType(msg *connection.InboundMessage) string {
	if msg.MimeType != "" && extract.Normalize(msg.MimeType) != "application/octet-stream" {
		return extract.Normalize(msg.MimeType)
	}
	if ext := filepath.Ext(msg.Filename); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return extract.Normalize(t)
		}
	}
	if len(msg.Data) > 0 {
		return extract.Normalize(http.DetectContentType(msg.Data))
	}
	return "application/octet-stream"
}
