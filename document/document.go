// Package document holds the Document and Summary records and the stores that
// enforce their lifecycle rules.
package document

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/docrelay/errors"
)

// Status is the processing state of a Document
type Status string

// Document states. Transitions only move forward.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s -> to is a legal forward move
func (s Status) CanTransitionTo(to Status) bool {
	switch s {
	case StatusQueued:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// SourceRef identifies the inbound transport message a Document came from
type SourceRef struct {
	TransportMessageID string `json:"transportMessageId"`
	PeerRef            string `json:"peerRef"`
}

// Document is one uploaded file moving through the pipeline
type Document struct {
	ID                   int64      `json:"id"`
	UserID               string     `json:"userId"`
	Filename             string     `json:"filename"`
	MimeType             string     `json:"mimeType"`
	SizeBytes            int64      `json:"sizeBytes"`
	Source               SourceRef  `json:"sourceRef"`
	Status               Status     `json:"status"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	UploadedAt           time.Time  `json:"uploadedAt"`
	ProcessedAt          *time.Time `json:"processedAt,omitempty"`
	ProcessingDurationMs *int64     `json:"processingDurationMs,omitempty"`
	PayloadLocation      string     `json:"payloadLocation"`
	Attempts             int        `json:"attempts"`
}

// Summary is the structured analysis result of a completed Document
type Summary struct {
	DocumentID       int64     `json:"documentId"`
	Title            string    `json:"title"`
	ExecutiveSummary string    `json:"executiveSummary"`
	KeyPoints        []string  `json:"keyPoints"`
	ImportantFacts   []string  `json:"importantFacts"`
	Insights         string    `json:"insights"`
	TLDR             string    `json:"tldr"`
	Model            string    `json:"model,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Store persists Documents, Summaries and source claims.
type Store interface {
	// Create assigns the next ID, forces status queued and stores the Document.
	Create(ctx context.Context, doc *Document) (*Document, error)
	Get(ctx context.Context, id int64) (*Document, error)

	// Transition moves a Document forward. Moving to completed requires a Summary.
	// Terminal moves stamp ProcessedAt and ProcessingDurationMs.
	Transition(ctx context.Context, id int64, to Status, errMsg string) (*Document, error)

	// SetError records the latest failure on a non-terminal Document and
	// bumps its attempt count.
	SetError(ctx context.Context, id int64, msg string) error

	// ClaimSource returns true the first time a user's transport message is seen.
	ClaimSource(ctx context.Context, userID string, ref SourceRef) (bool, error)
	// ReleaseSource drops a claim whose document was never created, so a
	// redelivery can try again. Releasing an unknown claim is not an error.
	ReleaseSource(ctx context.Context, userID string, ref SourceRef) error

	// CreateSummary stores s unless one already exists; created reports which.
	CreateSummary(ctx context.Context, s *Summary) (created bool, err error)
	GetSummary(ctx context.Context, documentID int64) (*Summary, error)
	// DeleteSummary removes the summary of a non-terminal Document. Deleting a
	// missing summary is not an error.
	DeleteSummary(ctx context.Context, documentID int64) error

	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// sourceKey derives a stable, KV-safe identifier for a claim.
func sourceKey(userID string, ref SourceRef) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID+"\x00"+ref.TransportMessageID)).String()
}

func validateNew(doc *Document) error {
	if doc == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "document", "Create", "document cannot be nil")
	}
	if doc.UserID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "document", "Create", "user id is required")
	}
	if doc.MimeType == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "document", "Create", "mime type is required")
	}
	return nil
}

func validateSummary(s *Summary) error {
	if s == nil || s.DocumentID == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "document", "CreateSummary", "summary needs a document id")
	}
	if len(s.KeyPoints) == 0 || len(s.ImportantFacts) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "document", "CreateSummary",
			"summary needs key points and important facts")
	}
	return nil
}

// applyTransition mutates doc in place after checking the move is legal.
func applyTransition(doc *Document, to Status, errMsg string, hasSummary bool, now time.Time) error {
	if !doc.Status.CanTransitionTo(to) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: document %d %s -> %s", errors.ErrInvalidTransition, doc.ID, doc.Status, to),
			"document", "Transition", "check transition")
	}
	if to == StatusCompleted && !hasSummary {
		return errors.WrapInvalid(
			fmt.Errorf("%w: document %d has no summary", errors.ErrInvalidTransition, doc.ID),
			"document", "Transition", "check summary")
	}
	if to == StatusFailed && hasSummary {
		return errors.WrapInvalid(
			fmt.Errorf("%w: document %d has a summary", errors.ErrInvalidTransition, doc.ID),
			"document", "Transition", "check summary")
	}

	doc.Status = to
	switch to {
	case StatusCompleted:
		doc.ErrorMessage = ""
	case StatusFailed:
		if errMsg != "" {
			doc.ErrorMessage = errMsg
		}
	}
	if to.IsTerminal() {
		processed := now
		doc.ProcessedAt = &processed
		ms := now.Sub(doc.UploadedAt).Milliseconds()
		doc.ProcessingDurationMs = &ms
	}
	return nil
}

func summaryLocked(doc *Document) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: document %d is %s", errors.ErrInvalidTransition, doc.ID, doc.Status),
		"document", "DeleteSummary", "check status")
}

func applyError(doc *Document, msg string) error {
	if doc.Status.IsTerminal() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: document %d is %s", errors.ErrInvalidTransition, doc.ID, doc.Status),
			"document", "SetError", "check status")
	}
	doc.ErrorMessage = msg
	doc.Attempts++
	return nil
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%s %d: %w", what, id, errors.ErrNotFound)
}
