// Package metricstore records per-stage timings, end-to-end processing times
// and document detections, and summarizes them against the latency and
// detection targets.
package metricstore

import (
	"context"
	"time"
)

// Stage names a pipeline stage
type Stage string

// Pipeline stages
const (
	StageExtraction  Stage = "extraction"
	StageAnalysis    Stage = "analysis"
	StagePersistence Stage = "persistence"
	StageNotify      Stage = "notify"
)

// StageMetric is one attempt of one stage. Rows are append-only.
type StageMetric struct {
	DocumentID  int64     `json:"documentId" db:"document_id"`
	Stage       Stage     `json:"stage" db:"stage"`
	Attempt     int       `json:"attempt" db:"attempt"`
	StartedAt   time.Time `json:"startedAt" db:"started_at"`
	CompletedAt time.Time `json:"completedAt" db:"completed_at"`
	DurationMs  int64     `json:"durationMs" db:"duration_ms"`
	Success     bool      `json:"success" db:"success"`
	Error       string    `json:"error,omitempty" db:"error"`
}

// ProcessingRecord is the end-to-end outcome of one document, written once
// at completion or terminal failure.
type ProcessingRecord struct {
	DocumentID   int64     `json:"documentId" db:"document_id"`
	UserID       string    `json:"userId" db:"user_id"`
	Filename     string    `json:"filename" db:"filename"`
	MimeType     string    `json:"mimeType" db:"mime_type"`
	TextLength   int       `json:"textLength" db:"text_length"`
	DurationMs   int64     `json:"durationMs" db:"duration_ms"`
	Success      bool      `json:"success" db:"success"`
	Error        string    `json:"error,omitempty" db:"error"`
	WithinTarget bool      `json:"meetsTarget" db:"within_target"`
	RecordedAt   time.Time `json:"recordedAt" db:"recorded_at"`
}

// Detection records whether an inbound file was accepted for processing.
type Detection struct {
	UserID     string    `json:"userId" db:"user_id"`
	Success    bool      `json:"success" db:"success"`
	Reason     string    `json:"reason" db:"reason"`
	RecordedAt time.Time `json:"recordedAt" db:"recorded_at"`
}

// Detection reasons
const (
	ReasonSuccess           = "success"
	ReasonUnsupportedFormat = "unsupported_format"
	ReasonFileTooLarge      = "file_too_large"
)

// Store persists metric rows.
type Store interface {
	AppendStage(ctx context.Context, m StageMetric) error
	// ListStages returns a document's stage rows in insertion order.
	ListStages(ctx context.Context, documentID int64) ([]StageMetric, error)

	AppendProcessing(ctx context.Context, r ProcessingRecord) error
	// ListProcessing returns the newest records first. limit <= 0 returns all.
	ListProcessing(ctx context.Context, limit int) ([]ProcessingRecord, error)

	AppendDetection(ctx context.Context, d Detection) error
	DetectionCounts(ctx context.Context) (total, successful int, err error)
}
