// Package queue runs document processing jobs with at-least-once delivery.
//
// An Engine pulls deliveries from a Broker, runs them on a bounded worker
// pool with a hard per-job timeout, and decides per attempt whether to ack,
// redeliver with backoff, or fail terminally. Two brokers are provided: an
// in-process MemoryBroker and a JetStreamBroker backed by a work-queue stream.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/c360/docrelay/document"
	"github.com/c360/docrelay/errors"
)

// Priority orders waiting jobs; lower values run first
type Priority int

// Standard priorities
const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// Job is the queue payload for one document
type Job struct {
	ID              string             `json:"id"`
	DocumentID      int64              `json:"documentId"`
	UserID          string             `json:"userId"`
	Filename        string             `json:"filename"`
	MimeType        string             `json:"mimeType"`
	PayloadLocation string             `json:"payloadLocation"`
	Source          document.SourceRef `json:"sourceRef"`
	Priority        Priority           `json:"priority"`
	EnqueuedAt      time.Time          `json:"enqueuedAt"`
	TimeoutMs       int64              `json:"timeoutMs,omitempty"`
	MaxAttempts     int                `json:"maxAttempts,omitempty"`

	// Attempt is set by the engine before each run; 1 on first delivery.
	Attempt int `json:"attempt,omitempty"`
}

// Timeout returns the job's hard timeout, zero when unset
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// FinalAttempt reports whether a failure of the current attempt is terminal
func (j *Job) FinalAttempt() bool {
	return j.MaxAttempts > 0 && j.Attempt >= j.MaxAttempts
}

func (j *Job) validate() error {
	if j == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "queue", "Enqueue", "job is nil")
	}
	if j.DocumentID <= 0 || j.UserID == "" || j.PayloadLocation == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "queue", "Enqueue",
			"job needs document id, user id and payload location")
	}
	return nil
}

// Delivery is one attempt of a job handed out by a Broker. Exactly one of
// Ack, Retry or Fail settles it.
type Delivery interface {
	Job() *Job
	// Attempt is the 1-based delivery count for the job.
	Attempt() int
	Ack(ctx context.Context) error
	// Retry schedules redelivery after delay.
	Retry(ctx context.Context, delay time.Duration) error
	// Fail settles the job terminally without redelivery.
	Fail(ctx context.Context) error
	// InProgress extends the delivery lease while a long job runs.
	InProgress(ctx context.Context) error
}

// Broker stores jobs and hands out deliveries
type Broker interface {
	Publish(ctx context.Context, job *Job) error
	// Fetch blocks until a delivery is available or ctx ends.
	Fetch(ctx context.Context) (Delivery, error)
	// Backlog reports jobs waiting to run and jobs waiting out a retry delay.
	Backlog(ctx context.Context) (waiting, delayed int, err error)
	Close() error
}

// Counts is the aggregate queue view exposed for observability
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Record is a retained outcome for a finished job
type Record struct {
	JobID      string    `json:"jobId"`
	DocumentID int64     `json:"documentId"`
	UserID     string    `json:"userId"`
	Attempts   int       `json:"attempts"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

func newJobID() string {
	return uuid.NewString()
}
