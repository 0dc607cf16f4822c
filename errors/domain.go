package errors

import (
	"fmt"
	"time"
)

// ConnectionError reports a transport failure for a user's session.
// It is transient: the connection manager schedules a reconnect.
type ConnectionError struct {
	UserID string
	Code   int
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("connection error for user %s", e.UserID)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// LoggedOutError means the remote side permanently revoked the session.
type LoggedOutError struct {
	UserID string
	Reason string
}

func (e *LoggedOutError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("user %s logged out", e.UserID)
	}
	return fmt.Sprintf("user %s logged out: %s", e.UserID, e.Reason)
}

// NotConnectedError is returned when sending to a user without a live session.
type NotConnectedError struct {
	UserID string
	State  string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("user %s not connected (state %s)", e.UserID, e.State)
}

// ExtractionError reports a failed or empty text extraction.
type ExtractionError struct {
	DocumentID int64
	MimeType   string
	Err        error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for document %d (%s): %v", e.DocumentID, e.MimeType, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// AnalysisFormatError means the model answered, but not with the strict summary shape.
type AnalysisFormatError struct {
	Problems []string
	Err      error
}

func (e *AnalysisFormatError) Error() string {
	if len(e.Problems) > 0 {
		return fmt.Sprintf("analysis output malformed: %v", e.Problems)
	}
	return fmt.Sprintf("analysis output malformed: %v", e.Err)
}

func (e *AnalysisFormatError) Unwrap() error { return e.Err }

// AnalysisTransportError wraps network or API failures talking to the model.
type AnalysisTransportError struct {
	StatusCode int
	Err        error
}

func (e *AnalysisTransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("analysis request failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("analysis request failed: %v", e.Err)
}

func (e *AnalysisTransportError) Unwrap() error { return e.Err }

// QueueTimeoutError is raised when a job exceeds its hard timeout.
type QueueTimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("job %s exceeded timeout of %s", e.JobID, e.Timeout)
}

// NotifyError wraps a failed outbound notification. Callers log it and move on.
type NotifyError struct {
	UserID string
	Kind   string
	Err    error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s to user %s failed: %v", e.Kind, e.UserID, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }
