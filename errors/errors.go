// Package errors classifies failures for docrelay components and defines the
// typed errors raised by the connection, pipeline and queue layers.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides how a caller reacts to a failure: retry it, reject the
// input, or stop.
type ErrorClass int

const (
	// ErrorTransient failures may succeed on a later attempt
	ErrorTransient ErrorClass = iota
	// ErrorInvalid failures come from bad input or configuration and never heal
	ErrorInvalid
	// ErrorFatal failures end the session or the process
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinels shared across packages
var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrShuttingDown   = errors.New("component is shutting down")

	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	ErrRateLimited = errors.New("rate limited")
	ErrUnsupported = errors.New("unsupported format")
)

// ClassifiedError carries an explicit class plus the component and
// operation that produced it. An explicit class wins over every rule below.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string { return ce.Err.Error() }

func (ce *ClassifiedError) Unwrap() error { return ce.Err }

var (
	transientSentinels = []error{ErrConnectionTimeout, ErrConnectionLost, ErrRateLimited, context.DeadlineExceeded}
	invalidSentinels   = []error{ErrInvalidData, ErrParsingFailed, ErrUnsupported}
	fatalSentinels     = []error{ErrInvalidConfig, ErrMissingConfig}

	// transientHints match messages from libraries that do not export typed errors
	transientHints = []string{"timeout", "connection", "network", "temporary", "unavailable"}
)

// Classify returns the class of err. Unknown errors are transient so they get
// retried; nil is reported as transient too.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	var (
		loggedOut *LoggedOutError
		format    *AnalysisFormatError
	)
	switch {
	case errors.As(err, &loggedOut), matchesAny(err, fatalSentinels):
		return ErrorFatal
	case errors.As(err, &format), matchesAny(err, invalidSentinels):
		return ErrorInvalid
	}
	return ErrorTransient
}

// IsTransient reports whether err is worth retrying. Unlike Classify it only
// says yes on positive evidence: a transient class, a retryable domain error,
// a known sentinel, or a message that looks like a network failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	var (
		conn    *ConnectionError
		api     *AnalysisTransportError
		timeout *QueueTimeoutError
	)
	if errors.As(err, &conn) || errors.As(err, &api) || errors.As(err, &timeout) ||
		matchesAny(err, transientSentinels) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err should stop processing
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ErrorFatal
}

// IsInvalid reports whether err stems from invalid input
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == ErrorInvalid
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Wrap formats "component.method: action failed: <err>" and keeps err in the chain
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as retryable
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err as unrecoverable
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err as an input or configuration problem
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
