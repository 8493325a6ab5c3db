// Package errors defines the error taxonomy used throughout the scraper.
//
// Every failure surfaced between components carries a Class so callers can
// decide retry behavior without inspecting concrete types:
//
//	Transient — retryable (HTTP timeout/5xx/429, busy store, open circuit)
//	Permanent — not retryable (404, 403, auth misconfiguration)
//	Skipped   — item-level malformed data; the batch continues
//	Cancelled — caller-initiated stop or deadline
//	Fatal     — broken invariant; propagates to process shutdown
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Class partitions errors by how the caller should react.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassPermanent
	ClassSkipped
	ClassCancelled
	ClassFatal
)

// String returns the lowercase class name.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassSkipped:
		return "skipped"
	case ClassCancelled:
		return "cancelled"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier is implemented by errors that know their own class.
type Classifier interface {
	ErrorClass() Class
}

// Classify walks the error chain and returns the first class found.
// Context cancellation and deadline errors classify as Cancelled.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}
	return ClassUnknown
}

// IsTransient reports whether err should be retried by the caller.
func IsTransient(err error) bool { return Classify(err) == ClassTransient }

// IsPermanent reports whether err is not retryable.
func IsPermanent(err error) bool { return Classify(err) == ClassPermanent }

// IsSkipped reports whether err is an item-level skip.
func IsSkipped(err error) bool { return Classify(err) == ClassSkipped }

// IsCancelled reports whether err came from a stop request or deadline.
func IsCancelled(err error) bool { return Classify(err) == ClassCancelled }

// IsFatal reports whether err must shut the process down.
func IsFatal(err error) bool { return Classify(err) == ClassFatal }

// RequestError indicates a failed call against the Reddit API or an
// external page. StatusCode is zero for transport-level failures.
type RequestError struct {
	// Operation is the name of the API operation that failed
	Operation string
	// URL is the URL that was being accessed
	URL string
	// StatusCode is the HTTP status code, if a response was received
	StatusCode int
	// Class is the retry classification assigned by the client
	Class Class
	// Err contains the underlying error if available
	Err error
}

func (e *RequestError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("request error during %s to %s: status %d: %s", e.Operation, e.URL, e.StatusCode, msg)
	}
	if e.URL != "" {
		return fmt.Sprintf("request error during %s to %s: %s", e.Operation, e.URL, msg)
	}
	return fmt.Sprintf("request error during %s: %s", e.Operation, msg)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ErrorClass implements Classifier.
func (e *RequestError) ErrorClass() Class { return e.Class }

// ParseError indicates a malformed item in an otherwise valid response.
// It classifies as Skipped: the batch continues without the item.
type ParseError struct {
	// Operation is the name of the API operation where parsing failed
	Operation string
	// Message contains the detailed error message
	Message string
	// Err contains the underlying error if available
	Err error
}

func (e *ParseError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Operation != "" {
		return fmt.Sprintf("parse error during %s: %s", e.Operation, msg)
	}
	return fmt.Sprintf("parse error: %s", msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrorClass implements Classifier.
func (e *ParseError) ErrorClass() Class { return ClassSkipped }

// ConfigError indicates invalid configuration. Fatal at init.
type ConfigError struct {
	// Field contains the name of the configuration field that caused the error
	Field string
	// Message contains the detailed error message
	Message string
	// Err contains the underlying error if available
	Err error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("config error in field %s: %s", e.Field, msg)
	}
	return fmt.Sprintf("config error: %s", msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ErrorClass implements Classifier.
func (e *ConfigError) ErrorClass() Class { return ClassFatal }

// ValidationError indicates a rejected API request. Permanent.
type ValidationError struct {
	// Field names the offending request field
	Field string
	// Message contains the detailed error message
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ErrorClass implements Classifier.
func (e *ValidationError) ErrorClass() Class { return ClassPermanent }

// StoreBusyError indicates write contention that survived the store's own
// bounded retry. Callers treat it as Transient.
type StoreBusyError struct {
	// Operation is the store operation that exhausted its retries
	Operation string
	// Attempts is how many times the write was tried
	Attempts int
	// Err contains the last underlying driver error
	Err error
}

func (e *StoreBusyError) Error() string {
	return fmt.Sprintf("store busy during %s after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *StoreBusyError) Unwrap() error { return e.Err }

// ErrorClass implements Classifier.
func (e *StoreBusyError) ErrorClass() Class { return ClassTransient }

// StoreError indicates a non-contention store failure (corruption,
// missing file, schema violation). Fatal.
type StoreError struct {
	// Operation is the store operation that failed
	Operation string
	// Err contains the underlying error
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Operation, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ErrorClass implements Classifier.
func (e *StoreError) ErrorClass() Class { return ClassFatal }

// NotFoundError indicates a missing entity (session, user, subreddit).
type NotFoundError struct {
	// Kind names the entity type, e.g. "session" or "user"
	Kind string
	// Key is the identifier that was looked up
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// ErrorClass implements Classifier.
func (e *NotFoundError) ErrorClass() Class { return ClassPermanent }

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// CircuitOpenError is returned when a call is short-circuited. It
// classifies as Transient; no admission slot is consumed.
type CircuitOpenError struct {
	// Endpoint is the circuit's endpoint key
	Endpoint string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Endpoint)
}

// ErrorClass implements Classifier.
func (e *CircuitOpenError) ErrorClass() Class { return ClassTransient }

// IsCircuitOpen reports whether err wraps a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var co *CircuitOpenError
	return errors.As(err, &co)
}

// Gone marks a user account that Reddit reports as deleted or suspended.
var ErrGone = &goneError{}

type goneError struct{}

func (e *goneError) Error() string { return "account gone" }

// ErrorClass implements Classifier.
func (e *goneError) ErrorClass() Class { return ClassPermanent }
