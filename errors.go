package stepforge

import (
	"errors"
	"fmt"
	"time"

	"github.com/stepforge/stepforge-go/step"
)

// nonRetriableError marks an error as one the orchestrator should never
// retry (spec.md §3 Failure descriptor, §4.2, §7 kind 2). It bubbles
// through step.Run unchanged and is translated by the invocation handler
// into a 400 response carrying X-Stepforge-No-Retry: true.
type nonRetriableError struct {
	err error
}

func (e *nonRetriableError) Error() string { return e.err.Error() }
func (e *nonRetriableError) Unwrap() error { return e.err }

// StepforgeNoRetry is a marker method letting package step recognize this
// error kind by interface without importing package stepforge (which would
// cycle back through step).
func (e *nonRetriableError) StepforgeNoRetry() {}

// NonRetriableError wraps err so that the invocation handler reports it as
// non-retriable instead of applying the orchestrator's default retry
// policy.
func NonRetriableError(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetriableError{err: err}
}

// noRetryKind is satisfied both by NonRetriableError's own wrapper and by
// any other package's error kind that marks itself non-retriable via the
// same duck-typed convention (e.g. step.Invoke's invocation-failed error).
type noRetryKind interface{ StepforgeNoRetry() }

// IsNoRetryError reports whether err (or anything it wraps) was produced by
// NonRetriableError, or otherwise marks itself non-retriable the same way.
func IsNoRetryError(err error) bool {
	var target *nonRetriableError
	if errors.As(err, &target) {
		return true
	}
	var kind noRetryKind
	return errors.As(err, &kind)
}

// retryAfterError carries an explicit retry deadline (spec.md §7 kind 3).
type retryAfterError struct {
	err error
	at  time.Time
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// StepforgeRetryAfter is a marker method letting package step recognize
// this error kind by interface without importing package stepforge.
func (e *retryAfterError) StepforgeRetryAfter() {}

// RetryAfterError wraps err with an explicit deadline the orchestrator
// should honor as a Retry-After header instead of its default backoff.
func RetryAfterError(err error, at time.Time) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, at: at}
}

// GetRetryAtTime returns the retry deadline carried by err, if any.
func GetRetryAtTime(err error) *time.Time {
	var target *retryAfterError
	if errors.As(err, &target) {
		return &target.at
	}
	return nil
}

// errorTriple is the {name, message, stack?} shape spec.md requires on
// every error-bearing response body and StepError op payload.
type errorTriple struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func newErrorTriple(err error) errorTriple {
	name := "Error"
	var nr *nonRetriableError
	var ra *retryAfterError
	switch {
	case errors.As(err, &nr):
		name = "NonRetriableError"
	case errors.As(err, &ra):
		name = "RetryAfterError"
	}
	return errorTriple{Name: name, Message: err.Error()}
}

// ErrConfiguration signals that a step primitive was used without the
// supporting configuration it needs, e.g. step.SendEvent without an event
// sender injected into the handler (spec.md §7 kind 9).
var ErrConfiguration = step.ErrConfiguration

// ErrUnknownFunction is returned when a POST targets an fnId the registry
// does not know about (spec.md §7 kind 7).
var ErrUnknownFunction = fmt.Errorf("stepforge: unknown function")
