package pipeline

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAwaitingCallback is returned by a collaborator that finishes its work
	// asynchronously; the stage completes when the outcome webhook arrives.
	ErrAwaitingCallback = errors.New("stage result will be delivered by callback")

	// ErrEscalated is the cancellation cause when a human takes over an issue
	ErrEscalated = errors.New("escalated")

	// ErrTerminal is returned when advancing a finished execution
	ErrTerminal = errors.New("execution already finished")

	// ErrStageRunning is returned when asked to start a stage while one is running
	ErrStageRunning = errors.New("a stage is already running")

	// ErrStageMismatch is returned when a result names a stage that is not running
	ErrStageMismatch = errors.New("result does not match the running stage")

	// ErrNotRunning is returned when no runner exists for an execution
	ErrNotRunning = errors.New("execution is not running")

	// ErrAlreadyRunning is returned when an execution already has a runner
	ErrAlreadyRunning = errors.New("execution already has a runner")

	// ErrNotAwaiting is returned when a callback arrives for a stage nobody waits on
	ErrNotAwaiting = errors.New("no stage is awaiting this callback")
)

// ErrorKind classifies a stage failure
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"
	KindPermanent    ErrorKind = "permanent"
	KindUnclassified ErrorKind = "unclassified"
)

// TransientStageError is a failure worth retrying
type TransientStageError struct {
	Stage string
	Err   error
}

func (e *TransientStageError) Error() string {
	return fmt.Sprintf("stage %s: transient failure: %v", e.Stage, e.Err)
}

func (e *TransientStageError) Unwrap() error {
	return e.Err
}

// PermanentStageError is a failure that retrying cannot fix
type PermanentStageError struct {
	Stage string
	Err   error
}

func (e *PermanentStageError) Error() string {
	return fmt.Sprintf("stage %s: permanent failure: %v", e.Stage, e.Err)
}

func (e *PermanentStageError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable stage failure
func Transient(stage string, err error) error {
	return &TransientStageError{Stage: stage, Err: err}
}

// Permanent wraps err as a non-retryable stage failure
func Permanent(stage string, err error) error {
	return &PermanentStageError{Stage: stage, Err: err}
}

// Classify returns the kind of a stage error. Timeouts are transient; anything
// not explicitly typed is unclassified and escalates like a permanent error.
func Classify(err error) ErrorKind {
	var transient *TransientStageError
	var permanent *PermanentStageError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &permanent):
		return KindPermanent
	case errors.As(err, &transient):
		return KindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindUnclassified
}

// ErrShuttingDown is returned by Start once Shutdown has been called
var ErrShuttingDown = errors.New("orchestrator is shutting down")
