package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrDataRequired is returned when a job is submitted without a payload.
	ErrDataRequired = errors.New("queue: job data is required")
	// ErrNegativeDelay is returned when a job delay is below zero.
	ErrNegativeDelay = errors.New("queue: delay must not be negative")
	// ErrJobNotFound is returned when a job record does not exist (expired or removed).
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrProcessorNotFound is returned by StartProcessing for an unregistered processor.
	ErrProcessorNotFound = errors.New("queue: processor not found")
	// ErrAlreadyProcessing is returned by StartProcessing when the queue is running.
	ErrAlreadyProcessing = errors.New("queue: already processing")
)

// QueueError reports a store failure. Callers should treat it as retryable.
type QueueError struct {
	Queue string
	Op    string
	Err   error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %s: %v", e.Queue, e.Op, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// Retryable is always true; store failures are transient from the caller's view.
func (e *QueueError) Retryable() bool { return true }

func (q *Queue) storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &QueueError{Queue: q.cfg.Name, Op: op, Err: err}
}

// PermanentError marks a processor failure that must not be retried.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return e.Cause.Error() }
func (e *PermanentError) Unwrap() error { return e.Cause }

// Permanent wraps err so the job fails terminally on its current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

func isPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
