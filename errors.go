package eventcore

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is matched by every ConcurrencyConflictError.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrStreamNotFound is returned by components that model existence,
	// never by a bare EventStore read.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrBackendUnavailable marks a transient failure of the durable backend.
	ErrBackendUnavailable = errors.New("event store backend unavailable")
	// ErrSubscriptionClosed is returned when receiving from a closed subscription.
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrEmptyEventBatch    = errors.New("no events to append")
	ErrInvalidRevision    = errors.New("invalid revision")
	ErrUnexpectedEvent    = errors.New("unexpected event type for aggregate")
	ErrVersionGap         = errors.New("stream version gap")
	ErrDuplicateHandler   = errors.New("duplicate handler")
	ErrStoreClosed        = errors.New("event store closed")
)

// ErrBusinessRuleViolation wraps every error returned by a Decider.
var ErrBusinessRuleViolation = errors.New("business rule violation")

// ConcurrencyConflictError reports that a stream was not at the version an
// append expected. Nothing was written.
type ConcurrencyConflictError struct {
	StreamID string
	Expected StreamState
	Actual   Version
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: (expected version %s, actual %d)", e.StreamID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// ErrSkippedEvent is returned when a handler cannot handle the event type.
type ErrSkippedEvent struct {
	Event Event
}

func (e ErrSkippedEvent) Error() string {
	return fmt.Sprintf("skipped event of type %T", e.Event)
}

// EventStoreError wraps a backend error with the operation and stream it
// happened on.
type EventStoreError struct {
	Op       string
	StreamID string
	Version  Version
	Err      error
}

func (e *EventStoreError) Error() string {
	if e.StreamID == "" {
		return fmt.Sprintf("eventstore %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("eventstore %s stream %q at version %d: %v", e.Op, e.StreamID, e.Version, e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// WrapEventStoreError attaches op/stream/version context to err. Nil stays nil.
func WrapEventStoreError(op, streamID string, version Version, err error) error {
	if err == nil {
		return nil
	}
	return &EventStoreError{Op: op, StreamID: streamID, Version: version, Err: err}
}

// SubscriptionClosedError carries the reason a subscription was closed.
type SubscriptionClosedError struct {
	Name  string
	Cause error
}

func (e *SubscriptionClosedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("subscription %q closed", e.Name)
	}
	return fmt.Sprintf("subscription %q closed: %v", e.Name, e.Cause)
}

func (e *SubscriptionClosedError) Is(target error) bool {
	return target == ErrSubscriptionClosed
}

func (e *SubscriptionClosedError) Unwrap() error {
	return e.Cause
}
