package eventcore

import (
	"context"
)

// StreamReader reads the events of a single stream.
type StreamReader interface {
	// ReadStream returns the envelopes of streamID with Version >= from in
	// ascending version order. A stream without events, or a from beyond the
	// current version, yields an empty iterator rather than an error.
	//
	// Each call returns a fresh iterator over a consistent snapshot of the
	// stream, so reading is restartable by calling ReadStream again.
	ReadStream(ctx context.Context, streamID string, from Version) (*Iterator[*Envelope], error)

	// CurrentVersion returns the number of events committed to streamID,
	// 0 for a stream that was never written.
	CurrentVersion(ctx context.Context, streamID string) (Version, error)
}

// HistoryReader reads the global, cross-stream log of a store. Subscriptions
// use it to catch up.
type HistoryReader interface {
	// ReadAll returns every envelope with GlobalVersion >= from in commit order.
	ReadAll(ctx context.Context, from uint64) (*Iterator[*Envelope], error)
}

// Subscriber attaches subscriptions to the feed of committed events.
type Subscriber interface {
	Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error)
}

// EventStore defines the contract for an append-only event store
// used in event-sourced systems. An EventStore persists events
// associated with a given stream in sequential order, allowing
// for full reconstruction of aggregate state at any point in time.
//
// Implementations must guarantee:
//   - Events for a given stream are stored in order with versions 1..N,
//     without gaps or duplicates.
//   - The check of the expected stream state and the append happen
//     atomically per stream; a failed check writes nothing.
//   - Appends to different streams do not wait on each other beyond a short
//     global section that assigns the global sequence.
//   - Committed envelopes are published to subscribers in global order
//     before Append returns.
type EventStore interface {
	StreamReader
	HistoryReader
	Subscriber

	// Append appends events to streamID.
	//
	// Parameters:
	//   - ctx: Request-scoped context for cancellation and tracing. A context
	//     cancelled before the commit point aborts the append without writing.
	//   - streamID: Target stream.
	//   - expected: The expected stream state. This can be one of:
	//       - Revision(v): the stream must be exactly at version v.
	//       - NoStream: the stream must be empty.
	//       - StreamExists: the stream must have at least one event.
	//       - Any: always append, do not check for conflicts.
	//   - events: The events to append, non-empty.
	//
	// Errors:
	//   - *ConcurrencyConflictError (matches ErrConcurrencyConflict) when the
	//     expectation does not hold.
	//   - ErrEmptyEventBatch when events is empty.
	//   - Errors matching ErrBackendUnavailable for transient backend failures.
	Append(ctx context.Context, streamID string, expected StreamState, events []Event, opts ...AppendOption) (AppendResult, error)

	// Close releases any resources held by the EventStore and closes every
	// subscription. Implementations should make Close idempotent.
	Close() error
}

// AppendResult describes the outcome of an append operation.
type AppendResult struct {
	Successful bool
	StreamID   string
	// NextExpectedVersion is the stream version after the append.
	NextExpectedVersion Version
	// GlobalVersion is the global position of the last appended event.
	GlobalVersion uint64
	Envelopes     []*Envelope
}
