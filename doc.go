// Package eventcore is the core of an event-sourced application.
//
// It is built from three cooperating pieces:
//
//   - Root, which folds domain events into aggregate state and keeps the
//     events recorded since the last load or save.
//   - EventStore, an append-only log per stream guarded by optimistic
//     concurrency: an append names the version it expects and fails with a
//     ConcurrencyConflictError instead of silently overwriting history.
//   - Subscription, which delivers every committed event in global commit
//     order, catching up from a checkpoint before switching to live delivery.
//
// Repository ties the first two together: Get replays a stream into a Root,
// Save appends exactly the Root's pending events at exactly the version it
// observed.
//
// Concrete stores live in the eventstore subpackages, the publisher behind
// Subscribe in package eventbus.
package eventcore

// InstrumentationVersion is reported by the telemetry decorators and the CLI.
const InstrumentationVersion = "0.4.0"
