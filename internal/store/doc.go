// Package store provides the SQLite-backed event store and the transactional
// boundary in which projections are maintained.
//
// The store implements an append-only log:
//   - Events are written once and never deleted (enforced by trigger)
//   - A processed event is immutable (enforced by trigger)
//   - (stream_type, stream_id, stream_version) is unique per stream
//
// # Append
//
// Append validates the event, checks the expected stream version, inserts the
// row and dispatches it to the projection router inside one transaction. The
// router runs under a savepoint: if a handler fails, the projection writes are
// rolled back while the event row survives with processing_error set and
// retry_count incremented. Reprocess and the Sweeper pick such rows up later.
//
// # Ordering
//
//   - Stream reads order by stream_version
//   - Global reads and replays order by seq, the insertion order
//   - Wall-clock timestamps are never used for ordering
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce tenant ownership of projection rows
//   - One open connection: appends are serialized by the pool
package store
