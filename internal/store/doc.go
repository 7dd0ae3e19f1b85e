// Package store provides the backing stores a coordinator persists managed
// objects to.
//
// Three backends implement Store:
//   - durable: a SQLite file (WAL mode, single writer)
//   - binary: a whole-file snapshot replaced atomically on every save
//   - memory: a private in-memory SQLite database
//
// # Critical Patterns
//
// CP-1: Store-Allocated Identity
//   - Row keys come from AllocateKey and are unique across entities
//   - A key is never handed out twice while the store is open, even when
//     the insert that took it is discarded
//
// CP-2: Optimistic Versions
//   - Every row carries a version starting at 1
//   - Updates name the version they were based on; a mismatch fails the
//     whole save with *ConflictError and nothing is written
//
// CP-3: Deterministic Reads
//   - Load returns rows ORDER BY row_key ASC
//   - Attributes are stored as canonical JSON so equal objects are
//     byte-identical on disk
//
// CP-4: Model Tracking
//   - The schema version lives in PRAGMA user_version (binary: the file header)
//   - The hash of the model that last opened the store is kept in metadata;
//     Options decide whether an outdated or foreign store may be adapted
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes (durable only)
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
package store
