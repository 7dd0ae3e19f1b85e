// Package coordinator owns the stores of a resultsync process and the
// contexts that edit them.
//
// ARCHITECTURE:
//
// A Coordinator holds direct references to every open Context. When a
// context commits, the coordinator stamps the commit with the next Clock
// value and posts a ChangeNotification to every context's loop:
//
//	commit(A) ──> store.Save ──> broadcast(Seq n)
//	                               ├─> A's loop: A's observers recompute
//	                               ├─> B's loop: B.MergeChanges
//	                               └─> C's loop: C.MergeChanges
//
// MergeChanges is a no-op for the sender itself and for a context bound to
// another store. Updated objects are refreshed from the store before the
// observers run, so a controller never recomputes against a stale copy.
//
// CRITICAL PATTERNS:
//
// CP-1: Commit Ordering
// Save and broadcast happen under one lock. Every loop receives
// notifications in Seq order.
//
// CP-2: Local Edits Survive Merges
// A context's own uncommitted patches stay on top of refreshed objects.
// Edits to an object another context deleted are dropped with it.
//
// CP-3: Optimistic Versions
// Updates and deletes carry the version they were based on. A commit based
// on a version another context replaced fails with *SaveError wrapping
// *store.ConflictError; the edits are kept and succeed once the newer
// commit has been merged.
package coordinator
