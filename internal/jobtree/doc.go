// Package jobtree models one pipeline run as a forest of job nodes.
//
// Roots are imagine submissions seeded from the work list; each completed root
// fans out one child per declared variant slot, and a child carries the
// results of the auxiliary stages (face swap, animation) run on its image. A
// node is addressable by its local key at all times and by its remote job id
// once the submission response assigns one; the id index is maintained on
// every insert so notification matching never walks the tree.
//
// All access goes through Tree.View and Tree.Mutate, which share one lock.
// Mutate persists the serialized document through the configured Persister
// before releasing the lock, so the snapshot on disk always reflects the last
// applied change. Completion flags are monotonic: a transaction that clears
// one is rejected and the flag restored.
package jobtree
