// Package store implements the Dispersy Message Store (spec.md §4.1):
// persistence of sync-able messages, the uniqueness / sequence-
// contiguity / last-sync-bound invariants, duplicate and undo
// handling, and the bloom-filter-driven anti-entropy query.
package store

// Backend is the persisted-schema collaborator (spec.md §1, §6): a
// sorted key-value engine. The relational database named in spec.md is
// one possible Backend; PebbleBackend is the concrete default.
//
// Keys sort lexicographically; Iterate relies on that to serve
// query_sync's global_time range scans without a secondary index.
type Backend interface {
	Get(key []byte) (value []byte, found bool, err error)
	Set(key, value []byte) error
	Delete(key []byte) error

	// Iterate calls fn for every key in [lowerBound, upperBound) in
	// ascending key order, stopping early if fn returns false.
	Iterate(lowerBound, upperBound []byte, fn func(key, value []byte) bool) error

	// Commit is a durability barrier. The node's watchdog calls it at
	// most once per minute, or immediately after a batch that stored a
	// message authored by one of our own members (spec.md §4.2 step 6).
	Commit() error

	Close() error
}
