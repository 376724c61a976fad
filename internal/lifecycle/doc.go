// Package lifecycle is the controller between store, scheduler index and
// event bus. It rebuilds the index on cold start, applies write-path
// changes, runs the per-due-alarm firing pipeline on a bounded worker
// pool, and owns the background reconcile and cleanup jobs.
//
// It holds no persistent state of its own: the store is authoritative, the
// index is a projection, and everything the controller does is replayable
// from those two.
package lifecycle
