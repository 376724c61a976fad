// Package schedule holds the time-indexed alarm scheduler: an in-memory
// index keyed by UTC second-of-day plus the once-per-second tick loop that
// extracts the due-set.
//
// Per-tick work is proportional to the number of alarms firing in that
// second, never to the resident population. The index is a projection of
// the store; the lifecycle controller is the only writer.
package schedule
