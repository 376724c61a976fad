// Package storage is the durable alarm store.
//
// SQLite (modernc.org/sqlite, pure Go) behind database/sql with a bounded
// connection pool. The store owns the authoritative row for every alarm;
// the scheduler index is only ever a projection of rows in status
// 'scheduled'.
//
// Failure semantics: constraint violations and missing rows surface as the
// package's sentinel errors (terminal); everything else is assumed to be
// transient I/O and is safe to retry.
package storage
