package storage

import (
	"context"
	"errors"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/localtime"
)

var (
	// ErrConflict: code_id already exists.
	ErrConflict = errors.New("alarm already exists")
	// ErrNotFound: no row for code_id.
	ErrNotFound = errors.New("alarm not found")
	// ErrStale: a compare-and-set lost (another replica advanced the row first).
	ErrStale = errors.New("stale status transition")
)

// Config configures the store.
//
// DatabaseURL accepts a plain path, "file://...", "sqlite://...", or
// "sqlite3://...".
// MinConns/MaxConns bound the database/sql pool. AcquireTimeout caps how
// long a single operation may wait for a pooled connection.
type Config struct {
	DatabaseURL    string
	MinConns       int
	MaxConns       int
	BusyTimeout    time.Duration // sqlite busy handler; 0 means default
	AcquireTimeout time.Duration // 0 means 2s
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Email  string
	Status alarm.Status
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Email     *string
	LocalTime *localtime.Clock
	UTCTime   *localtime.Clock
	Timezone  *string
	Recurring *bool
	Days      *alarm.DaySet
}

// Store is the persistence API used by the controller and the HTTP façade.
type Store interface {
	Create(ctx context.Context, a alarm.Alarm) (alarm.Alarm, error)
	Update(ctx context.Context, codeID string, p Patch) (alarm.Alarm, error)
	Cancel(ctx context.Context, codeID string) error
	Get(ctx context.Context, codeID string) (alarm.Alarm, error)
	List(ctx context.Context, f Filter) ([]alarm.Alarm, error)

	// ListScheduled streams every row in status 'scheduled' through fn.
	// The scan is finite and not restartable; fn returning an error aborts it.
	ListScheduled(ctx context.Context, fn func(alarm.Alarm) error) error

	// MarkStatus is a compare-and-set on status. Returns ErrStale when the
	// row is no longer in expect.
	MarkStatus(ctx context.Context, codeID string, next, expect alarm.Status) error

	// ClaimOccurrence is the cluster-wide gate against duplicate firing:
	// it records occurrenceDate as fired iff the alarm is still scheduled
	// and has not fired on or after that date. One-shot alarms transition
	// to triggered; recurring alarms stay scheduled. Returns ErrStale when
	// another replica won the occurrence.
	ClaimOccurrence(ctx context.Context, codeID, occurrenceDate string) error

	// Rearm refreshes the derived UTC time of a still-scheduled alarm
	// (recurrence advance, DST recompute, reconciliation repair).
	Rearm(ctx context.Context, codeID string, utc localtime.Clock) error

	// DeleteExpired removes triggered and failed one-shot rows last updated
	// before cutoff. Canceled rows are kept.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)

	CountByStatus(ctx context.Context) (map[alarm.Status]int, error)
	Ping(ctx context.Context) error
	Close() error
}
