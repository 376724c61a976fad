package schedule

import (
	"sync"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/localtime"
)

// SecondsPerDay is the number of leaf buckets in the index.
const SecondsPerDay = 86400

// Projection is the slice of an alarm the scheduler needs: identity, the
// UTC second it fires on, and what the weekday gate reads. The store keeps
// everything else.
type Projection struct {
	CodeID    string
	Email     string
	LocalTime localtime.Clock
	UTCTime   localtime.Clock
	Timezone  string
	Recurring bool
	Days      alarm.DaySet
}

// ProjectionOf builds the scheduler projection of a stored alarm.
func ProjectionOf(a alarm.Alarm) Projection {
	return Projection{
		CodeID:    a.CodeID,
		Email:     a.Email,
		LocalTime: a.LocalTime,
		UTCTime:   a.UTCTime,
		Timezone:  a.Timezone,
		Recurring: a.Recurring,
		Days:      a.Days,
	}
}

// Second is the flat-array bucket key for the projection.
func (p Projection) Second() int { return p.UTCTime.SecondOfDay() }

// FiresOn mirrors alarm.Alarm.FiresOn for the cached projection: the day
// gate always runs in the alarm's own zone, never the server's.
func (p Projection) FiresOn(d time.Weekday) bool {
	if p.Days.Empty() {
		return !p.Recurring
	}
	return p.Days.Contains(d)
}

// Index maps UTC second-of-day to the set of alarms firing on it.
//
// Flat array of 86400 leaf sets rather than hour/minute/second nesting:
// same O(1), contiguous, and empty buckets are just nil map headers. The
// reverse map gives O(1) removal without knowing the old key.
//
// Readers (due lookup, stats) share the lock; Add/Remove take it
// exclusively.
type Index struct {
	mu      sync.RWMutex
	buckets [SecondsPerDay]map[string]struct{}
	byID    map[string]Projection
}

func NewIndex() *Index {
	return &Index{byID: make(map[string]Projection)}
}

// Add inserts or moves an alarm. Re-adding with an unchanged second keeps
// the bucket and refreshes the cached projection; a changed second behaves
// like remove+add. Idempotent either way.
func (x *Index) Add(p Projection) {
	sec := p.Second()

	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.byID[p.CodeID]; ok {
		if oldSec := old.Second(); oldSec != sec {
			delete(x.buckets[oldSec], p.CodeID)
			if len(x.buckets[oldSec]) == 0 {
				x.buckets[oldSec] = nil
			}
		}
	}
	if x.buckets[sec] == nil {
		x.buckets[sec] = make(map[string]struct{})
	}
	x.buckets[sec][p.CodeID] = struct{}{}
	x.byID[p.CodeID] = p
}

// Remove drops an alarm; unknown ids are a no-op.
func (x *Index) Remove(codeID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	p, ok := x.byID[codeID]
	if !ok {
		return false
	}
	sec := p.Second()
	delete(x.buckets[sec], codeID)
	if len(x.buckets[sec]) == 0 {
		x.buckets[sec] = nil
	}
	delete(x.byID, codeID)
	return true
}

// Due returns a snapshot of the projections firing on the given UTC
// second-of-day, so callers iterate without holding the lock.
func (x *Index) Due(sec int) []Projection {
	if sec < 0 || sec >= SecondsPerDay {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	bucket := x.buckets[sec]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]Projection, 0, len(bucket))
	for id := range bucket {
		out = append(out, x.byID[id])
	}
	return out
}

// Has reports membership and the current projection for an id.
func (x *Index) Has(codeID string) (Projection, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.byID[codeID]
	return p, ok
}

// IDs snapshots the indexed ids (reconciliation scans).
func (x *Index) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.byID))
	for id := range x.byID {
		out = append(out, id)
	}
	return out
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

// Clear empties the index (reload path).
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range x.buckets {
		x.buckets[i] = nil
	}
	x.byID = make(map[string]Projection)
}

// Stats is the observability snapshot of index shape.
type Stats struct {
	Total     int     `json:"total_alarms"`
	UsedSlots int     `json:"used_time_slots"`
	PerHour   [24]int `json:"alarms_per_hour"`
}

func (x *Index) SnapshotStats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()

	st := Stats{Total: len(x.byID)}
	for sec, bucket := range x.buckets {
		if len(bucket) == 0 {
			continue
		}
		st.UsedSlots++
		st.PerHour[sec/3600] += len(bucket)
	}
	return st
}
