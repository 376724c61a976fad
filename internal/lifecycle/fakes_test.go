package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/localtime"
	"alarmd/internal/storage"
)

// fakeStore is an in-memory storage.Store with the same CAS semantics as
// the sqlite implementation.
type fakeStore struct {
	mu     sync.Mutex
	rows   map[string]alarm.Alarm
	claims int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]alarm.Alarm)}
}

func (s *fakeStore) put(a alarm.Alarm) {
	if a.Status == "" {
		a.Status = alarm.StatusScheduled
	}
	s.mu.Lock()
	s.rows[a.CodeID] = a
	s.mu.Unlock()
}

func (s *fakeStore) Create(ctx context.Context, a alarm.Alarm) (alarm.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[a.CodeID]; ok {
		return alarm.Alarm{}, storage.ErrConflict
	}
	a.Status = alarm.StatusScheduled
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	s.rows[a.CodeID] = a
	return a, nil
}

func (s *fakeStore) Update(ctx context.Context, codeID string, p storage.Patch) (alarm.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[codeID]
	if !ok {
		return alarm.Alarm{}, storage.ErrNotFound
	}
	if p.Email != nil {
		a.Email = *p.Email
	}
	if p.LocalTime != nil {
		a.LocalTime = *p.LocalTime
	}
	if p.UTCTime != nil {
		a.UTCTime = *p.UTCTime
	}
	if p.Timezone != nil {
		a.Timezone = *p.Timezone
	}
	if p.Recurring != nil {
		a.Recurring = *p.Recurring
	}
	if p.Days != nil {
		a.Days = *p.Days
	}
	a.UpdatedAt = time.Now().UTC()
	s.rows[codeID] = a
	return a, nil
}

func (s *fakeStore) Cancel(ctx context.Context, codeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[codeID]
	if !ok {
		return storage.ErrNotFound
	}
	if a.Status == alarm.StatusScheduled || a.Status == alarm.StatusFailed {
		a.Status = alarm.StatusCanceled
		s.rows[codeID] = a
	}
	return nil
}

func (s *fakeStore) Get(ctx context.Context, codeID string) (alarm.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[codeID]
	if !ok {
		return alarm.Alarm{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) List(ctx context.Context, f storage.Filter) ([]alarm.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alarm.Alarm
	for _, a := range s.rows {
		if f.Email != "" && a.Email != f.Email {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) ListScheduled(ctx context.Context, fn func(alarm.Alarm) error) error {
	s.mu.Lock()
	var scheduled []alarm.Alarm
	for _, a := range s.rows {
		if a.Status == alarm.StatusScheduled {
			scheduled = append(scheduled, a)
		}
	}
	s.mu.Unlock()
	for _, a := range scheduled {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) MarkStatus(ctx context.Context, codeID string, next, expect alarm.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[codeID]
	if !ok {
		return storage.ErrNotFound
	}
	if a.Status != expect {
		return storage.ErrStale
	}
	a.Status = next
	a.UpdatedAt = time.Now().UTC()
	s.rows[codeID] = a
	return nil
}

func (s *fakeStore) ClaimOccurrence(ctx context.Context, codeID, occurrenceDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[codeID]
	if !ok {
		return storage.ErrNotFound
	}
	if a.Status != alarm.StatusScheduled || a.LastFiredDate >= occurrenceDate {
		return fmt.Errorf("%w: %s", storage.ErrStale, codeID)
	}
	a.LastFiredDate = occurrenceDate
	if !a.Recurring {
		a.Status = alarm.StatusTriggered
	}
	a.UpdatedAt = time.Now().UTC()
	s.rows[codeID] = a
	s.claims++
	return nil
}

func (s *fakeStore) Rearm(ctx context.Context, codeID string, utc localtime.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[codeID]
	if !ok {
		return storage.ErrNotFound
	}
	if a.Status != alarm.StatusScheduled {
		return storage.ErrStale
	}
	a.UTCTime = utc
	a.UpdatedAt = time.Now().UTC()
	s.rows[codeID] = a
	return nil
}

func (s *fakeStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.rows {
		if !a.Recurring && (a.Status == alarm.StatusTriggered || a.Status == alarm.StatusFailed) && a.UpdatedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CountByStatus(ctx context.Context) (map[alarm.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[alarm.Status]int)
	for _, a := range s.rows {
		out[a.Status]++
	}
	return out, nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                   { return nil }

// failBus returns a terminal error on every publish.
type failBus struct{}

func (failBus) Publish(ctx context.Context, topic string, data any) error {
	return fmt.Errorf("%w: topic %s", eventbus.ErrSaturated, topic)
}

func (failBus) Subscribe(topic string, buffer int) (<-chan eventbus.Event, func()) {
	ch := make(chan eventbus.Event)
	return ch, func() {}
}
