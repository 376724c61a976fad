package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/localtime"
	logx "alarmd/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		DatabaseURL: filepath.Join(t.TempDir(), "alarms.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testAlarm(codeID string) alarm.Alarm {
	days, _ := alarm.ParseDaySet("Mon,Tue,Wed,Thu,Fri")
	return alarm.Alarm{
		CodeID:    codeID,
		Email:     "user@example.com",
		LocalTime: localtime.Clock{Hour: 9},
		UTCTime:   localtime.Clock{Hour: 17},
		Timezone:  "America/Los_Angeles",
		Recurring: true,
		Days:      days,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	in := testAlarm("a1")
	created, err := st.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != alarm.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", created.Status)
	}

	got, err := st.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Email != in.Email || got.UTCTime != in.UTCTime || got.Days != in.Days || !got.Recurring {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Create(ctx, testAlarm("dup")); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := st.Create(ctx, testAlarm("dup")); !errors.Is(err, ErrConflict) {
		t.Fatalf("second Create = %v, want ErrConflict", err)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestUpdatePatch(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Create(ctx, testAlarm("u1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	email := "other@example.com"
	utc := localtime.Clock{Hour: 18, Minute: 30}
	got, err := st.Update(ctx, "u1", Patch{Email: &email, UTCTime: &utc})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Email != email || got.UTCTime != utc {
		t.Fatalf("patch not applied: %+v", got)
	}
	// Unpatched fields survive.
	if got.Timezone != "America/Los_Angeles" {
		t.Fatalf("timezone clobbered: %s", got.Timezone)
	}

	if _, err := st.Update(ctx, "missing", Patch{Email: &email}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update missing = %v, want ErrNotFound", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Create(ctx, testAlarm("c1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Cancel(ctx, "c1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := st.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != alarm.StatusCanceled {
		t.Fatalf("status = %s, want canceled", got.Status)
	}
	// Second cancel is a no-op, not an error.
	if err := st.Cancel(ctx, "c1"); err != nil {
		t.Fatalf("re-Cancel: %v", err)
	}
	if err := st.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel missing = %v, want ErrNotFound", err)
	}
}

func TestClaimOccurrenceOncePerDate(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Create(ctx, testAlarm("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := st.ClaimOccurrence(ctx, "r1", "2025-01-15"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// Same occurrence: the CAS must lose.
	if err := st.ClaimOccurrence(ctx, "r1", "2025-01-15"); !errors.Is(err, ErrStale) {
		t.Fatalf("second claim = %v, want ErrStale", err)
	}
	// An earlier date can never fire after a later one.
	if err := st.ClaimOccurrence(ctx, "r1", "2025-01-14"); !errors.Is(err, ErrStale) {
		t.Fatalf("older claim = %v, want ErrStale", err)
	}
	// Next day fires again; recurring stays scheduled throughout.
	if err := st.ClaimOccurrence(ctx, "r1", "2025-01-16"); err != nil {
		t.Fatalf("next-day claim: %v", err)
	}
	got, _ := st.Get(ctx, "r1")
	if got.Status != alarm.StatusScheduled {
		t.Fatalf("recurring status = %s, want scheduled", got.Status)
	}
	if got.LastFiredDate != "2025-01-16" {
		t.Fatalf("last fired = %s", got.LastFiredDate)
	}
}

func TestClaimOccurrenceOneShotTerminal(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a := testAlarm("o1")
	a.Recurring = false
	a.Days = 0
	if _, err := st.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.ClaimOccurrence(ctx, "o1", "2025-01-15"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	got, _ := st.Get(ctx, "o1")
	if got.Status != alarm.StatusTriggered {
		t.Fatalf("one-shot status = %s, want triggered", got.Status)
	}
	// Terminal: no further occurrence can be claimed.
	if err := st.ClaimOccurrence(ctx, "o1", "2025-01-16"); !errors.Is(err, ErrStale) {
		t.Fatalf("claim after terminal = %v, want ErrStale", err)
	}
}

func TestMarkStatusCAS(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Create(ctx, testAlarm("m1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.MarkStatus(ctx, "m1", alarm.StatusFailed, alarm.StatusScheduled); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	if err := st.MarkStatus(ctx, "m1", alarm.StatusFailed, alarm.StatusScheduled); !errors.Is(err, ErrStale) {
		t.Fatalf("stale MarkStatus = %v, want ErrStale", err)
	}
	if err := st.MarkStatus(ctx, "missing", alarm.StatusFailed, alarm.StatusScheduled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing MarkStatus = %v, want ErrNotFound", err)
	}
}

func TestListScheduledStreams(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := st.Create(ctx, testAlarm(id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if err := st.Cancel(ctx, "s2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	var seen []string
	err := st.ListScheduled(ctx, func(a alarm.Alarm) error {
		seen = append(seen, a.CodeID)
		return nil
	})
	if err != nil {
		t.Fatalf("ListScheduled: %v", err)
	}
	if len(seen) != 2 || seen[0] != "s1" || seen[1] != "s3" {
		t.Fatalf("scheduled set = %v", seen)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a := testAlarm("f1")
	b := testAlarm("f2")
	b.Email = "b@example.com"
	for _, x := range []alarm.Alarm{a, b} {
		if _, err := st.Create(ctx, x); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	byEmail, err := st.List(ctx, Filter{Email: "b@example.com"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byEmail) != 1 || byEmail[0].CodeID != "f2" {
		t.Fatalf("email filter = %+v", byEmail)
	}

	byStatus, err := st.List(ctx, Filter{Status: alarm.StatusScheduled})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byStatus) != 2 {
		t.Fatalf("status filter = %d rows", len(byStatus))
	}
}

func TestDeleteExpiredOnlyTerminalOneShots(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	oneShot := testAlarm("old")
	oneShot.Recurring = false
	oneShot.Days = 0
	if _, err := st.Create(ctx, oneShot); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.ClaimOccurrence(ctx, "old", "2025-01-15"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := st.Create(ctx, testAlarm("keep")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Cutoff in the future sweeps the triggered one-shot, never the
	// scheduled recurring row.
	n, err := st.DeleteExpired(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, err := st.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired row still present: %v", err)
	}
	if _, err := st.Get(ctx, "keep"); err != nil {
		t.Fatalf("live row swept: %v", err)
	}

	counts, err := st.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[alarm.StatusScheduled] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
