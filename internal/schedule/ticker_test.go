package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"alarmd/internal/localtime"
	logx "alarmd/pkg/logx"
)

type tickRecorder struct {
	mu    sync.Mutex
	calls []tickCall
}

type tickCall struct {
	sec int
	ids []string
}

func (r *tickRecorder) fn(now time.Time, sec int, due []Projection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, p := range due {
		ids = append(ids, p.CodeID)
	}
	r.calls = append(r.calls, tickCall{sec: sec, ids: ids})
}

func (r *tickRecorder) snapshot() []tickCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tickCall(nil), r.calls...)
}

func TestProcessRangeCatchesUpMissedSeconds(t *testing.T) {
	t.Parallel()
	x := NewIndex()
	rec := &tickRecorder{}
	tk := NewTicker(x, rec.fn, logx.Nop())

	// Alarms at 12:00:00, 12:00:01, 12:00:03 UTC.
	x.Add(proj("a", localtime.Clock{Hour: 12}))
	x.Add(proj("b", localtime.Clock{Hour: 12, Second: 1}))
	x.Add(proj("c", localtime.Clock{Hour: 12, Second: 3}))

	base := time.Date(2025, time.January, 15, 11, 59, 59, 0, time.UTC).Unix()
	// A 5-second stall: every intermediate second must be extracted in order.
	tk.processRange(base, base+5)

	calls := rec.snapshot()
	if len(calls) != 3 {
		t.Fatalf("calls = %+v, want 3", calls)
	}
	wantSecs := []int{12 * 3600, 12*3600 + 1, 12*3600 + 3}
	wantIDs := []string{"a", "b", "c"}
	for i, c := range calls {
		if c.sec != wantSecs[i] {
			t.Fatalf("call %d sec = %d, want %d", i, c.sec, wantSecs[i])
		}
		if len(c.ids) != 1 || c.ids[0] != wantIDs[i] {
			t.Fatalf("call %d ids = %v, want [%s]", i, c.ids, wantIDs[i])
		}
	}
	if tk.Ticks() != 5 {
		t.Fatalf("Ticks = %d, want 5", tk.Ticks())
	}
}

func TestProcessRangeCrossesMidnight(t *testing.T) {
	t.Parallel()
	x := NewIndex()
	rec := &tickRecorder{}
	tk := NewTicker(x, rec.fn, logx.Nop())

	x.Add(proj("late", localtime.Clock{Hour: 23, Minute: 59, Second: 59}))
	x.Add(proj("early", localtime.Clock{}))

	base := time.Date(2025, time.January, 15, 23, 59, 58, 0, time.UTC).Unix()
	tk.processRange(base, base+2)

	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].sec != SecondsPerDay-1 || calls[0].ids[0] != "late" {
		t.Fatalf("pre-midnight call = %+v", calls[0])
	}
	if calls[1].sec != 0 || calls[1].ids[0] != "early" {
		t.Fatalf("post-midnight call = %+v", calls[1])
	}
}

func TestTickerFiresOnWallClock(t *testing.T) {
	t.Parallel()
	x := NewIndex()

	fired := make(chan int, 8)
	tk := NewTicker(x, func(now time.Time, sec int, due []Projection) {
		fired <- sec
	}, logx.Nop())

	// Arm an alarm for ~2 seconds from now.
	target := time.Now().UTC().Add(2 * time.Second)
	x.Add(proj("soon", localtime.ClockOf(target)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tk.Start(ctx)
	defer tk.Stop()

	select {
	case sec := <-fired:
		want := localtime.ClockOf(target).SecondOfDay()
		if sec != want {
			t.Fatalf("fired sec = %d, want %d", sec, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("alarm never fired")
	}

	if age := tk.TickAge(); age > 3*time.Second {
		t.Fatalf("TickAge = %v", age)
	}
}

func TestTickerStopIsIdempotentish(t *testing.T) {
	t.Parallel()
	tk := NewTicker(NewIndex(), func(time.Time, int, []Projection) {}, logx.Nop())
	ctx := context.Background()
	tk.Start(ctx)
	tk.Stop()
	// A second Stop must not panic or hang.
	tk.Stop()
}
