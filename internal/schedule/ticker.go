package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "alarmd/pkg/logx"
)

// TickFunc receives one due-set per UTC second. now is the start of the
// UTC second being processed (during catch-up, the missed second itself,
// not the current wall clock); sec is its UTC second-of-day. The
// callback must not block: it dispatches to workers and returns.
type TickFunc func(now time.Time, sec int, due []Projection)

const (
	slowDueThreshold  = 10 * time.Millisecond
	heartbeatInterval = 300 // ticks between heartbeat log lines
)

// Ticker drives the index once per wall-clock second, aligned to whole
// seconds of the UTC clock.
//
// Stutter protection: if the clock reports a second already processed
// (NTP step back, timer jitter), the tick is skipped. Catch-up: if the
// process stalls past one second, every missed second is extracted in
// order; seconds are never skipped silently.
type Ticker struct {
	idx *Index
	fn  TickFunc
	log logx.Logger

	// now is swappable for tests.
	now func() time.Time

	lateWarn *rate.Limiter
	slowWarn *rate.Limiter

	ticks    atomic.Uint64
	lastTick atomic.Int64 // unix milliseconds of the last processed tick

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewTicker(idx *Index, fn TickFunc, log logx.Logger) *Ticker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ticker{
		idx:      idx,
		fn:       fn,
		log:      log,
		now:      time.Now,
		lateWarn: rate.NewLimiter(rate.Every(30*time.Second), 1),
		slowWarn: rate.NewLimiter(rate.Every(30*time.Second), 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop. The loop stops when ctx is canceled or
// Stop is called.
func (t *Ticker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		t.started.Store(true)
		go t.run(ctx)
	})
}

// Stop halts the loop and waits for it to drain. Safe to call even if the
// ticker never started.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if !t.started.Load() {
		return
	}
	<-t.done
}

// TickAge is how long ago the last second was processed. Health checks
// flag the scheduler once this exceeds a few seconds.
func (t *Ticker) TickAge() time.Duration {
	ms := t.lastTick.Load()
	if ms == 0 {
		return 0
	}
	return time.Duration(t.now().UnixMilli()-ms) * time.Millisecond
}

func (t *Ticker) Ticks() uint64 { return t.ticks.Load() }

func (t *Ticker) run(ctx context.Context) {
	defer close(t.done)

	now := t.now()
	t.lastTick.Store(now.UnixMilli())
	lastUnix := now.Unix()

	timer := time.NewTimer(untilNextSecond(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-timer.C:
		}

		now = t.now()
		cur := now.Unix()

		// Same (or earlier) second as the previous tick: clock stutter.
		if cur <= lastUnix {
			timer.Reset(untilNextSecond(now))
			continue
		}

		if missed := cur - lastUnix - 1; missed > 0 && t.lateWarn.Allow() {
			t.log.Warn("tick late, catching up",
				logx.Int64("missed_seconds", missed))
		}

		t.processRange(lastUnix, cur)
		lastUnix = cur
		t.lastTick.Store(now.UnixMilli())

		timer.Reset(untilNextSecond(t.now()))
	}
}

// processRange extracts the due-set for every second in (lastUnix, cur],
// oldest first.
func (t *Ticker) processRange(lastUnix, cur int64) {
	for u := lastUnix + 1; u <= cur; u++ {
		utc := time.Unix(u, 0).UTC()
		sec := utc.Hour()*3600 + utc.Minute()*60 + utc.Second()

		start := t.now()
		due := t.idx.Due(sec)
		if d := t.now().Sub(start); d > slowDueThreshold && t.slowWarn.Allow() {
			t.log.Warn("slow due-set extraction",
				logx.Duration("took", d),
				logx.Int("population", t.idx.Len()))
		}

		if len(due) > 0 {
			t.fn(utc, sec, due)
		}

		n := t.ticks.Add(1)
		if n%heartbeatInterval == 0 {
			t.log.Debug("tick heartbeat",
				logx.Uint64("ticks", n),
				logx.String("utc", utc.Format("15:04:05")),
				logx.Int("alarms", t.idx.Len()))
		}
	}
}

func untilNextSecond(now time.Time) time.Duration {
	next := now.Truncate(time.Second).Add(time.Second)
	d := next.Sub(now)
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}
