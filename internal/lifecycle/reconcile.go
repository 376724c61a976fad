package lifecycle

import (
	"context"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/localtime"
	"alarmd/internal/schedule"
	logx "alarmd/pkg/logx"
)

// Rebuild loads every scheduled alarm into the index, re-deriving the UTC
// key against today's date so a restart across a DST transition lands on
// the right second. Cold start and POST /reload both come through here.
func (c *Controller) Rebuild(ctx context.Context) error {
	start := time.Now()
	count, refreshed := 0, 0

	err := c.store.ListScheduled(ctx, func(a alarm.Alarm) error {
		p, changed := c.freshProjection(ctx, a)
		if changed {
			refreshed++
		}
		c.idx.Add(p)
		count++
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Info("index rebuilt",
		logx.Int("alarms", count),
		logx.Int("utc_refreshed", refreshed),
		logx.Duration("took", time.Since(start)))
	return nil
}

// Reload drops the index and rebuilds it from the store.
func (c *Controller) Reload(ctx context.Context) error {
	c.idx.Clear()
	return c.Rebuild(ctx)
}

// freshProjection re-derives utc_time against today's date in the alarm's
// zone.
// When the derivation drifts from the stored value (DST moved it, or the
// row predates a zone rule change), the store is repaired best-effort.
func (c *Controller) freshProjection(ctx context.Context, a alarm.Alarm) (schedule.Projection, bool) {
	p := schedule.ProjectionOf(a)

	loc, err := localtime.LoadZone(a.Timezone)
	if err != nil {
		c.log.Error("stored alarm has unresolvable zone",
			logx.String("code_id", a.CodeID), logx.Err(err))
		return p, false
	}
	today := localtime.DateOf(time.Now().In(loc))
	utc, err := localtime.LocalToUTC(a.LocalTime, a.Timezone, today)
	if err != nil {
		c.log.Error("utc derivation failed",
			logx.String("code_id", a.CodeID), logx.Err(err))
		return p, false
	}
	if utc == a.UTCTime {
		return p, false
	}

	if err := c.store.Rearm(ctx, a.CodeID, utc); err != nil {
		c.log.Warn("utc repair not persisted",
			logx.String("code_id", a.CodeID), logx.Err(err))
	}
	p.UTCTime = utc
	return p, true
}

// reconcile compares index membership against the store's scheduled set
// and repairs drift in both directions.
func (c *Controller) reconcile(ctx context.Context) {
	start := time.Now()
	inStore := make(map[string]struct{})
	added, moved := 0, 0

	err := c.store.ListScheduled(ctx, func(a alarm.Alarm) error {
		inStore[a.CodeID] = struct{}{}
		p, _ := c.freshProjection(ctx, a)
		if old, ok := c.idx.Has(a.CodeID); !ok {
			added++
			c.idx.Add(p)
		} else if old.Second() != p.Second() {
			moved++
			c.idx.Add(p)
		}
		return nil
	})
	if err != nil {
		// Transient scan failure: keep the index as-is, try again next
		// interval.
		c.log.Error("reconcile scan failed", logx.Err(err))
		return
	}

	evicted := 0
	for _, id := range c.idx.IDs() {
		if _, ok := inStore[id]; !ok {
			c.idx.Remove(id)
			evicted++
		}
	}

	if added+moved+evicted > 0 {
		c.log.Warn("reconcile repaired drift",
			logx.Int("added", added),
			logx.Int("moved", moved),
			logx.Int("evicted", evicted),
			logx.Duration("took", time.Since(start)))
		return
	}
	c.log.Debug("reconcile clean",
		logx.Int("alarms", len(inStore)),
		logx.Duration("took", time.Since(start)))
}
