package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"alarmd/internal/alarm"
	"alarmd/internal/localtime"
	"alarmd/internal/schedule"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

// processDue runs the full firing pipeline for one due alarm:
// weekday gate, occurrence claim, publish, recurrence advance.
func (c *Controller) processDue(ctx context.Context, j job) {
	p := j.p
	log := c.log.With(logx.String("code_id", p.CodeID))

	loc, err := localtime.LoadZone(p.Timezone)
	if err != nil {
		// A projection with a dead zone can't ever fire; evict and let
		// reconciliation surface the drift.
		log.Error("projection has unresolvable zone", logx.Err(err))
		c.idx.Remove(p.CodeID)
		return
	}
	nowLocal := j.now.In(loc)

	if !p.FiresOn(nowLocal.Weekday()) {
		// Not a qualifying day. Recurring alarms stay indexed for the
		// next one; a one-shot with explicit days waits too.
		log.Debug("weekday gate: not today",
			logx.String("weekday", nowLocal.Weekday().String()),
			logx.String("days", p.Days.String()))
		return
	}

	occDate := localtime.DateOf(nowLocal).String()

	// The occurrence claim is the sole defense against duplicate firing
	// across replicas: exactly one ClaimOccurrence per (code_id, local
	// date) succeeds cluster-wide.
	if err := c.store.ClaimOccurrence(ctx, p.CodeID, occDate); err != nil {
		switch {
		case errors.Is(err, storage.ErrStale):
			log.Debug("occurrence already claimed", logx.String("occurrence", occDate))
		case errors.Is(err, storage.ErrNotFound):
			log.Warn("indexed alarm missing from store, evicting")
			c.idx.Remove(p.CodeID)
		default:
			// Transient store trouble: leave everything as-is. The claim
			// guard keeps a later attempt safe.
			log.Error("occurrence claim failed", logx.Err(err))
		}
		return
	}

	ev := alarm.TriggeredEvent{
		CodeID:              p.CodeID,
		Email:               p.Email,
		FiredAtUTC:          j.now.UTC(),
		OccurrenceLocalDate: occDate,
		OccurrenceUTCSecond: j.sec,
		Timezone:            p.Timezone,
		LocalTime:           p.LocalTime.String(),
	}
	req := alarm.EmailRequest{
		ToEmail:             p.Email,
		CodeID:              p.CodeID,
		AlarmTime:           p.LocalTime.String(),
		Timezone:            p.Timezone,
		OccurrenceLocalDate: occDate,
	}

	if err := c.publish(ctx, alarm.TopicTriggered, ev); err != nil {
		c.failPublish(ctx, p, occDate, err)
		return
	}
	// The email fanout is secondary: the occurrence already fired, so a
	// saturated email topic is logged but does not fail the alarm.
	if err := c.publish(ctx, alarm.TopicEmailRequest, req); err != nil {
		log.Error("email request publish failed", logx.Err(err))
	}

	if !p.Recurring {
		// Claim moved the row to triggered (terminal); drop the projection.
		c.idx.Remove(p.CodeID)
		log.Info("alarm fired",
			logx.String("occurrence", occDate),
			logx.String("local_time", p.LocalTime.String()),
			logx.String("zone", p.Timezone))
		return
	}

	c.advanceRecurring(ctx, p, nowLocal, log)
}

// publish sends through the circuit breaker. Saturation after the bus's
// own bounded retries, or an open breaker, count as terminal.
func (c *Controller) publish(ctx context.Context, topic string, data any) error {
	_, err := c.brk.Execute(func() (any, error) {
		return nil, c.bus.Publish(ctx, topic, data)
	})
	return err
}

func (c *Controller) failPublish(ctx context.Context, p schedule.Projection, occDate string, cause error) {
	log := c.log.With(logx.String("code_id", p.CodeID))
	log.Error("publish terminally failed, marking alarm failed",
		logx.String("occurrence", occDate),
		logx.Bool("breaker_open", errors.Is(cause, gobreaker.ErrOpenState)),
		logx.Err(cause))

	// The claim left recurring rows scheduled and one-shots triggered.
	expect := alarm.StatusTriggered
	if p.Recurring {
		expect = alarm.StatusScheduled
	}
	if err := c.store.MarkStatus(ctx, p.CodeID, alarm.StatusFailed, expect); err != nil {
		log.Error("failed-status mark lost", logx.Err(err))
	}
	// Failed alarms are not resident; operator intervention re-arms them.
	c.idx.Remove(p.CodeID)
}

// advanceRecurring re-derives the UTC key for the next qualifying weekday
// (DST may move it) and re-indexes the alarm under it.
func (c *Controller) advanceRecurring(ctx context.Context, p schedule.Projection, nowLocal time.Time, log logx.Logger) {
	// Strictly after today's occurrence, so the next fire instant is
	// always greater than this one.
	_, ahead := p.Days.Next(time.Weekday((int(nowLocal.Weekday()) + 1) % 7))
	next := nowLocal.AddDate(0, 0, 1+ahead)
	nextDate := localtime.DateOf(next)

	utc, err := localtime.LocalToUTC(p.LocalTime, p.Timezone, nextDate)
	if err != nil {
		log.Error("recurrence advance: utc derivation failed", logx.Err(err))
		return
	}

	if err := c.store.Rearm(ctx, p.CodeID, utc); err != nil {
		switch {
		case errors.Is(err, storage.ErrStale), errors.Is(err, storage.ErrNotFound):
			// Canceled (or gone) between claim and advance: respect it.
			log.Info("recurring alarm no longer scheduled, evicting")
			c.idx.Remove(p.CodeID)
		default:
			// Transient: keep the old index key; reconciliation repairs
			// the derived time on its next scan.
			log.Error("recurrence rearm failed", logx.Err(err))
		}
		return
	}

	p.UTCTime = utc
	c.idx.Add(p)
	log.Info("alarm fired, re-armed",
		logx.String("next_local_date", nextDate.String()),
		logx.String("next_utc", utc.String()))
}
