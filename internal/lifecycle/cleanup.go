package lifecycle

import (
	"context"
	"time"

	logx "alarmd/pkg/logx"
)

// cleanup sweeps triggered and failed one-shot rows older than the
// retention window.
func (c *Controller) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.Retention)
	n, err := c.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		c.log.Error("expired-row sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		c.log.Info("expired alarms deleted",
			logx.Int64("rows", n),
			logx.Time("cutoff", cutoff))
	}
}
