package core

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-mural/v1/eventbus"
	"github.com/mirkobrombin/go-mural/v1/metrics"
)

func (c *Coordinator) sweepLocks(ctx context.Context, every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaimExpired(ctx)
		}
	}
}

// reclaimExpired scans for lapsed leases and removes each one inside
// its tile's critical section, so a renewal racing the sweep wins and
// an expired broadcast can never trail a newer lock's.
func (c *Coordinator) reclaimExpired(ctx context.Context) {
	keys := c.table.ExpiredKeys(c.now())
	for _, key := range keys {
		mu := c.tileLock(key)
		mu.Lock()
		if info, ok := c.table.Reclaim(key, c.now()); ok {
			metrics.ReleasedCounter.WithLabelValues(string(eventbus.ReleaseExpired)).Inc()
			c.publish(ctx, key.Canvas, eventbus.KindTileReleased, eventbus.TileReleasedPayload{
				Key:    key,
				Holder: info.Holder,
				Reason: eventbus.ReleaseExpired,
			})
		}
		mu.Unlock()
	}
	if len(keys) > 0 {
		metrics.LockGauge.Set(float64(c.table.Len()))
	}
}

func (c *Coordinator) sweepMembers(ctx context.Context, every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range c.rooms.SweepStale(c.now()) {
				c.logger.Info("membership timed out",
					"canvas", st.Canvas, "conn", st.ConnID, "user", st.User)
				c.cascade(ctx, st.Canvas, st.ConnID, st.User, true, eventbus.LeaveTimeout)
			}
		}
	}
}
