package collector

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-indexer-agent/internal/collection"
	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// Run collects on the configured interval, or earlier when Trigger is called,
// and sweeps expired vouchers on its own ticker. While the endpoint is
// unavailable the collection interval backs off exponentially.
func (c *Collector) Run(ctx context.Context) {
	timer := time.NewTimer(c.cfg.Interval)
	defer timer.Stop()
	expiry := time.NewTicker(c.cfg.ExpiryInterval)
	defer expiry.Stop()

	c.log.Info("collector started",
		zap.Duration("interval", c.cfg.Interval),
		zap.Int("batch_size", c.cfg.BatchSize),
	)

	var backoff time.Duration
	for {
		select {
		case <-ctx.Done():
			c.log.Info("collector stopped")
			return
		case <-expiry.C:
			if _, err := c.ExpireVouchers(ctx); err != nil {
				c.log.Error("expire vouchers", zap.Error(err))
			}
			continue
		case <-c.kick:
			if backoff > 0 {
				// Endpoint is down; wait out the backoff instead.
				continue
			}
			stopTimer(timer)
		case <-timer.C:
		}

		_, err := c.CollectBatch(ctx)
		next := c.cfg.Interval
		switch {
		case errors.Is(err, collection.ErrEndpointUnavailable):
			backoff = nextBackoff(backoff, c.cfg.BackoffInitial, c.cfg.BackoffMax)
			next = backoff
			c.log.Warn("collection endpoint unavailable, backing off", zap.Duration("retry_in", backoff))
		case err != nil:
			backoff = 0
			if ctx.Err() == nil {
				c.log.Error("collect batch", zap.Error(err))
			}
		default:
			backoff = 0
			if n, err := c.store.CountByState(ctx, voucher.StatePending); err == nil && n >= int64(c.cfg.BatchSize) {
				next = 0
			}
		}
		timer.Reset(next)
	}
}

func nextBackoff(cur, initial, limit time.Duration) time.Duration {
	if cur <= 0 {
		return initial
	}
	cur *= 2
	if cur > limit {
		return limit
	}
	return cur
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
