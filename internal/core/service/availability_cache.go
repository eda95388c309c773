package service

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

// warmOverlap is re-scanned on every pass so updates committed while the
// previous pass ran are not skipped.
const warmOverlap = time.Second

// AvailabilityCache serves advisory inventory summaries and keeps them warm
// from GetModifiedSince. Its summaries are never valid preconditions.
type AvailabilityCache struct {
	inventory *InventoryRepository
	cache     port.SummaryCache
	interval  time.Duration
	opts      options

	mu    sync.Mutex
	since time.Time
}

func NewAvailabilityCache(inventory *InventoryRepository, cache port.SummaryCache, interval time.Duration, opts ...Option) *AvailabilityCache {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &AvailabilityCache{
		inventory: inventory,
		cache:     cache,
		interval:  interval,
		opts:      buildOptions(opts),
	}
}

// Summary returns the cached summary, falling back to the store on a miss
// or a cache error.
func (c *AvailabilityCache) Summary(ctx context.Context, eventID string) (domain.InventorySummary, error) {
	cached, err := c.cache.GetSummary(ctx, eventID)
	if err != nil {
		c.opts.logger.WithField("event_id", eventID).WithError(err).Warn("summary cache read failed")
	}
	if err == nil && cached != nil {
		if !domain.VisibleTo(ctx, cached.Tenant) {
			return domain.InventorySummary{}, domain.ErrNotFound
		}
		return *cached, nil
	}

	summary, err := c.inventory.GetInventorySummaryWithToken(ctx, eventID)
	if err != nil {
		return domain.InventorySummary{}, err
	}
	if _, err := c.cache.PutSummary(ctx, summary); err != nil {
		c.opts.logger.WithField("event_id", eventID).WithError(err).Warn("summary cache write failed")
	}
	return summary, nil
}

// WarmOnce pushes every event modified since the previous pass into the
// cache and returns how many summaries were written.
func (c *AvailabilityCache) WarmOnce(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	startedAt := c.opts.now().UTC()
	written := 0
	for event, err := range c.inventory.GetModifiedSince(ctx, c.since) {
		if err != nil {
			return written, err
		}
		ok, err := c.cache.PutSummary(ctx, event.Summary())
		if err != nil {
			return written, domain.Infrastructure("put summary", err)
		}
		if ok {
			written++
		}
	}
	c.since = startedAt.Add(-warmOverlap)
	return written, nil
}

// Run warms the cache every interval until ctx is cancelled.
func (c *AvailabilityCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if n, err := c.WarmOnce(ctx); err != nil && ctx.Err() == nil {
			c.opts.logger.WithError(err).Error("cache warm-up failed")
		} else if n > 0 {
			c.opts.logger.WithField("summaries", n).Debug("cache warmed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
