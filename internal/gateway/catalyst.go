package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"scanner-gatewayv1/internal/model"
	redisstore "scanner-gatewayv1/internal/store/redis"
)

// freshnessBound excludes symbols that went quiet before the current
// recorder tick.
const catalystFreshness = 5 * time.Second

// CatalystRecorder keeps a small in-process table of last-seen
// price/volume per symbol, fed as a side effect of aggregate dispatch,
// and periodically persists fresh entries to capped Redis lists.
type CatalystRecorder struct {
	writer   *redisstore.Writer
	interval time.Duration

	mu   sync.Mutex
	last map[string]catalystSeen
}

type catalystSeen struct {
	entry  model.CatalystEntry
	seenAt time.Time
}

// NewCatalystRecorder creates a recorder flushing every interval.
func NewCatalystRecorder(writer *redisstore.Writer, interval time.Duration) *CatalystRecorder {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CatalystRecorder{
		writer:   writer,
		interval: interval,
		last:     make(map[string]catalystSeen),
	}
}

// Observe updates the last-seen table from one aggregate.
func (r *CatalystRecorder) Observe(agg *model.Aggregate) {
	r.mu.Lock()
	r.last[agg.Symbol] = catalystSeen{
		entry: model.CatalystEntry{
			Symbol:         agg.Symbol,
			Price:          agg.Close,
			Volume:         agg.AccumulatedVolume,
			RelativeVolume: agg.RelativeVolume,
			Timestamp:      agg.Timestamp,
		},
		seenAt: time.Now(),
	}
	r.mu.Unlock()
}

// Run flushes fresh entries every interval until ctx is cancelled.
func (r *CatalystRecorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.snapshot(ctx)
		}
	}
}

// snapshot writes entries seen within the freshness bound and prunes
// the rest from the table.
func (r *CatalystRecorder) snapshot(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	fresh := make([]model.CatalystEntry, 0, len(r.last))
	for symbol, seen := range r.last {
		if now.Sub(seen.seenAt) < catalystFreshness {
			fresh = append(fresh, seen.entry)
		} else {
			delete(r.last, symbol)
		}
	}
	r.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.writer.WriteCatalystBatch(writeCtx, fresh); err != nil {
		log.Printf("[catalyst] snapshot write failed: %v", err)
		return
	}
	log.Printf("[catalyst] recorded %d symbols", len(fresh))
}
