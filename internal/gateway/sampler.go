package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"scanner-gatewayv1/internal/model"
)

const samplerShardCount = 64

// samplerEntry tracks one symbol's throttle window. latest is the
// coalesced pending value: at most one per symbol, always the newest.
type samplerEntry struct {
	latest   *model.Aggregate
	lastSent time.Time
}

type samplerShard struct {
	mu      sync.Mutex
	entries map[string]*samplerEntry
}

// Sampler applies per-symbol throttling to the aggregates stream. Each
// symbol emits at most one payload per throttle window; a periodic
// flush walks the buffer and dispatches elapsed symbols batched per
// list. Chart subscribers bypass the throttle and receive every bar.
type Sampler struct {
	index      *SubIndex
	metrics    *Metrics
	throttle   time.Duration
	flushEvery time.Duration
	capacity   int

	shards [samplerShardCount]*samplerShard
	size   int64

	in      int64
	sent    int64
	dropped int64

	// onChart dispatches an unthrottled bar to chart subscribers.
	onChart func(*model.Aggregate)
	// onObserve feeds the catalyst recorder's last-seen table.
	onObserve func(*model.Aggregate)
}

// NewSampler creates a sampler with the given throttle window, flush
// cadence, and buffer capacity.
func NewSampler(index *SubIndex, m *Metrics, throttle, flushEvery time.Duration, capacity int) *Sampler {
	if throttle <= 0 {
		throttle = time.Second
	}
	if flushEvery <= 0 {
		flushEvery = 500 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = 10000
	}
	s := &Sampler{
		index:      index,
		metrics:    m,
		throttle:   throttle,
		flushEvery: flushEvery,
		capacity:   capacity,
	}
	for i := range s.shards {
		s.shards[i] = &samplerShard{entries: make(map[string]*samplerEntry)}
	}
	return s
}

func (s *Sampler) shardFor(symbol string) *samplerShard {
	h := uint32(2166136261)
	for i := 0; i < len(symbol); i++ {
		h ^= uint32(symbol[i])
		h *= 16777619
	}
	return s.shards[h%samplerShardCount]
}

// Offer accepts one aggregate from the stream consumer. The value is
// dispatched to chart subscribers immediately, recorded for the
// catalyst table, and coalesced into the throttle buffer.
func (s *Sampler) Offer(agg *model.Aggregate) {
	atomic.AddInt64(&s.in, 1)
	s.metrics.AggregatesIn.Inc()

	if s.onChart != nil {
		s.onChart(agg)
	}
	if s.onObserve != nil {
		s.onObserve(agg)
	}

	sh := s.shardFor(agg.Symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[agg.Symbol]; ok {
		e.latest = agg
		return
	}
	if atomic.LoadInt64(&s.size) >= int64(s.capacity) {
		atomic.AddInt64(&s.dropped, 1)
		s.metrics.AggregatesDropped.Inc()
		return
	}
	sh.entries[agg.Symbol] = &samplerEntry{latest: agg}
	atomic.AddInt64(&s.size, 1)
}

// Run drives the flush and stats timers until ctx is cancelled. A final
// flush on shutdown drains whatever the buffer still holds.
func (s *Sampler) Run(ctx context.Context) {
	flush := time.NewTicker(s.flushEvery)
	stats := time.NewTicker(time.Minute)
	defer flush.Stop()
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(time.Now())
			return
		case now := <-flush.C:
			s.flush(now)
		case <-stats.C:
			s.logStats()
		}
	}
}

// flush collects every symbol whose throttle window has elapsed and
// dispatches the batch. Stale idle entries are pruned in the same walk.
func (s *Sampler) flush(now time.Time) {
	var ready []*model.Aggregate
	idleBound := 5 * s.throttle

	for _, sh := range s.shards {
		sh.mu.Lock()
		for symbol, e := range sh.entries {
			if e.latest != nil && now.Sub(e.lastSent) >= s.throttle {
				ready = append(ready, e.latest)
				e.latest = nil
				e.lastSent = now
				continue
			}
			if e.latest == nil && now.Sub(e.lastSent) > idleBound {
				delete(sh.entries, symbol)
				atomic.AddInt64(&s.size, -1)
			}
		}
		sh.mu.Unlock()
	}

	if len(ready) == 0 {
		return
	}
	s.dispatch(ready)
}

// dispatch groups flushed aggregates by list and sends one batched
// aggregate message per list to its subscribers. A subscriber of
// several lists holding the same symbol may see duplicates; clients
// tolerate that.
func (s *Sampler) dispatch(ready []*model.Aggregate) {
	byList := make(map[string][]json.RawMessage)
	for _, agg := range ready {
		for _, list := range s.index.SymbolLists(agg.Symbol) {
			byList[list] = append(byList[list], agg.Raw)
		}
	}
	atomic.AddInt64(&s.sent, int64(len(ready)))
	s.metrics.AggregatesSent.Add(float64(len(ready)))

	for list, payloads := range byList {
		subs := s.index.ListSubscribers(list)
		if len(subs) == 0 {
			continue
		}
		buf := envelope("aggregate", map[string]interface{}{
			"list": list,
			"data": payloads,
		})
		for _, c := range subs {
			c.enqueue(buf)
		}
	}
}

// logStats reports ingest/sent/dropped rates and the reduction ratio
// once a minute, then resets the window counters.
func (s *Sampler) logStats() {
	in := atomic.SwapInt64(&s.in, 0)
	sent := atomic.SwapInt64(&s.sent, 0)
	dropped := atomic.SwapInt64(&s.dropped, 0)
	if in == 0 && sent == 0 && dropped == 0 {
		return
	}
	ratio := 0.0
	if in > 0 {
		ratio = float64(in-sent) / float64(in) * 100
	}
	log.Printf("[sampler] 1m: in=%d sent=%d dropped=%d buffered=%d reduction=%.1f%%",
		in, sent, dropped, atomic.LoadInt64(&s.size), ratio)
}

// BufferSize returns the number of symbols currently buffered.
func (s *Sampler) BufferSize() int {
	return int(atomic.LoadInt64(&s.size))
}
