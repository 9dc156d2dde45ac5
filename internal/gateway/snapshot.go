package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"scanner-gatewayv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	categoryKeyPrefix = "scanner:category:"
	sequenceKeyPrefix = "scanner:sequence:"
	universeKey       = "scanner:filtered_complete:LAST"
)

// listState is one cached list snapshot plus its symbol set, used for
// diffing the symbol → lists mapping on refresh.
type listState struct {
	rows      []model.Row
	seq       int64
	fetchedAt time.Time
	symbols   map[string]bool
}

// SnapshotEngine serves initial list snapshots, applies the ranking
// stream to subscribers with per-connection gap detection, and keeps
// the symbol → lists mapping in step with list contents.
type SnapshotEngine struct {
	rdb     *goredis.Client
	index   *SubIndex
	metrics *Metrics
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]*listState
}

// NewSnapshotEngine creates the engine with the given staleness bound.
func NewSnapshotEngine(rdb *goredis.Client, index *SubIndex, m *Metrics, ttl time.Duration) *SnapshotEngine {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SnapshotEngine{
		rdb:     rdb,
		index:   index,
		metrics: m,
		ttl:     ttl,
		cache:   make(map[string]*listState),
	}
}

// SendSnapshot fetches (or re-uses) the current snapshot of list, pins
// the connection's sequence to it, and queues the snapshot message.
// Forward-only: a delta racing the initial subscribe may already have
// resynced the connection past the cached state, in which case this
// snapshot is stale and skipped rather than rewinding the client.
func (e *SnapshotEngine) SendSnapshot(ctx context.Context, c *Conn, list string) error {
	st, err := e.fetch(ctx, list, 0)
	if err != nil {
		return err
	}
	if !c.acceptSnapshot(list, st.seq) {
		return nil
	}
	payload, _ := json.Marshal(st.rows)
	c.enqueue(listEnvelope("snapshot", list, st.seq, "rows", payload))
	e.metrics.SnapshotsSent.Inc()
	return nil
}

// fetch returns a cached state younger than the staleness bound whose
// sequence is at least minSeq, or reloads from Redis.
func (e *SnapshotEngine) fetch(ctx context.Context, list string, minSeq int64) (*listState, error) {
	e.mu.Lock()
	st := e.cache[list]
	if st != nil && time.Since(st.fetchedAt) < e.ttl && st.seq >= minSeq {
		e.mu.Unlock()
		return st, nil
	}
	e.mu.Unlock()

	rows, err := e.loadRows(ctx, list)
	if err != nil {
		return nil, err
	}
	seq, err := e.loadSequence(ctx, list)
	if err != nil {
		return nil, err
	}
	return e.store(list, rows, seq), nil
}

// loadRows reads the per-category cache, falling back to the filtered
// universe plus the category's canonical filter.
func (e *SnapshotEngine) loadRows(ctx context.Context, list string) ([]model.Row, error) {
	data, err := e.rdb.Get(ctx, categoryKeyPrefix+list).Result()
	if err == nil {
		var rows []model.Row
		if uerr := json.Unmarshal([]byte(data), &rows); uerr != nil {
			return nil, fmt.Errorf("unmarshal category %s: %w", list, uerr)
		}
		return rows, nil
	}
	if err != goredis.Nil {
		return nil, fmt.Errorf("get category %s: %w", list, err)
	}

	// Category cache missing; filter the full universe.
	data, err = e.rdb.Get(ctx, universeKey).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get universe: %w", err)
	}
	var env struct {
		Tickers []model.Row `json:"tickers"`
	}
	if uerr := json.Unmarshal([]byte(data), &env); uerr != nil {
		return nil, fmt.Errorf("unmarshal universe: %w", uerr)
	}
	return ApplyCategoryFilter(list, env.Tickers), nil
}

func (e *SnapshotEngine) loadSequence(ctx context.Context, list string) (int64, error) {
	data, err := e.rdb.Get(ctx, sequenceKeyPrefix+list).Result()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("get sequence %s: %w", list, err)
	}
	seq, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence %s: %w", list, err)
	}
	return seq, nil
}

// store caches a list state and diffs its symbol set into the index.
func (e *SnapshotEngine) store(list string, rows []model.Row, seq int64) *listState {
	symbols := make(map[string]bool, len(rows))
	for _, r := range rows {
		symbols[r.Symbol] = true
	}

	e.mu.Lock()
	prev := e.cache[list]
	st := &listState{rows: rows, seq: seq, fetchedAt: time.Now(), symbols: symbols}
	e.cache[list] = st
	e.mu.Unlock()

	var added, removed []string
	for s := range symbols {
		if prev == nil || !prev.symbols[s] {
			added = append(added, s)
		}
	}
	if prev != nil {
		for s := range prev.symbols {
			if !symbols[s] {
				removed = append(removed, s)
			}
		}
	}
	e.index.UpdateListSymbols(list, added, removed)
	return st
}

// HandleRanking dispatches one decoded ranking stream entry.
func (e *SnapshotEngine) HandleRanking(ctx context.Context, msg *model.RankingMessage) {
	switch msg.Type {
	case "snapshot":
		e.handleStreamSnapshot(msg)
	case "delta":
		e.handleStreamDelta(msg)
	}
}

// handleStreamSnapshot replaces the cached state and broadcasts the
// snapshot to current subscribers.
func (e *SnapshotEngine) handleStreamSnapshot(msg *model.RankingMessage) {
	e.store(msg.List, msg.Rows, msg.Sequence)
	e.metrics.SnapshotsProcessed.Inc()

	payload, _ := json.Marshal(msg.Rows)
	buf := listEnvelope("snapshot", msg.List, msg.Sequence, "rows", payload)
	for _, c := range e.index.ListSubscribers(msg.List) {
		if c.acceptSnapshot(msg.List, msg.Sequence) {
			c.enqueue(buf)
			e.metrics.SnapshotsSent.Inc()
		}
	}
}

// handleStreamDelta updates the symbol mapping, invalidates the cached
// snapshot, and forwards the delta per subscriber with gap detection.
func (e *SnapshotEngine) handleStreamDelta(msg *model.RankingMessage) {
	for _, op := range msg.Ops {
		switch op.Op {
		case "add", "update", "rerank":
			e.index.AddSymbolList(op.Symbol, msg.List)
		case "remove":
			e.index.RemoveSymbolList(op.Symbol, msg.List)
		}
	}
	e.Invalidate(msg.List)
	e.metrics.DeltasProcessed.Inc()

	buf := listEnvelope("delta", msg.List, msg.Sequence, "ops", msg.Raw)
	for _, c := range e.index.ListSubscribers(msg.List) {
		switch c.trackSeq(msg.List, msg.Sequence) {
		case seqSend:
			c.enqueue(buf)
		case seqResync:
			e.metrics.ResyncsTriggered.Inc()
			go e.resync(c, msg.List, msg.Sequence)
		}
	}
}

// resync delivers a fresh snapshot to one connection after a gap. The
// connection's sequence was already advanced, so a snapshot older than
// the gap is discarded rather than rewinding the client.
func (e *SnapshotEngine) resync(c *Conn, list string, minSeq int64) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	st, err := e.fetch(ctx, list, minSeq)
	if err != nil {
		log.Printf("[gateway] resync %s for conn %s failed: %v", list, c.id, err)
		return
	}
	if st.seq < c.listSeq(list) {
		log.Printf("[gateway] resync %s: snapshot seq %d behind conn %s at %d, skipping",
			list, st.seq, c.id, c.listSeq(list))
		return
	}
	if !c.acceptSnapshot(list, st.seq) {
		return
	}
	payload, _ := json.Marshal(st.rows)
	c.enqueue(listEnvelope("snapshot", list, st.seq, "rows", payload))
	e.metrics.SnapshotsSent.Inc()
}

// Invalidate drops the cached snapshot for one list so the next cold
// subscriber re-reads Redis.
func (e *SnapshotEngine) Invalidate(list string) {
	e.mu.Lock()
	delete(e.cache, list)
	e.mu.Unlock()
}

// Drop removes a list entirely: cached snapshot and every membership in
// the symbol mapping. Used on user-scan deletion.
func (e *SnapshotEngine) Drop(list string) {
	e.Invalidate(list)
	e.index.PurgeList(list)
}

// Clear empties the snapshot cache and returns how many lists it held.
func (e *SnapshotEngine) Clear() int {
	e.mu.Lock()
	n := len(e.cache)
	e.cache = make(map[string]*listState)
	e.mu.Unlock()
	return n
}

// CachedLists returns the number of cached list snapshots.
func (e *SnapshotEngine) CachedLists() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}
