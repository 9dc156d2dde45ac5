package gateway

import (
	"hash/fnv"
	"sync"
)

const symbolShardCount = 64

// symbolShard holds one stripe of the symbol → lists mapping.
type symbolShard struct {
	mu    sync.RWMutex
	lists map[string]map[string]bool // symbol → set<list>
}

// SubIndex holds the inverted subscription indices:
//
//	listSubs  : list → set<conn>
//	quoteSubs : symbol → set<conn>  (ref count = set size)
//	chartSubs : symbol → set<conn>  (ref count = set size)
//	symbols   : symbol → set<list>  (sharded, routes aggregates)
//
// Quote/chart transitions across zero fire the upstream hooks while the
// index lock is held, so transition order matches publish order.
type SubIndex struct {
	mu        sync.RWMutex
	listSubs  map[string]map[*Conn]bool
	quoteSubs map[string]map[*Conn]bool
	chartSubs map[string]map[*Conn]bool

	shards [symbolShardCount]*symbolShard

	onQuoteTransition func(action, symbol string)
	onChartTransition func(action, symbol string)
}

// NewSubIndex creates an empty subscription index.
func NewSubIndex() *SubIndex {
	idx := &SubIndex{
		listSubs:  make(map[string]map[*Conn]bool),
		quoteSubs: make(map[string]map[*Conn]bool),
		chartSubs: make(map[string]map[*Conn]bool),
	}
	for i := range idx.shards {
		idx.shards[i] = &symbolShard{lists: make(map[string]map[string]bool)}
	}
	return idx
}

func (idx *SubIndex) shardFor(symbol string) *symbolShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return idx.shards[h.Sum32()%symbolShardCount]
}

// ── list subscriptions ──

// AddListSub registers a connection as a subscriber of list.
func (idx *SubIndex) AddListSub(list string, c *Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set := idx.listSubs[list]
	if set == nil {
		set = make(map[*Conn]bool)
		idx.listSubs[list] = set
	}
	set[c] = true
}

// RemoveListSub drops a connection from a list's subscriber set.
func (idx *SubIndex) RemoveListSub(list string, c *Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeListSubLocked(list, c)
}

func (idx *SubIndex) removeListSubLocked(list string, c *Conn) {
	if set := idx.listSubs[list]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(idx.listSubs, list)
		}
	}
}

// ListSubscribers returns a copy of a list's subscriber set. Callers
// iterate the copy without holding the index lock.
func (idx *SubIndex) ListSubscribers(list string) []*Conn {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.listSubs[list]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// ── quote subscriptions (ref-counted) ──

// AddQuoteSub registers a quote subscriber. A 0→1 transition fires the
// upstream subscribe hook.
func (idx *SubIndex) AddQuoteSub(symbol string, c *Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set := idx.quoteSubs[symbol]
	if set == nil {
		set = make(map[*Conn]bool)
		idx.quoteSubs[symbol] = set
	}
	if set[c] {
		return
	}
	set[c] = true
	if len(set) == 1 && idx.onQuoteTransition != nil {
		idx.onQuoteTransition("subscribe", symbol)
	}
}

// RemoveQuoteSub drops a quote subscriber. A 1→0 transition fires the
// upstream unsubscribe hook.
func (idx *SubIndex) RemoveQuoteSub(symbol string, c *Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeQuoteSubLocked(symbol, c)
}

func (idx *SubIndex) removeQuoteSubLocked(symbol string, c *Conn) {
	set := idx.quoteSubs[symbol]
	if set == nil || !set[c] {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(idx.quoteSubs, symbol)
		if idx.onQuoteTransition != nil {
			idx.onQuoteTransition("unsubscribe", symbol)
		}
	}
}

// QuoteSubscribers returns a copy of a symbol's quote subscriber set.
func (idx *SubIndex) QuoteSubscribers(symbol string) []*Conn {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.quoteSubs[symbol]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// QuoteRefCount returns the current subscriber count for a symbol.
func (idx *SubIndex) QuoteRefCount(symbol string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.quoteSubs[symbol])
}

// ── chart subscriptions (ref-counted, scanner demand dominates) ──

// AddChartSub registers a chart subscriber. A 0→1 transition publishes
// upstream only when no scanner-driven list already holds the symbol.
func (idx *SubIndex) AddChartSub(symbol string, c *Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set := idx.chartSubs[symbol]
	if set == nil {
		set = make(map[*Conn]bool)
		idx.chartSubs[symbol] = set
	}
	if set[c] {
		return
	}
	set[c] = true
	if len(set) == 1 && idx.onChartTransition != nil && !idx.symbolHasList(symbol) {
		idx.onChartTransition("subscribe", symbol)
	}
}

// RemoveChartSub drops a chart subscriber. A 1→0 transition publishes an
// upstream unsubscribe only when the symbol is in no list.
func (idx *SubIndex) RemoveChartSub(symbol string, c *Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeChartSubLocked(symbol, c)
}

func (idx *SubIndex) removeChartSubLocked(symbol string, c *Conn) {
	set := idx.chartSubs[symbol]
	if set == nil || !set[c] {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(idx.chartSubs, symbol)
		if idx.onChartTransition != nil && !idx.symbolHasList(symbol) {
			idx.onChartTransition("unsubscribe", symbol)
		}
	}
}

// ChartSubscribers returns a copy of a symbol's chart subscriber set.
func (idx *SubIndex) ChartSubscribers(symbol string) []*Conn {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.chartSubs[symbol]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// ChartRefCount returns the current chart subscriber count for a symbol.
func (idx *SubIndex) ChartRefCount(symbol string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.chartSubs[symbol])
}

// ── symbol → lists mapping ──

// AddSymbolList records that list currently contains symbol.
func (idx *SubIndex) AddSymbolList(symbol, list string) {
	sh := idx.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.lists[symbol]
	if set == nil {
		set = make(map[string]bool)
		sh.lists[symbol] = set
	}
	set[list] = true
}

// RemoveSymbolList records that list no longer contains symbol. The
// symbol is erased once no list holds it.
func (idx *SubIndex) RemoveSymbolList(symbol, list string) {
	sh := idx.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if set := sh.lists[symbol]; set != nil {
		delete(set, list)
		if len(set) == 0 {
			delete(sh.lists, symbol)
		}
	}
}

// SymbolLists returns the lists currently containing symbol.
func (idx *SubIndex) SymbolLists(symbol string) []string {
	sh := idx.shardFor(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.lists[symbol]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

// HasSymbol reports whether any list currently contains symbol.
func (idx *SubIndex) HasSymbol(symbol string) bool {
	sh := idx.shardFor(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.lists[symbol]) > 0
}

// symbolHasList is HasSymbol for callers already holding idx.mu.
// Lock order is idx.mu then shard.mu, never the reverse.
func (idx *SubIndex) symbolHasList(symbol string) bool {
	sh := idx.shardFor(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.lists[symbol]) > 0
}

// UpdateListSymbols applies a snapshot diff for one list to the
// symbol → lists mapping.
func (idx *SubIndex) UpdateListSymbols(list string, added, removed []string) {
	for _, s := range added {
		idx.AddSymbolList(s, list)
	}
	for _, s := range removed {
		idx.RemoveSymbolList(s, list)
	}
}

// PurgeList removes every membership of list from the symbol mapping.
// Used when a user scan is deleted and its cached symbol set is gone.
func (idx *SubIndex) PurgeList(list string) {
	for _, sh := range idx.shards {
		sh.mu.Lock()
		for symbol, set := range sh.lists {
			if set[list] {
				delete(set, list)
				if len(set) == 0 {
					delete(sh.lists, symbol)
				}
			}
		}
		sh.mu.Unlock()
	}
}

// SymbolCount returns the number of symbols held by at least one list.
func (idx *SubIndex) SymbolCount() int {
	n := 0
	for _, sh := range idx.shards {
		sh.mu.RLock()
		n += len(sh.lists)
		sh.mu.RUnlock()
	}
	return n
}

// ── connection teardown ──

// RemoveConn drops a closing connection from every index it appears in
// and fires the upstream transitions its ref counts owed. Idempotent:
// the sets passed in are drained by the caller before a second call.
func (idx *SubIndex) RemoveConn(c *Conn, lists, quotes, charts []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, l := range lists {
		idx.removeListSubLocked(l, c)
	}
	for _, s := range quotes {
		idx.removeQuoteSubLocked(s, c)
	}
	for _, s := range charts {
		idx.removeChartSubLocked(s, c)
	}
}

// Counts returns list/quote/chart channel counts for introspection.
func (idx *SubIndex) Counts() (lists, quoteSymbols, chartSymbols int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.listSubs), len(idx.quoteSubs), len(idx.chartSubs)
}
