package gateway

import (
	"fmt"
	"testing"
)

// transitionLog records upstream hook firings in order.
type transitionLog struct {
	events []string
}

func (l *transitionLog) hook() func(action, symbol string) {
	return func(action, symbol string) {
		l.events = append(l.events, action+" "+symbol)
	}
}

func testConn(id string) *Conn {
	return newConn(nil, nil, id, "", false, 16)
}

func TestQuoteRefCountTransitions(t *testing.T) {
	idx := NewSubIndex()
	var lg transitionLog
	idx.onQuoteTransition = lg.hook()

	c1, c2 := testConn("c1"), testConn("c2")

	idx.AddQuoteSub("AAPL", c1)
	idx.AddQuoteSub("AAPL", c2)
	idx.AddQuoteSub("AAPL", c2) // duplicate, no effect

	if got := idx.QuoteRefCount("AAPL"); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
	if len(lg.events) != 1 || lg.events[0] != "subscribe AAPL" {
		t.Fatalf("expected single subscribe, got %v", lg.events)
	}

	idx.RemoveQuoteSub("AAPL", c1)
	if len(lg.events) != 1 {
		t.Fatalf("1->2->1 must not fire, got %v", lg.events)
	}
	idx.RemoveQuoteSub("AAPL", c2)
	if len(lg.events) != 2 || lg.events[1] != "unsubscribe AAPL" {
		t.Fatalf("expected unsubscribe on 1->0, got %v", lg.events)
	}

	// Removing an absent subscriber must not underflow.
	idx.RemoveQuoteSub("AAPL", c1)
	if len(lg.events) != 2 {
		t.Fatalf("double remove fired an event: %v", lg.events)
	}
}

func TestTransitionOrderPreserved(t *testing.T) {
	idx := NewSubIndex()
	var lg transitionLog
	idx.onQuoteTransition = lg.hook()

	c := testConn("c1")
	for i := 0; i < 5; i++ {
		sym := fmt.Sprintf("SYM%d", i)
		idx.AddQuoteSub(sym, c)
		idx.RemoveQuoteSub(sym, c)
	}

	want := []string{
		"subscribe SYM0", "unsubscribe SYM0",
		"subscribe SYM1", "unsubscribe SYM1",
		"subscribe SYM2", "unsubscribe SYM2",
		"subscribe SYM3", "unsubscribe SYM3",
		"subscribe SYM4", "unsubscribe SYM4",
	}
	if len(lg.events) != len(want) {
		t.Fatalf("got %d events, want %d", len(lg.events), len(want))
	}
	for i, ev := range want {
		if lg.events[i] != ev {
			t.Fatalf("event %d = %q, want %q", i, lg.events[i], ev)
		}
	}
}

func TestChartTransitionSuppressedByListMembership(t *testing.T) {
	idx := NewSubIndex()
	var lg transitionLog
	idx.onChartTransition = lg.hook()

	c := testConn("c1")

	// TSLA is already flowing via a scanner list, so chart demand must
	// not publish upstream.
	idx.AddSymbolList("TSLA", "momentum_up")
	idx.AddChartSub("TSLA", c)
	if len(lg.events) != 0 {
		t.Fatalf("list-covered symbol fired %v", lg.events)
	}
	idx.RemoveChartSub("TSLA", c)
	if len(lg.events) != 0 {
		t.Fatalf("list-covered symbol fired on remove: %v", lg.events)
	}

	// A symbol in no list behaves like a quote subscription.
	idx.AddChartSub("GME", c)
	idx.RemoveChartSub("GME", c)
	if len(lg.events) != 2 || lg.events[0] != "subscribe GME" || lg.events[1] != "unsubscribe GME" {
		t.Fatalf("uncovered symbol events = %v", lg.events)
	}
}

func TestSymbolListMapping(t *testing.T) {
	idx := NewSubIndex()

	idx.AddSymbolList("AAPL", "gappers_up")
	idx.AddSymbolList("AAPL", "momentum_up")
	if !idx.HasSymbol("AAPL") {
		t.Fatal("HasSymbol should be true")
	}
	if got := len(idx.SymbolLists("AAPL")); got != 2 {
		t.Fatalf("SymbolLists = %d entries, want 2", got)
	}

	idx.RemoveSymbolList("AAPL", "gappers_up")
	idx.RemoveSymbolList("AAPL", "momentum_up")
	if idx.HasSymbol("AAPL") {
		t.Fatal("symbol should be erased once no list holds it")
	}
}

func TestUpdateListSymbolsAndPurge(t *testing.T) {
	idx := NewSubIndex()

	idx.UpdateListSymbols("gappers_up", []string{"AAA", "BBB", "CCC"}, nil)
	idx.UpdateListSymbols("gappers_up", []string{"DDD"}, []string{"AAA"})
	if idx.HasSymbol("AAA") {
		t.Fatal("removed symbol still present")
	}
	if !idx.HasSymbol("DDD") {
		t.Fatal("added symbol missing")
	}
	if got := idx.SymbolCount(); got != 3 {
		t.Fatalf("SymbolCount = %d, want 3", got)
	}

	idx.PurgeList("gappers_up")
	if got := idx.SymbolCount(); got != 0 {
		t.Fatalf("SymbolCount after purge = %d, want 0", got)
	}
}

func TestRemoveConnFiresOwedTransitions(t *testing.T) {
	idx := NewSubIndex()
	var quotes, charts transitionLog
	idx.onQuoteTransition = quotes.hook()
	idx.onChartTransition = charts.hook()

	c := testConn("c1")
	idx.AddListSub("gappers_up", c)
	idx.AddQuoteSub("AAPL", c)
	idx.AddChartSub("GME", c)

	idx.RemoveConn(c, []string{"gappers_up"}, []string{"AAPL"}, []string{"GME"})

	if len(idx.ListSubscribers("gappers_up")) != 0 {
		t.Fatal("list subscription not removed")
	}
	if quotes.events[len(quotes.events)-1] != "unsubscribe AAPL" {
		t.Fatalf("quote unsubscribe not fired: %v", quotes.events)
	}
	if charts.events[len(charts.events)-1] != "unsubscribe GME" {
		t.Fatalf("chart unsubscribe not fired: %v", charts.events)
	}

	// Second call with drained (empty) sets is a no-op.
	before := len(quotes.events)
	idx.RemoveConn(c, nil, nil, nil)
	if len(quotes.events) != before {
		t.Fatal("idempotent removal fired extra events")
	}
}
