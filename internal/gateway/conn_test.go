package gateway

import (
	"encoding/json"
	"testing"
)

func subscribedConn(list string, seq int64) *Conn {
	c := testConn("c1")
	c.lists[list] = true
	c.lastSeq[list] = seq
	return c
}

func TestTrackSeq(t *testing.T) {
	c := subscribedConn("gappers_up", 10)

	if got := c.trackSeq("gappers_up", 10); got != seqDrop {
		t.Fatalf("duplicate seq: got %v, want drop", got)
	}
	if got := c.trackSeq("gappers_up", 8); got != seqDrop {
		t.Fatalf("stale seq: got %v, want drop", got)
	}
	if got := c.trackSeq("gappers_up", 11); got != seqSend {
		t.Fatalf("next seq: got %v, want send", got)
	}
	if got := c.trackSeq("gappers_up", 15); got != seqResync {
		t.Fatalf("gap: got %v, want resync", got)
	}
	// The gap advanced the recorded sequence, so the deltas that caused
	// it cannot re-trigger a resync.
	if got := c.trackSeq("gappers_up", 13); got != seqDrop {
		t.Fatalf("post-gap stale: got %v, want drop", got)
	}
	if got := c.trackSeq("gappers_up", 16); got != seqSend {
		t.Fatalf("post-gap next: got %v, want send", got)
	}
}

func TestTrackSeqUnsubscribedList(t *testing.T) {
	c := testConn("c1")
	if got := c.trackSeq("gappers_up", 1); got != seqDrop {
		t.Fatalf("unsubscribed list: got %v, want drop", got)
	}
}

func TestAcceptSnapshot(t *testing.T) {
	c := subscribedConn("gappers_up", 10)

	if c.acceptSnapshot("gappers_up", 9) {
		t.Fatal("snapshot behind the connection must be rejected")
	}
	if !c.acceptSnapshot("gappers_up", 10) {
		t.Fatal("snapshot at the current sequence must be accepted")
	}
	if !c.acceptSnapshot("gappers_up", 20) {
		t.Fatal("snapshot ahead must be accepted")
	}
	if got := c.listSeq("gappers_up"); got != 20 {
		t.Fatalf("sequence = %d, want 20", got)
	}
	if c.acceptSnapshot("other_list", 1) {
		t.Fatal("unsubscribed list must be rejected")
	}
}

func TestDrainSubscriptionsIdempotent(t *testing.T) {
	c := subscribedConn("gappers_up", 5)
	c.quotes["AAPL"] = true
	c.charts["GME"] = true
	c.news = true
	c.filings = true

	lists, quotes, charts := c.drainSubscriptions()
	if len(lists) != 1 || len(quotes) != 1 || len(charts) != 1 {
		t.Fatalf("drain = %v %v %v", lists, quotes, charts)
	}
	if c.wantsNews() || c.wantsFilings() {
		t.Fatal("flags should reset on drain")
	}

	lists, quotes, charts = c.drainSubscriptions()
	if len(lists) != 0 || len(quotes) != 0 || len(charts) != 0 {
		t.Fatal("second drain must return nothing")
	}
}

func TestEnqueueClosesSlowConsumer(t *testing.T) {
	c := newConn(nil, nil, "c1", "", false, 2)
	c.enqueue([]byte("a"))
	c.enqueue([]byte("b"))
	c.enqueue([]byte("c")) // queue full

	c.mu.Lock()
	slow := c.slow
	c.mu.Unlock()
	if !slow {
		t.Fatal("overflow should mark the connection slow")
	}
	if len(c.send) != 2 {
		t.Fatalf("queued = %d, want 2", len(c.send))
	}
}

func TestHandlePingEchoesTimestamp(t *testing.T) {
	c := testConn("c1")
	c.handle([]byte(`{"action":"ping","timestamp":1724500000123}`))

	var reply struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(<-c.send, &reply); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if reply.Type != "pong" {
		t.Fatalf("type = %q, want pong", reply.Type)
	}
	if reply.Timestamp != 1724500000123 {
		t.Fatalf("timestamp = %d, want echo of client value", reply.Timestamp)
	}
}

func TestHandleMalformedAndUnknown(t *testing.T) {
	c := testConn("c1")

	c.handle([]byte(`{not json`))
	var reply struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Action  string `json:"action"`
	}
	if err := json.Unmarshal(<-c.send, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "error" || reply.Message != "malformed JSON" {
		t.Fatalf("malformed reply = %+v", reply)
	}

	c.handle([]byte(`{"action":"warp_drive"}`))
	if err := json.Unmarshal(<-c.send, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "error" || reply.Action != "warp_drive" {
		t.Fatalf("unknown action reply = %+v", reply)
	}

	c.handle([]byte(`{}`))
	if err := json.Unmarshal(<-c.send, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "error" || reply.Message != "missing action" {
		t.Fatalf("missing action reply = %+v", reply)
	}
}

func TestListEnvelopeShape(t *testing.T) {
	buf := listEnvelope("delta", "gappers_up", 42, "ops", []byte(`[{"op":"add","symbol":"AAPL"}]`))

	var msg struct {
		Type      string          `json:"type"`
		List      string          `json:"list"`
		Sequence  int64           `json:"sequence"`
		Ops       json.RawMessage `json:"ops"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(buf, &msg); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\n%s", err, buf)
	}
	if msg.Type != "delta" || msg.List != "gappers_up" || msg.Sequence != 42 {
		t.Fatalf("envelope fields = %+v", msg)
	}
	if len(msg.Ops) == 0 || msg.Timestamp == "" {
		t.Fatalf("payload or timestamp missing: %s", buf)
	}
}
