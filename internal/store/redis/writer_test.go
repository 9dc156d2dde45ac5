package redis

import (
	"context"
	"encoding/json"
	"testing"

	"scanner-gatewayv1/internal/model"
)

func TestWriteCatalystBatch(t *testing.T) {
	mr, client := testClient(t)
	w := NewWriter(client)

	entries := []model.CatalystEntry{
		{Symbol: "AAPL", Price: 230.5, Volume: 1e6, RelativeVolume: 1.4, Timestamp: 1724500000000},
		{Symbol: "TSLA", Price: 250.0, Volume: 2e6, RelativeVolume: 3.1, Timestamp: 1724500000000},
	}
	if err := w.WriteCatalystBatch(context.Background(), entries); err != nil {
		t.Fatalf("WriteCatalystBatch: %v", err)
	}

	for _, e := range entries {
		key := catalystKeyPrefix + e.Symbol
		vals, err := client.LRange(context.Background(), key, 0, -1).Result()
		if err != nil {
			t.Fatal(err)
		}
		if len(vals) != 1 {
			t.Fatalf("%s has %d entries, want 1", key, len(vals))
		}
		var got model.CatalystEntry
		if err := json.Unmarshal([]byte(vals[0]), &got); err != nil {
			t.Fatal(err)
		}
		if got != e {
			t.Fatalf("entry = %+v, want %+v", got, e)
		}
		if mr.TTL(key) <= 0 {
			t.Fatalf("%s has no TTL", key)
		}
	}
}

func TestWriteCatalystBatchCapsHistory(t *testing.T) {
	_, client := testClient(t)
	w := NewWriter(client)

	for i := 0; i < catalystMaxLen+10; i++ {
		err := w.WriteCatalystBatch(context.Background(), []model.CatalystEntry{
			{Symbol: "AAPL", Price: float64(100 + i)},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	n, err := client.LLen(context.Background(), catalystKeyPrefix+"AAPL").Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != catalystMaxLen {
		t.Fatalf("list length = %d, want %d", n, catalystMaxLen)
	}

	// Newest entry is at the head.
	head, err := client.LIndex(context.Background(), catalystKeyPrefix+"AAPL", 0).Result()
	if err != nil {
		t.Fatal(err)
	}
	var got model.CatalystEntry
	if err := json.Unmarshal([]byte(head), &got); err != nil {
		t.Fatal(err)
	}
	if want := float64(100 + catalystMaxLen + 9); got.Price != want {
		t.Fatalf("head price = %v, want %v", got.Price, want)
	}
}
