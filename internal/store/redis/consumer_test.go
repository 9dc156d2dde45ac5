package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
)

func testClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func xadd(t *testing.T, client *goredis.Client, stream string, values map[string]interface{}) {
	t.Helper()
	if err := client.XAdd(context.Background(), &goredis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Err(); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureGroupIdempotent(t *testing.T) {
	_, client := testClient(t)
	sc := NewGroupConsumer(client, "s", "g", "c1", nil)

	ctx := context.Background()
	if err := sc.EnsureGroup(ctx); err != nil {
		t.Fatalf("first EnsureGroup: %v", err)
	}
	if err := sc.EnsureGroup(ctx); err != nil {
		t.Fatalf("second EnsureGroup should tolerate BUSYGROUP: %v", err)
	}
}

func TestGroupConsumerDispatchesAndAcks(t *testing.T) {
	_, client := testClient(t)

	got := make(chan map[string]interface{}, 10)
	sc := NewGroupConsumer(client, "s", "g", "c1", func(ctx context.Context, values map[string]interface{}) error {
		got <- values
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sc.EnsureGroup(ctx); err != nil {
		t.Fatal(err)
	}
	go sc.Run(ctx)

	xadd(t, client, "s", map[string]interface{}{"type": "snapshot", "list": "gappers_up"})

	select {
	case values := <-got:
		if values["list"] != "gappers_up" {
			t.Fatalf("values = %v", values)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	// The entry should be acknowledged once handled.
	deadline := time.Now().Add(3 * time.Second)
	for {
		pending, err := client.XPending(context.Background(), "s", "g").Result()
		if err == nil && pending.Count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry never acked, pending=%v err=%v", pending, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGroupConsumerLeavesFailedEntriesPending(t *testing.T) {
	_, client := testClient(t)

	ran := make(chan struct{}, 10)
	sc := NewGroupConsumer(client, "s", "g", "c1", func(ctx context.Context, values map[string]interface{}) error {
		ran <- struct{}{}
		return context.DeadlineExceeded
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sc.EnsureGroup(ctx); err != nil {
		t.Fatal(err)
	}
	go sc.Run(ctx)

	xadd(t, client, "s", map[string]interface{}{"k": "v"})

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	pending, err := client.XPending(context.Background(), "s", "g").Result()
	if err != nil {
		t.Fatal(err)
	}
	if pending.Count != 1 {
		t.Fatalf("pending = %d, want 1 (failed entry must stay unacked)", pending.Count)
	}
}

func TestTailConsumerFollowsNewEntries(t *testing.T) {
	_, client := testClient(t)

	got := make(chan map[string]interface{}, 10)
	sc := NewTailConsumer(client, "s", func(ctx context.Context, values map[string]interface{}) error {
		got <- values
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sc.Run(ctx)

	// Give the tail reader a moment to anchor at "$".
	time.Sleep(200 * time.Millisecond)
	xadd(t, client, "s", map[string]interface{}{"symbol": "AAPL"})
	xadd(t, client, "s", map[string]interface{}{"symbol": "TSLA"})

	for _, want := range []string{"AAPL", "TSLA"} {
		select {
		case values := <-got:
			if values["symbol"] != want {
				t.Fatalf("values = %v, want symbol %s", values, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("never received %s", want)
		}
	}
}
