package redis

import (
	"context"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Streams the upstream market-data connector consumes.
const (
	AggSubscriptionStream   = "polygon_ws:subscriptions"
	QuoteSubscriptionStream = "polygon_ws:quote_subscriptions"
)

// Subscription event kinds.
const (
	KindAgg   = "agg"
	KindQuote = "quote"
)

// SubscriptionEvent is one ref-count transition relayed upstream.
// Action is "subscribe" or "unsubscribe"; Kind selects the stream.
type SubscriptionEvent struct {
	Action string
	Symbol string
	Kind   string
}

// UpstreamPublisher appends ref-count transitions to the connector's
// subscription streams. A single goroutine drains the event channel so
// transitions are published in the order they were enqueued. XAdds run
// through a circuit breaker; while the breaker is open events queue
// locally (bounded) and flush in order once the probe succeeds.
type UpstreamPublisher struct {
	client  *goredis.Client
	breaker *Breaker
	events  chan SubscriptionEvent
	pending []SubscriptionEvent
	maxPend int

	// OnPublish is called after a successful XAdd (optional, for metrics).
	OnPublish func(ev SubscriptionEvent)
	// OnDrop is called when the local queue overflows (optional).
	OnDrop func(ev SubscriptionEvent)
}

// NewUpstreamPublisher creates a publisher backed by the given client.
func NewUpstreamPublisher(client *goredis.Client) *UpstreamPublisher {
	return &UpstreamPublisher{
		client:  client,
		breaker: NewBreaker(5, 10*time.Second),
		events:  make(chan SubscriptionEvent, 4096),
		maxPend: 10000,
	}
}

// Breaker exposes the publisher's circuit breaker for metrics wiring.
func (p *UpstreamPublisher) Breaker() *Breaker { return p.breaker }

// Enqueue queues one transition for publishing. Non-blocking: callers
// hold the subscription index lock, which is what preserves transition
// order, so they must never park here.
func (p *UpstreamPublisher) Enqueue(ev SubscriptionEvent) {
	select {
	case p.events <- ev:
	default:
		log.Printf("[upstream] WARNING: event queue full, dropping %s %s", ev.Action, ev.Symbol)
		if p.OnDrop != nil {
			p.OnDrop(ev)
		}
	}
}

// Run drains the event channel until ctx is cancelled. A retry ticker
// flushes the local queue after breaker-open periods even when no new
// transitions arrive.
func (p *UpstreamPublisher) Run(ctx context.Context) {
	retry := time.NewTicker(time.Second)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.pending = append(p.pending, ev)
			p.drain(ctx)
		case <-retry.C:
			p.drain(ctx)
		}
	}
}

// drain publishes queued events in order, stopping at the first failure.
func (p *UpstreamPublisher) drain(ctx context.Context) {
	for len(p.pending) > 0 {
		ev := p.pending[0]
		err := p.breaker.Execute(func() error {
			return p.publish(ctx, ev)
		})
		if err != nil {
			if err != ErrBreakerOpen {
				log.Printf("[upstream] xadd %s %s failed: %v", ev.Action, ev.Symbol, err)
			}
			p.trimPending()
			return
		}
		p.pending = p.pending[1:]
		if p.OnPublish != nil {
			p.OnPublish(ev)
		}
	}
	p.pending = nil
}

func (p *UpstreamPublisher) publish(ctx context.Context, ev SubscriptionEvent) error {
	stream := AggSubscriptionStream
	if ev.Kind == KindQuote {
		stream = QuoteSubscriptionStream
	}
	return p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"action":    ev.Action,
			"symbol":    ev.Symbol,
			"timestamp": time.Now().UnixMilli(),
		},
	}).Err()
}

// trimPending drops the oldest queued events once the local queue
// exceeds its bound.
func (p *UpstreamPublisher) trimPending() {
	if len(p.pending) <= p.maxPend {
		return
	}
	over := len(p.pending) - p.maxPend
	log.Printf("[upstream] WARNING: pending queue over %d, dropping %d oldest", p.maxPend, over)
	p.pending = p.pending[over:]
}
