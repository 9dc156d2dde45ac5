package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// StatusBroadcaster polls the upstream connector for its current
// subscription set and relays it to every open connection. The first
// broadcast is delayed so clients connected at startup see it shortly
// after the service settles.
type StatusBroadcaster struct {
	hub          *Hub
	connectorURL string
	interval     time.Duration
	httpc        *http.Client
}

// NewStatusBroadcaster creates the broadcaster. An empty connector URL
// disables it.
func NewStatusBroadcaster(hub *Hub, connectorURL string, interval time.Duration) *StatusBroadcaster {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &StatusBroadcaster{
		hub:          hub,
		connectorURL: connectorURL,
		interval:     interval,
		httpc:        &http.Client{Timeout: 5 * time.Second},
	}
}

// Run polls until ctx is cancelled.
func (b *StatusBroadcaster) Run(ctx context.Context) {
	if b.connectorURL == "" {
		log.Println("[status] connector URL not set, status broadcasts disabled")
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}
	b.broadcast(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.broadcast(ctx)
		}
	}
}

func (b *StatusBroadcaster) broadcast(ctx context.Context) {
	tickers, err := b.fetch(ctx)
	if err != nil {
		log.Printf("[status] connector poll failed: %v", err)
		return
	}
	b.hub.BroadcastAll(envelope("polygon_subscription_status", map[string]interface{}{
		"subscribed_tickers": tickers,
	}))
}

func (b *StatusBroadcaster) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.connectorURL+"/subscriptions", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connector returned %s", resp.Status)
	}

	var body struct {
		SubscribedTickers []string `json:"subscribed_tickers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	if body.SubscribedTickers == nil {
		body.SubscribedTickers = []string{}
	}
	return body.SubscribedTickers, nil
}
