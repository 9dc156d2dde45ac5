package gateway

import (
	"context"
	"encoding/json"
	"log"

	"scanner-gatewayv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Pub/sub channels the gateway listens on.
const (
	chanNewDay       = "trading:new_day"
	chanSessionEvent = "events:session:changed"
	chanMorningNews  = "notifications:morning_news"
	chanScanChanges  = "ws:user_scans:changed"
)

// PubSubListener routes the gateway's pub/sub channels: cache
// invalidation, session broadcasts, and user-scan lifecycle. It owns a
// dedicated client; a subscribed connection must not issue other
// commands.
type PubSubListener struct {
	hub *Hub
	rdb *goredis.Client
}

// NewPubSubListener creates the listener on its own client.
func NewPubSubListener(hub *Hub, rdb *goredis.Client) *PubSubListener {
	return &PubSubListener{hub: hub, rdb: rdb}
}

// Run subscribes and routes messages until ctx is cancelled. go-redis
// reconnects and resubscribes underneath on connection loss.
func (l *PubSubListener) Run(ctx context.Context) {
	pubsub := l.rdb.Subscribe(ctx, chanNewDay, chanSessionEvent, chanMorningNews, chanScanChanges)
	defer pubsub.Close()

	log.Println("[pubsub] subscribed to gateway channels")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.route(msg.Channel, msg.Payload)
		}
	}
}

func (l *PubSubListener) route(channel, payload string) {
	switch channel {
	case chanNewDay:
		n := l.hub.Snapshots.Clear()
		log.Printf("[pubsub] new trading day, cleared %d cached snapshots", n)

	case chanSessionEvent:
		l.hub.BroadcastAll(envelope("market_session_change", map[string]interface{}{
			"session": json.RawMessage(payload),
		}))

	case chanMorningNews:
		l.hub.BroadcastAll(envelope("morning_news_call", map[string]interface{}{
			"data": json.RawMessage(payload),
		}))

	case chanScanChanges:
		l.handleScanChange(payload)
	}
}

func (l *PubSubListener) handleScanChange(payload string) {
	var change model.ScanChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		log.Printf("[pubsub] bad scan change payload: %v", err)
		return
	}
	list := change.Category
	if list == "" && change.ScanID != "" {
		list = userScanPrefix + change.ScanID
	}
	scanID := change.ScanID
	if scanID == "" {
		scanID = ScanID(list)
	}

	switch change.Action {
	case "created":
		if change.UserID != "" {
			l.hub.Scans.Put(scanID, change.UserID)
		}

	case "updated":
		if change.UserID != "" {
			l.hub.Scans.Put(scanID, change.UserID)
		} else {
			l.hub.Scans.Forget(scanID)
		}
		l.hub.Snapshots.Invalidate(list)

	case "deleted":
		l.hub.HandleScanDeleted(list, scanID)

	default:
		log.Printf("[pubsub] unknown scan change action %q", change.Action)
	}
}
