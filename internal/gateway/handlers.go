package gateway

import (
	"context"
	"errors"
	"log"
	"time"
)

const handlerTimeout = 5 * time.Second

func (c *Conn) handleSubscribeList(msg clientMessage) {
	if msg.List == "" {
		c.enqueue(errorEnvelope(msg.Action, "list is required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if IsUserScan(msg.List) {
		if err := c.hub.Scans.Authorize(ctx, msg.List, c.userID); err != nil {
			switch {
			case errors.Is(err, ErrScanNotFound):
				c.enqueue(errorEnvelope(msg.Action, "Scan not found"))
			case errors.Is(err, ErrScanForbidden):
				c.enqueue(errorEnvelope(msg.Action, "Not authorized to view this scan"))
			default:
				log.Printf("[gateway] conn %s: scan authorize %s: %v", c.id, msg.List, err)
				c.enqueue(errorEnvelope(msg.Action, "scan lookup failed"))
			}
			return
		}
	}

	c.mu.Lock()
	c.lists[msg.List] = true
	c.mu.Unlock()
	c.hub.Index.AddListSub(msg.List, c)

	c.enqueue(envelope("subscribed_list", map[string]interface{}{"list": msg.List}))

	if err := c.hub.Snapshots.SendSnapshot(ctx, c, msg.List); err != nil {
		log.Printf("[gateway] conn %s: snapshot %s: %v", c.id, msg.List, err)
		c.enqueue(errorEnvelope(msg.Action, "snapshot unavailable"))
	}
}

func (c *Conn) handleUnsubscribeList(msg clientMessage) {
	if msg.List == "" {
		c.enqueue(errorEnvelope(msg.Action, "list is required"))
		return
	}
	c.mu.Lock()
	delete(c.lists, msg.List)
	delete(c.lastSeq, msg.List)
	c.mu.Unlock()
	c.hub.Index.RemoveListSub(msg.List, c)

	c.enqueue(envelope("unsubscribed_list", map[string]interface{}{"list": msg.List}))
}

func (c *Conn) handleResync(msg clientMessage) {
	if msg.List == "" {
		c.enqueue(errorEnvelope(msg.Action, "list is required"))
		return
	}
	if !c.subscribedTo(msg.List) {
		c.enqueue(errorEnvelope(msg.Action, "not subscribed to list"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := c.hub.Snapshots.SendSnapshot(ctx, c, msg.List); err != nil {
		log.Printf("[gateway] conn %s: resync %s: %v", c.id, msg.List, err)
		c.enqueue(errorEnvelope(msg.Action, "snapshot unavailable"))
	}
}

func (c *Conn) handleSubscribeQuotes(action string, symbols []string) {
	if len(symbols) == 0 {
		c.enqueue(errorEnvelope(action, "symbol is required"))
		return
	}
	for _, s := range symbols {
		c.mu.Lock()
		already := c.quotes[s]
		c.quotes[s] = true
		c.mu.Unlock()
		if !already {
			c.hub.Index.AddQuoteSub(s, c)
		}
	}
}

func (c *Conn) handleUnsubscribeQuotes(action string, symbols []string) {
	if len(symbols) == 0 {
		c.enqueue(errorEnvelope(action, "symbol is required"))
		return
	}
	for _, s := range symbols {
		c.mu.Lock()
		had := c.quotes[s]
		delete(c.quotes, s)
		c.mu.Unlock()
		if had {
			c.hub.Index.RemoveQuoteSub(s, c)
		}
	}
}

func (c *Conn) handleSubscribeChart(msg clientMessage) {
	if msg.Symbol == "" {
		c.enqueue(errorEnvelope(msg.Action, "symbol is required"))
		return
	}
	c.mu.Lock()
	already := c.charts[msg.Symbol]
	c.charts[msg.Symbol] = true
	c.mu.Unlock()
	if !already {
		c.hub.Index.AddChartSub(msg.Symbol, c)
	}
}

func (c *Conn) handleUnsubscribeChart(msg clientMessage) {
	if msg.Symbol == "" {
		c.enqueue(errorEnvelope(msg.Action, "symbol is required"))
		return
	}
	c.mu.Lock()
	had := c.charts[msg.Symbol]
	delete(c.charts, msg.Symbol)
	c.mu.Unlock()
	if had {
		c.hub.Index.RemoveChartSub(msg.Symbol, c)
	}
}

func (c *Conn) setNews(on bool) {
	c.mu.Lock()
	c.news = on
	c.mu.Unlock()
}

func (c *Conn) setFilings(on bool) {
	c.mu.Lock()
	c.filings = on
	c.mu.Unlock()
}

// handlePing replies with exactly one pong, echoing the client's
// timestamp verbatim when present.
func (c *Conn) handlePing(msg clientMessage) {
	if len(msg.Timestamp) > 0 {
		buf := make([]byte, 0, len(msg.Timestamp)+32)
		buf = append(buf, `{"type":"pong","timestamp":`...)
		buf = append(buf, msg.Timestamp...)
		buf = append(buf, '}')
		c.enqueue(buf)
		return
	}
	c.enqueue(envelope("pong", nil))
}

// handleRefreshToken swaps the stored principal for a newly verified
// one. Failure notifies the client but keeps the connection open.
func (c *Conn) handleRefreshToken(msg clientMessage) {
	if msg.Token == "" {
		c.enqueue(envelope("token_refresh_failed", map[string]interface{}{
			"message": "token is required",
		}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	principal, err := c.hub.Auth.Verify(ctx, msg.Token)
	if err != nil {
		c.enqueue(envelope("token_refresh_failed", map[string]interface{}{
			"message": "token verification failed",
		}))
		return
	}

	c.mu.Lock()
	c.userID = principal.Subject
	c.authenticated = !principal.Anonymous
	c.mu.Unlock()

	c.enqueue(envelope("token_refreshed", nil))
}
