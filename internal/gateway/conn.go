package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4096
)

// Conn represents a single WebSocket peer. The read pump is the only
// writer of the subscription sets (guarded for concurrent readers); the
// write pump is the only goroutine touching the socket for writes.
type Conn struct {
	id            string
	userID        string
	authenticated bool

	sock *websocket.Conn
	send chan []byte
	hub  *Hub

	mu      sync.Mutex
	lists   map[string]bool
	lastSeq map[string]int64
	quotes  map[string]bool
	charts  map[string]bool
	news    bool
	filings bool
	slow    bool
	closed  bool
}

func newConn(hub *Hub, sock *websocket.Conn, id, userID string, authenticated bool, buffer int) *Conn {
	return &Conn{
		id:            id,
		userID:        userID,
		authenticated: authenticated,
		sock:          sock,
		send:          make(chan []byte, buffer),
		hub:           hub,
		lists:         make(map[string]bool),
		lastSeq:       make(map[string]int64),
		quotes:        make(map[string]bool),
		charts:        make(map[string]bool),
	}
}

// enqueue queues an outbound message. A full queue means the peer can't
// keep up; the connection is closed rather than reordering or silently
// thinning the per-list sequence flow. Broadcasters enqueue from
// subscriber-set copies taken before teardown, so the closed check and
// the channel send share c.mu with markClosed.
func (c *Conn) enqueue(msg []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
		if c.hub != nil {
			c.hub.Metrics.MessagesSent.Inc()
		}
	default:
		c.mu.Unlock()
		c.closeSlow()
	}
}

// markClosed flips the connection to closed and closes the send channel
// exactly once. Late enqueues after this are dropped.
func (c *Conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// closeSlow tears the connection down once, with close code 1011.
func (c *Conn) closeSlow() {
	c.mu.Lock()
	if c.slow {
		c.mu.Unlock()
		return
	}
	c.slow = true
	c.mu.Unlock()

	log.Printf("[gateway] conn %s: outbound queue full, closing slow consumer", c.id)
	if c.hub != nil {
		c.hub.Metrics.SlowConsumerCloses.Inc()
	}
	if c.sock != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "slow consumer")
		c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.sock.Close()
	}
	if c.hub != nil {
		go c.hub.removeConn(c)
	}
}

// seqAction is the gap-detection outcome for one incoming delta.
type seqAction int

const (
	seqDrop seqAction = iota
	seqSend
	seqResync
)

// trackSeq applies the per-list sequence rule for an incoming delta:
// s ≤ last is a duplicate, s = last+1 advances, anything further is a
// gap. On a gap the recorded sequence advances before the resync
// snapshot is fetched, so continued delta arrival cannot re-trigger it.
func (c *Conn) trackSeq(list string, s int64) seqAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lists[list] {
		return seqDrop
	}
	last := c.lastSeq[list]
	switch {
	case s <= last:
		return seqDrop
	case s == last+1:
		c.lastSeq[list] = s
		return seqSend
	default:
		c.lastSeq[list] = s
		return seqResync
	}
}

// acceptSnapshot records a snapshot's sequence if it does not move the
// connection backwards. Snapshots may reset the sequence to any value
// at or above the last one delivered.
func (c *Conn) acceptSnapshot(list string, s int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lists[list] {
		return false
	}
	if s < c.lastSeq[list] {
		return false
	}
	c.lastSeq[list] = s
	return true
}

// setListSeq pins the recorded sequence for a freshly subscribed list.
func (c *Conn) setListSeq(list string, s int64) {
	c.mu.Lock()
	c.lastSeq[list] = s
	c.mu.Unlock()
}

func (c *Conn) listSeq(list string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq[list]
}

func (c *Conn) subscribedTo(list string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists[list]
}

func (c *Conn) wantsNews() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.news
}

func (c *Conn) wantsFilings() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filings
}

// drainSubscriptions empties the connection's subscription sets and
// returns what it held. Called exactly once during teardown; a second
// call returns nothing, which makes index cleanup idempotent.
func (c *Conn) drainSubscriptions() (lists, quotes, charts []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for l := range c.lists {
		lists = append(lists, l)
	}
	for s := range c.quotes {
		quotes = append(quotes, s)
	}
	for s := range c.charts {
		charts = append(charts, s)
	}
	c.lists = make(map[string]bool)
	c.quotes = make(map[string]bool)
	c.charts = make(map[string]bool)
	c.lastSeq = make(map[string]int64)
	c.news = false
	c.filings = false
	return lists, quotes, charts
}

// writePump serializes all socket writes: queued messages and pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client messages and dispatches them in order. Handlers
// run synchronously so the subscribe → snapshot → delta sequence per
// connection cannot interleave.
func (c *Conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.sock.Close()
	}()

	c.sock.SetReadLimit(readLimit)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.sock.ReadMessage()
		if err != nil {
			break
		}
		c.handle(msg)
	}
}

// handle dispatches one inbound message by action.
func (c *Conn) handle(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(errorEnvelope("", "malformed JSON"))
		return
	}

	switch msg.Action {
	case "subscribe_list":
		c.handleSubscribeList(msg)
	case "unsubscribe_list":
		c.handleUnsubscribeList(msg)
	case "resync":
		c.handleResync(msg)
	case "subscribe_quote":
		c.handleSubscribeQuotes(msg.Action, oneOrMany(msg.Symbol, nil))
	case "subscribe_quotes":
		c.handleSubscribeQuotes(msg.Action, oneOrMany(msg.Symbol, msg.Symbols))
	case "unsubscribe_quote":
		c.handleUnsubscribeQuotes(msg.Action, oneOrMany(msg.Symbol, nil))
	case "unsubscribe_quotes":
		c.handleUnsubscribeQuotes(msg.Action, oneOrMany(msg.Symbol, msg.Symbols))
	case "subscribe_chart":
		c.handleSubscribeChart(msg)
	case "unsubscribe_chart":
		c.handleUnsubscribeChart(msg)
	case "subscribe_sec_filings":
		c.setFilings(true)
	case "unsubscribe_sec_filings":
		c.setFilings(false)
	case "subscribe_news", "subscribe_benzinga_news":
		c.setNews(true)
	case "unsubscribe_news", "unsubscribe_benzinga_news":
		c.setNews(false)
	case "ping":
		c.handlePing(msg)
	case "pong":
		// ignored
	case "refresh_token":
		c.handleRefreshToken(msg)
	case "":
		c.enqueue(errorEnvelope("", "missing action"))
	default:
		c.enqueue(errorEnvelope(msg.Action, "unknown action"))
	}
}

func oneOrMany(symbol string, symbols []string) []string {
	if len(symbols) > 0 {
		return symbols
	}
	if symbol != "" {
		return []string{symbol}
	}
	return nil
}
