package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"scanner-gatewayv1/internal/auth"
	redisstore "scanner-gatewayv1/internal/store/redis"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const sessionStatusKey = "market:session:status"

// Close codes from the client protocol.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4003
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// HubConfig carries the tunables the hub hands to its sub-components.
type HubConfig struct {
	SendBuffer       int
	SnapshotTTL      time.Duration
	AggThrottle      time.Duration
	AggFlushEvery    time.Duration
	AggBufferCap     int
	CatalystInterval time.Duration
}

// Hub is the connection registry and compositor. It owns the WebSocket
// lifecycle and delegates to focused components:
//   - SubIndex: subscription indices + ref counts
//   - SnapshotEngine: snapshots, deltas, gap detection
//   - Sampler: aggregate throttle + batch fan-out
//   - ScanCache: user-scan ownership
//   - CatalystRecorder: periodic last-seen persistence
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	rdb        *goredis.Client
	sendBuffer int
	started    time.Time

	Auth      *auth.Authenticator
	Index     *SubIndex
	Snapshots *SnapshotEngine
	Sampler   *Sampler
	Scans     *ScanCache
	Catalyst  *CatalystRecorder
	Metrics   *Metrics
}

// NewHub wires the hub and its sub-components. upstream may be nil in
// tests; catalyst writes are skipped when writer is nil.
func NewHub(rdb *goredis.Client, authn *auth.Authenticator, upstream *redisstore.UpstreamPublisher,
	writer *redisstore.Writer, m *Metrics, cfg HubConfig) *Hub {

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}

	h := &Hub{
		conns:      make(map[string]*Conn),
		rdb:        rdb,
		sendBuffer: cfg.SendBuffer,
		started:    time.Now(),
		Auth:       authn,
		Metrics:    m,
	}

	h.Index = NewSubIndex()
	h.Index.onQuoteTransition = func(action, symbol string) {
		if upstream != nil {
			upstream.Enqueue(redisstore.SubscriptionEvent{
				Action: action, Symbol: symbol, Kind: redisstore.KindQuote,
			})
		}
		m.UpstreamEvents.WithLabelValues(action, redisstore.KindQuote).Inc()
	}
	h.Index.onChartTransition = func(action, symbol string) {
		if upstream != nil {
			upstream.Enqueue(redisstore.SubscriptionEvent{
				Action: action, Symbol: symbol, Kind: redisstore.KindAgg,
			})
		}
		m.UpstreamEvents.WithLabelValues(action, redisstore.KindAgg).Inc()
	}

	h.Snapshots = NewSnapshotEngine(rdb, h.Index, m, cfg.SnapshotTTL)
	h.Scans = NewScanCache(rdb, authn.Enabled())
	h.Sampler = NewSampler(h.Index, m, cfg.AggThrottle, cfg.AggFlushEvery, cfg.AggBufferCap)
	h.Sampler.onChart = h.dispatchChart
	if writer != nil {
		h.Catalyst = NewCatalystRecorder(writer, cfg.CatalystInterval)
		h.Sampler.onObserve = h.Catalyst.Observe
	}
	return h
}

// HandleWS upgrades the request and runs the authentication handshake.
// Policy close codes require an established socket, so authentication
// failures upgrade first and then close.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token, tokenErr := auth.ExtractToken(r)

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}

	if h.Auth.Enabled() && tokenErr != nil {
		closeWith(sock, CloseMissingToken, "missing token")
		return
	}

	principal, err := h.Auth.Verify(r.Context(), token)
	if err != nil {
		closeWith(sock, CloseInvalidToken, "invalid token")
		return
	}

	c := newConn(h, sock, uuid.NewString(), principal.Subject, !principal.Anonymous, h.sendBuffer)

	h.mu.Lock()
	h.conns[c.id] = c
	count := len(h.conns)
	h.mu.Unlock()
	h.Metrics.Connections.Set(float64(count))

	log.Printf("[gateway] conn %s connected user=%q (%d total)", c.id, c.userID, count)

	c.enqueue(envelope("connected", map[string]interface{}{
		"connection_id": c.id,
		"authenticated": c.authenticated,
	}))

	go c.writePump()
	go c.readPump()
}

func closeWith(sock *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	sock.Close()
}

// removeConn unregisters a connection and cleans every index it
// appeared in. Idempotent: the registry delete gates the cleanup and
// drainSubscriptions empties the sets it reports.
func (h *Hub) removeConn(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	count := len(h.conns)
	h.mu.Unlock()

	lists, quotes, charts := c.drainSubscriptions()
	h.Index.RemoveConn(c, lists, quotes, charts)
	c.markClosed()

	h.Metrics.Connections.Set(float64(count))
	log.Printf("[gateway] conn %s disconnected (%d total)", c.id, count)
}

// BroadcastAll queues a message to every open connection.
func (h *Hub) BroadcastAll(msg []byte) {
	for _, c := range h.snapshotConns() {
		c.enqueue(msg)
	}
}

// broadcastWhere queues a message to connections passing the filter.
func (h *Hub) broadcastWhere(msg []byte, want func(*Conn) bool) {
	for _, c := range h.snapshotConns() {
		if want(c) {
			c.enqueue(msg)
		}
	}
}

func (h *Hub) snapshotConns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// ConnCount returns the number of open connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleScanDeleted tears down a deleted user scan: subscribers are
// notified and unsubscribed, then every trace of the list is purged.
func (h *Hub) HandleScanDeleted(list, scanID string) {
	buf := envelope("scan_deleted", map[string]interface{}{
		"list":    list,
		"scan_id": scanID,
	})
	for _, c := range h.Index.ListSubscribers(list) {
		c.enqueue(buf)
		c.mu.Lock()
		delete(c.lists, list)
		delete(c.lastSeq, list)
		c.mu.Unlock()
		h.Index.RemoveListSub(list, c)
	}

	h.Scans.Forget(scanID)
	h.Snapshots.Drop(list)
	log.Printf("[gateway] scan %s deleted, list %s purged", scanID, list)
}

// Stats is the /stats introspection payload.
type Stats struct {
	Connections     int    `json:"connections"`
	SubscribedLists int    `json:"subscribed_lists"`
	QuoteSymbols    int    `json:"quote_symbols"`
	ChartSymbols    int    `json:"chart_symbols"`
	IndexedSymbols  int    `json:"indexed_symbols"`
	CachedSnapshots int    `json:"cached_snapshots"`
	SamplerBuffered int    `json:"sampler_buffered"`
	TradingDate     string `json:"trading_date,omitempty"`
	CurrentSession  string `json:"current_session,omitempty"`
	UptimeSec       int64  `json:"uptime_sec"`
}

// CollectStats gathers the introspection snapshot.
func (h *Hub) CollectStats(ctx context.Context) Stats {
	lists, quoteSyms, chartSyms := h.Index.Counts()
	s := Stats{
		Connections:     h.ConnCount(),
		SubscribedLists: lists,
		QuoteSymbols:    quoteSyms,
		ChartSymbols:    chartSyms,
		IndexedSymbols:  h.Index.SymbolCount(),
		CachedSnapshots: h.Snapshots.CachedLists(),
		SamplerBuffered: h.Sampler.BufferSize(),
		UptimeSec:       int64(time.Since(h.started).Seconds()),
	}
	if data, err := h.rdb.Get(ctx, sessionStatusKey).Result(); err == nil {
		var sess struct {
			TradingDate    string `json:"trading_date"`
			CurrentSession string `json:"current_session"`
		}
		if json.Unmarshal([]byte(data), &sess) == nil {
			s.TradingDate = sess.TradingDate
			s.CurrentSession = sess.CurrentSession
		}
	}
	return s
}

// Shutdown closes every connection with a normal-close code.
func (h *Hub) Shutdown() {
	for _, c := range h.snapshotConns() {
		closeWith(c.sock, websocket.CloseNormalClosure, "server shutting down")
		h.removeConn(c)
	}
}
