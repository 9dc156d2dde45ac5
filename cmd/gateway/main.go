package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"scanner-gatewayv1/config"
	"scanner-gatewayv1/internal/auth"
	"scanner-gatewayv1/internal/gateway"
	"scanner-gatewayv1/internal/logger"
	redisstore "scanner-gatewayv1/internal/store/redis"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}
	logger.Init("scanner-gateway", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rcfg := redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}

	// Commands client for snapshots, scan lookups and catalyst writes.
	// Each blocking stream reader and the pub/sub listener get their own
	// connection so they cannot stall one another.
	rdb, err := redisstore.NewClient(rcfg)
	if err != nil {
		log.Fatalf("[main] redis: %v", err)
	}
	defer rdb.Close()

	newClient := func(purpose string) *goredis.Client {
		c, err := redisstore.NewClient(rcfg)
		if err != nil {
			log.Fatalf("[main] redis (%s): %v", purpose, err)
		}
		return c
	}
	rankingClient := newClient("ranking consumer")
	aggClient := newClient("aggregate consumer")
	quoteClient := newClient("quote consumer")
	filingClient := newClient("filing consumer")
	newsClient := newClient("news consumer")
	pubsubClient := newClient("pubsub")
	upstreamClient := newClient("upstream publisher")
	defer func() {
		for _, c := range []*goredis.Client{
			rankingClient, aggClient, quoteClient, filingClient,
			newsClient, pubsubClient, upstreamClient,
		} {
			c.Close()
		}
	}()

	metrics := gateway.NewMetrics(prometheus.DefaultRegisterer)

	authn := auth.New(cfg.AuthEnabled, cfg.JWKSURL)
	if cfg.AuthEnabled {
		log.Printf("[main] auth enabled, JWKS at %s", cfg.JWKSURL)
	} else {
		log.Println("[main] auth disabled, connections are anonymous")
	}

	upstream := redisstore.NewUpstreamPublisher(upstreamClient)
	upstream.Breaker().OnStateChange = func(from, to redisstore.BreakerState) {
		log.Printf("[main] upstream breaker %s -> %s", from, to)
		metrics.BreakerState.Set(float64(to))
	}

	writer := redisstore.NewWriter(rdb)

	hub := gateway.NewHub(rdb, authn, upstream, writer, metrics, gateway.HubConfig{
		SendBuffer:       cfg.SendBuffer,
		SnapshotTTL:      cfg.SnapshotTTL(),
		AggThrottle:      cfg.AggThrottle(),
		AggFlushEvery:    cfg.AggFlushEvery(),
		AggBufferCap:     cfg.AggBufferCap,
		CatalystInterval: cfg.CatalystInterval(),
	})

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	consumerName := "gateway-" + hostname

	consumers := []*redisstore.StreamConsumer{
		redisstore.NewGroupConsumer(rankingClient, gateway.StreamRankingDeltas,
			gateway.GroupRankingDeltas, consumerName, hub.HandleRankingEntry),
		redisstore.NewGroupConsumer(aggClient, gateway.StreamAggregates,
			gateway.GroupAggregates, consumerName, hub.HandleAggregateEntry),
		redisstore.NewGroupConsumer(quoteClient, gateway.StreamQuotes,
			gateway.GroupQuotes, consumerName, hub.HandleQuoteEntry),
		redisstore.NewTailConsumer(filingClient, gateway.StreamFilings, hub.HandleFilingEntry),
		redisstore.NewTailConsumer(newsClient, gateway.StreamNews, hub.HandleNewsEntry),
	}
	for _, sc := range consumers {
		stream := sc.Stream()
		sc.OnError = func(error) { metrics.ConsumerErrors.WithLabelValues(stream).Inc() }
		if err := sc.EnsureGroup(ctx); err != nil {
			log.Fatalf("[main] consumer group %s: %v", stream, err)
		}
	}

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Printf("[main] %s stopped", name)
		}()
	}

	for _, sc := range consumers {
		sc := sc
		start("consumer "+sc.Stream(), sc.Run)
	}
	start("upstream publisher", upstream.Run)
	start("sampler", hub.Sampler.Run)
	if hub.Catalyst != nil {
		start("catalyst recorder", hub.Catalyst.Run)
	}
	start("pubsub listener", gateway.NewPubSubListener(hub, pubsubClient).Run)
	start("status broadcaster", gateway.NewStatusBroadcaster(hub, cfg.ConnectorURL, cfg.StatusInterval()).Run)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/scanner", hub.HandleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"connections": hub.ConnCount(),
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.CollectStats(r.Context()))
	})
	mux.HandleFunc("/clear_cache", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Reason string `json:"reason"`
			Date   string `json:"date"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "manual"
		}
		cleared := hub.Snapshots.Clear()
		log.Printf("[main] cache cleared: %d lists (reason=%s date=%s)", cleared, body.Reason, body.Date)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":        true,
			"caches_cleared": cleared,
			"reason":         body.Reason,
			"date":           body.Date,
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        cfg.GatewayAddr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("[main] gateway listening on %s", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("[main] shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	hub.Shutdown()

	cancel()
	wg.Wait()
	log.Println("[main] bye")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
