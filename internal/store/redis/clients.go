package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures a Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a Redis client and pings the server.
// Each blocking stream consumer and the pub/sub listener must own its
// own client; blocking reads cannot share a connection.
func NewClient(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s (db=%d)", cfg.Addr, cfg.DB)
	return client, nil
}
