package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"scanner-gatewayv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	catalystKeyPrefix = "catalyst:snapshot:"
	catalystMaxLen    = 20
	catalystTTL       = 15 * time.Minute
)

// Writer performs command-path writes (catalyst snapshots) on a
// dedicated client.
type Writer struct {
	client *goredis.Client
}

// NewWriter wraps a Redis client for pipelined writes.
func NewWriter(client *goredis.Client) *Writer {
	return &Writer{client: client}
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// WriteCatalystBatch pushes one compact record per symbol onto its
// capped catalyst list in a single pipeline: LPUSH + LTRIM + EXPIRE.
func (w *Writer) WriteCatalystBatch(ctx context.Context, entries []model.CatalystEntry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	for _, e := range entries {
		key := catalystKeyPrefix + e.Symbol
		pipe.LPush(ctx, key, string(e.JSON()))
		pipe.LTrim(ctx, key, 0, catalystMaxLen-1)
		pipe.Expire(ctx, key, catalystTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] catalyst batch pipeline error (%d symbols): %v", len(entries), err)
		return fmt.Errorf("catalyst batch: %w", err)
	}
	return nil
}
