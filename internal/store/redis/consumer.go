package redis

import (
	"context"
	"log"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Handler processes the flat field-value pairs of one stream entry.
// A non-nil error leaves the entry unacknowledged for a later retry;
// entries that can never parse should be handled (and logged) inside
// the handler so they get ACKed instead of becoming poison pills.
type Handler func(ctx context.Context, values map[string]interface{}) error

// StreamConsumer reads one Redis Stream in a loop and dispatches each
// entry to a handler. Group consumers use XREADGROUP with durable
// acknowledgements; tail consumers use plain XREAD from "$".
type StreamConsumer struct {
	client   *goredis.Client
	stream   string
	group    string
	consumer string
	useGroup bool
	handler  Handler

	// OnError is called for read errors (optional, for metrics).
	OnError func(err error)
}

// NewGroupConsumer creates a durable consumer-group reader.
func NewGroupConsumer(client *goredis.Client, stream, group, consumer string, h Handler) *StreamConsumer {
	return &StreamConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		useGroup: true,
		handler:  h,
	}
}

// NewTailConsumer creates a reader that follows the stream tail without
// a consumer group. Used for broadcast-only streams (filings, news).
func NewTailConsumer(client *goredis.Client, stream string, h Handler) *StreamConsumer {
	return &StreamConsumer{
		client:  client,
		stream:  stream,
		handler: h,
	}
}

// Stream returns the stream this consumer reads.
func (c *StreamConsumer) Stream() string { return c.stream }

// EnsureGroup creates the consumer group if it doesn't exist.
// Fresh groups start at "$" (only new messages).
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	if !c.useGroup {
		return nil
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

// Run consumes the stream until ctx is cancelled.
func (c *StreamConsumer) Run(ctx context.Context) {
	if c.useGroup {
		c.runGroup(ctx)
		return
	}
	c.runTail(ctx)
}

func (c *StreamConsumer) runGroup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    100,
			Block:    100 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			if isNoGroup(err) {
				// Group vanished (flushed Redis, trimmed stream). Recreate
				// from the beginning so nothing still in the stream is lost.
				log.Printf("[consumer] %s: group %s missing, recreating", c.stream, c.group)
				if cerr := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err(); cerr != nil && !isBusyGroup(cerr) {
					log.Printf("[consumer] %s: recreate group: %v", c.stream, cerr)
				}
				continue
			}
			if c.OnError != nil {
				c.OnError(err)
			}
			log.Printf("[consumer] %s: xreadgroup error: %v", c.stream, err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range results {
			acked := make([]string, 0, len(stream.Messages))
			for _, msg := range stream.Messages {
				if herr := c.handler(ctx, msg.Values); herr != nil {
					log.Printf("[consumer] %s: handler error on %s: %v", c.stream, msg.ID, herr)
					continue
				}
				acked = append(acked, msg.ID)
			}
			if len(acked) > 0 {
				if aerr := c.client.XAck(ctx, c.stream, c.group, acked...).Err(); aerr != nil {
					log.Printf("[consumer] %s: xack error: %v", c.stream, aerr)
				}
			}
		}
	}
}

func (c *StreamConsumer) runTail(ctx context.Context) {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := c.client.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{c.stream, lastID},
			Count:   100,
			Block:   100 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			if c.OnError != nil {
				c.OnError(err)
			}
			log.Printf("[consumer] %s: xread error: %v", c.stream, err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				if herr := c.handler(ctx, msg.Values); herr != nil {
					log.Printf("[consumer] %s: handler error on %s: %v", c.stream, msg.ID, herr)
				}
				lastID = msg.ID
			}
		}
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}
