package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/redis/go-redis/v9"
)

// Handler processes one stream message. Returning nil or a validation error
// acknowledges the message; any other error leaves it pending until it is
// reclaimed and handled again.
type Handler func(ctx context.Context, msg redis.XMessage) error

// Pending entries idle longer than DefaultReclaimIdle are claimed and retried
// every DefaultReclaimInterval.
const (
	DefaultReclaimIdle     = 30 * time.Second
	DefaultReclaimInterval = 30 * time.Second
)

// StreamConsumer reads a Redis stream through a consumer group
type StreamConsumer struct {
	client          *redis.Client
	consumerID      string
	groupName       string
	reclaimIdle     time.Duration
	reclaimInterval time.Duration
	log             *logger.Logger
}

// NewStreamConsumer creates a new stream consumer
func NewStreamConsumer(client *redis.Client, consumerID, groupName string, log *logger.Logger) *StreamConsumer {
	return &StreamConsumer{
		client:          client,
		consumerID:      consumerID,
		groupName:       groupName,
		reclaimIdle:     DefaultReclaimIdle,
		reclaimInterval: DefaultReclaimInterval,
		log:             log.Component("consumer"),
	}
}

// WithReclaim sets how long a pending entry must sit idle before it is retried
// and how often the pending list is scanned
func (c *StreamConsumer) WithReclaim(minIdle, interval time.Duration) *StreamConsumer {
	c.reclaimIdle = minIdle
	c.reclaimInterval = interval
	return c
}

// Run blocks reading streamKey until ctx is cancelled
func (c *StreamConsumer) Run(ctx context.Context, streamKey string, handle Handler) error {
	err := c.client.XGroupCreateMkStream(ctx, streamKey, c.groupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return contracts.Unavailable("create consumer group "+streamKey, err)
	}

	c.log.Info("consuming stream", logger.String("stream", streamKey), logger.String("group", c.groupName))

	// entries left pending by a previous run are retried before new ones
	c.drainOwnPending(ctx, streamKey, handle)
	lastReclaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastReclaim) >= c.reclaimInterval {
			c.reclaim(ctx, streamKey, handle)
			lastReclaim = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.groupName,
			Consumer: c.consumerID,
			Streams:  []string{streamKey, ">"},
			Count:    50,
			Block:    1 * time.Second,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("error reading from stream", logger.String("stream", streamKey), logger.Error(err))
			time.Sleep(1 * time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				c.dispatch(ctx, streamKey, message, handle)
			}
		}
	}
}

// drainOwnPending replays entries delivered to this consumer but never acked
func (c *StreamConsumer) drainOwnPending(ctx context.Context, streamKey string, handle Handler) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerID,
		Streams:  []string{streamKey, "0"},
		Count:    500,
		Block:    -1,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			c.log.Error("error reading pending entries", logger.String("stream", streamKey), logger.Error(err))
		}
		return
	}

	replayed := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			c.dispatch(ctx, streamKey, message, handle)
			replayed++
		}
	}
	if replayed > 0 {
		c.log.Info("replayed pending entries", logger.String("stream", streamKey), logger.Int("count", replayed))
	}
}

// reclaim claims entries idle past reclaimIdle from any consumer in the group,
// including this one, and handles them again
func (c *StreamConsumer) reclaim(ctx context.Context, streamKey string, handle Handler) {
	start := "0-0"
	for {
		messages, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   streamKey,
			Group:    c.groupName,
			Consumer: c.consumerID,
			MinIdle:  c.reclaimIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				c.log.Error("error claiming pending entries", logger.String("stream", streamKey), logger.Error(err))
			}
			return
		}

		for _, message := range messages {
			c.dispatch(ctx, streamKey, message, handle)
		}

		if next == "0-0" || next == "" || len(messages) == 0 {
			return
		}
		start = next
	}
}

// shouldAck reports whether a handled message is finished: processed, or
// malformed and never going to succeed
func shouldAck(err error) bool {
	return err == nil || errors.Is(err, contracts.ErrValidation)
}

func (c *StreamConsumer) dispatch(ctx context.Context, streamKey string, message redis.XMessage, handle Handler) {
	err := handle(ctx, message)
	if !shouldAck(err) {
		c.log.Warn("message left pending",
			logger.String("stream", streamKey),
			logger.String("message_id", message.ID),
			logger.Error(err),
		)
		return
	}
	if err != nil {
		c.log.Warn("dropping malformed message",
			logger.String("stream", streamKey),
			logger.String("message_id", message.ID),
			logger.Error(err),
		)
	}

	if err := c.client.XAck(ctx, streamKey, c.groupName, message.ID).Err(); err != nil {
		c.log.Error("ack failed", logger.String("message_id", message.ID), logger.Error(err))
	}
}

// payload returns the JSON body of a message; producers publish it in the "data" field
func payload(msg redis.XMessage) ([]byte, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, contracts.NewValidationError("message", msg.ID, "missing 'data' field")
	}
	return []byte(data), nil
}

// OddsStream and ResultsStream name the inbound streams for a sport
func OddsStream(sportKey string) string    { return fmt.Sprintf("odds.raw.%s", sportKey) }
func ResultsStream(sportKey string) string { return fmt.Sprintf("events.results.%s", sportKey) }
