// Package queue is the asynchronous entry transport: a redis stream consumer
// group standing in for the original message broker. Delivery is
// at-least-once; a message is acknowledged only after terminal handling, and
// entries left pending past the visibility timeout are reclaimed and retried.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/asklive/session-server-go/internal/command"
)

const (
	readBlock = 5 * time.Second
	readCount = 16
)

type Consumer struct {
	client     *redis.Client
	dispatcher *command.Dispatcher
	stream     string
	group      string
	name       string
	visibility time.Duration
}

func NewConsumer(client *redis.Client, dispatcher *command.Dispatcher, stream, group, name string, visibility time.Duration) *Consumer {
	return &Consumer{
		client:     client,
		dispatcher: dispatcher,
		stream:     stream,
		group:      group,
		name:       name,
		visibility: visibility,
	}
}

// Run consumes until the context is canceled. It creates the consumer group
// if needed and starts the pending-entry reclaim loop alongside the read
// loop.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	go c.reclaimLoop(ctx)

	log.Info().Str("stream", c.stream).Str("group", c.group).Str("consumer", c.name).
		Msg("queue consumer started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			log.Error().Err(err).Msg("queue read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, raw redis.XMessage) {
	msg, err := parseMessage(raw)
	if err != nil {
		// unparseable messages can never succeed; drop them
		log.Warn().Err(err).Str("messageId", raw.ID).Msg("dropping malformed queue message")
		c.ack(ctx, raw.ID)
		return
	}

	result, err := c.dispatcher.Dispatch(ctx, command.Envelope{
		Command:    msg.Command,
		Credential: msg.Token,
		Payload:    msg.Payload,
		Transport:  "queue",
	})

	if !shouldAck(err) {
		// infrastructure failure: leave pending so the reclaim loop
		// redelivers it
		log.Error().Err(err).Str("messageId", msg.ID).Str("command", string(msg.Command)).
			Msg("queue handling failed, message left for redelivery")
		return
	}

	if err != nil {
		log.Info().Err(err).Str("messageId", msg.ID).Str("command", string(msg.Command)).
			Msg("queue command rejected")
	}

	if msg.ReplyTo != "" {
		c.reply(ctx, msg, result, err)
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) reply(ctx context.Context, msg *Message, result any, handleErr error) {
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: msg.ReplyTo,
		Values: buildReply(msg.CorrelationID, result, handleErr),
	}).Err()
	if err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Str("replyTo", msg.ReplyTo).
			Msg("failed to write reply")
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		log.Error().Err(err).Str("messageId", id).Msg("failed to ack message")
	}
}

// reclaimLoop periodically claims entries that have sat pending longer than
// the visibility timeout (their consumer died mid-handling) and runs them
// again.
func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.visibility / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaim(ctx)
		}
	}
}

func (c *Consumer) reclaim(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  c.visibility,
			Start:    start,
			Count:    readCount,
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("pending reclaim failed")
			}
			return
		}

		for _, msg := range msgs {
			log.Warn().Str("messageId", msg.ID).Msg("reclaimed pending message")
			c.handle(ctx, msg)
		}

		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}
