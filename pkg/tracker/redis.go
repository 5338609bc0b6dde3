package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/callmonitor/evidence/pkg/contracts"
)

const (
	// Stream carrying artifact lifecycle events from the vendor
	// integrations.
	defaultStream = "evidence:artifact-events"
	defaultGroup  = "evidence-tracker"

	readBlock = 5 * time.Second
	readCount = 64
)

// StreamConfig configures the Redis Streams intake.
type StreamConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
}

func (c *StreamConfig) withDefaults() {
	if c.Stream == "" {
		c.Stream = defaultStream
	}
	if c.Group == "" {
		c.Group = defaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "tracker-1"
	}
}

// Publisher appends artifact events to the stream. The vendor integrations
// hold one of these; the pipeline side only consumes.
type Publisher struct {
	client *redis.Client
	stream string
}

// NewPublisher connects a publisher to the configured stream.
func NewPublisher(cfg StreamConfig) *Publisher {
	cfg.withDefaults()
	return &Publisher{
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		stream: cfg.Stream,
	}
}

// Publish appends one event. Field values travel as flat strings so any
// stream inspector can read them.
func (p *Publisher) Publish(ctx context.Context, ev ArtifactEvent) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: eventValues(ev),
	}).Err()
	if err != nil {
		return fmt.Errorf("publish artifact event for call %s: %w", ev.CallID, err)
	}
	return nil
}

// Close releases the underlying connection.
func (p *Publisher) Close() error { return p.client.Close() }

// Consumer reads artifact events off the stream in a consumer group and
// feeds them to the tracker. Events are acked only after handling succeeds,
// so a crashed consumer's pending entries are redelivered.
type Consumer struct {
	client  *redis.Client
	tracker *Tracker
	logger  *slog.Logger
	cfg     StreamConfig
}

// NewConsumer builds a consumer for the configured stream and group.
func NewConsumer(cfg StreamConfig, t *Tracker, logger *slog.Logger) *Consumer {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:  redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		tracker: t,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run consumes until the context is canceled. It creates the consumer group
// if missing and keeps reading through transient Redis errors.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.cfg.Group, err)
	}

	c.logger.Info("artifact event consumer started",
		"stream", c.cfg.Stream, "group", c.cfg.Group, "consumer", c.cfg.Consumer)

	for {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			c.logger.Warn("stream read failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	ev, err := eventFromValues(msg.Values)
	if err != nil {
		// A malformed event never becomes parseable; ack it away.
		c.logger.Error("dropping malformed artifact event", "message_id", msg.ID, "error", err)
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.tracker.HandleArtifactEvent(ctx, ev); err != nil {
		// Left pending for redelivery.
		c.logger.Error("artifact event handling failed",
			"message_id", msg.ID, "call_id", ev.CallID, "error", err)
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, messageID string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, messageID).Err(); err != nil {
		c.logger.Warn("ack failed", "message_id", messageID, "error", err)
	}
}

// Close releases the underlying connection.
func (c *Consumer) Close() error { return c.client.Close() }

func eventValues(ev ArtifactEvent) map[string]any {
	return map[string]any{
		"artifact_id":     ev.ArtifactID,
		"call_id":         ev.CallID,
		"organization_id": ev.OrganizationID,
		"type":            string(ev.Type),
		"status":          string(ev.Status),
		"producer":        ev.Producer,
	}
}

func eventFromValues(values map[string]any) (ArtifactEvent, error) {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}
	ev := ArtifactEvent{
		ArtifactID:     str("artifact_id"),
		CallID:         str("call_id"),
		OrganizationID: str("organization_id"),
		Type:           contracts.ArtifactType(str("type")),
		Status:         contracts.ArtifactStatus(str("status")),
		Producer:       str("producer"),
	}
	if ev.CallID == "" || ev.ArtifactID == "" {
		return ev, fmt.Errorf("artifact event missing identifiers: %v", values)
	}
	return ev, nil
}
