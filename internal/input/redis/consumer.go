// Package redis consumes incident payloads from a Redis list.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Config configures the Redis consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Popper is the list operation the consumer needs.
type Popper interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// Decoder turns a popped payload into an incident.
type Decoder func(raw []byte) (models.IncidentRecord, error)

// Submitter accepts decoded incidents.
type Submitter interface {
	Submit(rec models.IncidentRecord) error
}

// Consumer wraps a Redis list popper.
type Consumer struct {
	client       Popper
	key          string
	blockTimeout time.Duration
	decode       Decoder
	logger       *slog.Logger
	retryDelay   time.Duration
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config, decode Decoder, logger *slog.Logger) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newConsumer(client, cfg, decode, logger)
}

func newConsumer(client Popper, cfg Config, decode Decoder, logger *slog.Logger) (*Consumer, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if decode == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	return &Consumer{
		client:       client,
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
		decode:       decode,
		logger:       utils.OrDefault(logger),
		retryDelay:   time.Second,
	}, nil
}

// Pop pops one message from the list. It returns nil, nil when the block
// timeout expires with the list empty.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Run pops payloads and submits them until ctx is done. Undecodable payloads
// are logged and dropped. A full pipeline queue pauses consumption for the
// retry delay and resubmits the same incident.
func (c *Consumer) Run(ctx context.Context, sink Submitter) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := c.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("redis pop failed", slog.String("key", c.key), slog.Any("error", err))
			if !c.wait(ctx) {
				return nil
			}
			continue
		}
		if raw == nil {
			continue
		}
		rec, err := c.decode(raw)
		if err != nil {
			c.logger.Warn("dropping undecodable incident", slog.String("key", c.key), slog.Any("error", err))
			continue
		}
		for {
			err := sink.Submit(rec)
			if !errors.Is(err, models.ErrQueueFull) {
				if err != nil {
					c.logger.Warn("incident rejected", slog.String("incident_id", rec.ID), slog.Any("error", err))
				}
				break
			}
			if !c.wait(ctx) {
				return nil
			}
		}
	}
}

func (c *Consumer) wait(ctx context.Context) bool {
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
