// Package notify carries ledger change notifications across processes over
// Redis pub/sub.
//
// Notifications are "something changed, re-fetch" signals. Delivery is
// best-effort: a publish failure is logged and the notification is lost,
// which subscribers tolerate because they never treat a notification as the
// record of state.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/state"
)

// DefaultChannel is the Redis channel used when none is configured.
const DefaultChannel = "ledger:notifications"

// Config configures the Redis bridge.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Channel is the pub/sub channel.
	// Default: "ledger:notifications"
	Channel string

	// PublishTimeout bounds a single publish.
	// Default: 2 seconds
	PublishTimeout time.Duration
}

// Envelope is the wire form of a notification.
type Envelope struct {
	// Source identifies the publishing bridge, so a bridge that both
	// forwards and listens can skip its own messages.
	Source string `json:"source"`

	ledger.Notification
}

// RedisBridge publishes local notifications to Redis and relays remote
// ones to a handler.
type RedisBridge struct {
	client *redis.Client
	config Config
	source string
	logger *slog.Logger
}

// NewRedisBridge connects to Redis and verifies the connection.
func NewRedisBridge(ctx context.Context, cfg Config) (*RedisBridge, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisBridge{
		client: client,
		config: cfg,
		source: uuid.NewString(),
		logger: slog.Default().With("component", "ledger.notify", "channel", cfg.Channel),
	}, nil
}

// Publish sends one notification.
func (b *RedisBridge) Publish(ctx context.Context, n ledger.Notification) error {
	payload, err := json.Marshal(Envelope{Source: b.source, Notification: n})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout)
	defer cancel()
	return b.client.Publish(ctx, b.config.Channel, payload).Err()
}

// Forward publishes everything received on sub until ctx is done or the
// subscription is closed. Publish failures are logged and skipped.
func (b *RedisBridge) Forward(ctx context.Context, sub *state.Subscription) error {
	b.logger.Info("forwarding ledger notifications to redis")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := b.Publish(ctx, n); err != nil {
				b.logger.Warn("failed to publish notification",
					"agent_id", n.AgentID,
					"kind", n.Kind,
					"error", err,
				)
			}
		}
	}
}

// Listen subscribes to the channel and calls handle for every notification
// published by another bridge. It returns when ctx is done.
func (b *RedisBridge) Listen(ctx context.Context, handle func(ledger.Notification)) error {
	pubsub := b.client.Subscribe(ctx, b.config.Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.config.Channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("ignoring malformed notification", "error", err)
				continue
			}
			if env.Source == b.source {
				continue
			}
			handle(env.Notification)
		}
	}
}

// Close closes the Redis client.
func (b *RedisBridge) Close() error {
	return b.client.Close()
}
