package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"bloom_wallet/internal/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBridge fans updates out to every instance through a redis channel.
// Publish only writes to redis; Run relays what arrives back into the local
// hub, including this instance's own messages.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	hub     *Hub
	logger  *slog.Logger
}

func NewRedisBridge(client redis.UniversalClient, channel string, hub *Hub, logger *slog.Logger) *RedisBridge {
	return &RedisBridge{client: client, channel: channel, hub: hub, logger: logger}
}

func (b *RedisBridge) Publish(ctx context.Context, update Update) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}
	return nil
}

// Run blocks until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info("subscribed to payment updates", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(msg.Payload)
		}
	}
}

func (b *RedisBridge) relay(payload string) {
	var update Update
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		b.logger.Warn("dropping malformed payment update", logger.Err(err))
		return
	}
	b.hub.Notify(update)
}
