package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/feira-labs/feira-notify/internal/model"
)

var _ Broker = (*RedisBroker)(nil)

// RedisBroker relays records over Redis pub/sub so every server instance
// sees inserts made by the others. One channel per user.
type RedisBroker struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

// NewRedisBroker wraps an existing client.
func NewRedisBroker(client *redis.Client, prefix string, log *zap.Logger) *RedisBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBroker{client: client, prefix: prefix, log: log}
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (b *RedisBroker) channel(userID string) string {
	return b.prefix + userID
}

// Publish sends record to the channel of its user.
func (b *RedisBroker) Publish(ctx context.Context, record *model.Notification) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.client.Publish(ctx, b.channel(record.UserID), payload).Err()
}

// Subscribe listens on the channel of userID until ctx is done.
func (b *RedisBroker) Subscribe(ctx context.Context, userID string) (<-chan *model.Notification, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", userID, err)
	}

	out := make(chan *model.Notification, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var record model.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &record); err != nil {
					b.log.Warn("drop malformed realtime payload", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- &record:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the underlying client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
