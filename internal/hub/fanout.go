package hub

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"project-board-sync/internal/transport"
)

// Fanout carries relayed room events between relay instances
type Fanout interface {
	Publish(ctx context.Context, room string, msg transport.Message) error
	// Subscribe calls deliver for events published by other instances until ctx is done
	Subscribe(ctx context.Context, deliver func(room string, msg transport.Message)) error
}

// RedisFanout publishes room events on "<prefix>:<room>" channels
type RedisFanout struct {
	client     *redis.Client
	prefix     string
	instanceID string
	logger     *zap.Logger
}

// NewRedisFanout creates a redis pub/sub fanout
func NewRedisFanout(client *redis.Client, prefix string, logger *zap.Logger) *RedisFanout {
	if prefix == "" {
		prefix = "room"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFanout{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

func (f *RedisFanout) channel(room string) string {
	return f.prefix + ":" + room
}

func (f *RedisFanout) Publish(ctx context.Context, room string, msg transport.Message) error {
	data, err := encodeEnvelope(f.instanceID, room, msg)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel(room), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", f.channel(room), err)
	}
	return nil
}

func (f *RedisFanout) Subscribe(ctx context.Context, deliver func(room string, msg transport.Message)) error {
	pubsub := f.client.PSubscribe(ctx, f.prefix+":*")
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s:*: %w", f.prefix, err)
	}
	f.logger.Info("Subscribed to room fanout", zap.String("pattern", f.prefix+":*"), zap.String("instance_id", f.instanceID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope([]byte(m.Payload))
			if err != nil {
				f.logger.Warn("Dropping malformed fanout message", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			if env.Origin == f.instanceID {
				continue
			}
			deliver(env.Room, env.Message)
		}
	}
}
