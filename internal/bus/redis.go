package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/whisper/internal/logger"
)

// Redis relays envelopes over Redis Pub/Sub.
type Redis struct {
	cli     *redis.Client
	channel string
	nodeID  string
}

func NewRedis(cli *redis.Client, channel, nodeID string) *Redis {
	return &Redis{cli: cli, channel: channel, nodeID: nodeID}
}

func (b *Redis) Publish(ctx context.Context, env Envelope) error {
	env.Origin = b.nodeID
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.cli.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("bus redis publish: %w", err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, handle func(Envelope)) error {
	pubsub := b.cli.Subscribe(ctx, b.channel)
	defer func() {
		_ = pubsub.Close()
	}()
	// Ждём подтверждения подписки, иначе ранние публикации теряются.
	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("bus redis subscribe: %w", err)
	}
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bus redis receive: %w", err)
		}
		env, remote, err := decode([]byte(msg.Payload), b.nodeID)
		if err != nil {
			logger.Warnf("bus redis: invalid envelope: %v", err)
			continue
		}
		if remote {
			handle(env)
		}
	}
}

// Close does not close the shared client; its owner does.
func (b *Redis) Close() error { return nil }
