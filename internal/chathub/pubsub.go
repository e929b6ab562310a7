package chathub

import (
	"context"
	"encoding/json"
	"strings"

	"dmchat/backend/internal/logger"
	"dmchat/backend/internal/metrics"
	"dmchat/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisRoomPrefix = "dmchat:room:"

// RedisBroker fans out through Redis Pub/Sub, one channel per room.
type RedisBroker struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisBroker connects using a redis:// URL.
func NewRedisBroker(ctx context.Context, redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisBroker{rdb: rdb, log: logger.Component("fanout").With().Str("backend", "redis").Logger()}, nil
}

func (b *RedisBroker) Name() string { return "redis" }

func roomChannel(roomID string) string {
	return redisRoomPrefix + roomID
}

func roomFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, redisRoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(channel, redisRoomPrefix), true
}

// Publish serializes env and publishes it on the room channel.
func (b *RedisBroker) Publish(ctx context.Context, roomID string, env models.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, roomChannel(roomID), payload).Err()
}

// Listen pattern-subscribes to all room channels.
func (b *RedisBroker) Listen(ctx context.Context, deliver func(roomID string, env models.Envelope)) error {
	pubsub := b.rdb.PSubscribe(ctx, redisRoomPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			roomID, ok := roomFromChannel(msg.Channel)
			if !ok {
				continue
			}
			var env models.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				metrics.BrokerErrors.WithLabelValues(b.Name(), "decode").Inc()
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("bad fanout payload from redis")
				continue
			}
			deliver(roomID, env)
		}
	}
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
