package push

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisRelay shares push envelopes between API instances over Redis pub/sub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	log     logrus.FieldLogger
}

func NewRedisRelay(client *redis.Client, channel string, log logrus.FieldLogger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, log: log}
}

func (r *RedisRelay) Publish(ctx context.Context, msg []byte) error {
	if err := r.client.Publish(ctx, r.channel, msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}

func (r *RedisRelay) Listen(ctx context.Context, deliver func([]byte)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					r.log.WithField("channel", r.channel).Warn("relay subscription closed")
					return
				}
				deliver([]byte(m.Payload))
			}
		}
	}()
	return nil
}
