package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher is the part of a redis client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes each notification on the private channel of both
// counterparties.
type RedisSink struct {
	client Publisher
}

func NewRedisSink(client Publisher) *RedisSink {
	return &RedisSink{client: client}
}

// NewRedisClient connects to addr and checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisSink) Send(ctx context.Context, msg *Message) error {
	for _, ch := range msg.Channels {
		if err := s.client.Publish(ctx, ch, msg.Payload).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", ch, err)
		}
	}
	return nil
}
