package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes each event as JSON on "<prefix>:<thread id>" so
// push gateways can subscribe per thread.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(ctx context.Context, url, prefix string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if prefix == "" {
		prefix = "convohub"
	}
	return &RedisSink{client: client, prefix: prefix}, nil
}

func (s *RedisSink) Channel(threadID string) string {
	return s.prefix + ":" + threadID
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(ev.ThreadID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe returns a subscription to one thread's channel.
func (s *RedisSink) Subscribe(ctx context.Context, threadID string) *redis.PubSub {
	return s.client.Subscribe(ctx, s.Channel(threadID))
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
