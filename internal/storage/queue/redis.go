// Package queue publishes lobby and match events onto a Redis list so that
// downstream consumers can replay matches without touching the game server.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cory-johannsen/multichess/internal/config"
	"github.com/cory-johannsen/multichess/internal/events"
)

// Publisher pushes JSON-encoded events onto a Redis list. It implements
// events.Sink.
type Publisher struct {
	rdb *redis.Client
	key string
}

// Connect dials Redis and verifies the connection with a PING bounded by
// cfg.DialTimeout.
//
// Postcondition: Returns a ready Publisher, or an error with the client closed.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return &Publisher{rdb: rdb, key: cfg.QueueKey}, nil
}

// Publish appends ev to the tail of the queue list.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Kind, err)
	}
	if err := p.rdb.RPush(ctx, p.key, data).Err(); err != nil {
		return fmt.Errorf("pushing to redis list %q: %w", p.key, err)
	}
	return nil
}

// Drain pops up to max events from the head of the queue without blocking.
// It is used by replay tooling and tests.
func (p *Publisher) Drain(ctx context.Context, max int) ([]events.Event, error) {
	if max <= 0 {
		return nil, nil
	}
	raw, err := p.rdb.LPopCount(ctx, p.key, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping from redis list %q: %w", p.key, err)
	}

	out := make([]events.Event, 0, len(raw))
	for _, s := range raw {
		var ev events.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return out, fmt.Errorf("decoding queued event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Len returns the number of queued events.
func (p *Publisher) Len(ctx context.Context) (int64, error) {
	return p.rdb.LLen(ctx, p.key).Result()
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
