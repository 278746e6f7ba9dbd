package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"jobapply-engine/internal/logging"
)

// Publisher accepts encoded events. Publishing never blocks the caller on a
// slow consumer and never fails it.
type Publisher interface {
	Publish(evt string)
}

// Emit encodes and publishes one event. A nil publisher is a no-op.
func Emit(p Publisher, typ string, data any) {
	if p == nil {
		return
	}
	p.Publish(MakeEvent("", typ, 1, data))
}

// Multi publishes to every non-nil publisher.
type Multi []Publisher

func (m Multi) Publish(evt string) {
	for _, p := range m {
		if p != nil {
			p.Publish(evt)
		}
	}
}

// NewRedisClient parses redisURL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL(%q): %w", redisURL, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisPublisher mirrors events to a Redis pub/sub channel so that other
// processes can follow the engine.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
	Timeout time.Duration
	Log     *slog.Logger
}

func (r *RedisPublisher) Publish(evt string) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.Client.Publish(ctx, r.Channel, evt).Err(); err != nil {
		log := r.Log
		if log == nil {
			log = logging.Discard()
		}
		// non-fatal
		log.Warn("redis publish failed", "channel", r.Channel, "err", err)
	}
}
