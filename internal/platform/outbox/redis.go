package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStreamPublisher appends events to a Redis stream with XADD.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamPublisher connects to url (redis://...). maxLen caps the
// stream length approximately; zero leaves it unbounded.
func NewRedisStreamPublisher(url, stream string, maxLen int64) (*RedisStreamPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStreamPublisher{
		client: redis.NewClient(opts),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

func (p *RedisStreamPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, e Event) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: streamValues(e),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Err()
}

func (p *RedisStreamPublisher) Close() error {
	return p.client.Close()
}

func streamValues(e Event) map[string]interface{} {
	return map[string]interface{}{
		"event_id":       e.ID.String(),
		"event_type":     e.EventType,
		"aggregate_type": e.AggregateType,
		"aggregate_id":   e.AggregateID.String(),
		"payload":        string(e.Payload),
		"created_at":     e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
