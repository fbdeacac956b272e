// Package redis implements queue.Queue as a Redis list, matching spec §6's
// wire format: BRPOP run_queue <timeout> to consume, LPUSH run_queue <id>
// to produce, so oldest-pushed ids pop first.
package redis

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runforge/execengine/queue"
)

// DefaultKey is the list name spec §6 fixes for compatibility.
const DefaultKey = "run_queue"

// Queue implements queue.Queue on top of a *redis.Client.
type Queue struct {
	client *redis.Client
	key    string
}

// New builds a Queue against client using key (DefaultKey when empty).
func New(client *redis.Client, key string) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis: client is required")
	}
	if key == "" {
		key = DefaultKey
	}
	return &Queue{client: client, key: key}, nil
}

func (q *Queue) Push(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("redis: run id is required")
	}
	if err := q.client.LPush(ctx, q.key, runID).Err(); err != nil {
		return fmt.Errorf("redis: lpush %s: %w", q.key, err)
	}
	return nil
}

func (q *Queue) BlockingPop(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis: brpop %s: %w", q.key, err)
	}
	if len(result) != 2 {
		return "", fmt.Errorf("redis: brpop %s: unexpected reply shape %v", q.key, result)
	}
	return result[1], nil
}

var _ queue.Queue = (*Queue)(nil)
