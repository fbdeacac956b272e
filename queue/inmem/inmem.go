// Package inmem implements queue.Queue with a buffered channel, for tests
// and single-process development where a durable Redis list is unnecessary.
package inmem

import (
	"context"
	"time"

	"github.com/runforge/execengine/queue"
)

// Queue is a channel-backed queue.Queue. It does not survive process
// restart; production deployments use queue/redis.
type Queue struct {
	ch chan string
}

// New builds a Queue with the given channel capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{ch: make(chan string, capacity)}
}

func (q *Queue) Push(ctx context.Context, runID string) error {
	select {
	case q.ch <- runID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) BlockingPop(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

var _ queue.Queue = (*Queue)(nil)
