// Package queue declares the run-handoff contract (component G) between API
// writers and the executor: a durable FIFO of run ids surviving executor
// restarts, delivering at-least-once (spec §4.7's Non-goals explicitly
// exclude exactly-once delivery).
package queue

import (
	"context"
	"time"
)

// Queue is the run-handoff contract. The payload is always a run id.
type Queue interface {
	// Push enqueues runID for later consumption.
	Push(ctx context.Context, runID string) error

	// BlockingPop waits up to timeout for a run id to become available. It
	// returns ("", nil) on timeout rather than an error — an empty queue is
	// not a failure.
	BlockingPop(ctx context.Context, timeout time.Duration) (string, error)
}
