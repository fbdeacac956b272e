package middleware

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"goa.design/pulse/rmap"

	"github.com/runforge/execengine/llm"
)

// fakeClusterMap stands in for a *rmap.Map in tests, per the teacher's
// features/model/middleware/ratelimit_cluster_test.go.
type fakeClusterMap struct {
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
	return cur, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind { return m.ch }

type fakeClusterClient struct {
	err error
}

func (c *fakeClusterClient) Complete(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{}, c.err
}

func TestClusterLimiterBackoffUpdatesSharedMap(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "model"
	m.values[key] = strconv.Itoa(80000)

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 80000, 80000)
	wrapped := lim.Middleware()(&fakeClusterClient{err: fmt.Errorf("boom: %w", llm.ErrRateLimited)})

	req := llm.Request{Messages: []*llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart{Text: "hello"}}}}}
	_, _ = wrapped.Complete(ctx, req)

	time.Sleep(10 * time.Millisecond)

	v, ok := m.Get(key)
	if !ok {
		t.Fatal("expected key to exist in cluster map")
	}
	cur, err := strconv.Atoi(v)
	if err != nil {
		t.Fatalf("invalid value in cluster map: %v", err)
	}
	if cur >= 80000 {
		t.Fatalf("expected shared TPM to decrease, got %d", cur)
	}
}

func TestClusterLimiterReconcilesFromExternalChange(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "model"
	m.values[key] = strconv.Itoa(10000)

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 10000, 100000)

	// Simulate another process writing a larger shared budget and notifying
	// subscribers.
	m.values[key] = strconv.Itoa(50000)
	m.ch <- rmap.EventChange

	var got float64
	for i := 0; i < 50; i++ {
		lim.mu.Lock()
		got = lim.currentTPM
		lim.mu.Unlock()
		if got == 50000 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got != 50000 {
		t.Fatalf("expected local limiter to reconcile to 50000, got %v", got)
	}
}

func TestNewClusterAdaptiveRateLimiterFallsBackWithoutKey(t *testing.T) {
	lim := newClusterAdaptiveRateLimiter(context.Background(), nil, "", 1000, 1000)
	if lim == nil {
		t.Fatal("expected a process-local limiter, got nil")
	}
}
