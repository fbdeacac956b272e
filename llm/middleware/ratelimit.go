// Package middleware provides reusable llm.Client middlewares, adapted from
// the pack's adaptive rate limiter (the teacher's
// features/model/middleware/ratelimit.go). Both the process-local AIMD
// limiter and the teacher's cluster-coordinated variant are kept: the
// cluster variant shares its tokens-per-minute budget across executor
// processes via a goa.design/pulse/rmap replicated map over Redis, the same
// Redis the run queue (queue/redis) already depends on.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/runforge/execengine/llm"
)

// AdaptiveRateLimiter applies an AIMD-style token bucket on top of an
// llm.Client. It estimates the token cost of each request, blocks callers
// until capacity is available, and halves its effective tokens-per-minute
// budget whenever the wrapped client reports rate limiting, recovering
// gradually on successful calls. When constructed with a replicated map it
// additionally shares that budget across every executor process watching
// the same key.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64

	onBackoff func(newTPM float64)
	onProbe   func(newTPM float64)
}

type limitedClient struct {
	next    llm.Client
	limiter *AdaptiveRateLimiter
}

// clusterMap is the subset of *rmap.Map the cluster-aware limiter needs.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

type rmapClusterMap struct {
	m *rmap.Map
}

func (m *rmapClusterMap) Get(key string) (string, bool) { return m.m.Get(key) }

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind { return m.m.Subscribe() }

// NewAdaptiveRateLimiter constructs a process-local limiter with an initial
// and maximum tokens-per-minute budget. maxTPM below initialTPM is clamped
// to initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	return newAdaptiveRateLimiter(initialTPM, maxTPM)
}

// NewClusterAdaptiveRateLimiter joins the Redis-backed replicated map named
// by mapName and builds a limiter whose tokens-per-minute budget is shared,
// under key, across every process that joins the same map: a backoff or
// probe observed on one executor process propagates to every other
// executor watching the same key. redisClient is the same *redis.Client the
// caller's queue/redis.Queue already holds.
func NewClusterAdaptiveRateLimiter(ctx context.Context, redisClient *redis.Client, mapName, key string, initialTPM, maxTPM float64) (*AdaptiveRateLimiter, error) {
	m, err := rmap.Join(ctx, mapName, redisClient)
	if err != nil {
		return nil, err
	}
	return newClusterAdaptiveRateLimiter(ctx, &rmapClusterMap{m: m}, key, initialTPM, maxTPM), nil
}

func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// newClusterAdaptiveRateLimiter wires a process-local limiter's backoff/probe
// events to m under key, seeding the shared budget on first join and
// reconciling the local limiter whenever another process changes it. A
// failure to seed the shared state falls back to a plain process-local
// limiter; joining the map happens in NewClusterAdaptiveRateLimiter, which
// returns a join error to its caller.
func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)

	min := l.minTPM
	max := l.maxTPM
	step := l.recoveryRate

	l.mu.Lock()
	l.onBackoff = func(_ float64) { go globalBackoff(context.Background(), m, key, min) }
	l.onProbe = func(_ float64) { go globalProbe(context.Background(), m, key, step, max) }
	l.mu.Unlock()

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 || cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

// Middleware returns a wrapper enforcing the adaptive tokens-per-minute
// limit around Complete calls.
func (l *AdaptiveRateLimiter) Middleware() func(llm.Client) llm.Client {
	return func(next llm.Client) llm.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

func (c *limitedClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return llm.Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req llm.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, llm.ErrRateLimited) || isRateLimitedProviderError(err) {
		l.backoff()
	}
}

func isRateLimitedProviderError(err error) bool {
	pe, ok := llm.AsProviderError(err)
	return ok && pe.Kind() == llm.KindRateLimit
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

// replaceTPM updates the limiter's effective budget to tpm, clamped to
// [minTPM, maxTPM], without invoking cluster callbacks (used when
// reconciling a change another process already wrote).
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens computes a cheap heuristic for the token size of a request
// transcript: character count over a fixed ratio plus a fixed buffer for
// system prompts and provider framing.
func estimateTokens(req llm.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case llm.TextPart:
				charCount += len(v.Text)
			case llm.ToolResultPart:
				if s, ok := v.Content.(string); ok {
					charCount += len(s)
				}
			}
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
