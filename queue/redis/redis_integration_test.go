package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	queueredis "github.com/runforge/execengine/queue/redis"
)

// Integration-tests the Redis-backed Queue against a real Redis container
// (the production backend spec §4.7 requires, not the in-memory test
// double queue/inmem exercises), per the teacher's container-per-suite
// pattern (registry/health_tracker_integration_test.go).
var (
	testRedisContainer testcontainers.Container
	testRedisAddr      string
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("docker not available, skipping queue/redis integration tests: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		port, perr := testRedisContainer.MappedPort(ctx, "6379")
		if err != nil || perr != nil {
			skipIntegration = true
		} else {
			testRedisAddr = host + ":" + port.Port()
		}
	}

	code := m.Run()

	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("docker not available, skipping integration test")
	}
	client := goredis.NewClient(&goredis.Options{Addr: testRedisAddr})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestQueuePushThenBlockingPopFIFO(t *testing.T) {
	client := newTestClient(t)
	q, err := queueredis.New(client, "")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "run_a"))
	require.NoError(t, q.Push(ctx, "run_b"))

	first, err := q.BlockingPop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "run_a", first)

	second, err := q.BlockingPop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "run_b", second)
}

func TestQueueBlockingPopTimesOutWhenEmpty(t *testing.T) {
	client := newTestClient(t)
	q, err := queueredis.New(client, "")
	require.NoError(t, err)

	id, err := q.BlockingPop(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, id, "an empty queue should time out with no error, not block forever")
}

func TestQueueSurvivesAcrossClientReconnect(t *testing.T) {
	client := newTestClient(t)
	q, err := queueredis.New(client, "")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "run_durable"))

	// A fresh client against the same Redis instance still sees the queued
	// id: the queue's durability does not depend on any in-process state
	// (spec §4.7: "must survive executor restart").
	reconnect := goredis.NewClient(&goredis.Options{Addr: testRedisAddr})
	t.Cleanup(func() { _ = reconnect.Close() })
	q2, err := queueredis.New(reconnect, "")
	require.NoError(t, err)

	id, err := q2.BlockingPop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "run_durable", id)
}
