package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runforge/execengine/queue/inmem"
)

func TestPushThenPop(t *testing.T) {
	q := inmem.New(4)
	require.NoError(t, q.Push(context.Background(), "run_1"))

	id, err := q.BlockingPop(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "run_1", id)
}

func TestBlockingPopTimesOutEmpty(t *testing.T) {
	q := inmem.New(4)
	id, err := q.BlockingPop(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestFIFOOrder(t *testing.T) {
	q := inmem.New(4)
	require.NoError(t, q.Push(context.Background(), "a"))
	require.NoError(t, q.Push(context.Background(), "b"))

	first, err := q.BlockingPop(context.Background(), time.Second)
	require.NoError(t, err)
	second, err := q.BlockingPop(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "a", first)
	require.Equal(t, "b", second)
}
