package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runforge/execengine/objectstore"
	"github.com/runforge/execengine/objectstore/memory"
)

func TestUploadGetDelete(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	id, err := s.Upload(ctx, []byte("hello"), "txt")
	require.NoError(t, err)
	require.Contains(t, id, ".txt")

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	obj, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(5), obj.Size)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestDeleteMissingIsError(t *testing.T) {
	s := memory.New()
	err := s.Delete(context.Background(), "nope")
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestListDoesNotLeakInternalSlice(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	id, err := s.Upload(ctx, []byte("x"), "")
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
	require.Nil(t, list[0].Bytes)
}
