package fs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runforge/execengine/objectstore"
	objfs "github.com/runforge/execengine/objectstore/fs"
)

func TestUploadRetrieveDelete(t *testing.T) {
	s, err := objfs.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	id, err := s.Upload(ctx, []byte("payload"), "bin")
	require.NoError(t, err)
	require.Contains(t, id, ".bin")

	obj, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), obj.Bytes)
	require.Equal(t, int64(7), obj.Size)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestDeleteMissingIsError(t *testing.T) {
	s, err := objfs.New(t.TempDir())
	require.NoError(t, err)
	err = s.Delete(context.Background(), "missing")
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}
