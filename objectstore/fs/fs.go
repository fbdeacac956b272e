// Package fs is a local-filesystem objectstore.Store backend. Ids are
// "<uuid>.<ext>" file names rooted under a configured directory, matching
// the naming rule spec §4.2 mandates for the S3 backend too.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/runforge/execengine/objectstore"
)

// Store stores each object as a single file under Root.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fs: mkdir %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, filepath.Base(id))
}

func (s *Store) Upload(_ context.Context, data []byte, suggestedExt string) (string, error) {
	id := uuid.NewString()
	if suggestedExt != "" {
		id += "." + strings.TrimPrefix(suggestedExt, ".")
	}
	if err := os.WriteFile(s.path(id), data, 0o644); err != nil {
		return "", fmt.Errorf("fs: write %s: %w", id, err)
	}
	return id, nil
}

func (s *Store) Get(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, objectstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fs: read %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) Retrieve(ctx context.Context, id string) (objectstore.Object, error) {
	data, err := s.Get(ctx, id)
	if err != nil {
		return objectstore.Object{}, err
	}
	info, err := os.Stat(s.path(id))
	if err != nil {
		return objectstore.Object{}, fmt.Errorf("fs: stat %s: %w", id, err)
	}
	return objectstore.Object{ID: id, Size: info.Size(), LastModified: info.ModTime(), Bytes: data}, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return objectstore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fs: remove %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(_ context.Context) ([]objectstore.Object, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("fs: readdir %s: %w", s.root, err)
	}
	out := make([]objectstore.Object, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("fs: stat %s: %w", e.Name(), err)
		}
		out = append(out, objectstore.Object{ID: e.Name(), Size: info.Size(), LastModified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
