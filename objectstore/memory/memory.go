// Package memory is an in-process objectstore.Store for tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/execengine/objectstore"
)

// Store is a mutex-guarded in-memory object store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	objects map[string]objectstore.Object
}

// New returns an empty Store.
func New() *Store {
	return &Store{objects: make(map[string]objectstore.Object)}
}

func (s *Store) Upload(_ context.Context, data []byte, suggestedExt string) (string, error) {
	id := uuid.NewString()
	if suggestedExt != "" {
		id += "." + suggestedExt
	}
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id] = objectstore.Object{ID: id, Size: int64(len(cp)), LastModified: time.Now().UTC(), Bytes: cp}
	return id, nil
}

func (s *Store) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[id]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return append([]byte(nil), o.Bytes...), nil
}

func (s *Store) Retrieve(_ context.Context, id string) (objectstore.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[id]
	if !ok {
		return objectstore.Object{}, objectstore.ErrNotFound
	}
	o.Bytes = append([]byte(nil), o.Bytes...)
	return o, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		return objectstore.ErrNotFound
	}
	delete(s.objects, id)
	return nil
}

func (s *Store) List(_ context.Context) ([]objectstore.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]objectstore.Object, 0, len(s.objects))
	for _, o := range s.objects {
		o.Bytes = nil // List is a metadata listing; callers Retrieve for bytes.
		out = append(out, o)
	}
	return out, nil
}
