package odb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pp0001/libgit2/pkg/object"
)

// MemoryBackend keeps objects in a map. Useful for staging objects before
// they are persisted and as a fixture in tests.
type MemoryBackend struct {
	format object.Format

	mu      sync.RWMutex
	objects map[object.ID]*object.Object
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend(f object.Format) *MemoryBackend {
	return &MemoryBackend{
		format:  f,
		objects: make(map[object.ID]*object.Object),
	}
}

// Exists reports whether the backend holds id.
func (b *MemoryBackend) Exists(id object.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[id]
	return ok
}

// ReadHeader returns the stored type and size.
func (b *MemoryBackend) ReadHeader(id object.ID) (object.Type, int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.objects[id]
	if !ok {
		return object.TypeNone, 0, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return o.Type, o.Size(), nil
}

// Read returns an independent copy of the stored object.
func (b *MemoryBackend) Read(id object.ID) (*object.Object, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.objects[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

// Write stores a copy of the payload under its content id.
func (b *MemoryBackend) Write(t object.Type, data []byte) (object.ID, error) {
	if !t.Valid() {
		return object.ID{}, fmt.Errorf("memory write: type %s not storable", t)
	}
	id := object.HashObject(b.format, t, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[id]; !ok {
		b.objects[id] = &object.Object{
			ID:   id,
			Type: t,
			Data: append([]byte(nil), data...),
		}
	}
	return id, nil
}

// ForEach visits all held ids in sorted order.
func (b *MemoryBackend) ForEach(fn Visitor) error {
	b.mu.RLock()
	ids := make([]object.ID, 0, len(b.objects))
	for id := range b.objects {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	for _, id := range ids {
		if err := fn(id); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Len returns the number of held objects.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
