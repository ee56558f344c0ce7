package odb

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pp0001/libgit2/pkg/object"
)

// objectCache is a bounded, recency-evicted cache of decoded objects in
// front of the backend scan. It stores and hands out copies, so eviction
// can never invalidate payloads already returned to callers.
type objectCache struct {
	c *lru.Cache[object.ID, *object.Object]
}

func newObjectCache(size int) (*objectCache, error) {
	c, err := lru.New[object.ID, *object.Object](size)
	if err != nil {
		return nil, err
	}
	return &objectCache{c: c}, nil
}

func (oc *objectCache) get(id object.ID) (*object.Object, bool) {
	o, ok := oc.c.Get(id)
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// peekHeader answers type and size without copying the payload.
func (oc *objectCache) peekHeader(id object.ID) (object.Type, int64, bool) {
	o, ok := oc.c.Get(id)
	if !ok {
		return object.TypeNone, 0, false
	}
	return o.Type, o.Size(), true
}

func (oc *objectCache) add(o *object.Object) {
	oc.c.Add(o.ID, o.Clone())
}

func (oc *objectCache) contains(id object.ID) bool {
	return oc.c.Contains(id)
}

func (oc *objectCache) purge() {
	oc.c.Purge()
}

func (oc *objectCache) len() int {
	return oc.c.Len()
}
