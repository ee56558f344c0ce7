// Package odb implements the object database frontend: pluggable storage
// backends consulted in priority order behind a bounded decoded-object
// cache.
package odb

import "github.com/pp0001/libgit2/pkg/object"

// Visitor receives object ids during a ForEach scan. Returning ErrStop
// halts the scan promptly without error; any other non-nil error aborts the
// scan of the backend that produced it.
type Visitor func(object.ID) error

// Backend is one storage unit implementing the object-store capability set.
// Implementations must be safe for concurrent use: published objects are
// immutable, so readers proceed in parallel.
type Backend interface {
	// Exists reports whether the backend holds id.
	Exists(id object.ID) bool

	// ReadHeader returns an object's type and payload size without
	// materializing the payload where the storage format allows it.
	ReadHeader(id object.ID) (object.Type, int64, error)

	// Read returns the object, or an error matching ErrNotFound.
	Read(id object.ID) (*object.Object, error)

	// Write stores a new object and returns its id. Writing an object
	// that already exists is a no-op returning the same id.
	Write(t object.Type, data []byte) (object.ID, error)

	// ForEach calls fn for every object held, honoring ErrStop.
	ForEach(fn Visitor) error
}

// Refresher is implemented by backends whose contents can change underneath
// the process, such as a pack directory written to by other tools.
type Refresher interface {
	Refresh() error
}

// PrefixMatcher is implemented by backends that can enumerate ids matching
// a hex prefix cheaper than a full ForEach scan.
type PrefixMatcher interface {
	AppendHexMatches(dst []object.ID, prefix string) []object.ID
}
