package odb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pp0001/libgit2/pkg/object"
)

// The failure taxonomy. NotFound, CorruptObject, CorruptPack, and Stop are
// shared with pkg/object; re-exported here so callers of the database only
// need one import for matching.
var (
	ErrNotFound      = object.ErrNotFound
	ErrCorruptObject = object.ErrCorruptObject
	ErrCorruptPack   = object.ErrCorruptPack
	// ErrStop halts a ForEach scan when returned by the visitor.
	ErrStop = object.ErrStop

	// ErrIO marks underlying storage failures. Errors carrying it still
	// unwrap to the original os-level error.
	ErrIO = errors.New("storage i/o failure")

	// ErrAmbiguousID reports a short-id prefix matching several objects.
	ErrAmbiguousID = errors.New("ambiguous object id prefix")

	// ErrReadOnly reports a write against a backend that cannot store
	// new objects.
	ErrReadOnly = errors.New("backend is read-only")
)

type ioError struct {
	op  string
	err error
}

func wrapIO(op string, err error) error {
	return &ioError{op: op, err: err}
}

func (e *ioError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *ioError) Unwrap() error { return e.err }

func (e *ioError) Is(target error) bool { return target == ErrIO }

// AmbiguousIDError carries the candidate set for a prefix that matched
// more than one object.
type AmbiguousIDError struct {
	Prefix     string
	Candidates []object.ID
}

func (e *AmbiguousIDError) Error() string {
	hexes := make([]string, len(e.Candidates))
	for i, id := range e.Candidates {
		hexes[i] = id.String()
	}
	return fmt.Sprintf("prefix %q matches %d objects: %s", e.Prefix, len(e.Candidates), strings.Join(hexes, ", "))
}

func (e *AmbiguousIDError) Is(target error) bool { return target == ErrAmbiguousID }
