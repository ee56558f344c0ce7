// Package object implements the content-addressed object model and its
// on-disk codecs: loose object files, pack streams with delta compression,
// and the fan-out pack index.
package object

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors for the store's failure taxonomy. Callers match with
// errors.Is; wrapped errors carry the detail.
var (
	// ErrNotFound reports an id absent from the consulted storage.
	ErrNotFound = errors.New("object not found")
	// ErrCorruptObject reports a loose object whose envelope or declared
	// size does not match its content.
	ErrCorruptObject = errors.New("corrupt object")
	// ErrCorruptPack reports a pack or index with a bad magic, version,
	// checksum, or an unresolvable delta chain. Fatal to that pack only.
	ErrCorruptPack = errors.New("corrupt pack")
	// ErrStop is returned by iteration visitors to halt further scanning.
	// It is swallowed by the iterator and never surfaces to the caller.
	ErrStop = errors.New("stop iteration")
)

// Type identifies the kind of record stored. The numeric values match the
// canonical pack entry encoding; the delta kinds are only valid inside a
// pack stream, never as standalone objects.
type Type int8

const (
	TypeNone     Type = 0
	TypeCommit   Type = 1
	TypeTree     Type = 2
	TypeBlob     Type = 3
	TypeTag      Type = 4
	TypeOfsDelta Type = 6
	TypeRefDelta Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeCommit:
		return "commit"
	case TypeTree:
		return "tree"
	case TypeBlob:
		return "blob"
	case TypeTag:
		return "tag"
	case TypeOfsDelta:
		return "ofs-delta"
	case TypeRefDelta:
		return "ref-delta"
	default:
		return "invalid"
	}
}

// Valid reports whether t may appear as a standalone object.
func (t Type) Valid() bool {
	return t == TypeCommit || t == TypeTree || t == TypeBlob || t == TypeTag
}

// IsDelta reports whether t is one of the in-pack delta encodings.
func (t Type) IsDelta() bool {
	return t == TypeOfsDelta || t == TypeRefDelta
}

// ParseType parses the textual type token used in object envelopes.
func ParseType(s string) (Type, error) {
	switch s {
	case "commit":
		return TypeCommit, nil
	case "tree":
		return TypeTree, nil
	case "blob":
		return TypeBlob, nil
	case "tag":
		return TypeTag, nil
	default:
		return TypeNone, fmt.Errorf("unknown object type %q", s)
	}
}

// Object is one immutable record: id, type, and payload. The id is a pure
// function of type and payload; objects are never mutated after creation.
type Object struct {
	ID   ID
	Type Type
	Data []byte
}

// Size returns the payload length.
func (o *Object) Size() int64 {
	return int64(len(o.Data))
}

// Clone returns an independent copy whose payload shares no storage with
// the receiver.
func (o *Object) Clone() *Object {
	dup := &Object{ID: o.ID, Type: o.Type}
	if o.Data != nil {
		dup.Data = append([]byte(nil), o.Data...)
	}
	return dup
}

// appendEnvelopeHeader appends the canonical "<type> <size>\x00" header.
// This exact byte sequence feeds both the content hash and the loose codec.
func appendEnvelopeHeader(dst []byte, t Type, size int64) []byte {
	dst = append(dst, t.String()...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, size, 10)
	return append(dst, 0)
}
