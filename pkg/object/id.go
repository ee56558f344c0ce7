package object

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// Format selects the digest algorithm used to address objects. A store uses
// exactly one format; ids produced under different formats never compare
// equal because their lengths differ.
type Format int

const (
	// FormatSHA1 is the 20-byte digest used by the classic on-disk format.
	FormatSHA1 Format = iota
	// FormatSHA256 is the 32-byte digest format.
	FormatSHA256
)

// Size returns the digest length in bytes.
func (f Format) Size() int {
	if f == FormatSHA256 {
		return sha256.Size
	}
	return sha1.Size
}

// HexSize returns the length of a fully spelled-out hex id.
func (f Format) HexSize() int {
	return f.Size() * 2
}

// NewHash returns a fresh digest state for the format.
func (f Format) NewHash() hash.Hash {
	if f == FormatSHA256 {
		return sha256.New()
	}
	return sha1.New()
}

func (f Format) String() string {
	if f == FormatSHA256 {
		return "sha256"
	}
	return "sha1"
}

// ID is a content digest addressing one object. It is a value type and is
// usable as a map key. The zero ID is not a valid object id.
type ID struct {
	raw  [sha256.Size]byte
	size uint8
}

// NewID builds an ID from a raw digest. The length must match one of the
// supported formats.
func NewID(raw []byte) (ID, error) {
	if len(raw) != sha1.Size && len(raw) != sha256.Size {
		return ID{}, fmt.Errorf("invalid id length %d", len(raw))
	}
	var id ID
	copy(id.raw[:], raw)
	id.size = uint8(len(raw))
	return id, nil
}

// ParseID parses a full-length hex id. The format is inferred from the
// length: 40 characters for sha1, 64 for sha256.
func ParseID(s string) (ID, error) {
	if len(s) != 2*sha1.Size && len(s) != 2*sha256.Size {
		return ID{}, fmt.Errorf("invalid hex id length %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid hex id %q: %w", s, err)
	}
	return NewID(raw)
}

// Bytes returns the raw digest. The slice aliases the id's storage and must
// not be mutated.
func (id ID) Bytes() []byte {
	return id.raw[:id.size]
}

// String returns the lowercase hex form.
func (id ID) String() string {
	return hex.EncodeToString(id.Bytes())
}

// Size returns the digest length in bytes, or 0 for the zero ID.
func (id ID) Size() int {
	return int(id.size)
}

// IsZero reports whether the id is the zero value.
func (id ID) IsZero() bool {
	return id.size == 0
}

// Format returns the format the id was produced under.
func (id ID) Format() Format {
	if id.size == sha256.Size {
		return FormatSHA256
	}
	return FormatSHA1
}

// Compare orders ids lexicographically by raw digest bytes.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id.Bytes(), other.Bytes())
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// HasHexPrefix reports whether the id's hex form starts with prefix.
func (id ID) HasHexPrefix(prefix string) bool {
	s := id.String()
	return len(prefix) <= len(s) && s[:len(prefix)] == prefix
}
