package object

import "hash"

// HashObject computes the content address of an object: the format digest
// over "<type> <size>\x00" followed by the payload. Deterministic and free
// of side effects; this must match the on-disk format byte for byte.
func HashObject(f Format, t Type, data []byte) ID {
	h := f.NewHash()
	h.Write(appendEnvelopeHeader(nil, t, int64(len(data))))
	h.Write(data)
	id, _ := NewID(h.Sum(nil))
	return id
}

// Hasher computes an object id incrementally for payloads streamed through
// Write. The envelope header is folded in at construction, so the declared
// size must match the bytes eventually written.
type Hasher struct {
	h hash.Hash
}

// NewHasher starts a streaming hash for an object of the given type and
// payload size.
func NewHasher(f Format, t Type, size int64) *Hasher {
	h := f.NewHash()
	h.Write(appendEnvelopeHeader(nil, t, size))
	return &Hasher{h: h}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the object id for the bytes written so far.
func (h *Hasher) Sum() ID {
	id, _ := NewID(h.h.Sum(nil))
	return id
}
