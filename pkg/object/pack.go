package object

import (
	"encoding/binary"
	"fmt"
)

const (
	packHeaderSize = 12
	// packWriteVersion is the version emitted by the writer. Readers also
	// accept version 3, which shares the entry encoding.
	packWriteVersion = 2
)

var packMagic = [4]byte{'P', 'A', 'C', 'K'}

// PackHeader is the fixed-size pack stream header.
//
// Bytes:
//   - 0..3:  "PACK"
//   - 4..7:  version (big-endian)
//   - 8..11: number of objects (big-endian)
type PackHeader struct {
	Version    uint32
	NumObjects uint32
}

// Marshal serializes the header to its canonical 12 bytes.
func (h PackHeader) Marshal() []byte {
	buf := make([]byte, packHeaderSize)
	copy(buf[:4], packMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.NumObjects)
	return buf
}

// UnmarshalPackHeader parses and validates a pack stream header.
func UnmarshalPackHeader(data []byte) (*PackHeader, error) {
	if len(data) < packHeaderSize {
		return nil, fmt.Errorf("%w: header too short (%d bytes)", ErrCorruptPack, len(data))
	}
	if string(data[:4]) != string(packMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptPack, data[:4])
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptPack, version)
	}
	return &PackHeader{
		Version:    version,
		NumObjects: binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// encodeEntryHeader encodes the variable-length type+size header preceding
// each pack entry: 3 type bits and 4 size bits in the first byte, then
// base-128 continuation bytes for the remaining size bits.
func encodeEntryHeader(t Type, size uint64) []byte {
	b := byte(t&0x7) << 4
	b |= byte(size & 0x0f)
	size >>= 4

	out := make([]byte, 0, 10)
	if size > 0 {
		b |= 0x80
	}
	out = append(out, b)

	for size > 0 {
		next := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			next |= 0x80
		}
		out = append(out, next)
	}
	return out
}

// decodeEntryHeader decodes a pack entry header, returning the entry type,
// the uncompressed size, and the bytes consumed. Truncated input is
// rejected rather than silently accepted.
func decodeEntryHeader(data []byte) (Type, uint64, int, error) {
	if len(data) == 0 {
		return TypeNone, 0, 0, fmt.Errorf("%w: entry header truncated", ErrCorruptPack)
	}

	b := data[0]
	t := Type((b >> 4) & 0x7)
	size := uint64(b & 0x0f)
	shift := uint(4)
	consumed := 1

	for b&0x80 != 0 {
		if consumed >= len(data) {
			return TypeNone, 0, 0, fmt.Errorf("%w: entry header truncated", ErrCorruptPack)
		}
		if shift > 63 {
			return TypeNone, 0, 0, fmt.Errorf("%w: entry size overflows", ErrCorruptPack)
		}
		b = data[consumed]
		size |= uint64(b&0x7f) << shift
		shift += 7
		consumed++
	}
	return t, size, consumed, nil
}
