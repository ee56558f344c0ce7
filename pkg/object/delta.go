package object

import (
	"bytes"
	"fmt"
	"io"
)

// Delta streams begin with two base-128 varints (base size, result size)
// followed by copy and insert instructions. A copy command (high bit set)
// carries flag bits selecting which offset/size bytes follow; an insert
// command (1..127) is followed by that many literal bytes.

const (
	deltaMaxInsert = 127
	deltaMaxCopy   = 0x10000
	deltaBlockSize = 16
)

func encodeDeltaVarint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, 0)
	}
	for v > 0 {
		b := byte(v & 0x7f)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
	}
	return dst
}

func decodeDeltaVarint(r io.ByteReader) (uint64, error) {
	var (
		value uint64
		shift uint
	)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("delta varint truncated: %w", err)
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("delta varint too large")
		}
	}
}

// encodeOfsDistance encodes the backward distance of an OFS_DELTA base
// reference. Each continuation step implicitly adds one, so consecutive
// encodings cover contiguous ranges.
func encodeOfsDistance(distance uint64) []byte {
	b := []byte{byte(distance & 0x7f)}
	for distance >>= 7; distance > 0; distance >>= 7 {
		distance--
		b = append([]byte{byte((distance & 0x7f) | 0x80)}, b...)
	}
	return b
}

// decodeOfsDistance decodes an OFS_DELTA distance, returning the distance
// and bytes consumed.
func decodeOfsDistance(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("%w: ofs-delta distance truncated", ErrCorruptPack)
	}
	i := 0
	c := data[i]
	i++
	distance := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if i >= len(data) {
			return 0, 0, fmt.Errorf("%w: ofs-delta distance truncated", ErrCorruptPack)
		}
		if distance > (1<<57)-1 {
			return 0, 0, fmt.Errorf("%w: ofs-delta distance overflows", ErrCorruptPack)
		}
		c = data[i]
		i++
		distance = ((distance + 1) << 7) | uint64(c&0x7f)
	}
	return distance, i, nil
}

// ApplyDelta reconstructs a target payload from a base payload and a delta
// instruction stream. Every copy is bounds-checked against the base and the
// result is validated against the declared result size.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	dr := bytes.NewReader(delta)

	baseSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, err
	}
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta base size mismatch: declared %d, have %d", baseSize, len(base))
	}
	resultSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, resultSize)
	for dr.Len() > 0 {
		cmd, _ := dr.ReadByte()

		if cmd&0x80 != 0 {
			var offset, size uint64
			for bit := 0; bit < 4; bit++ {
				if cmd&(1<<bit) == 0 {
					continue
				}
				b, err := dr.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("delta copy offset truncated: %w", err)
				}
				offset |= uint64(b) << (8 * bit)
			}
			for bit := 0; bit < 3; bit++ {
				if cmd&(1<<(4+bit)) == 0 {
					continue
				}
				b, err := dr.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("delta copy size truncated: %w", err)
				}
				size |= uint64(b) << (8 * bit)
			}
			if size == 0 {
				size = deltaMaxCopy
			}
			if offset+size > uint64(len(base)) {
				return nil, fmt.Errorf("delta copy out of bounds: %d+%d > %d", offset, size, len(base))
			}
			out = append(out, base[offset:offset+size]...)
			continue
		}

		if cmd == 0 {
			return nil, fmt.Errorf("invalid delta command 0")
		}
		insert := make([]byte, int(cmd))
		if _, err := io.ReadFull(dr, insert); err != nil {
			return nil, fmt.Errorf("delta insert truncated: %w", err)
		}
		out = append(out, insert...)
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("delta result size mismatch: got %d, declared %d", len(out), resultSize)
	}
	return out, nil
}

// BuildDelta encodes target as a delta against base. The base is indexed in
// fixed-size blocks; the target is scanned greedily, emitting copies for
// block-aligned matches extended as far as they run, and literal inserts
// for everything else. The encoding is deterministic for a given input
// pair. ApplyDelta(base, BuildDelta(base, target)) == target always holds;
// the caller decides whether the delta is small enough to keep.
func BuildDelta(base, target []byte) []byte {
	out := encodeDeltaVarint(nil, uint64(len(base)))
	out = encodeDeltaVarint(out, uint64(len(target)))

	// Index base blocks by fingerprint, keeping the first occurrence so a
	// match lands as early as possible and can extend across repeats.
	index := make(map[uint64]int, len(base)/deltaBlockSize+1)
	for off := 0; off+deltaBlockSize <= len(base); off += deltaBlockSize {
		fp := blockFingerprint(base[off : off+deltaBlockSize])
		if _, ok := index[fp]; !ok {
			index[fp] = off
		}
	}

	var pending []byte
	flush := func() {
		for len(pending) > 0 {
			n := len(pending)
			if n > deltaMaxInsert {
				n = deltaMaxInsert
			}
			out = append(out, byte(n))
			out = append(out, pending[:n]...)
			pending = pending[n:]
		}
	}

	pos := 0
	for pos < len(target) {
		if pos+deltaBlockSize <= len(target) {
			fp := blockFingerprint(target[pos : pos+deltaBlockSize])
			if baseOff, ok := index[fp]; ok {
				n := matchLen(base[baseOff:], target[pos:])
				if n >= deltaBlockSize {
					flush()
					out = appendCopies(out, baseOff, n)
					pos += n
					continue
				}
			}
		}
		pending = append(pending, target[pos])
		pos++
	}
	flush()
	return out
}

func matchLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// blockFingerprint is FNV-1a over one block.
func blockFingerprint(p []byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, b := range p {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}

// appendCopies emits copy commands for base[offset:offset+size], splitting
// at the per-command size limit.
func appendCopies(out []byte, offset, size int) []byte {
	for size > 0 {
		chunk := size
		if chunk > deltaMaxCopy {
			chunk = deltaMaxCopy
		}

		cmd := byte(0x80)
		var args []byte
		for bit, v := 0, uint64(offset); bit < 4; bit++ {
			if b := byte(v >> (8 * bit)); b != 0 {
				cmd |= 1 << bit
				args = append(args, b)
			}
		}
		if chunk != deltaMaxCopy {
			for bit, v := 0, uint64(chunk); bit < 3; bit++ {
				if b := byte(v >> (8 * bit)); b != 0 {
					cmd |= 1 << (4 + bit)
					args = append(args, b)
				}
			}
		}
		// chunk == deltaMaxCopy is encoded with no size bytes at all.

		out = append(out, cmd)
		out = append(out, args...)
		offset += chunk
		size -= chunk
	}
	return out
}
