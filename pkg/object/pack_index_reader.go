package object

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// Index is the in-memory form of a v2 pack index: a fan-out accelerated,
// sorted map from object id to pack offset. Immutable once parsed.
type Index struct {
	format        Format
	fanout        [256]uint32
	ids           []ID
	crcs          []uint32
	offsets       []uint64
	PackChecksum  []byte
	IndexChecksum []byte
}

// ReadIndexFile reads and parses an index from disk.
func ReadIndexFile(path string, f Format) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pack index %s: %w", path, err)
	}
	return ReadIndex(data, f)
}

// ReadIndexFrom parses an index from a stream.
func ReadIndexFrom(r io.Reader, f Format) (*Index, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack index stream: %w", err)
	}
	return ReadIndex(data, f)
}

// ReadIndex parses and validates a v2 pack index.
func ReadIndex(data []byte, f Format) (*Index, error) {
	idSize := f.Size()
	minLen := indexHeaderSize + indexFanoutSize + 2*idSize
	if len(data) < minLen {
		return nil, fmt.Errorf("%w: index too short (%d bytes)", ErrCorruptPack, len(data))
	}
	if string(data[:4]) != string(indexMagic[:]) {
		return nil, fmt.Errorf("%w: bad index magic %q", ErrCorruptPack, data[:4])
	}
	if version := binary.BigEndian.Uint32(data[4:8]); version != indexVersion {
		return nil, fmt.Errorf("%w: unsupported index version %d", ErrCorruptPack, version)
	}

	h := f.NewHash()
	h.Write(data[:len(data)-idSize])
	if !bytes.Equal(h.Sum(nil), data[len(data)-idSize:]) {
		return nil, fmt.Errorf("%w: index checksum mismatch", ErrCorruptPack)
	}

	ix := &Index{format: f}
	cursor := indexHeaderSize
	for i := 0; i < 256; i++ {
		ix.fanout[i] = binary.BigEndian.Uint32(data[cursor:])
		if i > 0 && ix.fanout[i] < ix.fanout[i-1] {
			return nil, fmt.Errorf("%w: fan-out table not monotonic at byte %d", ErrCorruptPack, i)
		}
		cursor += 4
	}
	n := int(ix.fanout[255])

	need := cursor + n*idSize + n*4 + n*4 + 2*idSize
	if need > len(data) {
		return nil, fmt.Errorf("%w: index truncated", ErrCorruptPack)
	}

	ix.ids = make([]ID, n)
	for i := 0; i < n; i++ {
		id, err := NewID(data[cursor : cursor+idSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPack, err)
		}
		if i > 0 && !ix.ids[i-1].Less(id) {
			return nil, fmt.Errorf("%w: id table not sorted at entry %d", ErrCorruptPack, i)
		}
		ix.ids[i] = id
		cursor += idSize
	}

	ix.crcs = make([]uint32, n)
	for i := 0; i < n; i++ {
		ix.crcs[i] = binary.BigEndian.Uint32(data[cursor:])
		cursor += 4
	}

	raw32 := make([]uint32, n)
	largeNeeded := 0
	for i := 0; i < n; i++ {
		raw32[i] = binary.BigEndian.Uint32(data[cursor:])
		cursor += 4
		if raw32[i]&largeOffsetFlag != 0 {
			if ref := int(raw32[i] &^ largeOffsetFlag); ref+1 > largeNeeded {
				largeNeeded = ref + 1
			}
		}
	}

	large := make([]uint64, largeNeeded)
	for i := 0; i < largeNeeded; i++ {
		if cursor+8 > len(data)-2*idSize {
			return nil, fmt.Errorf("%w: large-offset table truncated", ErrCorruptPack)
		}
		large[i] = binary.BigEndian.Uint64(data[cursor:])
		cursor += 8
	}

	if cursor+2*idSize != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes in index", ErrCorruptPack, len(data)-cursor-2*idSize)
	}

	ix.offsets = make([]uint64, n)
	for i := 0; i < n; i++ {
		if raw32[i]&largeOffsetFlag != 0 {
			ix.offsets[i] = large[raw32[i]&^largeOffsetFlag]
		} else {
			ix.offsets[i] = uint64(raw32[i])
		}
	}

	ix.PackChecksum = append([]byte(nil), data[cursor:cursor+idSize]...)
	ix.IndexChecksum = append([]byte(nil), data[cursor+idSize:]...)
	return ix, nil
}

// Count returns the number of objects in the index.
func (ix *Index) Count() int {
	return len(ix.ids)
}

// Find locates an id, returning its pack offset and entry CRC. The search
// is a binary search confined to the fan-out bucket of the id's leading
// byte.
func (ix *Index) Find(id ID) (offset uint64, crc uint32, ok bool) {
	if id.Size() != ix.format.Size() {
		return 0, 0, false
	}
	lo, hi := ix.bucketBounds(id.Bytes()[0])
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if ix.ids[mid].Less(id) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(ix.ids) && ix.ids[lo] == id {
		return ix.offsets[lo], ix.crcs[lo], true
	}
	return 0, 0, false
}

func (ix *Index) bucketBounds(lead byte) (int, int) {
	lo := 0
	if lead > 0 {
		lo = int(ix.fanout[lead-1])
	}
	return lo, int(ix.fanout[lead])
}

// EntryAt returns the i-th entry in sorted id order.
func (ix *Index) EntryAt(i int) IndexEntry {
	return IndexEntry{ID: ix.ids[i], Offset: ix.offsets[i], CRC32: ix.crcs[i]}
}

// ForEach calls fn for every id in index order. Returning ErrStop from fn
// halts iteration without error.
func (ix *Index) ForEach(fn func(ID) error) error {
	for _, id := range ix.ids {
		if err := fn(id); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// AppendHexMatches appends to dst every id whose hex form begins with
// prefix, using the fan-out table to bound the scan once the prefix pins
// the leading byte.
func (ix *Index) AppendHexMatches(dst []ID, prefix string) []ID {
	lo, hi := 0, len(ix.ids)
	if len(prefix) >= 2 {
		if lead, err := hex.DecodeString(prefix[:2]); err == nil {
			lo, hi = ix.bucketBounds(lead[0])
		}
	}
	for i := lo; i < hi; i++ {
		if ix.ids[i].HasHexPrefix(prefix) {
			dst = append(dst, ix.ids[i])
		}
	}
	return dst
}
