package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const (
	indexVersion    = 2
	indexHeaderSize = 8
	indexFanoutSize = 256 * 4
	largeOffsetFlag = uint32(1) << 31
)

var indexMagic = [4]byte{0xff, 't', 'O', 'c'}

// IndexEntry is one row of a pack index: an object id, its byte offset in
// the paired pack, and the CRC32 of its raw pack entry bytes.
type IndexEntry struct {
	ID     ID
	Offset uint64
	CRC32  uint32
}

// WriteIndex emits a v2 pack index for the given entries and pack checksum:
// magic and version, the 256-bucket cumulative fan-out table keyed by each
// id's leading byte, the sorted id table, the CRC32 table, the 32-bit
// offset table (with large offsets spilled to a trailing 64-bit table), the
// pack checksum, and finally the index's own checksum, which is returned.
func WriteIndex(w io.Writer, f Format, entries []IndexEntry, packChecksum []byte) ([]byte, error) {
	if len(packChecksum) != f.Size() {
		return nil, fmt.Errorf("pack checksum length %d, want %d", len(packChecksum), f.Size())
	}
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	for i := range sorted {
		if sorted[i].ID.Size() != f.Size() {
			return nil, fmt.Errorf("entry %d: id size %d does not match format %s", i, sorted[i].ID.Size(), f)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.Less(sorted[j].ID)
	})

	var buf bytes.Buffer
	buf.Write(indexMagic[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(indexVersion))

	var fanout [256]uint32
	for _, e := range sorted {
		fanout[e.ID.Bytes()[0]]++
	}
	var total uint32
	for i := 0; i < 256; i++ {
		total += fanout[i]
		fanout[i] = total
		_ = binary.Write(&buf, binary.BigEndian, fanout[i])
	}

	for _, e := range sorted {
		buf.Write(e.ID.Bytes())
	}
	for _, e := range sorted {
		_ = binary.Write(&buf, binary.BigEndian, e.CRC32)
	}

	var large []uint64
	for _, e := range sorted {
		if e.Offset < uint64(largeOffsetFlag) {
			_ = binary.Write(&buf, binary.BigEndian, uint32(e.Offset))
			continue
		}
		_ = binary.Write(&buf, binary.BigEndian, largeOffsetFlag|uint32(len(large)))
		large = append(large, e.Offset)
	}
	for _, off := range large {
		_ = binary.Write(&buf, binary.BigEndian, off)
	}

	buf.Write(packChecksum)

	h := f.NewHash()
	h.Write(buf.Bytes())
	indexSum := h.Sum(nil)
	buf.Write(indexSum)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write pack index: %w", err)
	}
	return indexSum, nil
}
