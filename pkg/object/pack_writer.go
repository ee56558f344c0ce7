package object

import (
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
)

type countingWriter struct {
	w io.Writer
	n uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}

// PackWriter emits a pack stream: fixed header, zlib-compressed entries,
// and a trailing checksum over everything before it. Each entry's raw bytes
// (header, base reference, compressed payload) are CRC32-summed for the
// paired index.
type PackWriter struct {
	format   Format
	counter  *countingWriter
	hasher   hash.Hash
	out      io.Writer // counter + hasher + crc
	crc      hash.Hash32
	expected uint32
	written  uint32
	finished bool
}

// NewPackWriter writes the pack header for numObjects entries and returns a
// writer positioned at the first entry.
func NewPackWriter(w io.Writer, f Format, numObjects uint32) (*PackWriter, error) {
	counter := &countingWriter{w: w}
	hasher := f.NewHash()
	crc := crc32.NewIEEE()
	pw := &PackWriter{
		format:   f,
		counter:  counter,
		hasher:   hasher,
		out:      io.MultiWriter(counter, hasher, crc),
		crc:      crc,
		expected: numObjects,
	}

	header := PackHeader{Version: packWriteVersion, NumObjects: numObjects}
	if _, err := pw.out.Write(header.Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// Offset returns the stream offset the next entry will start at.
func (p *PackWriter) Offset() uint64 {
	return p.counter.n
}

func (p *PackWriter) beginEntry() (uint64, error) {
	if p.finished {
		return 0, fmt.Errorf("pack writer already finished")
	}
	if p.written >= p.expected {
		return 0, fmt.Errorf("pack object count exceeded: expected %d", p.expected)
	}
	p.crc.Reset()
	return p.Offset(), nil
}

func (p *PackWriter) endEntry() uint32 {
	p.written++
	return p.crc.Sum32()
}

func (p *PackWriter) writeCompressed(raw []byte) error {
	zw := zlib.NewWriter(p.out)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// WriteObject appends a full (non-delta) entry, returning its offset and
// the CRC32 of its raw entry bytes.
func (p *PackWriter) WriteObject(t Type, data []byte) (offset uint64, crc uint32, err error) {
	if !t.Valid() {
		return 0, 0, fmt.Errorf("pack entry type %s not storable", t)
	}
	offset, err = p.beginEntry()
	if err != nil {
		return 0, 0, err
	}
	if _, err = p.out.Write(encodeEntryHeader(t, uint64(len(data)))); err != nil {
		return 0, 0, fmt.Errorf("write entry header: %w", err)
	}
	if err = p.writeCompressed(data); err != nil {
		return 0, 0, fmt.Errorf("compress entry: %w", err)
	}
	return offset, p.endEntry(), nil
}

// WriteOfsDelta appends an OFS_DELTA entry whose base was written earlier
// in this same stream at baseOffset.
func (p *PackWriter) WriteOfsDelta(baseOffset uint64, delta []byte) (offset uint64, crc uint32, err error) {
	offset, err = p.beginEntry()
	if err != nil {
		return 0, 0, err
	}
	if baseOffset >= offset {
		return 0, 0, fmt.Errorf("ofs-delta base offset %d not before entry offset %d", baseOffset, offset)
	}
	if _, err = p.out.Write(encodeEntryHeader(TypeOfsDelta, uint64(len(delta)))); err != nil {
		return 0, 0, fmt.Errorf("write ofs-delta header: %w", err)
	}
	if _, err = p.out.Write(encodeOfsDistance(offset - baseOffset)); err != nil {
		return 0, 0, fmt.Errorf("write ofs-delta distance: %w", err)
	}
	if err = p.writeCompressed(delta); err != nil {
		return 0, 0, fmt.Errorf("compress ofs-delta: %w", err)
	}
	return offset, p.endEntry(), nil
}

// WriteRefDelta appends a REF_DELTA entry naming its base by object id. The
// base may live in another pack or in loose storage.
func (p *PackWriter) WriteRefDelta(base ID, delta []byte) (offset uint64, crc uint32, err error) {
	if base.Size() != p.format.Size() {
		return 0, 0, fmt.Errorf("ref-delta base id size %d does not match format %s", base.Size(), p.format)
	}
	offset, err = p.beginEntry()
	if err != nil {
		return 0, 0, err
	}
	if _, err = p.out.Write(encodeEntryHeader(TypeRefDelta, uint64(len(delta)))); err != nil {
		return 0, 0, fmt.Errorf("write ref-delta header: %w", err)
	}
	if _, err = p.out.Write(base.Bytes()); err != nil {
		return 0, 0, fmt.Errorf("write ref-delta base id: %w", err)
	}
	if err = p.writeCompressed(delta); err != nil {
		return 0, 0, fmt.Errorf("compress ref-delta: %w", err)
	}
	return offset, p.endEntry(), nil
}

// Finish validates the entry count and writes the trailing checksum, which
// it returns.
func (p *PackWriter) Finish() ([]byte, error) {
	if p.finished {
		return nil, fmt.Errorf("pack writer already finished")
	}
	if p.written != p.expected {
		return nil, fmt.Errorf("pack object count mismatch: wrote %d, expected %d", p.written, p.expected)
	}
	sum := p.hasher.Sum(nil)
	if _, err := p.counter.w.Write(sum); err != nil {
		return nil, fmt.Errorf("write pack trailer checksum: %w", err)
	}
	p.finished = true
	return sum, nil
}
