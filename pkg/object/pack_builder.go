package object

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// DefaultDeltaWindow is the number of recently added same-type objects
	// searched for a delta base. Tunable policy, not a format constant.
	DefaultDeltaWindow = 10
)

// BuilderOptions tunes delta selection in a Builder.
type BuilderOptions struct {
	// Window bounds the sliding set of candidate bases per object.
	Window int
	// MaxDepth bounds delta chain length in the produced pack.
	MaxDepth int
}

func (o BuilderOptions) withDefaults() BuilderOptions {
	if o.Window <= 0 {
		o.Window = DefaultDeltaWindow
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDeltaDepth
	}
	return o
}

type builderEntry struct {
	id   ID
	typ  Type
	data []byte

	base   int // index of the delta base, -1 for full entries
	delta  []byte
	depth  int
	offset uint64
	crc    uint32
}

// Builder accumulates objects and writes them out as a pack plus its paired
// index, choosing delta bases from a bounded sliding window of previously
// added objects of the same type. Bases always precede their targets in the
// stream, so chains can never cycle; depth stays within MaxDepth.
type Builder struct {
	format  Format
	opts    BuilderOptions
	entries []*builderEntry
	byID    map[ID]int
}

// NewBuilder returns an empty Builder for the given id format.
func NewBuilder(f Format, opts BuilderOptions) *Builder {
	return &Builder{
		format: f,
		opts:   opts.withDefaults(),
		byID:   make(map[ID]int),
	}
}

// Add schedules an object for packing and returns its id. Duplicate
// payloads collapse onto a single entry. The data is copied.
func (b *Builder) Add(t Type, data []byte) (ID, error) {
	if !t.Valid() {
		return ID{}, fmt.Errorf("pack builder: type %s not storable", t)
	}
	id := HashObject(b.format, t, data)
	if _, ok := b.byID[id]; ok {
		return id, nil
	}
	b.byID[id] = len(b.entries)
	b.entries = append(b.entries, &builderEntry{
		id:   id,
		typ:  t,
		data: append([]byte(nil), data...),
		base: -1,
	})
	return id, nil
}

// Count returns the number of distinct objects scheduled.
func (b *Builder) Count() int {
	return len(b.entries)
}

// selectDeltas walks the entries once, pairing each against a window of
// earlier same-type objects and keeping the smallest delta that actually
// saves space under the depth bound.
func (b *Builder) selectDeltas() {
	for i, e := range b.entries {
		bestBase := -1
		var bestDelta []byte

		seen := 0
		for j := i - 1; j >= 0 && seen < b.opts.Window; j-- {
			cand := b.entries[j]
			if cand.typ != e.typ {
				continue
			}
			seen++
			if cand.depth+1 > b.opts.MaxDepth {
				continue
			}
			delta := BuildDelta(cand.data, e.data)
			if bestDelta != nil && len(delta) >= len(bestDelta) {
				continue
			}
			// Keep a delta only when it beats the full payload by a
			// meaningful margin; marginal deltas cost chain-resolution
			// time for no real space win.
			if len(delta) >= len(e.data)-len(e.data)/10 {
				continue
			}
			bestBase = j
			bestDelta = delta
		}

		if bestBase >= 0 {
			e.base = bestBase
			e.delta = bestDelta
			e.depth = b.entries[bestBase].depth + 1
		}
	}
}

// WriteTo writes the pack stream to w and returns the pack checksum along
// with index entries for every object written.
func (b *Builder) WriteTo(w io.Writer) ([]byte, []IndexEntry, error) {
	if len(b.entries) > int(^uint32(0)) {
		return nil, nil, fmt.Errorf("pack builder: too many objects: %d", len(b.entries))
	}
	b.selectDeltas()

	pw, err := NewPackWriter(w, b.format, uint32(len(b.entries)))
	if err != nil {
		return nil, nil, err
	}
	for _, e := range b.entries {
		if e.base >= 0 {
			e.offset, e.crc, err = pw.WriteOfsDelta(b.entries[e.base].offset, e.delta)
		} else {
			e.offset, e.crc, err = pw.WriteObject(e.typ, e.data)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("pack builder: entry %s: %w", e.id, err)
		}
	}

	checksum, err := pw.Finish()
	if err != nil {
		return nil, nil, err
	}

	idxEntries := make([]IndexEntry, len(b.entries))
	for i, e := range b.entries {
		idxEntries[i] = IndexEntry{ID: e.id, Offset: e.offset, CRC32: e.crc}
	}
	return checksum, idxEntries, nil
}

// Write publishes the pack into dir as pack-<checksum>.pack with its paired
// .idx. The pack is written to a temporary name, its trailer checksum is
// verified by re-reading the file, and only then is it renamed into place;
// a crash mid-write leaves nothing but a discarded temp file.
func (b *Builder) Write(dir string) (packPath, idxPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("pack builder: mkdir %s: %w", dir, err)
	}

	packTmp, err := os.CreateTemp(dir, ".tmp-pack-*.pack")
	if err != nil {
		return "", "", fmt.Errorf("pack builder: create temp pack: %w", err)
	}
	packTmpPath := packTmp.Name()
	packPublished := false
	defer func() {
		if !packPublished {
			_ = os.Remove(packTmpPath)
		}
	}()

	checksum, idxEntries, err := b.WriteTo(packTmp)
	if err != nil {
		_ = packTmp.Close()
		return "", "", err
	}
	if err := packTmp.Sync(); err != nil {
		_ = packTmp.Close()
		return "", "", fmt.Errorf("pack builder: sync pack: %w", err)
	}
	if err := packTmp.Close(); err != nil {
		return "", "", fmt.Errorf("pack builder: close temp pack: %w", err)
	}
	if err := verifyPackChecksum(packTmpPath, b.format, checksum); err != nil {
		return "", "", err
	}

	base := "pack-" + hex.EncodeToString(checksum)
	packPath = filepath.Join(dir, base+".pack")
	idxPath = filepath.Join(dir, base+".idx")

	if err := os.Rename(packTmpPath, packPath); err != nil {
		return "", "", fmt.Errorf("pack builder: publish pack: %w", err)
	}
	packPublished = true

	idxTmp, err := os.CreateTemp(dir, ".tmp-pack-*.idx")
	if err != nil {
		_ = os.Remove(packPath)
		return "", "", fmt.Errorf("pack builder: create temp index: %w", err)
	}
	idxTmpPath := idxTmp.Name()
	idxPublished := false
	defer func() {
		if !idxPublished {
			_ = os.Remove(idxTmpPath)
		}
	}()

	if _, err := WriteIndex(idxTmp, b.format, idxEntries, checksum); err != nil {
		_ = idxTmp.Close()
		_ = os.Remove(packPath)
		return "", "", err
	}
	if err := idxTmp.Close(); err != nil {
		_ = os.Remove(packPath)
		return "", "", fmt.Errorf("pack builder: close temp index: %w", err)
	}
	if err := os.Rename(idxTmpPath, idxPath); err != nil {
		_ = os.Remove(packPath)
		return "", "", fmt.Errorf("pack builder: publish index: %w", err)
	}
	idxPublished = true

	return packPath, idxPath, nil
}

// verifyPackChecksum re-reads a just-written pack and confirms the trailer
// matches the checksum computed while writing.
func verifyPackChecksum(path string, f Format, want []byte) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("verify pack %s: %w", path, err)
	}
	trailer := f.Size()
	if len(data) < packHeaderSize+trailer {
		return fmt.Errorf("%w: %s truncated during write", ErrCorruptPack, path)
	}
	h := f.NewHash()
	h.Write(data[:len(data)-trailer])
	sum := h.Sum(nil)
	if string(sum) != string(want) || string(data[len(data)-trailer:]) != string(want) {
		return fmt.Errorf("%w: %s checksum changed between write and verify", ErrCorruptPack, path)
	}
	return nil
}
