package object

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zlib"
)

const (
	// DefaultMaxDeltaDepth bounds delta chain resolution. Tunable policy,
	// not a protocol constant.
	DefaultMaxDeltaDepth = 50
	// DefaultBaseCacheSize bounds the per-pack cache of resolved delta
	// bases; sibling deltas frequently share ancestors.
	DefaultBaseCacheSize = 64
)

// BaseFunc resolves a REF_DELTA base that lives outside the pack being
// read, typically in another pack or in loose storage. depth carries the
// delta chain depth so resolution across stores stays bounded.
type BaseFunc func(id ID, depth int) (Type, []byte, error)

// BaseHeaderFunc is the header-only companion of BaseFunc: it answers the
// base's type and size without materializing the payload, keeping header
// queries decompression-free across stores.
type BaseHeaderFunc func(id ID, depth int) (Type, int64, error)

// PackOptions tunes a Pack reader.
type PackOptions struct {
	MaxDeltaDepth int
	BaseCacheSize int
}

func (o PackOptions) withDefaults() PackOptions {
	if o.MaxDeltaDepth <= 0 {
		o.MaxDeltaDepth = DefaultMaxDeltaDepth
	}
	if o.BaseCacheSize <= 0 {
		o.BaseCacheSize = DefaultBaseCacheSize
	}
	return o
}

type packBase struct {
	typ  Type
	data []byte
}

// Pack is a random-access reader over one published pack file and its
// paired index. Published packs are immutable, so concurrent reads need no
// locking beyond the handle refcount and the base cache's own.
type Pack struct {
	path   string
	format Format
	opts   PackOptions

	data     []byte // whole pack, trailer included
	payload  []byte // data minus the trailer checksum
	checksum []byte
	idx      *Index

	resolveBase       BaseFunc
	resolveBaseHeader BaseHeaderFunc
	bases             *lru.Cache[uint64, packBase]

	mu     sync.Mutex
	refs   int
	closed bool
}

// OpenPack opens path, validates the pack signature, version, and trailer
// checksum, and loads the paired ".idx" file. The returned Pack holds one
// reference; Close releases it, and the underlying buffer is retained until
// every in-flight read has released its reference too.
func OpenPack(path string, f Format, opts PackOptions) (*Pack, error) {
	opts = opts.withDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", path, err)
	}
	trailer := f.Size()
	if len(data) < packHeaderSize+trailer {
		return nil, fmt.Errorf("%w: %s too short (%d bytes)", ErrCorruptPack, path, len(data))
	}

	payload := data[:len(data)-trailer]
	h := f.NewHash()
	h.Write(payload)
	sum := h.Sum(nil)
	if !bytes.Equal(sum, data[len(data)-trailer:]) {
		return nil, fmt.Errorf("%w: %s trailer checksum mismatch", ErrCorruptPack, path)
	}
	if _, err := UnmarshalPackHeader(payload); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	idx, err := ReadIndexFile(IndexPathFor(path), f)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(idx.PackChecksum, sum) {
		return nil, fmt.Errorf("%w: %s index does not match pack checksum", ErrCorruptPack, path)
	}

	bases, err := lru.New[uint64, packBase](opts.BaseCacheSize)
	if err != nil {
		return nil, err
	}

	return &Pack{
		path:     path,
		format:   f,
		opts:     opts,
		data:     data,
		payload:  payload,
		checksum: sum,
		idx:      idx,
		bases:    bases,
		refs:     1,
	}, nil
}

// IndexPathFor returns the index path paired with a pack path.
func IndexPathFor(packPath string) string {
	return strings.TrimSuffix(packPath, ".pack") + ".idx"
}

// SetBaseResolver installs the resolver used for REF_DELTA bases absent
// from this pack. Must be set before concurrent reads begin.
func (p *Pack) SetBaseResolver(fn BaseFunc) {
	p.resolveBase = fn
}

// SetBaseHeaderResolver installs the header-only resolver consulted by
// ReadHeader for REF_DELTA bases absent from this pack. Without it, header
// queries for such chains fall back to full base resolution. Must be set
// before concurrent reads begin.
func (p *Pack) SetBaseHeaderResolver(fn BaseHeaderFunc) {
	p.resolveBaseHeader = fn
}

// Path returns the pack's filesystem path.
func (p *Pack) Path() string { return p.path }

// Count returns the number of objects indexed in the pack.
func (p *Pack) Count() int { return p.idx.Count() }

// Checksum returns the pack's trailer checksum.
func (p *Pack) Checksum() []byte { return p.checksum }

// Index exposes the pack's index.
func (p *Pack) Index() *Index { return p.idx }

func (p *Pack) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed && p.refs == 0 {
		return fmt.Errorf("pack %s: closed", p.path)
	}
	p.refs++
	return nil
}

func (p *Pack) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs--
	if p.refs == 0 && p.closed {
		// Last reader gone; now the buffer may be dropped.
		p.data = nil
		p.payload = nil
		p.bases.Purge()
	}
}

// Close releases the pack handle. The backing buffer stays valid for reads
// already in flight and is dropped when the last of them finishes.
func (p *Pack) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.release()
	return nil
}

// Exists reports whether the pack's index contains id.
func (p *Pack) Exists(id ID) bool {
	_, _, ok := p.idx.Find(id)
	return ok
}

// Read resolves id to a fully reconstructed object, recursively resolving
// any delta chain it heads.
func (p *Pack) Read(id ID) (*Object, error) {
	offset, _, ok := p.idx.Find(id)
	if !ok {
		return nil, fmt.Errorf("pack %s: %s: %w", p.path, id, ErrNotFound)
	}
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	t, data, err := p.readAt(offset, 0, make(map[uint64]struct{}))
	if err != nil {
		return nil, err
	}
	// Copy: the resolved bytes may live in the shared base cache.
	return &Object{ID: id, Type: t, Data: append([]byte(nil), data...)}, nil
}

// ReadOffset reconstructs the object stored at a pack byte offset.
func (p *Pack) ReadOffset(offset uint64) (Type, []byte, error) {
	if err := p.acquire(); err != nil {
		return TypeNone, nil, err
	}
	defer p.release()
	t, data, err := p.readAt(offset, 0, make(map[uint64]struct{}))
	if err != nil {
		return TypeNone, nil, err
	}
	return t, append([]byte(nil), data...), nil
}

// ResolveBase reads id from this pack on behalf of another pack resolving
// a REF_DELTA chain. depth carries the chain depth accumulated so far, so a
// chain hopping between packs stays bounded.
func (p *Pack) ResolveBase(id ID, depth int) (Type, []byte, error) {
	if depth > p.opts.MaxDeltaDepth {
		return TypeNone, nil, fmt.Errorf("%w: delta chain deeper than %d", ErrCorruptPack, p.opts.MaxDeltaDepth)
	}
	offset, _, ok := p.idx.Find(id)
	if !ok {
		return TypeNone, nil, fmt.Errorf("pack %s: %s: %w", p.path, id, ErrNotFound)
	}
	if err := p.acquire(); err != nil {
		return TypeNone, nil, err
	}
	defer p.release()
	return p.readAt(offset, depth, make(map[uint64]struct{}))
}

// ResolveBaseHeader is the header-only companion of ResolveBase.
func (p *Pack) ResolveBaseHeader(id ID, depth int) (Type, int64, error) {
	if depth > p.opts.MaxDeltaDepth {
		return TypeNone, 0, fmt.Errorf("%w: delta chain deeper than %d", ErrCorruptPack, p.opts.MaxDeltaDepth)
	}
	offset, _, ok := p.idx.Find(id)
	if !ok {
		return TypeNone, 0, fmt.Errorf("pack %s: %s: %w", p.path, id, ErrNotFound)
	}
	if err := p.acquire(); err != nil {
		return TypeNone, 0, err
	}
	defer p.release()
	return p.headerAt(offset, depth, make(map[uint64]struct{}))
}

// ReadHeader returns an object's type and size without reconstructing full
// payloads. Non-delta entries answer straight from the entry header; delta
// entries inflate only the (small) delta stream for the result size and
// walk the chain for the base type.
func (p *Pack) ReadHeader(id ID) (Type, int64, error) {
	offset, _, ok := p.idx.Find(id)
	if !ok {
		return TypeNone, 0, fmt.Errorf("pack %s: %s: %w", p.path, id, ErrNotFound)
	}
	if err := p.acquire(); err != nil {
		return TypeNone, 0, err
	}
	defer p.release()
	return p.headerAt(offset, 0, make(map[uint64]struct{}))
}

func (p *Pack) headerAt(offset uint64, depth int, visited map[uint64]struct{}) (Type, int64, error) {
	t, size, entry, err := p.parseEntry(offset, depth, visited)
	if err != nil {
		return TypeNone, 0, err
	}
	if !t.IsDelta() {
		return t, int64(size), nil
	}

	delta, err := p.inflate(entry.dataOff, size)
	if err != nil {
		return TypeNone, 0, err
	}
	dr := bytes.NewReader(delta)
	if _, err := decodeDeltaVarint(dr); err != nil {
		return TypeNone, 0, fmt.Errorf("%w: %v", ErrCorruptPack, err)
	}
	resultSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return TypeNone, 0, fmt.Errorf("%w: %v", ErrCorruptPack, err)
	}

	// The target's type is the type at the bottom of the chain.
	var baseType Type
	if t == TypeOfsDelta {
		baseType, _, err = p.headerAt(entry.baseOffset, depth+1, visited)
	} else {
		baseType, err = p.refBaseHeader(entry.baseID, depth+1, visited)
	}
	if err != nil {
		return TypeNone, 0, err
	}
	return baseType, int64(resultSize), nil
}

func (p *Pack) refBaseHeader(baseID ID, depth int, visited map[uint64]struct{}) (Type, error) {
	if baseOffset, _, ok := p.idx.Find(baseID); ok {
		t, _, err := p.headerAt(baseOffset, depth, visited)
		return t, err
	}
	if p.resolveBaseHeader != nil {
		t, _, err := p.resolveBaseHeader(baseID, depth)
		return t, err
	}
	if p.resolveBase != nil {
		t, _, err := p.resolveBase(baseID, depth)
		return t, err
	}
	return TypeNone, fmt.Errorf("pack %s: ref-delta base %s: %w", p.path, baseID, ErrNotFound)
}

// ForEach yields every object id in index order. The sequence is finite and
// restartable; fn may return ErrStop to halt early.
func (p *Pack) ForEach(fn func(ID) error) error {
	return p.idx.ForEach(fn)
}

// packEntry carries the decoded shape of one entry header.
type packEntry struct {
	dataOff    uint64 // offset of the zlib stream
	baseOffset uint64 // OFS_DELTA only
	baseID     ID     // REF_DELTA only
}

func (p *Pack) parseEntry(offset uint64, depth int, visited map[uint64]struct{}) (Type, uint64, packEntry, error) {
	var entry packEntry

	if depth > p.opts.MaxDeltaDepth {
		return TypeNone, 0, entry, fmt.Errorf("%w: delta chain deeper than %d", ErrCorruptPack, p.opts.MaxDeltaDepth)
	}
	if _, seen := visited[offset]; seen {
		return TypeNone, 0, entry, fmt.Errorf("%w: cyclic delta chain at offset %d", ErrCorruptPack, offset)
	}
	visited[offset] = struct{}{}

	if offset < packHeaderSize || offset >= uint64(len(p.payload)) {
		return TypeNone, 0, entry, fmt.Errorf("%w: entry offset %d out of range", ErrCorruptPack, offset)
	}

	t, size, n, err := decodeEntryHeader(p.payload[offset:])
	if err != nil {
		return TypeNone, 0, entry, err
	}
	cursor := offset + uint64(n)

	switch t {
	case TypeOfsDelta:
		distance, m, err := decodeOfsDistance(p.payload[cursor:])
		if err != nil {
			return TypeNone, 0, entry, err
		}
		cursor += uint64(m)
		if distance == 0 || distance > offset {
			return TypeNone, 0, entry, fmt.Errorf("%w: ofs-delta distance %d at offset %d out of range", ErrCorruptPack, distance, offset)
		}
		entry.baseOffset = offset - distance
	case TypeRefDelta:
		idSize := uint64(p.format.Size())
		if cursor+idSize > uint64(len(p.payload)) {
			return TypeNone, 0, entry, fmt.Errorf("%w: ref-delta base id truncated", ErrCorruptPack)
		}
		entry.baseID, _ = NewID(p.payload[cursor : cursor+idSize])
		cursor += idSize
	case TypeCommit, TypeTree, TypeBlob, TypeTag:
	default:
		return TypeNone, 0, entry, fmt.Errorf("%w: invalid entry type %d at offset %d", ErrCorruptPack, t, offset)
	}

	entry.dataOff = cursor
	return t, size, entry, nil
}

func (p *Pack) readAt(offset uint64, depth int, visited map[uint64]struct{}) (Type, []byte, error) {
	if cached, ok := p.bases.Get(offset); ok {
		// Shared bytes; Read/ReadOffset copy at the public boundary and
		// the internal delta path never mutates a base.
		return cached.typ, cached.data, nil
	}

	t, size, entry, err := p.parseEntry(offset, depth, visited)
	if err != nil {
		return TypeNone, nil, err
	}

	if !t.IsDelta() {
		data, err := p.inflate(entry.dataOff, size)
		if err != nil {
			return TypeNone, nil, err
		}
		p.bases.Add(offset, packBase{typ: t, data: data})
		return t, data, nil
	}

	delta, err := p.inflate(entry.dataOff, size)
	if err != nil {
		return TypeNone, nil, err
	}

	var (
		baseType Type
		base     []byte
	)
	if t == TypeOfsDelta {
		baseType, base, err = p.readAt(entry.baseOffset, depth+1, visited)
	} else if baseOffset, _, ok := p.idx.Find(entry.baseID); ok {
		baseType, base, err = p.readAt(baseOffset, depth+1, visited)
	} else if p.resolveBase != nil {
		baseType, base, err = p.resolveBase(entry.baseID, depth+1)
	} else {
		err = fmt.Errorf("pack %s: ref-delta base %s: %w", p.path, entry.baseID, ErrNotFound)
	}
	if err != nil {
		return TypeNone, nil, err
	}

	data, err := ApplyDelta(base, delta)
	if err != nil {
		return TypeNone, nil, fmt.Errorf("%w: offset %d: %v", ErrCorruptPack, offset, err)
	}
	p.bases.Add(offset, packBase{typ: baseType, data: data})
	return baseType, data, nil
}

// inflate decompresses the zlib stream starting at off and validates the
// result length against the entry header's declared size.
func (p *Pack) inflate(off uint64, expect uint64) ([]byte, error) {
	if off >= uint64(len(p.payload)) {
		return nil, fmt.Errorf("%w: compressed payload truncated", ErrCorruptPack)
	}
	zr, err := zlib.NewReader(bytes.NewReader(p.payload[off:]))
	if err != nil {
		return nil, fmt.Errorf("%w: bad zlib stream at offset %d: %v", ErrCorruptPack, off, err)
	}
	defer zr.Close()

	data, err := readDeclared(zr, expect)
	if err != nil {
		return nil, fmt.Errorf("%w: entry at offset %d truncated: %v", ErrCorruptPack, off, err)
	}
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("%w: entry at offset %d larger than declared size %d", ErrCorruptPack, off, expect)
	}
	return data, nil
}
