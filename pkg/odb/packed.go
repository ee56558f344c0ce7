package odb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pp0001/libgit2/pkg/object"
)

// PackedOptions configures a PackedBackend.
type PackedOptions struct {
	Pack   object.PackOptions
	Logger *zap.Logger
}

// PackedBackend serves objects out of the pack files in one directory. It
// is read-only; new packs are produced out-of-band by the pack builder and
// picked up by Refresh.
type PackedBackend struct {
	dir    string
	format object.Format
	opts   PackedOptions
	logger *zap.Logger

	// fallback resolves REF_DELTA bases held outside any pack here,
	// typically in loose storage. fallbackHeader is its header-only
	// counterpart used by ReadHeader.
	fallback       object.BaseFunc
	fallbackHeader object.BaseHeaderFunc

	mu    sync.RWMutex
	packs map[string]*object.Pack // keyed by pack path
	order []string                // deterministic scan order
}

// NewPackedBackend opens every pack currently in dir. A missing directory
// is an empty backend, not an error.
func NewPackedBackend(dir string, f object.Format, opts PackedOptions) (*PackedBackend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &PackedBackend{
		dir:    dir,
		format: f,
		opts:   opts,
		logger: logger,
		packs:  make(map[string]*object.Pack),
	}
	if err := b.Refresh(); err != nil {
		return nil, err
	}
	return b, nil
}

// SetBaseFallback installs the resolver consulted for REF_DELTA bases not
// found in any pack of this backend. Must be set before reads begin.
func (b *PackedBackend) SetBaseFallback(fn object.BaseFunc) {
	b.fallback = fn
}

// SetBaseHeaderFallback installs the header-only fallback consulted when a
// ReadHeader walks a REF_DELTA chain whose base lives outside every pack.
func (b *PackedBackend) SetBaseHeaderFallback(fn object.BaseHeaderFunc) {
	b.fallbackHeader = fn
}

// Dir returns the pack directory.
func (b *PackedBackend) Dir() string { return b.dir }

// snapshot returns the current packs in scan order under a shared lock.
func (b *PackedBackend) snapshot() []*object.Pack {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*object.Pack, 0, len(b.order))
	for _, path := range b.order {
		out = append(out, b.packs[path])
	}
	return out
}

// Refresh rescans the directory for added or removed packs. Opening new
// packs happens outside the exclusive lock; the lock is held only for the
// map swap. Packs that disappeared are closed, which defers their buffer
// teardown until in-flight reads release them.
func (b *PackedBackend) Refresh() error {
	onDisk, err := b.listPackPaths()
	if err != nil {
		return err
	}

	b.mu.RLock()
	known := make(map[string]bool, len(b.packs))
	for path := range b.packs {
		known[path] = true
	}
	b.mu.RUnlock()

	opened := make(map[string]*object.Pack)
	for _, path := range onDisk {
		if known[path] {
			continue
		}
		p, err := object.OpenPack(path, b.format, b.opts.Pack)
		if err != nil {
			// A corrupt pack disables that pack only; the rest of the
			// backend stays usable.
			b.logger.Warn("skipping unreadable pack",
				zap.String("pack", path),
				zap.Error(err))
			continue
		}
		p.SetBaseResolver(b.resolveBase)
		p.SetBaseHeaderResolver(b.resolveBaseHeader)
		opened[path] = p
	}

	onDiskSet := make(map[string]bool, len(onDisk))
	for _, path := range onDisk {
		onDiskSet[path] = true
	}

	var removed, duplicate []*object.Pack
	b.mu.Lock()
	for path, p := range opened {
		// A concurrent Refresh may have won the race for this pack; the
		// loser's handle must still be closed, not overwritten.
		if _, ok := b.packs[path]; ok {
			duplicate = append(duplicate, p)
			continue
		}
		b.packs[path] = p
	}
	for path, p := range b.packs {
		if !onDiskSet[path] {
			removed = append(removed, p)
			delete(b.packs, path)
		}
	}
	b.order = b.order[:0]
	for path := range b.packs {
		b.order = append(b.order, path)
	}
	sort.Strings(b.order)
	b.mu.Unlock()

	for _, p := range duplicate {
		_ = p.Close()
	}
	for _, p := range removed {
		_ = p.Close()
	}
	return nil
}

func (b *PackedBackend) listPackPaths() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, wrapIO("read pack dir", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".idx") {
			continue
		}
		packPath := strings.TrimSuffix(filepath.Join(b.dir, e.Name()), ".idx") + ".pack"
		if _, err := os.Stat(packPath); err != nil {
			b.logger.Warn("index without pack", zap.String("index", e.Name()))
			continue
		}
		paths = append(paths, packPath)
	}
	sort.Strings(paths)
	return paths, nil
}

// resolveBase serves REF_DELTA bases for member packs: first the other
// packs, then the fallback store. depth keeps cross-pack chains bounded.
func (b *PackedBackend) resolveBase(id object.ID, depth int) (object.Type, []byte, error) {
	for _, p := range b.snapshot() {
		if !p.Exists(id) {
			continue
		}
		return p.ResolveBase(id, depth)
	}
	if b.fallback != nil {
		return b.fallback(id, depth)
	}
	return object.TypeNone, nil, fmt.Errorf("ref-delta base %s: %w", id, ErrNotFound)
}

// resolveBaseHeader is the header-only counterpart of resolveBase; no base
// payload is reconstructed anywhere along the chain.
func (b *PackedBackend) resolveBaseHeader(id object.ID, depth int) (object.Type, int64, error) {
	for _, p := range b.snapshot() {
		if !p.Exists(id) {
			continue
		}
		return p.ResolveBaseHeader(id, depth)
	}
	if b.fallbackHeader != nil {
		return b.fallbackHeader(id, depth)
	}
	if b.fallback != nil {
		t, data, err := b.fallback(id, depth)
		return t, int64(len(data)), err
	}
	return object.TypeNone, 0, fmt.Errorf("ref-delta base %s: %w", id, ErrNotFound)
}

// Exists reports whether any pack indexes id.
func (b *PackedBackend) Exists(id object.ID) bool {
	for _, p := range b.snapshot() {
		if p.Exists(id) {
			return true
		}
	}
	return false
}

// Read returns the object from the first pack whose index holds it. A
// corrupt pack fails only lookups landing in that pack.
func (b *PackedBackend) Read(id object.ID) (*object.Object, error) {
	for _, p := range b.snapshot() {
		if !p.Exists(id) {
			continue
		}
		obj, err := p.Read(id)
		if err != nil {
			return nil, fmt.Errorf("packed read: %w", err)
		}
		return obj, nil
	}
	return nil, fmt.Errorf("packed %s: %w", id, ErrNotFound)
}

// ReadHeader answers type and size from the pack entry headers without
// reconstructing payloads.
func (b *PackedBackend) ReadHeader(id object.ID) (object.Type, int64, error) {
	for _, p := range b.snapshot() {
		if !p.Exists(id) {
			continue
		}
		t, size, err := p.ReadHeader(id)
		if err != nil {
			return object.TypeNone, 0, fmt.Errorf("packed read header: %w", err)
		}
		return t, size, nil
	}
	return object.TypeNone, 0, fmt.Errorf("packed %s: %w", id, ErrNotFound)
}

// Write always fails; packs are built by the writer and published whole.
func (b *PackedBackend) Write(object.Type, []byte) (object.ID, error) {
	return object.ID{}, fmt.Errorf("packed backend: %w", ErrReadOnly)
}

// ForEach visits every indexed id, pack by pack in path order, index order
// within each pack. A visitor error other than ErrStop aborts the whole
// scan and is returned; a failing pack is logged and skipped, and scanning
// continues with the rest.
func (b *PackedBackend) ForEach(fn Visitor) error {
	var (
		stopped  bool
		visitErr error
	)
	wrapped := func(id object.ID) error {
		err := fn(id)
		if errors.Is(err, ErrStop) {
			stopped = true
		} else if err != nil {
			visitErr = err
		}
		return err
	}
	for _, p := range b.snapshot() {
		if err := p.ForEach(wrapped); err != nil {
			if visitErr != nil {
				return visitErr
			}
			b.logger.Warn("pack scan failed",
				zap.String("pack", p.Path()),
				zap.Error(err))
			continue
		}
		if stopped {
			return nil
		}
	}
	return nil
}

// AppendHexMatches appends every indexed id matching the hex prefix.
func (b *PackedBackend) AppendHexMatches(dst []object.ID, prefix string) []object.ID {
	for _, p := range b.snapshot() {
		dst = p.Index().AppendHexMatches(dst, prefix)
	}
	return dst
}

// Close closes every pack. Buffers are released once in-flight reads
// finish.
func (b *PackedBackend) Close() error {
	b.mu.Lock()
	packs := b.packs
	b.packs = make(map[string]*object.Pack)
	b.order = nil
	b.mu.Unlock()

	for _, p := range packs {
		_ = p.Close()
	}
	return nil
}
