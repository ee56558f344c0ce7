package odb

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pp0001/libgit2/pkg/object"
)

// Backend priorities used by Open. Lower numbers are consulted first;
// packs are tried before loose files since most history lives packed.
const (
	PriorityPacked = 0
	PriorityLoose  = 1
)

type registeredBackend struct {
	Backend
	priority int
	seq      int
}

// Odb is the object database frontend: an ordered list of backends behind
// a decoded-object cache. Reads scan backends in ascending priority order
// and return the first hit; writes go to the designated write backend.
type Odb struct {
	format object.Format
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	backends []registeredBackend
	nextSeq  int

	writeBackend Backend
	cache        *objectCache

	// set only by Open; used by Repack.
	loose  *LooseBackend
	packed *PackedBackend
}

// New returns an empty database with the given options and no backends.
// Callers compose it with AddBackend and SetWriteBackend. logger may be
// nil.
func New(opts Options, logger *zap.Logger) (*Odb, error) {
	f, err := opts.ObjectFormat()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultOptions().CacheSize
	}
	cache, err := newObjectCache(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Odb{
		format: f,
		opts:   opts,
		logger: logger,
		cache:  cache,
	}, nil
}

// Open builds the standard database over an objects directory: a packed
// backend over <dir>/pack and a loose backend over <dir>, with loose
// storage as the write destination and packed REF_DELTA bases falling back
// to loose objects. logger may be nil.
func Open(dir string, opts Options, logger *zap.Logger) (*Odb, error) {
	db, err := New(opts, logger)
	if err != nil {
		return nil, err
	}

	loose := NewLooseBackend(dir, db.format)
	packed, err := NewPackedBackend(filepath.Join(dir, "pack"), db.format, PackedOptions{
		Pack:   opts.packOptions(),
		Logger: db.logger,
	})
	if err != nil {
		return nil, err
	}
	packed.SetBaseFallback(func(id object.ID, depth int) (object.Type, []byte, error) {
		o, err := loose.Read(id)
		if err != nil {
			return object.TypeNone, nil, err
		}
		return o.Type, o.Data, nil
	})
	packed.SetBaseHeaderFallback(func(id object.ID, depth int) (object.Type, int64, error) {
		return loose.ReadHeader(id)
	})

	db.AddBackend(packed, PriorityPacked)
	db.AddBackend(loose, PriorityLoose)
	db.SetWriteBackend(loose)
	db.loose = loose
	db.packed = packed
	return db, nil
}

// Format returns the database's id format.
func (db *Odb) Format() object.Format { return db.format }

// AddBackend registers a backend at the given priority. Equal priorities
// keep registration order.
func (db *Odb) AddBackend(b Backend, priority int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.backends = append(db.backends, registeredBackend{
		Backend:  b,
		priority: priority,
		seq:      db.nextSeq,
	})
	db.nextSeq++
	sort.SliceStable(db.backends, func(i, j int) bool {
		if db.backends[i].priority != db.backends[j].priority {
			return db.backends[i].priority < db.backends[j].priority
		}
		return db.backends[i].seq < db.backends[j].seq
	})
}

// SetWriteBackend designates where Write stores new objects.
func (db *Odb) SetWriteBackend(b Backend) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.writeBackend = b
}

func (db *Odb) snapshot() []registeredBackend {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]registeredBackend, len(db.backends))
	copy(out, db.backends)
	return out
}

// Exists reports whether any backend holds id.
func (db *Odb) Exists(id object.ID) bool {
	if db.cache.contains(id) {
		return true
	}
	for _, b := range db.snapshot() {
		if b.Exists(id) {
			return true
		}
	}
	return false
}

// Read returns the object from the cache or the first backend holding it.
// The returned object is an independent copy. Backends failing with
// anything other than NotFound do not stop the scan; if no backend serves
// the id, the first such failure is surfaced, otherwise NotFound.
func (db *Odb) Read(id object.ID) (*object.Object, error) {
	if o, ok := db.cache.get(id); ok {
		return o, nil
	}

	var firstErr error
	for _, b := range db.snapshot() {
		o, err := b.Read(id)
		if err == nil {
			db.cache.add(o)
			return o, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		db.logger.Warn("backend read failed",
			zap.String("id", id.String()),
			zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("odb read %s: %w", id, ErrNotFound)
}

// ReadHeader returns an object's type and size, preferring paths that skip
// payload decompression.
func (db *Odb) ReadHeader(id object.ID) (object.Type, int64, error) {
	if t, size, ok := db.cache.peekHeader(id); ok {
		return t, size, nil
	}

	var firstErr error
	for _, b := range db.snapshot() {
		t, size, err := b.ReadHeader(id)
		if err == nil {
			return t, size, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return object.TypeNone, 0, firstErr
	}
	return object.TypeNone, 0, fmt.Errorf("odb read header %s: %w", id, ErrNotFound)
}

// Write stores a new object through the designated write backend and
// returns its content id. Writing an existing object is a no-op.
func (db *Odb) Write(t object.Type, data []byte) (object.ID, error) {
	db.mu.RLock()
	wb := db.writeBackend
	db.mu.RUnlock()
	if wb == nil {
		return object.ID{}, fmt.Errorf("odb write: no write backend configured")
	}
	return wb.Write(t, data)
}

// ForEach visits object ids across all backends in priority order. An id
// stored in several backends may be visited more than once. A visitor
// error other than ErrStop aborts the whole scan and is returned to the
// caller; a failing backend is logged and skipped, and the scan continues.
func (db *Odb) ForEach(fn Visitor) error {
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
	for _, b := range db.snapshot() {
		if err := b.ForEach(wrapped); err != nil {
			// The visitor's own abort belongs to the caller; only backend
			// failures are skipped.
			if visitErr != nil {
				return visitErr
			}
			db.logger.Warn("backend scan failed", zap.Error(err))
			continue
		}
		if stopped {
			return nil
		}
	}
	return nil
}

// Refresh rescans refreshable backends for externally added or removed
// storage (new packs, deleted packs) and conservatively clears the object
// cache. Failures are logged per backend; the remaining backends still
// refresh.
func (db *Odb) Refresh() error {
	var firstErr error
	for _, b := range db.snapshot() {
		r, ok := b.Backend.(Refresher)
		if !ok {
			continue
		}
		if err := r.Refresh(); err != nil {
			db.logger.Warn("backend refresh failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	db.cache.purge()
	return firstErr
}

// minimumPrefixLen guards ExpandPrefix against degenerate scans.
const minimumPrefixLen = 4

// ExpandPrefix resolves a short hex prefix to a full object id. A prefix
// matching several distinct objects fails with an AmbiguousIDError carrying
// the candidates.
func (db *Odb) ExpandPrefix(prefix string) (object.ID, error) {
	if len(prefix) == db.format.HexSize() {
		id, err := object.ParseID(prefix)
		if err != nil {
			return object.ID{}, err
		}
		if !db.Exists(id) {
			return object.ID{}, fmt.Errorf("odb %s: %w", id, ErrNotFound)
		}
		return id, nil
	}
	if len(prefix) < minimumPrefixLen || len(prefix) > db.format.HexSize() {
		return object.ID{}, fmt.Errorf("invalid id prefix %q", prefix)
	}

	seen := make(map[object.ID]struct{})
	for _, b := range db.snapshot() {
		if pm, ok := b.Backend.(PrefixMatcher); ok {
			for _, id := range pm.AppendHexMatches(nil, prefix) {
				seen[id] = struct{}{}
			}
			continue
		}
		_ = b.ForEach(func(id object.ID) error {
			if id.HasHexPrefix(prefix) {
				seen[id] = struct{}{}
			}
			return nil
		})
	}

	switch len(seen) {
	case 0:
		return object.ID{}, fmt.Errorf("odb prefix %q: %w", prefix, ErrNotFound)
	case 1:
		for id := range seen {
			return id, nil
		}
	}
	candidates := make([]object.ID, 0, len(seen))
	for id := range seen {
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })
	return object.ID{}, &AmbiguousIDError{Prefix: prefix, Candidates: candidates}
}

// VerifySummary reports what Verify checked.
type VerifySummary struct {
	Backends int
	Objects  int
}

// Verify re-reads every object in every backend and recomputes its content
// id. The first mismatch or read failure aborts with the offending id in
// the error.
func (db *Odb) Verify() (*VerifySummary, error) {
	summary := &VerifySummary{}
	for _, b := range db.snapshot() {
		backend := b.Backend
		err := backend.ForEach(func(id object.ID) error {
			o, err := backend.Read(id)
			if err != nil {
				return fmt.Errorf("verify %s: %w", id, err)
			}
			if computed := object.HashObject(db.format, o.Type, o.Data); computed != id {
				return fmt.Errorf("verify %s: %w: content hashes to %s", id, ErrCorruptObject, computed)
			}
			summary.Objects++
			return nil
		})
		if err != nil {
			return nil, err
		}
		summary.Backends++
	}
	return summary, nil
}

// RepackSummary reports the outcome of Repack.
type RepackSummary struct {
	Packed   int
	PackFile string
}

// Repack consolidates loose objects that no pack already indexes into a
// new pack published in the pack directory, then refreshes. Loose files
// are left in place; pruning them is a separate concern. Only databases
// constructed by Open can repack.
func (db *Odb) Repack() (*RepackSummary, error) {
	if db.loose == nil || db.packed == nil {
		return nil, fmt.Errorf("odb repack: database has no loose/packed pair")
	}

	builder := object.NewBuilder(db.format, db.opts.builderOptions())
	err := db.loose.ForEach(func(id object.ID) error {
		if db.packed.Exists(id) {
			return nil
		}
		o, err := db.loose.Read(id)
		if err != nil {
			return err
		}
		_, err = builder.Add(o.Type, o.Data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("odb repack: %w", err)
	}
	if builder.Count() == 0 {
		return &RepackSummary{}, nil
	}

	packPath, _, err := builder.Write(db.packed.Dir())
	if err != nil {
		return nil, fmt.Errorf("odb repack: %w", err)
	}
	if err := db.Refresh(); err != nil {
		return nil, err
	}
	return &RepackSummary{
		Packed:   builder.Count(),
		PackFile: filepath.Base(packPath),
	}, nil
}

// Close releases closable backends.
func (db *Odb) Close() error {
	var firstErr error
	for _, b := range db.snapshot() {
		c, ok := b.Backend.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
