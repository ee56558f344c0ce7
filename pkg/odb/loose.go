package odb

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pp0001/libgit2/pkg/object"
)

// LooseBackend stores one object per zlib-compressed file under a
// two-level sharded layout: <root>/ab/cdef0123... The root directory also
// hosts the "pack" subdirectory, which this backend ignores.
type LooseBackend struct {
	root   string
	format object.Format
}

// NewLooseBackend returns a loose backend rooted at the given objects
// directory. Directories are created lazily on first write.
func NewLooseBackend(root string, f object.Format) *LooseBackend {
	return &LooseBackend{root: root, format: f}
}

// Format returns the id format the backend stores under.
func (b *LooseBackend) Format() object.Format { return b.format }

func (b *LooseBackend) path(id object.ID) string {
	return object.LoosePath(b.root, id)
}

// Exists reports whether the object file is present.
func (b *LooseBackend) Exists(id object.ID) bool {
	_, err := os.Stat(b.path(id))
	return err == nil
}

// ReadHeader inflates only the envelope header, never the payload.
func (b *LooseBackend) ReadHeader(id object.ID) (object.Type, int64, error) {
	f, err := os.Open(b.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return object.TypeNone, 0, fmt.Errorf("loose %s: %w", id, ErrNotFound)
		}
		return object.TypeNone, 0, wrapIO("loose read header "+id.String(), err)
	}
	defer f.Close()

	t, size, err := object.DecodeLooseHeader(f)
	if err != nil {
		return object.TypeNone, 0, fmt.Errorf("loose %s: %w", id, err)
	}
	return t, size, nil
}

// Read inflates and validates the whole object.
func (b *LooseBackend) Read(id object.ID) (*object.Object, error) {
	f, err := os.Open(b.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loose %s: %w", id, ErrNotFound)
		}
		return nil, wrapIO("loose read "+id.String(), err)
	}
	defer f.Close()

	t, data, err := object.DecodeLoose(f)
	if err != nil {
		return nil, fmt.Errorf("loose %s: %w", id, err)
	}
	return &object.Object{ID: id, Type: t, Data: data}, nil
}

// Write stores the object if absent. The file is written to a temp name in
// the shard directory and renamed into place, so readers never observe a
// partial object.
func (b *LooseBackend) Write(t object.Type, data []byte) (object.ID, error) {
	id := object.HashObject(b.format, t, data)
	if b.Exists(id) {
		return id, nil
	}

	dir := filepath.Dir(b.path(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return object.ID{}, wrapIO("loose write mkdir", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-obj-*")
	if err != nil {
		return object.ID{}, wrapIO("loose write tmpfile", err)
	}
	tmpName := tmp.Name()

	if err := object.EncodeLoose(tmp, t, data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return object.ID{}, fmt.Errorf("loose write %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return object.ID{}, wrapIO("loose write close", err)
	}
	if err := os.Rename(tmpName, b.path(id)); err != nil {
		os.Remove(tmpName)
		return object.ID{}, wrapIO("loose write rename", err)
	}
	return id, nil
}

// ForEach visits every stored id in sorted order.
func (b *LooseBackend) ForEach(fn Visitor) error {
	ids, err := b.list("")
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := fn(id); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// AppendHexMatches appends ids whose hex form starts with prefix, scanning
// only the shard directory the prefix pins down when it is long enough.
func (b *LooseBackend) AppendHexMatches(dst []object.ID, prefix string) []object.ID {
	ids, err := b.list(prefix)
	if err != nil {
		return dst
	}
	return append(dst, ids...)
}

// list enumerates stored ids, optionally restricted to a hex prefix.
func (b *LooseBackend) list(prefix string) ([]object.ID, error) {
	hexLen := b.format.HexSize()

	var shards []string
	if len(prefix) >= 2 {
		shards = []string{prefix[:2]}
	} else {
		entries, err := os.ReadDir(b.root)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, wrapIO("loose scan", err)
		}
		for _, e := range entries {
			name := e.Name()
			if !e.IsDir() || name == "pack" || !isHex(name, 2) {
				continue
			}
			if prefix != "" && !strings.HasPrefix(name, prefix) {
				continue
			}
			shards = append(shards, name)
		}
	}

	var ids []object.ID
	for _, shard := range shards {
		entries, err := os.ReadDir(filepath.Join(b.root, shard))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, wrapIO("loose scan "+shard, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !isHex(name, hexLen-2) {
				continue
			}
			hx := shard + name
			if prefix != "" && !strings.HasPrefix(hx, prefix) {
				continue
			}
			id, err := object.ParseID(hx)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids, nil
}

func isHex(s string, wantLen int) bool {
	if len(s) != wantLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
