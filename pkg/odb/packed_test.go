package odb

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pp0001/libgit2/pkg/object"
)

func publishPack(t *testing.T, dir string, payloads ...[]byte) []object.ID {
	t.Helper()
	builder := object.NewBuilder(object.FormatSHA1, object.BuilderOptions{})
	ids := make([]object.ID, len(payloads))
	for i, p := range payloads {
		id, err := builder.Add(object.TypeBlob, p)
		require.NoError(t, err)
		ids[i] = id
	}
	_, _, err := builder.Write(dir)
	require.NoError(t, err)
	return ids
}

func TestPackedBackendServesMultiplePacks(t *testing.T) {
	dir := t.TempDir()
	first := publishPack(t, dir, []byte("from the first pack\n"))
	second := publishPack(t, dir, []byte("from the second pack\n"))

	b, err := NewPackedBackend(dir, object.FormatSHA1, PackedOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer b.Close()

	obj, err := b.Read(first[0])
	require.NoError(t, err)
	require.Equal(t, []byte("from the first pack\n"), obj.Data)

	obj, err = b.Read(second[0])
	require.NoError(t, err)
	require.Equal(t, []byte("from the second pack\n"), obj.Data)

	total := 0
	require.NoError(t, b.ForEach(func(object.ID) error {
		total++
		return nil
	}))
	require.Equal(t, 2, total)
}

func TestPackedBackendRefreshDropsRemovedPack(t *testing.T) {
	dir := t.TempDir()
	ids := publishPack(t, dir, []byte("soon to vanish\n"))

	b, err := NewPackedBackend(dir, object.FormatSHA1, PackedOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer b.Close()
	require.True(t, b.Exists(ids[0]))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, os.Remove(filepath.Join(dir, e.Name())))
	}
	require.NoError(t, b.Refresh())

	require.False(t, b.Exists(ids[0]))
	_, err = b.Read(ids[0])
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPackedBackendConcurrentRefresh(t *testing.T) {
	dir := t.TempDir()
	first := publishPack(t, dir, []byte("first pack content\n"))

	b, err := NewPackedBackend(dir, object.FormatSHA1, PackedOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer b.Close()

	// Both packs are new to the racing refreshes; a duplicate open must be
	// closed, never silently overwritten.
	second := publishPack(t, dir, []byte("second pack content\n"))

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- b.Refresh()
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	obj, err := b.Read(first[0])
	require.NoError(t, err)
	require.Equal(t, []byte("first pack content\n"), obj.Data)
	obj, err = b.Read(second[0])
	require.NoError(t, err)
	require.Equal(t, []byte("second pack content\n"), obj.Data)

	total := 0
	require.NoError(t, b.ForEach(func(object.ID) error {
		total++
		return nil
	}))
	require.Equal(t, 2, total)
}

func TestPackedBackendForEachPropagatesVisitorError(t *testing.T) {
	dir := t.TempDir()
	publishPack(t, dir, []byte("one\n"), []byte("two\n"))

	b, err := NewPackedBackend(dir, object.FormatSHA1, PackedOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer b.Close()

	boom := errors.New("visitor abort")
	visited := 0
	err = b.ForEach(func(object.ID) error {
		visited++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, visited)
}

func TestPackedBackendSkipsCorruptPack(t *testing.T) {
	dir := t.TempDir()
	ids := publishPack(t, dir, []byte("healthy pack\n"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pack-bad.pack"), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pack-bad.idx"), []byte("garbage"), 0o644))

	b, err := NewPackedBackend(dir, object.FormatSHA1, PackedOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer b.Close()

	obj, err := b.Read(ids[0])
	require.NoError(t, err)
	require.Equal(t, []byte("healthy pack\n"), obj.Data)
}

func TestPackedBackendRefDeltaFallsBackToLoose(t *testing.T) {
	root := t.TempDir()
	loose := NewLooseBackend(root, object.FormatSHA1)

	base := bytes.Repeat([]byte("base held loose\n"), 16)
	baseID, err := loose.Write(object.TypeBlob, base)
	require.NoError(t, err)

	target := append(append([]byte(nil), base...), []byte("delta tail\n")...)
	targetID := object.HashObject(object.FormatSHA1, object.TypeBlob, target)

	// A pack holding only the REF_DELTA entry; its base never enters the
	// pack.
	packDir := filepath.Join(root, "pack")
	require.NoError(t, os.MkdirAll(packDir, 0o755))
	var buf bytes.Buffer
	pw, err := object.NewPackWriter(&buf, object.FormatSHA1, 1)
	require.NoError(t, err)
	offset, crc, err := pw.WriteRefDelta(baseID, object.BuildDelta(base, target))
	require.NoError(t, err)
	checksum, err := pw.Finish()
	require.NoError(t, err)

	packPath := filepath.Join(packDir, "pack-refdelta.pack")
	require.NoError(t, os.WriteFile(packPath, buf.Bytes(), 0o644))
	var ixBuf bytes.Buffer
	_, err = object.WriteIndex(&ixBuf, object.FormatSHA1,
		[]object.IndexEntry{{ID: targetID, Offset: offset, CRC32: crc}}, checksum)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(object.IndexPathFor(packPath), ixBuf.Bytes(), 0o644))

	b, err := NewPackedBackend(packDir, object.FormatSHA1, PackedOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer b.Close()
	b.SetBaseFallback(func(id object.ID, depth int) (object.Type, []byte, error) {
		o, err := loose.Read(id)
		if err != nil {
			return object.TypeNone, nil, err
		}
		return o.Type, o.Data, nil
	})

	obj, err := b.Read(targetID)
	require.NoError(t, err)
	require.Equal(t, object.TypeBlob, obj.Type)
	require.Equal(t, target, obj.Data)

	typ, size, err := b.ReadHeader(targetID)
	require.NoError(t, err)
	require.Equal(t, object.TypeBlob, typ)
	require.EqualValues(t, len(target), size)

	// With only the header fallback installed, header queries still answer
	// while full reads have no way to materialize the base.
	hb, err := NewPackedBackend(packDir, object.FormatSHA1, PackedOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer hb.Close()
	hb.SetBaseHeaderFallback(func(id object.ID, depth int) (object.Type, int64, error) {
		return loose.ReadHeader(id)
	})

	typ, size, err = hb.ReadHeader(targetID)
	require.NoError(t, err)
	require.Equal(t, object.TypeBlob, typ)
	require.EqualValues(t, len(target), size)

	_, err = hb.Read(targetID)
	require.ErrorIs(t, err, ErrNotFound)
}
