package odb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pp0001/libgit2/pkg/object"
)

func openTestDB(t *testing.T) (*Odb, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir, DefaultOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, dir
}

func TestWriteReadRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)

	id, err := db.Write(object.TypeBlob, []byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", id.String())
	require.True(t, db.Exists(id))

	typ, size, err := db.ReadHeader(id)
	require.NoError(t, err)
	require.Equal(t, object.TypeBlob, typ)
	require.EqualValues(t, 6, size)

	obj, err := db.Read(id)
	require.NoError(t, err)
	require.Equal(t, object.TypeBlob, obj.Type)
	require.Equal(t, []byte("hello\n"), obj.Data)
}

func TestReadMissing(t *testing.T) {
	db, _ := openTestDB(t)
	absent := object.HashObject(object.FormatSHA1, object.TypeBlob, []byte("never written"))

	_, err := db.Read(absent)
	require.ErrorIs(t, err, ErrNotFound)
	_, _, err = db.ReadHeader(absent)
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, db.Exists(absent))
}

func TestWriteIsIdempotent(t *testing.T) {
	db, _ := openTestDB(t)
	id1, err := db.Write(object.TypeBlob, []byte("same"))
	require.NoError(t, err)
	id2, err := db.Write(object.TypeBlob, []byte("same"))
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestWriteWithoutBackend(t *testing.T) {
	db, err := New(DefaultOptions(), nil)
	require.NoError(t, err)
	_, err = db.Write(object.TypeBlob, []byte("nowhere to go"))
	require.Error(t, err)
}

// stubBackend serves a fixed object set; ids need not hash from content, so
// conflicting payloads under one id can be staged across backends.
type stubBackend struct {
	objects map[object.ID]*object.Object
}

func (s *stubBackend) Exists(id object.ID) bool {
	_, ok := s.objects[id]
	return ok
}

func (s *stubBackend) ReadHeader(id object.ID) (object.Type, int64, error) {
	o, ok := s.objects[id]
	if !ok {
		return object.TypeNone, 0, ErrNotFound
	}
	return o.Type, o.Size(), nil
}

func (s *stubBackend) Read(id object.ID) (*object.Object, error) {
	o, ok := s.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *stubBackend) Write(object.Type, []byte) (object.ID, error) {
	return object.ID{}, ErrReadOnly
}

func (s *stubBackend) ForEach(fn Visitor) error {
	ids := make([]object.ID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
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

func stubWith(id object.ID, data string) *stubBackend {
	return &stubBackend{objects: map[object.ID]*object.Object{
		id: {ID: id, Type: object.TypeBlob, Data: []byte(data)},
	}}
}

func TestReadHonorsBackendPriority(t *testing.T) {
	db, err := New(DefaultOptions(), nil)
	require.NoError(t, err)

	id, err := object.ParseID("00112233445566778899aabbccddeeff00112233")
	require.NoError(t, err)

	// Registered low-priority first to rule out registration-order luck.
	db.AddBackend(stubWith(id, "from priority two"), 2)
	db.AddBackend(stubWith(id, "from priority one"), 1)

	obj, err := db.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("from priority one"), obj.Data)

	typ, size, err := db.ReadHeader(id)
	require.NoError(t, err)
	require.Equal(t, object.TypeBlob, typ)
	require.EqualValues(t, len("from priority one"), size)
}

func TestForEachStopsAcrossBackends(t *testing.T) {
	db, _ := openTestDB(t)
	for i := 0; i < 5; i++ {
		_, err := db.Write(object.TypeBlob, []byte(fmt.Sprintf("object %d", i)))
		require.NoError(t, err)
	}

	visited := 0
	err := db.ForEach(func(object.ID) error {
		visited++
		return ErrStop
	})
	require.NoError(t, err)
	require.Equal(t, 1, visited)
}

func TestForEachPropagatesVisitorError(t *testing.T) {
	db, _ := openTestDB(t)
	for i := 0; i < 3; i++ {
		_, err := db.Write(object.TypeBlob, []byte(fmt.Sprintf("scan fixture %d", i)))
		require.NoError(t, err)
	}

	boom := errors.New("visitor abort")
	visited := 0
	err := db.ForEach(func(object.ID) error {
		visited++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, visited)
}

func TestCacheHandsOutCopies(t *testing.T) {
	db, _ := openTestDB(t)
	id, err := db.Write(object.TypeBlob, []byte("immutable"))
	require.NoError(t, err)

	first, err := db.Read(id)
	require.NoError(t, err)
	first.Data[0] = 'X'

	second, err := db.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("immutable"), second.Data)
}

func TestRefreshPicksUpPublishedPack(t *testing.T) {
	db, dir := openTestDB(t)

	payload := []byte("published behind the database's back\n")
	builder := object.NewBuilder(object.FormatSHA1, object.BuilderOptions{})
	id, err := builder.Add(object.TypeBlob, payload)
	require.NoError(t, err)
	_, _, err = builder.Write(filepath.Join(dir, "pack"))
	require.NoError(t, err)

	require.NoError(t, db.Refresh())
	obj, err := db.Read(id)
	require.NoError(t, err)
	require.Equal(t, payload, obj.Data)
}

func TestRepack(t *testing.T) {
	db, dir := openTestDB(t)

	var ids []object.ID
	var payloads [][]byte
	for i := 0; i < 20; i++ {
		data := []byte(fmt.Sprintf("loose object number %d with some body\n", i))
		id, err := db.Write(object.TypeBlob, data)
		require.NoError(t, err)
		ids = append(ids, id)
		payloads = append(payloads, data)
	}

	summary, err := db.Repack()
	require.NoError(t, err)
	require.Equal(t, 20, summary.Packed)
	require.FileExists(t, filepath.Join(dir, "pack", summary.PackFile))

	// Drop every loose shard; the objects must now come from the pack.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() && e.Name() != "pack" {
			require.NoError(t, os.RemoveAll(filepath.Join(dir, e.Name())))
		}
	}
	require.NoError(t, db.Refresh())

	for i, id := range ids {
		obj, err := db.Read(id)
		require.NoError(t, err)
		require.Equal(t, payloads[i], obj.Data)
	}

	// Nothing left to pack.
	summary, err = db.Repack()
	require.NoError(t, err)
	require.Equal(t, 0, summary.Packed)
}

func TestRepackAlreadyPackedObjectsSkipped(t *testing.T) {
	db, _ := openTestDB(t)
	id, err := db.Write(object.TypeBlob, []byte("packed once\n"))
	require.NoError(t, err)

	summary, err := db.Repack()
	require.NoError(t, err)
	require.Equal(t, 1, summary.Packed)

	// The loose copy is still on disk, but it is indexed now.
	require.True(t, db.Exists(id))
	summary, err = db.Repack()
	require.NoError(t, err)
	require.Equal(t, 0, summary.Packed)
}

func TestExpandPrefix(t *testing.T) {
	db, _ := openTestDB(t)

	var ids []object.ID
	for i := 0; i < 50; i++ {
		id, err := db.Write(object.TypeBlob, []byte(fmt.Sprintf("prefix fixture %d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	want := ids[17]
	got, err := db.ExpandPrefix(want.String()[:10])
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = db.ExpandPrefix(want.String())
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = db.ExpandPrefix("abc")
	require.Error(t, err)
	_, err = db.ExpandPrefix("fedcba9876")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpandPrefixAmbiguous(t *testing.T) {
	db, err := New(DefaultOptions(), nil)
	require.NoError(t, err)

	idA, err := object.ParseID("deadbeefaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	idB, err := object.ParseID("deadbeefbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	db.AddBackend(&stubBackend{objects: map[object.ID]*object.Object{
		idA: {ID: idA, Type: object.TypeBlob, Data: []byte("a")},
		idB: {ID: idB, Type: object.TypeBlob, Data: []byte("b")},
	}}, 1)

	_, err = db.ExpandPrefix("deadbeef")
	require.ErrorIs(t, err, ErrAmbiguousID)
	var ambiguous *AmbiguousIDError
	require.ErrorAs(t, err, &ambiguous)
	require.Equal(t, []object.ID{idA, idB}, ambiguous.Candidates)

	got, err := db.ExpandPrefix("deadbeefaa")
	require.NoError(t, err)
	require.Equal(t, idA, got)
}

func TestVerify(t *testing.T) {
	db, dir := openTestDB(t)
	for i := 0; i < 10; i++ {
		_, err := db.Write(object.TypeBlob, []byte(fmt.Sprintf("verified %d", i)))
		require.NoError(t, err)
	}

	summary, err := db.Verify()
	require.NoError(t, err)
	require.Equal(t, 2, summary.Backends)
	require.Equal(t, 10, summary.Objects)

	// Swap one object's file for a well-formed envelope of different
	// content; its id no longer matches what it hashes to.
	victim, err := db.Write(object.TypeBlob, []byte("original"))
	require.NoError(t, err)
	f, err := os.Create(object.LoosePath(dir, victim))
	require.NoError(t, err)
	require.NoError(t, object.EncodeLoose(f, object.TypeBlob, []byte("swapped")))
	require.NoError(t, f.Close())

	_, err = db.Verify()
	require.ErrorIs(t, err, ErrCorruptObject)
	require.Contains(t, err.Error(), victim.String())
}

func TestPackedBackendIsReadOnly(t *testing.T) {
	packed, err := NewPackedBackend(t.TempDir(), object.FormatSHA1, PackedOptions{})
	require.NoError(t, err)
	defer packed.Close()

	_, err = packed.Write(object.TypeBlob, []byte("nope"))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestReadThroughPackedDeltaChain(t *testing.T) {
	db, dir := openTestDB(t)

	// Near-identical revisions become a delta chain inside the pack; all of
	// them must reconstruct through the frontend.
	builder := object.NewBuilder(object.FormatSHA1, object.BuilderOptions{})
	base := []byte("shared content line\nshared content line\nshared content line\n")
	var ids []object.ID
	var payloads [][]byte
	for i := 0; i < 6; i++ {
		data := append(append([]byte(nil), base...), []byte(fmt.Sprintf("rev %d\n", i))...)
		id, err := builder.Add(object.TypeBlob, data)
		require.NoError(t, err)
		ids = append(ids, id)
		payloads = append(payloads, data)
	}
	_, _, err := builder.Write(filepath.Join(dir, "pack"))
	require.NoError(t, err)
	require.NoError(t, db.Refresh())

	for i, id := range ids {
		obj, err := db.Read(id)
		require.NoError(t, err)
		require.Equal(t, payloads[i], obj.Data)

		typ, size, err := db.ReadHeader(id)
		require.NoError(t, err)
		require.Equal(t, object.TypeBlob, typ)
		require.EqualValues(t, len(payloads[i]), size)
	}
}
