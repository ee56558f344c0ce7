package object

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuilderPublishAndReadBack(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(FormatSHA1, BuilderOptions{})

	// Successive revisions of one file plus a couple of unrelated objects;
	// the revisions should come out as a delta chain.
	revisions := make([][]byte, 8)
	revisions[0] = bytes.Repeat([]byte("shared hunk of file content\n"), 32)
	for i := 1; i < len(revisions); i++ {
		revisions[i] = append(append([]byte(nil), revisions[i-1]...),
			[]byte(fmt.Sprintf("revision %d\n", i))...)
	}

	want := make(map[ID][]byte)
	for _, rev := range revisions {
		id, err := b.Add(TypeBlob, rev)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		want[id] = rev
	}
	treeData := []byte("100644 blob ce013625030ba8dba906f756967f9e9ca394464a\tgreeting\n")
	treeID, err := b.Add(TypeTree, treeData)
	if err != nil {
		t.Fatalf("Add tree: %v", err)
	}

	if b.Count() != len(revisions)+1 {
		t.Fatalf("Count = %d, want %d", b.Count(), len(revisions)+1)
	}

	packPath, idxPath, err := b.Write(dir)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(packPath), "pack-") {
		t.Fatalf("pack name %s lacks checksum prefix", packPath)
	}
	if IndexPathFor(packPath) != idxPath {
		t.Fatalf("index path %s not paired with %s", idxPath, packPath)
	}

	p, err := OpenPack(packPath, FormatSHA1, PackOptions{})
	if err != nil {
		t.Fatalf("OpenPack: %v", err)
	}
	defer p.Close()

	for id, data := range want {
		obj, err := p.Read(id)
		if err != nil {
			t.Fatalf("Read(%s): %v", id, err)
		}
		if obj.Type != TypeBlob || !bytes.Equal(obj.Data, data) {
			t.Fatalf("Read(%s) mismatch", id)
		}
	}
	obj, err := p.Read(treeID)
	if err != nil {
		t.Fatalf("Read(tree): %v", err)
	}
	if obj.Type != TypeTree || !bytes.Equal(obj.Data, treeData) {
		t.Fatal("tree payload mismatch")
	}

	// Deltas should have pulled the pack well under the sum of payloads.
	var payloadTotal int
	for _, rev := range revisions {
		payloadTotal += len(rev)
	}
	info, err := os.Stat(packPath)
	if err != nil {
		t.Fatalf("stat pack: %v", err)
	}
	if info.Size() >= int64(payloadTotal) {
		t.Fatalf("pack is %d bytes for %d bytes of similar payloads", info.Size(), payloadTotal)
	}

	// No temp files left behind.
	names, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range names {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestBuilderDeduplicates(t *testing.T) {
	b := NewBuilder(FormatSHA1, BuilderOptions{})
	id1, err := b.Add(TypeBlob, []byte("same bytes"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id2, err := b.Add(TypeBlob, []byte("same bytes"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id1 != id2 || b.Count() != 1 {
		t.Fatalf("duplicate not collapsed: %s vs %s, count %d", id1, id2, b.Count())
	}
}

func TestBuilderRejectsDeltaTypes(t *testing.T) {
	b := NewBuilder(FormatSHA1, BuilderOptions{})
	if _, err := b.Add(TypeOfsDelta, []byte("x")); err == nil {
		t.Fatal("ofs-delta accepted as an object type")
	}
}

func TestBuilderHonorsDepthBound(t *testing.T) {
	b := NewBuilder(FormatSHA1, BuilderOptions{MaxDepth: 2})
	revisions := make([][]byte, 10)
	revisions[0] = bytes.Repeat([]byte("depth bound fixture\n"), 32)
	ids := make([]ID, len(revisions))
	for i := range revisions {
		if i > 0 {
			revisions[i] = append(append([]byte(nil), revisions[i-1]...), byte('a'+i), '\n')
		}
		id, err := b.Add(TypeBlob, revisions[i])
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids[i] = id
	}

	packPath, _, err := b.Write(t.TempDir())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A reader capped at the same depth must be able to resolve everything
	// the builder produced.
	p, err := OpenPack(packPath, FormatSHA1, PackOptions{MaxDeltaDepth: 2})
	if err != nil {
		t.Fatalf("OpenPack: %v", err)
	}
	defer p.Close()
	for i, id := range ids {
		obj, err := p.Read(id)
		if err != nil {
			t.Fatalf("Read(revision %d): %v", i, err)
		}
		if !bytes.Equal(obj.Data, revisions[i]) {
			t.Fatalf("revision %d payload mismatch", i)
		}
	}
}

func TestBuilderWriteLeavesExistingPacksIntact(t *testing.T) {
	dir := t.TempDir()

	first := NewBuilder(FormatSHA1, BuilderOptions{})
	firstID, err := first.Add(TypeBlob, []byte("already published\n"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	firstPack, _, err := first.Write(dir)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	second := NewBuilder(FormatSHA1, BuilderOptions{})
	if _, err := second.Add(TypeBlob, []byte("new content\n")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, _, err := second.Write(dir); err != nil {
		t.Fatalf("Write: %v", err)
	}

	p, err := OpenPack(firstPack, FormatSHA1, PackOptions{})
	if err != nil {
		t.Fatalf("first pack unreadable after second publish: %v", err)
	}
	defer p.Close()
	if _, err := p.Read(firstID); err != nil {
		t.Fatalf("first pack object lost: %v", err)
	}
}

func TestBuilderAbandonedTempNeverOpens(t *testing.T) {
	// Simulate a crash mid-write: a truncated stream under a temp name must
	// stay invisible to pack discovery and unopenable as a pack.
	dir := t.TempDir()
	b := NewBuilder(FormatSHA1, BuilderOptions{})
	if _, err := b.Add(TypeBlob, []byte("interrupted\n")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	var buf bytes.Buffer
	if _, _, err := b.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	tmp := filepath.Join(dir, ".tmp-pack-crash.pack")
	if err := os.WriteFile(tmp, buf.Bytes()[:buf.Len()/2], 0o644); err != nil {
		t.Fatalf("write truncated temp: %v", err)
	}
	if _, err := OpenPack(tmp, FormatSHA1, PackOptions{}); err == nil {
		t.Fatal("truncated temp pack opened")
	}
}
