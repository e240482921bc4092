package docstore

import (
	"testing"

	"github.com/quillsync/core/internal/crdt"
	"github.com/quillsync/core/internal/storage/memstore"
)

func TestWriteThenFetchRoundTrips(t *testing.T) {
	kv := memstore.New()
	s := New(kv)

	d := crdt.New(1)
	ops := d.InsertAt(0, "hi")

	if err := s.Write("doc1", crdt.EncodeOps(ops)); err != nil {
		t.Fatal(err)
	}

	got, err := s.Fetch("doc1")
	if err != nil {
		t.Fatal(err)
	}
	gotOps, err := crdt.DecodeOps(got.Update)
	if err != nil {
		t.Fatal(err)
	}
	replica := crdt.New(2)
	replica.Apply(gotOps)
	if replica.Text() != "hi" {
		t.Fatalf("got %q", replica.Text())
	}
}

func TestFetchCompactsMultipleUpdateKeysIntoOne(t *testing.T) {
	kv := memstore.New()
	s := New(kv)

	d := crdt.New(1)
	s.Write("doc1", crdt.EncodeOps(d.InsertAt(0, "a")))
	s.Write("doc1", crdt.EncodeOps(d.InsertAt(1, "b")))
	s.Write("doc1", crdt.EncodeOps(d.InsertAt(2, "c")))

	keysBefore, _ := kv.GetKeys(updatePrefix("doc1"))
	if len(keysBefore) != 3 {
		t.Fatalf("expected 3 update keys before compaction, got %d", len(keysBefore))
	}

	got, err := s.Fetch("doc1")
	if err != nil {
		t.Fatal(err)
	}

	keysAfter, _ := kv.GetKeys(updatePrefix("doc1"))
	if len(keysAfter) != 1 {
		t.Fatalf("expected compaction to leave 1 update key, got %d", len(keysAfter))
	}

	gotOps, err := crdt.DecodeOps(got.Update)
	if err != nil {
		t.Fatal(err)
	}
	replica := crdt.New(2)
	replica.Apply(gotOps)
	if replica.Text() != "abc" {
		t.Fatalf("got %q", replica.Text())
	}
}

func TestFetchEmptyDocument(t *testing.T) {
	kv := memstore.New()
	s := New(kv)
	got, err := s.Fetch("never-written")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Update) == 0 {
		t.Fatal("expected at least the empty-ops encoding")
	}
	ops, err := crdt.DecodeOps(got.Update)
	if err != nil || len(ops) != 0 {
		t.Fatalf("expected zero ops, got %v err=%v", ops, err)
	}
}

func TestAddRemoveListClearFiles(t *testing.T) {
	kv := memstore.New()
	s := New(kv)

	if err := s.AddFile("doc1", "file-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddFile("doc1", "file-b"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddFile("doc1", "file-a"); err != nil { // idempotent re-attach
		t.Fatal(err)
	}

	got, err := s.ListFiles("doc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %+v", got)
	}

	if err := s.RemoveFile("doc1", "file-a"); err != nil {
		t.Fatal(err)
	}
	got, err = s.ListFiles("doc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "file-b" {
		t.Fatalf("expected only file-b to remain, got %+v", got)
	}

	if err := s.ClearFiles("doc1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.ListFiles("doc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no files after clear, got %+v", got)
	}
}

func TestUnloadForcesCompaction(t *testing.T) {
	kv := memstore.New()
	s := New(kv)
	d := crdt.New(1)
	s.Write("doc1", crdt.EncodeOps(d.InsertAt(0, "x")))
	s.Write("doc1", crdt.EncodeOps(d.InsertAt(1, "y")))

	if err := s.Unload("doc1"); err != nil {
		t.Fatal(err)
	}
	keys, _ := kv.GetKeys(updatePrefix("doc1"))
	if len(keys) != 1 {
		t.Fatalf("expected 1 key after unload, got %d", len(keys))
	}
}
