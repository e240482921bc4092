package memstore

import (
	"testing"

	"github.com/quillsync/core/internal/storage"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New()
	if err := s.Set("doc:a", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("doc:a")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := New()
	if _, err := s.Get("missing"); err != storage.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	s := New()
	s.Set("a", []byte("1"))
	s.Remove("a")
	if _, err := s.Get("a"); err != storage.ErrNotFound {
		t.Fatalf("expected removed key to be gone, got %v", err)
	}
}

func TestGetKeysPrefixScan(t *testing.T) {
	s := New()
	s.Set("doc:1-update-a", []byte("1"))
	s.Set("doc:1-update-b", []byte("2"))
	s.Set("doc:2-update-a", []byte("3"))

	keys, err := s.GetKeys("doc:1-update-")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestMetaIsSeparateNamespaceFromValues(t *testing.T) {
	s := New()
	s.Set("x", []byte("value"))
	if _, err := s.GetMeta("x"); err != storage.ErrNotFound {
		t.Fatal("expected meta namespace to be distinct from value namespace")
	}
	s.SetMeta("x", []byte("meta"))
	got, err := s.GetMeta("x")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "meta" {
		t.Fatalf("got %q", got)
	}
}
