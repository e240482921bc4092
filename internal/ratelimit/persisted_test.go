package ratelimit

import (
	"testing"

	"github.com/quillsync/core/internal/docerr"
	"github.com/quillsync/core/internal/storage/memstore"
)

func TestPersistedLimiterAllowsWithinBudget(t *testing.T) {
	l := NewPersistedLimiter(memstore.New(), 1000, 5)
	key := Key{Identity: "alice", DocID: "doc1"}
	if err := l.Consume(key, 3); err != nil {
		t.Fatal(err)
	}
}

func TestPersistedLimiterDeniesOverBudgetAndPersistsState(t *testing.T) {
	store := memstore.New()
	l := NewPersistedLimiter(store, 1000, 2)
	key := Key{Identity: "alice", DocID: "doc1"}

	if err := l.Consume(key, 2); err != nil {
		t.Fatal(err)
	}
	err := l.Consume(key, 1)
	if !docerr.Is(err, docerr.KindRateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
}

func TestPersistedLimiterKeysAreIndependent(t *testing.T) {
	store := memstore.New()
	l := NewPersistedLimiter(store, 1000, 1)
	a := Key{Identity: "alice", DocID: "doc1"}
	b := Key{Identity: "bob", DocID: "doc1"}

	if err := l.Consume(a, 1); err != nil {
		t.Fatal(err)
	}
	if err := l.Consume(b, 1); err != nil {
		t.Fatalf("expected bob's bucket independent of alice's, got %v", err)
	}
}
