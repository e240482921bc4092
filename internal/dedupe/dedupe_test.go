package dedupe

import (
	"sync"
	"testing"
	"time"
)

func TestShouldAcceptFirstThenReject(t *testing.T) {
	tbl := New()
	if !tbl.ShouldAccept("doc1", "m1") {
		t.Fatal("first accept should return true")
	}
	if tbl.ShouldAccept("doc1", "m1") {
		t.Fatal("second accept of same id should return false")
	}
}

func TestExpiryAllowsReacceptance(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tbl := New(WithTTL(10*time.Millisecond), withClock(clock))

	if !tbl.ShouldAccept("doc1", "m1") {
		t.Fatal("expected first accept")
	}
	now = now.Add(20 * time.Millisecond)
	if !tbl.ShouldAccept("doc1", "m1") {
		t.Fatal("expected reacceptance after TTL elapsed")
	}
}

func TestMaxPerDocEvictsOldest(t *testing.T) {
	tbl := New(WithMaxPerDoc(2))
	tbl.ShouldAccept("doc1", "a")
	tbl.ShouldAccept("doc1", "b")
	tbl.ShouldAccept("doc1", "c") // evicts "a"

	if !tbl.ShouldAccept("doc1", "a") {
		t.Fatal("expected 'a' to have been evicted and re-acceptable")
	}
}

func TestConcurrentShouldAcceptExactlyOneWinner(t *testing.T) {
	tbl := New()
	const n = 50
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = tbl.ShouldAccept("doc1", "dup")
		}(i)
	}
	wg.Wait()

	count := 0
	for _, r := range results {
		if r {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one winner, got %d", count)
	}
}

func TestClearDocumentAndClearAll(t *testing.T) {
	tbl := New()
	tbl.ShouldAccept("doc1", "a")
	tbl.ShouldAccept("doc2", "b")

	tbl.ClearDocument("doc1")
	if !tbl.ShouldAccept("doc1", "a") {
		t.Fatal("expected doc1 cleared")
	}
	if tbl.ShouldAccept("doc2", "b") {
		t.Fatal("doc2 should be unaffected by ClearDocument(doc1)")
	}

	tbl.ClearAll()
	if !tbl.ShouldAccept("doc2", "b") {
		t.Fatal("expected doc2 cleared by ClearAll")
	}
}

func TestDifferentDocumentsIndependent(t *testing.T) {
	tbl := New()
	if !tbl.ShouldAccept("doc1", "m") {
		t.Fatal("expected accept")
	}
	if !tbl.ShouldAccept("doc2", "m") {
		t.Fatal("same message id in a different document must be independent")
	}
}
