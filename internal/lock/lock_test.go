package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/quillsync/core/internal/docerr"
	"github.com/quillsync/core/internal/storage/memstore"
)

func noSleep(time.Duration) {}

func TestWithTransactionRunsFnOnce(t *testing.T) {
	store := memstore.New()
	ran := false
	err := WithTransaction(store, "doc1", Options{TTL: time.Second}, func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected fn to run")
	}
}

func TestWithTransactionReleasesLockAfterSuccess(t *testing.T) {
	store := memstore.New()
	WithTransaction(store, "doc1", Options{TTL: time.Hour}, func() error { return nil })

	// A second acquisition should succeed immediately since the first
	// released on completion.
	ran := false
	err := WithTransaction(store, "doc1", Options{TTL: time.Hour}, func() error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("expected second acquisition to succeed, err=%v ran=%v", err, ran)
	}
}

func TestWithTransactionPropagatesFnError(t *testing.T) {
	store := memstore.New()
	wantErr := docerr.Integrity("boom")
	err := WithTransaction(store, "doc1", Options{TTL: time.Second}, func() error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}
}

func TestWithTransactionSerializesConcurrentHolders(t *testing.T) {
	store := memstore.New()
	var mu sync.Mutex
	order := []int{}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			WithTransaction(store, "doc1", Options{TTL: 50 * time.Millisecond}, func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				return nil
			})
		}(i)
	}
	wg.Wait()

	if len(order) != 5 {
		t.Fatalf("expected all 5 holders to run exactly once, got %v", order)
	}
}

func TestAcquireFailsWithLockTimeoutWhenHeldForever(t *testing.T) {
	orig := sleepFn
	sleepFn = noSleep
	defer func() { sleepFn = orig }()

	store := memstore.New()
	// Hold the lock indefinitely (simulate a stuck holder with a far-future TTL).
	WithTransaction(store, "doc1", Options{TTL: time.Hour}, func() error {
		_, err := acquire(store, "doc1", Options{TTL: time.Hour, MaxRetries: 3, BaseDelay: time.Millisecond}.withDefaults())
		if !docerr.Is(err, docerr.KindLockTimeout) {
			t.Fatalf("expected LockTimeout, got %v", err)
		}
		return nil
	})
}
