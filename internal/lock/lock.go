// Package lock implements the cooperative, single-holder TTL lock of
// spec.md §4.F ("withTransaction"): a lock-id-guarded lease stored as
// metadata in a storage.KeyValueStore, acquired with exponential backoff and
// released only by the holder that still owns it. It generalizes the
// teacher's per-document serialization idiom (daemon/manager/session.go
// guards session state with a plain sync.Mutex) to a lease that survives
// across processes sharing the same store.
package lock

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	mrand "math/rand/v2"
	"time"

	"github.com/quillsync/core/internal/docerr"
)

// MetaStore is the narrow slice of storage.KeyValueStore the lock needs:
// any store implementing GetMeta/SetMeta works, so this package does not
// import internal/storage and keeps the dependency direction one-way.
type MetaStore interface {
	GetMeta(key string) ([]byte, error)
	SetMeta(key string, value []byte) error
}

// Options configures an acquisition attempt. Zero values fall back to the
// defaults spec.md §4.F names.
type Options struct {
	TTL        time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

const (
	DefaultTTL        = 5 * time.Second
	DefaultMaxRetries = 50
	DefaultBaseDelay  = 50 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	return o
}

type meta struct {
	ExpiresAt int64  `json:"expiresAt"`
	LockID    string `json:"lockId"`
}

func newLockID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b[:])
}

func metaKey(key string) string { return key + ":lock" }

func readMeta(store MetaStore, key string) (*meta, error) {
	raw, err := store.GetMeta(metaKey(key))
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeMeta(store MetaStore, key string, m meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return store.SetMeta(metaKey(key), raw)
}

// sleepFn is overridable by tests to avoid real delays.
var sleepFn = time.Sleep

// WithTransaction acquires the lock identified by key, runs fn while
// holding it, and releases it afterward — but only if this call is still
// the recorded holder (another process may have taken over after our TTL
// lapsed). fn's error (if any) is returned after a best-effort release
// attempt.
func WithTransaction(store MetaStore, key string, opts Options, fn func() error) error {
	opts = opts.withDefaults()

	lockID, err := acquire(store, key, opts)
	if err != nil {
		return err
	}

	fnErr := fn()
	releaseIfStillOwner(store, key, lockID)
	return fnErr
}

func acquire(store MetaStore, key string, opts Options) (string, error) {
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		now := time.Now()
		existing, err := readMeta(store, key)
		held := err == nil && existing.ExpiresAt > now.UnixMilli()
		if held {
			delay := backoff(opts.BaseDelay, opts.MaxDelay, attempt)
			sleepFn(delay)
			continue
		}

		lockID := newLockID()
		m := meta{ExpiresAt: now.Add(opts.TTL).UnixMilli(), LockID: lockID}
		if err := writeMeta(store, key, m); err != nil {
			return "", err
		}

		// Read back: if another acquirer raced us and won, their lockId is
		// now recorded instead of ours.
		confirmed, err := readMeta(store, key)
		if err != nil || confirmed.LockID != lockID {
			delay := backoff(opts.BaseDelay, opts.MaxDelay, attempt)
			sleepFn(delay)
			continue
		}
		return lockID, nil
	}
	return "", docerr.LockTimeout(key)
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	exp := base * time.Duration(1<<uint(minInt(attempt, 20)))
	jitter := time.Duration(mrand.Int64N(int64(base) + 1))
	d := exp + jitter
	if d > max {
		d = max
	}
	return d
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func releaseIfStillOwner(store MetaStore, key, lockID string) {
	current, err := readMeta(store, key)
	if err != nil || current.LockID != lockID {
		return
	}
	_ = writeMeta(store, key, meta{ExpiresAt: time.Now().UnixMilli(), LockID: lockID})
}
