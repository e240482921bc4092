package ratelimit

import (
	"encoding/json"
	"time"

	"github.com/quillsync/core/internal/docerr"
	"github.com/quillsync/core/internal/lock"
	"github.com/quillsync/core/internal/storage"
)

// PersistedLimiter is the transactional variant of spec.md §4.E: bucket
// state for a key lives in a storage.KeyValueStore, read-refilled-written
// under the internal/lock TTL lock so concurrent holders across processes
// still observe a consistent sequence of refills. The lock's TTL equals the
// bucket's window, per spec.md §4.E.
type PersistedLimiter struct {
	store       storage.KeyValueStore
	windowMs    int64
	maxMessages float64
	now         func() time.Time
}

// NewPersistedLimiter creates a transactional limiter backed by store.
func NewPersistedLimiter(store storage.KeyValueStore, windowMs int64, maxMessages float64) *PersistedLimiter {
	return &PersistedLimiter{store: store, windowMs: windowMs, maxMessages: maxMessages, now: time.Now}
}

func stateKey(key Key) string {
	return "ratelimit:" + key.Identity + ":" + key.DocID
}

type wireState struct {
	Tokens        float64 `json:"tokens"`
	LastRefillUTC int64   `json:"lastRefill"`
}

func (l *PersistedLimiter) load(key Key, now time.Time) (State, error) {
	raw, err := l.store.Get(stateKey(key))
	if err == storage.ErrNotFound {
		return NewState(l.windowMs, l.maxMessages, now), nil
	}
	if err != nil {
		return State{}, err
	}
	var w wireState
	if err := json.Unmarshal(raw, &w); err != nil {
		return State{}, err
	}
	return State{
		Tokens:      w.Tokens,
		LastRefill:  time.UnixMilli(w.LastRefillUTC),
		WindowMs:    l.windowMs,
		MaxMessages: l.maxMessages,
	}, nil
}

func (l *PersistedLimiter) save(key Key, s State) error {
	raw, err := json.Marshal(wireState{Tokens: s.Tokens, LastRefillUTC: s.LastRefill.UnixMilli()})
	if err != nil {
		return err
	}
	return l.store.Set(stateKey(key), raw)
}

// Consume runs the refill-then-consume transition under the per-key TTL
// lock and persists the result. It returns a *docerr.Error of kind
// docerr.KindRateLimited (carrying RetryAfterMs) when denied.
func (l *PersistedLimiter) Consume(key Key, n float64) error {
	opts := lock.Options{TTL: time.Duration(l.windowMs) * time.Millisecond}
	var denyErr error

	err := lock.WithTransaction(l.store, stateKey(key), opts, func() error {
		now := l.now()
		s, err := l.load(key, now)
		if err != nil {
			return err
		}
		next, allowed, retryAfterMs := Consume(s, n, now)
		if saveErr := l.save(key, next); saveErr != nil {
			return saveErr
		}
		if !allowed {
			denyErr = docerr.RateLimited(retryAfterMs)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return denyErr
}
