// Package ratelimit implements the token-bucket rate limiter of spec.md
// §4.E. State is a small value type so it can be held purely in memory (the
// fast path, in the style of the teacher's internal/ratelimit/token_bucket.go)
// or persisted through a key/value store under a TTL lock (the transactional
// variant wired up in persisted.go), both driven by the same refill formula.
package ratelimit

import "time"

// State is the persisted/in-memory shape of one rate-limited key's bucket:
// `{tokens, lastRefill, windowMs, maxMessages}` per spec.md §3.
type State struct {
	Tokens      float64
	LastRefill  time.Time
	WindowMs    int64
	MaxMessages float64
}

// NewState returns a full bucket for a key that has never been consumed.
func NewState(windowMs int64, maxMessages float64, now time.Time) State {
	return State{Tokens: maxMessages, LastRefill: now, WindowMs: windowMs, MaxMessages: maxMessages}
}

// Consume applies spec.md §4.E's refill-then-consume transition: refill
// tokens proportionally to elapsed time since LastRefill, capped at
// MaxMessages, then deduct n if enough tokens are available. It returns the
// updated state (LastRefill always advances to now, allowed or not — "denial
// does not mutate timestamps beyond refill" per spec.md §4.E), whether the
// request is allowed, and — when denied — the number of milliseconds until
// n tokens would be available.
func Consume(s State, n float64, now time.Time) (next State, allowed bool, retryAfterMs int64) {
	elapsedMs := now.Sub(s.LastRefill).Milliseconds()
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	refilled := s.Tokens
	if s.WindowMs > 0 {
		refilled += float64(elapsedMs) / float64(s.WindowMs) * s.MaxMessages
	}
	if refilled > s.MaxMessages {
		refilled = s.MaxMessages
	}

	next = State{Tokens: refilled, LastRefill: now, WindowMs: s.WindowMs, MaxMessages: s.MaxMessages}

	if refilled >= n {
		next.Tokens = refilled - n
		return next, true, 0
	}

	deficit := n - refilled
	if s.MaxMessages > 0 {
		retryAfterMs = int64(deficit * float64(s.WindowMs) / s.MaxMessages)
	}
	return next, false, retryAfterMs
}
