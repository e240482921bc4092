// Package docerr defines the closed set of tagged error kinds the core
// surfaces to callers. Kinds never overlap: a value is exactly one of them,
// checked with errors.Is/As against the sentinel or typed wrapper below.
package docerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatcher-level recovery decisions.
type Kind int

const (
	// KindCodec marks malformed wire bytes; the frame is always discarded.
	KindCodec Kind = iota + 1
	// KindLockTimeout marks a TTL lock acquisition that exceeded maxRetries.
	KindLockTimeout
	// KindStaleSnapshot marks an update referencing a snapshot no longer active.
	KindStaleSnapshot
	// KindDuplicateMessage marks a dedupe hit.
	KindDuplicateMessage
	// KindPermissionDenied marks an ACL check failure.
	KindPermissionDenied
	// KindIntegrity marks a Merkle root mismatch, chunk-size mismatch, or
	// ciphertext authentication failure.
	KindIntegrity
	// KindRateLimited marks a token-bucket denial.
	KindRateLimited
	// KindNotFound marks a missing document, snapshot, upload, or file.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindCodec:
		return "CodecError"
	case KindLockTimeout:
		return "LockTimeout"
	case KindStaleSnapshot:
		return "StaleSnapshot"
	case KindDuplicateMessage:
		return "DuplicateMessage"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindIntegrity:
		return "IntegrityError"
	case KindRateLimited:
		return "RateLimited"
	case KindNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Error is the common shape for every tagged error the core returns.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfterMs is set only for KindRateLimited.
	RetryAfterMs int64
	// Position is set only for KindCodec.
	Position int
	err      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind.String(), e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is(err, docerr.KindX) work by comparing Kind via a
// sentinel value created with New(kind, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func new_(kind Kind, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Message: msg, err: wrapped}
}

// Codec reports malformed wire bytes at a given buffer position.
func Codec(reason string, position int) *Error {
	return &Error{Kind: KindCodec, Message: reason, Position: position}
}

// LockTimeout reports a TTL lock acquisition giving up after maxRetries.
func LockTimeout(key string) *Error {
	return new_(KindLockTimeout, fmt.Sprintf("timed out acquiring lock %q", key), nil)
}

// StaleSnapshot reports an update bound to a snapshot that is no longer active.
func StaleSnapshot(snapshotID string) *Error {
	return new_(KindStaleSnapshot, fmt.Sprintf("snapshot %q is no longer active", snapshotID), nil)
}

// DuplicateMessage reports a dedupe hit.
func DuplicateMessage(id string) *Error {
	return new_(KindDuplicateMessage, fmt.Sprintf("message %q already seen", id), nil)
}

// PermissionDenied reports an ACL check failure with an optional reason.
func PermissionDenied(reason string) *Error {
	return new_(KindPermissionDenied, reason, nil)
}

// Integrity reports a Merkle root mismatch or authentication failure.
func Integrity(msg string) *Error {
	return new_(KindIntegrity, msg, nil)
}

// RateLimited reports a token-bucket denial with a suggested retry delay.
func RateLimited(retryAfterMs int64) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfterMs: retryAfterMs}
}

// NotFound reports a missing document, snapshot, upload, or file.
func NotFound(what string) *Error {
	return new_(KindNotFound, what+" not found", nil)
}

// Wrap attaches kind to an underlying error, preserving it for errors.Unwrap.
func Wrap(kind Kind, msg string, err error) *Error {
	return new_(kind, msg, err)
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
