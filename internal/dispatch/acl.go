package dispatch

import "github.com/quillsync/core/internal/wire"

// ACL authorizes one connection's access to one document for one frame
// category, per spec.md §4.I's permission check derived from the
// connection's validated identity/claims.
type ACL interface {
	Check(identity Identity, docID string, category wire.Category) (allowed bool, reason string)
}

// AllowAll is a no-op ACL for tests and single-tenant deployments that have
// no permission model of their own.
type AllowAll struct{}

// Check always allows.
func (AllowAll) Check(Identity, string, wire.Category) (bool, string) { return true, "" }
