// Package eventlog keeps the hub's ordered, append-only event history per
// tenant/store scope. Durability is pluggable: the in-memory store is the
// default and the gorm store persists across hub restarts.
package eventlog

import (
	"context"
	"errors"

	"possync/internal/model"
)

// ErrDuplicateEvent the event ID has already been appended. Duplicates are
// expected under at-least-once replay and are not a failure of the sender.
var ErrDuplicateEvent = errors.New("event already appended")

// Scope isolates event histories per tenant and store.
type Scope struct {
	TenantID string
	StoreID  string
}

// ScopeOf extracts the scope of an event.
func ScopeOf(e *model.Event) Scope {
	return Scope{TenantID: e.TenantID, StoreID: e.StoreID}
}

// Store an ordered per-scope event history.
type Store interface {
	// Append adds an event; ErrDuplicateEvent if its ID was seen before.
	Append(ctx context.Context, e model.Event) error

	// Range returns events of a scope with lamport >= fromLamport, sorted
	// by (lamport, deviceID).
	Range(ctx context.Context, scope Scope, fromLamport uint64) ([]model.Event, error)

	// LastLamport returns the highest lamport value appended in a scope,
	// zero if the scope is empty.
	LastLamport(ctx context.Context, scope Scope) (uint64, error)

	// Seen reports whether an event ID has been appended.
	Seen(ctx context.Context, eventID string) (bool, error)

	// Count returns the number of events in a scope.
	Count(ctx context.Context, scope Scope) (int64, error)

	Close() error
}
