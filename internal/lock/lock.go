// Package lock implements the TTL distributed lock table that grants one
// device at a time editing rights over a parked order. The table lives
// behind a Store so a single hub uses the in-process map and clustered hubs
// can share state through Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"possync/internal/model"
)

var (
	// ErrOrderLocked the order is held by a different, unexpired lock.
	ErrOrderLocked = errors.New("order locked")
	// ErrLockNotFound no lock exists for the key.
	ErrLockNotFound = errors.New("lock not found")
	// ErrLockOwnedByAnotherDevice the lock exists but belongs to a
	// different device.
	ErrLockOwnedByAnotherDevice = errors.New("lock owned by another device")
)

// ConflictError carries the current holder so the caller can show who has
// the order. A human decides what to do next; conflicts are never retried
// automatically.
type ConflictError struct {
	Holder model.OrderLock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order locked by device %s (user %s) since %s",
		e.Holder.DeviceID, e.Holder.UserName, e.Holder.AcquiredAt.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrOrderLocked }

// Request identifies the caller of a lock operation.
type Request struct {
	OrderID  string
	DeviceID string
	UserID   string
	UserName string
	TenantID string
	StoreID  string
}

// Key returns the lock table key of the request.
func (r Request) Key() model.LockKey {
	return model.LockKey{TenantID: r.TenantID, StoreID: r.StoreID, OrderID: r.OrderID}
}

// Store a lock table. Every operation is an atomic check-then-set; the
// acquire/renew/release semantics live inside the store implementations so
// the critical section covers the whole decision.
type Store interface {
	// Acquire creates the lock, re-acquires an expired one, or implicitly
	// renews a lock already held by the same device. On conflict it
	// returns a *ConflictError wrapping ErrOrderLocked.
	Acquire(ctx context.Context, req Request, ttl time.Duration) (*model.OrderLock, error)

	// Renew extends an existing lock held by the requesting device.
	Renew(ctx context.Context, req Request, ttl time.Duration) (*model.OrderLock, error)

	// Release removes the lock if held by the requesting device. Releasing
	// an absent lock succeeds.
	Release(ctx context.Context, req Request) error

	// ForceRelease removes the lock unconditionally.
	ForceRelease(ctx context.Context, key model.LockKey) error

	// ReleaseDevice removes every lock held by a device and returns the
	// affected keys.
	ReleaseDevice(ctx context.Context, deviceID string) ([]model.LockKey, error)

	// Get returns the lock if present and unexpired, evicting it lazily if
	// expired. ErrLockNotFound otherwise.
	Get(ctx context.Context, key model.LockKey) (*model.OrderLock, error)

	// Sweep evicts expired locks and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Count returns the number of live locks.
	Count(ctx context.Context) (int, error)

	Close() error
}
