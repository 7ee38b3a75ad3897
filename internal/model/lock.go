package model

import (
	"fmt"
	"time"
)

// LockKey scopes a lock to a single order within a tenant and store.
type LockKey struct {
	TenantID string `json:"tenant_id"`
	StoreID  string `json:"store_id"`
	OrderID  string `json:"order_id"`
}

// String renders the key in tenant:store:order form.
func (k LockKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.TenantID, k.StoreID, k.OrderID)
}

// OrderLock editing rights over a parked order. At most one unexpired lock
// exists per key.
type OrderLock struct {
	DeviceID   string    `json:"device_id"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RenewCount int       `json:"renew_count"`
}

// Expired reports whether the lock has passed its TTL at the given instant.
func (l *OrderLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
