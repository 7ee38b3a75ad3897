package lock

import (
	"context"
	"time"

	"possync/internal/model"
	"possync/pkg/log"
)

const (
	// DefaultTTL how long a parked-order lock lives without renewal.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval must be well below the TTL so stats and
	// queries stay accurate even without reads.
	DefaultSweepInterval = 30 * time.Second
)

// Manager wraps a lock Store with TTL defaults, the background sweep and
// logging. All business outcomes come from the store's atomic operations.
type Manager struct {
	store         Store
	ttl           time.Duration
	sweepInterval time.Duration
	done          chan struct{}
}

// NewManager creates a lock manager. Zero ttl or sweepInterval select the
// defaults.
func NewManager(store Store, ttl, sweepInterval time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Manager{
		store:         store,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
	}
}

// Start runs the background sweep until Stop or context cancellation.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case now := <-ticker.C:
				evicted, err := m.store.Sweep(ctx, now)
				if err != nil {
					log.WithError(err).Warn("Lock sweep failed")
					continue
				}
				if evicted > 0 {
					log.WithField("evicted", evicted).Info("Swept expired locks")
				}
			}
		}
	}()
}

// Stop terminates the background sweep.
func (m *Manager) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

// Acquire grants editing rights over an order, renewing implicitly when the
// device already holds them.
func (m *Manager) Acquire(ctx context.Context, req Request) (*model.OrderLock, error) {
	acquired, err := m.store.Acquire(ctx, req, m.ttl)
	if err != nil {
		return nil, err
	}
	log.WithFields(map[string]interface{}{
		"key":         req.Key().String(),
		"device_id":   req.DeviceID,
		"renew_count": acquired.RenewCount,
	}).Debug("Lock acquired")
	return acquired, nil
}

// Renew extends a held lock.
func (m *Manager) Renew(ctx context.Context, req Request) (*model.OrderLock, error) {
	return m.store.Renew(ctx, req, m.ttl)
}

// Release gives up a held lock; releasing an absent lock succeeds.
func (m *Manager) Release(ctx context.Context, req Request) error {
	return m.store.Release(ctx, req)
}

// ForceRelease removes a lock with no ownership check (admin recovery).
func (m *Manager) ForceRelease(ctx context.Context, tenantID, storeID, orderID string) error {
	key := model.LockKey{TenantID: tenantID, StoreID: storeID, OrderID: orderID}
	if err := m.store.ForceRelease(ctx, key); err != nil {
		return err
	}
	log.WithField("key", key.String()).Warn("Lock force-released")
	return nil
}

// ReleaseDeviceLocks removes every lock of a device, invoked on session
// close so a crashed terminal cannot permanently block an order.
func (m *Manager) ReleaseDeviceLocks(ctx context.Context, deviceID string) []model.LockKey {
	released, err := m.store.ReleaseDevice(ctx, deviceID)
	if err != nil {
		log.WithError(err).WithField("device_id", deviceID).Warn("Release device locks failed")
	}
	if len(released) > 0 {
		log.WithFields(map[string]interface{}{
			"device_id": deviceID,
			"count":     len(released),
		}).Info("Released device locks")
	}
	return released
}

// Status returns the lock only if unexpired.
func (m *Manager) Status(ctx context.Context, tenantID, storeID, orderID string) (*model.OrderLock, error) {
	key := model.LockKey{TenantID: tenantID, StoreID: storeID, OrderID: orderID}
	return m.store.Get(ctx, key)
}

// ActiveCount returns the number of live locks.
func (m *Manager) ActiveCount(ctx context.Context) int {
	n, err := m.store.Count(ctx)
	if err != nil {
		return 0
	}
	return n
}

// TTL returns the configured lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
