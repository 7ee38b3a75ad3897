package lock

import (
	"context"
	"sync"
	"time"

	"possync/internal/model"
)

// MemoryStore mutex-guarded lock table for a single hub process.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[model.LockKey]model.OrderLock
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory lock table.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: make(map[model.LockKey]model.OrderLock),
		now:   time.Now,
	}
}

// Acquire implements the full acquire decision under one critical section.
func (s *MemoryStore) Acquire(_ context.Context, req Request, ttl time.Duration) (*model.OrderLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := req.Key()

	current, exists := s.locks[key]
	if exists && !current.Expired(now) {
		if current.DeviceID == req.DeviceID {
			// implicit renew
			current.ExpiresAt = now.Add(ttl)
			current.RenewCount++
			s.locks[key] = current
			return &current, nil
		}
		holder := current
		return nil, &ConflictError{Holder: holder}
	}

	// absent or expired: create fresh
	created := model.OrderLock{
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		UserName:   req.UserName,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		RenewCount: 0,
	}
	s.locks[key] = created
	return &created, nil
}

// Renew extends the expiry of a lock held by the requesting device.
func (s *MemoryStore) Renew(_ context.Context, req Request, ttl time.Duration) (*model.OrderLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := req.Key()

	current, exists := s.locks[key]
	if !exists || current.Expired(now) {
		delete(s.locks, key)
		return nil, ErrLockNotFound
	}
	if current.DeviceID != req.DeviceID {
		return nil, ErrLockOwnedByAnotherDevice
	}

	current.ExpiresAt = now.Add(ttl)
	current.RenewCount++
	s.locks[key] = current
	return &current, nil
}

// Release removes the lock if held by the requester; absent locks release
// successfully.
func (s *MemoryStore) Release(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.Key()
	current, exists := s.locks[key]
	if !exists || current.Expired(s.now()) {
		delete(s.locks, key)
		return nil
	}
	if current.DeviceID != req.DeviceID {
		return ErrLockOwnedByAnotherDevice
	}
	delete(s.locks, key)
	return nil
}

// ForceRelease removes the lock with no ownership check.
func (s *MemoryStore) ForceRelease(_ context.Context, key model.LockKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

// ReleaseDevice removes every lock held by a device.
func (s *MemoryStore) ReleaseDevice(_ context.Context, deviceID string) ([]model.LockKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []model.LockKey
	for key, l := range s.locks {
		if l.DeviceID == deviceID {
			delete(s.locks, key)
			released = append(released, key)
		}
	}
	return released, nil
}

// Get returns the unexpired lock for a key, evicting expired ones lazily.
func (s *MemoryStore) Get(_ context.Context, key model.LockKey) (*model.OrderLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.locks[key]
	if !exists {
		return nil, ErrLockNotFound
	}
	if current.Expired(s.now()) {
		delete(s.locks, key)
		return nil, ErrLockNotFound
	}
	return &current, nil
}

// Sweep evicts every expired lock.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, l := range s.locks {
		if l.Expired(now) {
			delete(s.locks, key)
			evicted++
		}
	}
	return evicted, nil
}

// Count returns the number of unexpired locks.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, l := range s.locks {
		if !l.Expired(now) {
			n++
		}
	}
	return n, nil
}

// Close releases nothing for the in-memory table.
func (s *MemoryStore) Close() error { return nil }
