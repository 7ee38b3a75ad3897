package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"possync/internal/model"
)

// EventRecord persisted form of an event.
type EventRecord struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID       string    `gorm:"type:varchar(80);uniqueIndex;not null" json:"event_id"`
	TenantID      string    `gorm:"type:varchar(64);not null;index:idx_scope_lamport,priority:1" json:"tenant_id"`
	StoreID       string    `gorm:"type:varchar(64);not null;index:idx_scope_lamport,priority:2" json:"store_id"`
	AggregateType string    `gorm:"type:varchar(32);not null" json:"aggregate_type"`
	AggregateID   string    `gorm:"type:varchar(64);not null;index" json:"aggregate_id"`
	Version       uint64    `gorm:"not null" json:"version"`
	Type          string    `gorm:"type:varchar(64);not null" json:"type"`
	At            time.Time `gorm:"not null" json:"at"`
	ActorDeviceID string    `gorm:"type:varchar(64);not null" json:"actor_device_id"`
	ActorUserID   string    `gorm:"type:varchar(64)" json:"actor_user_id"`
	ActorUserName string    `gorm:"type:varchar(128)" json:"actor_user_name"`
	Lamport       uint64    `gorm:"not null;index:idx_scope_lamport,priority:3" json:"lamport"`
	ClockDeviceID string    `gorm:"type:varchar(64);not null" json:"clock_device_id"`
	Payload       []byte    `gorm:"type:json" json:"payload"`
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName set name
func (EventRecord) TableName() string {
	return "events"
}

func recordOf(e *model.Event) *EventRecord {
	return &EventRecord{
		EventID:       e.EventID,
		TenantID:      e.TenantID,
		StoreID:       e.StoreID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Version:       e.Version,
		Type:          e.Type,
		At:            e.At,
		ActorDeviceID: e.Actor.DeviceID,
		ActorUserID:   e.Actor.UserID,
		ActorUserName: e.Actor.UserName,
		Lamport:       e.Clock.Lamport,
		ClockDeviceID: e.Clock.DeviceID,
		Payload:       []byte(e.Payload),
	}
}

func (r *EventRecord) event() model.Event {
	return model.Event{
		EventID:       r.EventID,
		TenantID:      r.TenantID,
		StoreID:       r.StoreID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		Version:       r.Version,
		Type:          r.Type,
		At:            r.At,
		Actor: model.Actor{
			DeviceID: r.ActorDeviceID,
			UserID:   r.ActorUserID,
			UserName: r.ActorUserName,
		},
		Clock: model.ClockStamp{
			Lamport:  r.Lamport,
			DeviceID: r.ClockDeviceID,
		},
		Payload: json.RawMessage(r.Payload),
	}
}

// GormStore MySQL-backed event log; the hub keeps its history across
// restarts when this driver is configured.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a gorm-backed event log and migrates its table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Append inserts the event; the unique event_id index turns replayed
// duplicates into ErrDuplicateEvent.
func (s *GormStore) Append(ctx context.Context, e model.Event) error {
	err := s.db.WithContext(ctx).Create(recordOf(&e)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

// Range returns scope events with lamport >= fromLamport in wire order.
func (s *GormStore) Range(ctx context.Context, scope Scope, fromLamport uint64) ([]model.Event, error) {
	var records []EventRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND store_id = ? AND lamport >= ?", scope.TenantID, scope.StoreID, fromLamport).
		Order("lamport ASC, clock_device_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0, len(records))
	for i := range records {
		events = append(events, records[i].event())
	}
	return events, nil
}

// LastLamport returns the highest lamport value of a scope.
func (s *GormStore) LastLamport(ctx context.Context, scope Scope) (uint64, error) {
	var record EventRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND store_id = ?", scope.TenantID, scope.StoreID).
		Order("lamport DESC, clock_device_id DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return record.Lamport, nil
}

// Seen reports whether the event ID exists.
func (s *GormStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&EventRecord{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Count returns the number of events in a scope.
func (s *GormStore) Count(ctx context.Context, scope Scope) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&EventRecord{}).
		Where("tenant_id = ? AND store_id = ?", scope.TenantID, scope.StoreID).
		Count(&count).Error
	return count, err
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
