package model

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Event type names carried on the wire and matched by subscribers.
const (
	EventOrderCreated = "order.created"
	EventOrderUpdated = "order.updated"
)

// Actor identifies who produced an event.
type Actor struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// ClockStamp is the Lamport stamp of an event. Events of one aggregate are
// totally ordered by (Lamport, DeviceID).
type ClockStamp struct {
	Lamport  uint64 `json:"lamport"`
	DeviceID string `json:"device_id"`
}

// Event is a domain event flowing between devices and the hub.
type Event struct {
	EventID       string          `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	StoreID       string          `json:"store_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Version       uint64          `json:"version"`
	Type          string          `json:"type"`
	At            time.Time       `json:"at"`
	Actor         Actor           `json:"actor"`
	Clock         ClockStamp      `json:"clock"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEventID generates a globally unique event ID. The device prefix makes
// the origin visible in logs and keeps IDs unique even across UUID reseeds.
func NewEventID(deviceID string) string {
	return deviceID + "-" + uuid.NewString()
}

// Before reports whether e precedes other in the (lamport, deviceID) order.
func (e *Event) Before(other *Event) bool {
	if e.Clock.Lamport != other.Clock.Lamport {
		return e.Clock.Lamport < other.Clock.Lamport
	}
	return e.Clock.DeviceID < other.Clock.DeviceID
}

// SortEvents sorts events in place by (lamport, deviceID).
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(&events[j])
	})
}
