package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// OrderStatus order lifecycle state
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusParked    OrderStatus = "parked"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// OrderItem a line item on an order
type OrderItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"` // unit price in cents
}

// Order aggregate. State derives solely from applied events; Version,
// Lamport and UpdatedBy track the last applied event so concurrent writes
// resolve the same way on every device.
type Order struct {
	ID        string      `json:"id"`
	Status    OrderStatus `json:"status"`
	Items     []OrderItem `json:"items"`
	Total     int64       `json:"total"` // cents
	Version   uint64      `json:"version"`
	Lamport   uint64      `json:"lamport"`
	UpdatedBy string      `json:"updated_by"` // clock device of the last applied event
	CreatedBy string      `json:"created_by"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// OrderCreatedPayload payload of an order.created event
type OrderCreatedPayload struct {
	Status OrderStatus `json:"status"`
	Items  []OrderItem `json:"items"`
	Total  int64       `json:"total"`
}

// OrderUpdatedPayload payload of an order.updated event; nil fields are
// left unchanged.
type OrderUpdatedPayload struct {
	Status *OrderStatus `json:"status,omitempty"`
	Items  *[]OrderItem `json:"items,omitempty"`
	Total  *int64       `json:"total,omitempty"`
}

// Apply mutates the order by applying an event. Events at or below the
// current version are ignored, which makes re-application idempotent.
func (o *Order) Apply(e *Event) error {
	if o.Version != 0 && e.Version <= o.Version {
		return nil
	}
	return o.applyEvent(e)
}

// ApplyResolved applies an event that conflict resolution has already chosen
// over the current state, bypassing the version idempotence guard. Needed for
// equal-version events that win on the lamport tiebreak.
func (o *Order) ApplyResolved(e *Event) error {
	return o.applyEvent(e)
}

func (o *Order) applyEvent(e *Event) error {
	switch e.Type {
	case EventOrderCreated:
		var p OrderCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		o.ID = e.AggregateID
		o.Status = p.Status
		if o.Status == "" {
			o.Status = OrderStatusPending
		}
		o.Items = p.Items
		o.Total = p.Total
		o.CreatedBy = e.Actor.DeviceID
		o.CreatedAt = e.At

	case EventOrderUpdated:
		var p OrderUpdatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		if p.Status != nil {
			o.Status = *p.Status
		}
		if p.Items != nil {
			o.Items = *p.Items
		}
		if p.Total != nil {
			o.Total = *p.Total
		}

	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}

	o.Version = e.Version
	o.Lamport = e.Clock.Lamport
	o.UpdatedBy = e.Clock.DeviceID
	o.UpdatedAt = e.At
	return nil
}
