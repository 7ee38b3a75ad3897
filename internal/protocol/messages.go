// Package protocol defines the frames exchanged between devices and the hub
// and the transport abstraction they travel over. Frames are JSON, one
// envelope per line; the concrete wire library is a collaborator and the
// net.Conn transport here is the reference implementation.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"possync/internal/model"
)

// MessageType frame discriminator
type MessageType string

const (
	TypeHello            MessageType = "hello"
	TypeHelloAck         MessageType = "hello.ack"
	TypeEventsAppend     MessageType = "events.append"
	TypeEventsRelay      MessageType = "events.relay"
	TypeEventsBulk       MessageType = "events.bulk"
	TypeCursorRequest    MessageType = "cursor.request"
	TypeLockAcquire      MessageType = "lock.acquire"
	TypeLockRenew        MessageType = "lock.renew"
	TypeLockRelease      MessageType = "lock.release"
	TypeLockForceRelease MessageType = "lock.force_release"
	TypeLockResult       MessageType = "lock.result"
	TypeError            MessageType = "error"
)

// Envelope wraps every frame. ID correlates a request with its response;
// the hub echoes it back untouched.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Auth handshake credentials supplied by the session/auth collaborator.
type Auth struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Token     string `json:"token,omitempty"`
}

// Hello handshake request, the first frame of every session.
type Hello struct {
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id"`
	StoreID  string `json:"store_id"`
	Cursor   uint64 `json:"cursor"`
	Auth     Auth   `json:"auth"`
}

// HelloAck handshake acknowledgement.
type HelloAck struct {
	LeaderID       string    `json:"leader_id"`
	ServerTime     time.Time `json:"server_time"`
	SnapshotNeeded bool      `json:"snapshot_needed"`
}

// EventsBulk a backlog batch sorted by (lamport, deviceID).
type EventsBulk struct {
	Events      []model.Event `json:"events"`
	FromLamport uint64        `json:"from_lamport"`
	ToLamport   uint64        `json:"to_lamport"`
}

// CursorRequest asks the hub for all events from the given lamport value.
type CursorRequest struct {
	FromLamport uint64 `json:"from_lamport"`
}

// LockRequest payload of every lock.* request frame.
type LockRequest struct {
	OrderID  string `json:"order_id"`
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	TenantID string `json:"tenant_id"`
	StoreID  string `json:"store_id"`
}

// LockResult outcome of a lock operation. On conflict Lock carries the
// current holder so the UI can show who has the order.
type LockResult struct {
	OK      bool             `json:"ok"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
	Lock    *model.OrderLock `json:"lock,omitempty"`
}

// ErrorFrame a protocol-level error; fatal errors close the session.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t MessageType, id string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: t, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
