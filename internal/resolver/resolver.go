// Package resolver merges concurrent aggregate states. Version is the
// authoritative axis; the Lamport stamp breaks ties between equal versions
// and the device ID is the final deterministic tiebreak.
package resolver

import "possync/internal/model"

// Stamp the comparable portion of an aggregate or event state.
type Stamp struct {
	Version  uint64
	Lamport  uint64
	DeviceID string
}

// Compare returns -1 if a loses to b, 1 if a wins over b and 0 if the
// stamps are identical.
func Compare(a, b Stamp) int {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return 1
		}
		return -1
	}
	if a.Lamport != b.Lamport {
		if a.Lamport > b.Lamport {
			return 1
		}
		return -1
	}
	if a.DeviceID != b.DeviceID {
		if a.DeviceID > b.DeviceID {
			return 1
		}
		return -1
	}
	return 0
}

// Resolver resolves remote events against local aggregate state for one
// device.
type Resolver struct {
	deviceID string
}

// New creates a resolver for the given device.
func New(deviceID string) *Resolver {
	return &Resolver{deviceID: deviceID}
}

// IsEcho reports whether the event originated from this device. Echoes of
// self-originated aggregates must not be applied a second time.
func (r *Resolver) IsEcho(e *model.Event) bool {
	return e.Clock.DeviceID == r.deviceID
}

// RemoteWins reports whether a remote event supersedes the local order
// state. A nil local order always loses. The local stamp carries the device
// that wrote the current state, not the resolving device, so every observer
// of a concurrent pair picks the same winner.
func (r *Resolver) RemoteWins(local *model.Order, remote *model.Event) bool {
	if local == nil {
		return true
	}
	localStamp := Stamp{Version: local.Version, Lamport: local.Lamport, DeviceID: local.UpdatedBy}
	remoteStamp := Stamp{Version: remote.Version, Lamport: remote.Clock.Lamport, DeviceID: remote.Clock.DeviceID}
	return Compare(remoteStamp, localStamp) > 0
}
