// Package hardware contains the device registry: the single authority that
// opens, closes and reports errors for pluggable device instances, mediating
// between the bus and the concrete device implementations.
package hardware

import (
	"frog/errcode"
)

// -----------------------------------------------------------------------------
// Instance references
// -----------------------------------------------------------------------------

// InstanceRef identifies one logical device slot: a base type (the device
// category, e.g. "stepper_motor") plus an optional name distinguishing
// multiple devices of the same category (e.g. "hot_bb"). Immutable and
// usable as a map key.
type InstanceRef struct {
	BaseType string
	Name     string
}

// Topic returns the bus topic fragment for this instance,
// e.g. "temperature_controller.hot_bb" or just "stepper_motor".
func (r InstanceRef) Topic() string {
	if r.Name == "" {
		return r.BaseType
	}
	return r.BaseType + "." + r.Name
}

func (r InstanceRef) String() string { return r.Topic() }

// -----------------------------------------------------------------------------
// Devices
// -----------------------------------------------------------------------------

// Device is any open hardware connection. A Device is registered in the
// registry for at most one InstanceRef at a time.
type Device interface {
	InstanceRef() InstanceRef
	Close() error
}

// -----------------------------------------------------------------------------
// Open arguments & connection state
// -----------------------------------------------------------------------------

// OpenArgs carries everything needed to open a device. Params is kept as an
// ordered-independent map; Equal compares the whole value so callers can
// detect "already connected with identical configuration".
type OpenArgs struct {
	Instance InstanceRef
	Class    string
	Params   map[string]any
}

func (a OpenArgs) Equal(b OpenArgs) bool {
	if a.Instance != b.Instance || a.Class != b.Class || len(a.Params) != len(b.Params) {
		return false
	}
	for k, v := range a.Params {
		if bv, ok := b.Params[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// ConnectionStatus describes the lifecycle of an open request.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ActiveDeviceProperties describes a device that is connecting or connected;
// it is never constructed for a disconnected slot.
type ActiveDeviceProperties struct {
	Args  OpenArgs
	State ConnectionStatus
}

func NewActiveDeviceProperties(args OpenArgs, state ConnectionStatus) (ActiveDeviceProperties, error) {
	if state == Disconnected {
		return ActiveDeviceProperties{}, errcode.New(
			errcode.Validation, "active device", "state cannot be disconnected")
	}
	return ActiveDeviceProperties{Args: args, State: state}, nil
}

// -----------------------------------------------------------------------------
// Bus payloads
// -----------------------------------------------------------------------------

// OpeningEvent is published on device.opening.<topic> before the matching
// device.opened.<topic>, so listeners that need to undo partial work can
// react first. Params carries the original open parameters (without the
// injected name).
type OpeningEvent struct {
	Instance InstanceRef
	Class    string
	Params   map[string]any
}

// ErrorEvent is published on device.error.<topic>. The registry treats every
// device error as fatal and closes the instance.
type ErrorEvent struct {
	Instance InstanceRef
	Err      error
}
