package devicestate

import (
	"context"
	"errors"
)

// ErrDeviceNotFound is returned by stores when a device id is unknown.
var ErrDeviceNotFound = errors.New("devicestate: device not found")

// DeviceState is a snapshot of everything known about one device.
type DeviceState struct {
	Device            Device
	Machine           *SubState
	Bins              []SubState
	Table             *SubState
	CrateConveyor     *SubState
	Connection        *SubState
	Cleaning          *SubState
	PaymentTerminal   *SubState
	AssistantRequests []AssistantRequest
}

// Set places a stored sub-state into the snapshot.
func (s *DeviceState) Set(sub SubState) {
	value := sub
	switch sub.Kind {
	case KindMachine:
		s.Machine = &value
	case KindBin:
		s.Bins = append(s.Bins, value)
	case KindTable:
		s.Table = &value
	case KindConveyor:
		s.CrateConveyor = &value
	case KindConnection:
		s.Connection = &value
	case KindCleaning:
		s.Cleaning = &value
	case KindPayment:
		s.PaymentTerminal = &value
	}
}

// StateStore persists devices and their sub-states. ApplySubState must compare
// and swap atomically per (device, kind, slot).
type StateStore interface {
	EnsureDevice(ctx context.Context, key DeviceKey, location *Location) (*Device, error)
	ApplySubState(ctx context.Context, deviceID string, update SubStateUpdate) (bool, error)
	AppendAssistantRequest(ctx context.Context, deviceID string, req AssistantRequest) (bool, error)
	GetState(ctx context.Context, key DeviceKey) (*DeviceState, error)
	ListDevices(ctx context.Context) ([]Device, error)
}
