package application

import (
	"context"
	"errors"

	devicestate "rvm-cloud/internal/devicestate/domain"
)

// ErrAmbiguousDevice is returned when a serial number matches several machine types.
var ErrAmbiguousDevice = errors.New("device query: serial number matches more than one type")

// FleetQuery reads current device state for operators and reports.
type FleetQuery struct {
	store devicestate.StateStore
}

// NewFleetQuery constructs a query service.
func NewFleetQuery(store devicestate.StateStore) (*FleetQuery, error) {
	if store == nil {
		return nil, errors.New("fleet query: nil state store")
	}
	return &FleetQuery{store: store}, nil
}

// Devices lists every known device.
func (q *FleetQuery) Devices(ctx context.Context) ([]devicestate.Device, error) {
	return q.store.ListDevices(ctx)
}

// State returns the snapshot for a serial number. An empty rvmType resolves
// the type when the serial is unique across types.
func (q *FleetQuery) State(ctx context.Context, serial, rvmType string) (*devicestate.DeviceState, error) {
	if rvmType == "" {
		devices, err := q.store.ListDevices(ctx)
		if err != nil {
			return nil, err
		}
		for _, device := range devices {
			if device.Key.SerialNumber != serial {
				continue
			}
			if rvmType != "" {
				return nil, ErrAmbiguousDevice
			}
			rvmType = device.Key.Type
		}
		if rvmType == "" {
			return nil, devicestate.ErrDeviceNotFound
		}
	}
	state, err := q.store.GetState(ctx, devicestate.DeviceKey{SerialNumber: serial, Type: rvmType})
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, devicestate.ErrDeviceNotFound
	}
	return state, nil
}

// Snapshot loads the state of every device, ordered like Devices.
func (q *FleetQuery) Snapshot(ctx context.Context) ([]devicestate.DeviceState, error) {
	devices, err := q.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	states := make([]devicestate.DeviceState, 0, len(devices))
	for _, device := range devices {
		state, err := q.store.GetState(ctx, device.Key)
		if err != nil {
			return nil, err
		}
		if state != nil {
			states = append(states, *state)
		}
	}
	return states, nil
}
