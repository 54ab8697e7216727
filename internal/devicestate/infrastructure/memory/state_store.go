package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	devicestate "rvm-cloud/internal/devicestate/domain"
)

type subStateKey struct {
	deviceID string
	kind     devicestate.SubStateKind
	slot     string
}

type assistantKey struct {
	deviceID    string
	requestedAt int64
}

// StateStore is an in-memory state store. A single mutex makes every
// compare-and-swap atomic.
type StateStore struct {
	mu        sync.RWMutex
	devices   map[devicestate.DeviceKey]*devicestate.Device
	byID      map[string]devicestate.DeviceKey
	subStates map[subStateKey]devicestate.SubState
	assistant map[string][]devicestate.AssistantRequest
	seen      map[assistantKey]struct{}
	now       func() time.Time
}

// NewStateStore constructs a store.
func NewStateStore() *StateStore {
	return &StateStore{
		devices:   make(map[devicestate.DeviceKey]*devicestate.Device),
		byID:      make(map[string]devicestate.DeviceKey),
		subStates: make(map[subStateKey]devicestate.SubState),
		assistant: make(map[string][]devicestate.AssistantRequest),
		seen:      make(map[assistantKey]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnsureDevice returns the device for key, creating it on first sight.
func (s *StateStore) EnsureDevice(ctx context.Context, key devicestate.DeviceKey, location *devicestate.Location) (*devicestate.Device, error) {
	_ = ctx
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	device, ok := s.devices[key]
	if !ok {
		device = &devicestate.Device{
			ID:        uuid.NewString(),
			Key:       key,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.devices[key] = device
		s.byID[device.ID] = key
	}
	if location != nil && !location.IsZero() && *location != device.Location {
		device.Location = *location
		device.UpdatedAt = now
	}
	clone := *device
	return &clone, nil
}

// ApplySubState stores update unless a newer observation is already stored.
func (s *StateStore) ApplySubState(ctx context.Context, deviceID string, update devicestate.SubStateUpdate) (bool, error) {
	_ = ctx
	if err := update.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[deviceID]; !ok {
		return false, devicestate.ErrDeviceNotFound
	}
	key := subStateKey{deviceID: deviceID, kind: update.Kind, slot: update.Slot}
	if current, ok := s.subStates[key]; ok && !current.Supersedes(update.ObservedAt) {
		return false, nil
	}
	s.subStates[key] = devicestate.SubState{
		Kind:       update.Kind,
		Slot:       update.Slot,
		Status:     update.Status,
		Reason:     update.Reason,
		Details:    append([]devicestate.DetailReason(nil), update.Details...),
		ObservedAt: update.ObservedAt.UTC(),
		UpdatedAt:  s.now(),
		EventID:    update.EventID,
	}
	return true, nil
}

// AppendAssistantRequest records req once per (device, requestedAt).
func (s *StateStore) AppendAssistantRequest(ctx context.Context, deviceID string, req devicestate.AssistantRequest) (bool, error) {
	_ = ctx
	if req.RequestedAt.IsZero() {
		return false, errors.New("assistant request: zero requested time")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[deviceID]; !ok {
		return false, devicestate.ErrDeviceNotFound
	}
	key := assistantKey{deviceID: deviceID, requestedAt: req.RequestedAt.UnixNano()}
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	s.assistant[deviceID] = append(s.assistant[deviceID], req)
	return true, nil
}

// GetState returns a snapshot for key or nil when the device is unknown.
func (s *StateStore) GetState(ctx context.Context, key devicestate.DeviceKey) (*devicestate.DeviceState, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[key]
	if !ok {
		return nil, nil
	}
	state := &devicestate.DeviceState{Device: *device}
	for k, sub := range s.subStates {
		if k.deviceID != device.ID {
			continue
		}
		sub.Details = append([]devicestate.DetailReason(nil), sub.Details...)
		state.Set(sub)
	}
	sort.Slice(state.Bins, func(i, j int) bool { return state.Bins[i].Slot < state.Bins[j].Slot })

	requests := append([]devicestate.AssistantRequest(nil), s.assistant[device.ID]...)
	sort.Slice(requests, func(i, j int) bool { return requests[i].RequestedAt.After(requests[j].RequestedAt) })
	state.AssistantRequests = requests
	return state, nil
}

// ListDevices returns all devices ordered by serial number and type.
func (s *StateStore) ListDevices(ctx context.Context) ([]devicestate.Device, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]devicestate.Device, 0, len(s.devices))
	for _, device := range s.devices {
		result = append(result, *device)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Key.SerialNumber != result[j].Key.SerialNumber {
			return result[i].Key.SerialNumber < result[j].Key.SerialNumber
		}
		return result[i].Key.Type < result[j].Key.Type
	})
	return result, nil
}
