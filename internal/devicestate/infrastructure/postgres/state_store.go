package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	devicestate "rvm-cloud/internal/devicestate/domain"
)

const (
	defaultDevicesTable   = "devices"
	defaultSubStatesTable = "device_substates"
	defaultAssistantTable = "assistant_requests"

	defaultAssistantLimit = 50
)

// StateStore is a Postgres implementation of the device state store.
type StateStore struct {
	db             DBTX
	devices        string
	subStates      string
	assistant      string
	assistantLimit int
}

// NewStateStore constructs a store.
func NewStateStore(db DBTX, opts ...StateStoreOption) *StateStore {
	store := &StateStore{
		db:             db,
		devices:        defaultDevicesTable,
		subStates:      defaultSubStatesTable,
		assistant:      defaultAssistantTable,
		assistantLimit: defaultAssistantLimit,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// StateStoreOption configures the store.
type StateStoreOption func(*StateStore)

// WithTables overrides the default table names. Empty names keep the default.
func WithTables(devices, subStates, assistant string) StateStoreOption {
	return func(store *StateStore) {
		if devices != "" {
			store.devices = devices
		}
		if subStates != "" {
			store.subStates = subStates
		}
		if assistant != "" {
			store.assistant = assistant
		}
	}
}

// WithAssistantLimit caps how many assistant requests GetState returns.
func WithAssistantLimit(limit int) StateStoreOption {
	return func(store *StateStore) {
		if limit > 0 {
			store.assistantLimit = limit
		}
	}
}

// EnsureDevice upserts the device row and refreshes its location when one is reported.
func (s *StateStore) EnsureDevice(ctx context.Context, key devicestate.DeviceKey, location *devicestate.Location) (*devicestate.Device, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("state store: nil db")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var loc devicestate.Location
	if location != nil {
		loc = *location
	}

	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	id,
	serial_number,
	rvm_type,
	customer_id,
	location_name
) VALUES (
	$1, $2, $3, $4, $5
)
ON CONFLICT (serial_number, rvm_type)
DO UPDATE SET
	customer_id = COALESCE(EXCLUDED.customer_id, %[1]s.customer_id),
	location_name = COALESCE(EXCLUDED.location_name, %[1]s.location_name),
	updated_at = NOW()
RETURNING id, serial_number, rvm_type, customer_id, location_name, created_at, updated_at`, s.devices)

	row := s.db.QueryRowContext(ctx, query,
		uuid.NewString(),
		key.SerialNumber,
		key.Type,
		nullString(loc.CustomerID),
		nullString(loc.Name),
	)
	device, err := scanDevice(row)
	if err != nil {
		return nil, err
	}
	return device, nil
}

// ApplySubState writes update when no newer observation is stored. The
// conditional ON CONFLICT update runs under the row lock, which serializes
// concurrent writers of the same (device, kind, slot).
func (s *StateStore) ApplySubState(ctx context.Context, deviceID string, update devicestate.SubStateUpdate) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("state store: nil db")
	}
	if deviceID == "" {
		return false, errors.New("state store: empty device id")
	}
	if err := update.Validate(); err != nil {
		return false, err
	}
	details, err := encodeDetails(update.Details)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	device_id,
	kind,
	slot,
	status,
	reason,
	details,
	observed_at,
	event_id,
	updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6::jsonb, $7, $8, NOW()
)
ON CONFLICT (device_id, kind, slot)
DO UPDATE SET
	status = EXCLUDED.status,
	reason = EXCLUDED.reason,
	details = EXCLUDED.details,
	observed_at = EXCLUDED.observed_at,
	event_id = EXCLUDED.event_id,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.observed_at <= EXCLUDED.observed_at
RETURNING device_id`, s.subStates)

	var returned string
	err = s.db.QueryRowContext(ctx, query,
		deviceID,
		string(update.Kind),
		update.Slot,
		update.Status,
		update.Reason,
		details,
		update.ObservedAt.UTC(),
		nullString(update.EventID),
	).Scan(&returned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AppendAssistantRequest inserts req once per (device, requested_at).
func (s *StateStore) AppendAssistantRequest(ctx context.Context, deviceID string, req devicestate.AssistantRequest) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("state store: nil db")
	}
	if deviceID == "" {
		return false, errors.New("state store: empty device id")
	}
	if req.RequestedAt.IsZero() {
		return false, errors.New("state store: zero requested time")
	}
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	requested_at,
	received_at,
	event_id
) VALUES (
	$1, $2, $3, $4
)
ON CONFLICT (device_id, requested_at)
DO NOTHING`, s.assistant)

	res, err := s.db.ExecContext(ctx, query, deviceID, req.RequestedAt.UTC(), receivedAt.UTC(), nullString(req.EventID))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetState loads a snapshot for key, nil when the device is unknown.
func (s *StateStore) GetState(ctx context.Context, key devicestate.DeviceKey) (*devicestate.DeviceState, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("state store: nil db")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
SELECT id, serial_number, rvm_type, customer_id, location_name, created_at, updated_at
FROM %s
WHERE serial_number = $1 AND rvm_type = $2
LIMIT 1`, s.devices)

	device, err := scanDevice(s.db.QueryRowContext(ctx, query, key.SerialNumber, key.Type))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	state := &devicestate.DeviceState{Device: *device}
	if err := s.loadSubStates(ctx, state); err != nil {
		return nil, err
	}
	if err := s.loadAssistantRequests(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// ListDevices returns all devices ordered by serial number and type.
func (s *StateStore) ListDevices(ctx context.Context) ([]devicestate.Device, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("state store: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, serial_number, rvm_type, customer_id, location_name, created_at, updated_at
FROM %s
ORDER BY serial_number ASC, rvm_type ASC`, s.devices)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devicestate.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *StateStore) loadSubStates(ctx context.Context, state *devicestate.DeviceState) error {
	query := fmt.Sprintf(`
SELECT kind, slot, status, reason, details, observed_at, updated_at, event_id
FROM %s
WHERE device_id = $1
ORDER BY kind ASC, slot ASC`, s.subStates)

	rows, err := s.db.QueryContext(ctx, query, state.Device.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var sub devicestate.SubState
		var kind string
		var details []byte
		var eventID sql.NullString
		if err := rows.Scan(
			&kind,
			&sub.Slot,
			&sub.Status,
			&sub.Reason,
			&details,
			&sub.ObservedAt,
			&sub.UpdatedAt,
			&eventID,
		); err != nil {
			return err
		}
		sub.Kind = devicestate.SubStateKind(kind)
		sub.ObservedAt = sub.ObservedAt.UTC()
		sub.UpdatedAt = sub.UpdatedAt.UTC()
		sub.EventID = eventID.String
		if sub.Details, err = decodeDetails(details); err != nil {
			return fmt.Errorf("state store: decode details for %s: %w", kind, err)
		}
		state.Set(sub)
	}
	return rows.Err()
}

func (s *StateStore) loadAssistantRequests(ctx context.Context, state *devicestate.DeviceState) error {
	query := fmt.Sprintf(`
SELECT requested_at, received_at, event_id
FROM %s
WHERE device_id = $1
ORDER BY requested_at DESC
LIMIT $2`, s.assistant)

	rows, err := s.db.QueryContext(ctx, query, state.Device.ID, s.assistantLimit)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var req devicestate.AssistantRequest
		var eventID sql.NullString
		if err := rows.Scan(&req.RequestedAt, &req.ReceivedAt, &eventID); err != nil {
			return err
		}
		req.RequestedAt = req.RequestedAt.UTC()
		req.ReceivedAt = req.ReceivedAt.UTC()
		req.EventID = eventID.String
		state.AssistantRequests = append(state.AssistantRequests, req)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*devicestate.Device, error) {
	var device devicestate.Device
	var customerID, locationName sql.NullString
	if err := row.Scan(
		&device.ID,
		&device.Key.SerialNumber,
		&device.Key.Type,
		&customerID,
		&locationName,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		return nil, err
	}
	device.Location = devicestate.Location{CustomerID: customerID.String, Name: locationName.String}
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return &device, nil
}

func encodeDetails(details []devicestate.DetailReason) (string, error) {
	values := make([]string, 0, len(details))
	for _, reason := range details {
		values = append(values, string(reason))
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeDetails(data []byte) ([]devicestate.DetailReason, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	details := make([]devicestate.DetailReason, 0, len(values))
	for _, value := range values {
		details = append(details, devicestate.DetailReason(value))
	}
	return details, nil
}
