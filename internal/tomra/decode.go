package tomra

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	devicestate "rvm-cloud/internal/devicestate/domain"
)

// ErrInvalidEnvelope marks structurally invalid webhook bodies.
var ErrInvalidEnvelope = errors.New("tomra: invalid envelope")

// DecodeError describes why a body was rejected.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "invalid envelope: " + e.Reason
	}
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrInvalidEnvelope
}

func invalid(field, format string, args ...any) *DecodeError {
	return &DecodeError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

const maxEchoLength = 64

// Observed times must fit the nanosecond range every state store can order.
var (
	minObservedTime = time.Unix(0, math.MinInt64).UTC()
	maxObservedTime = time.Unix(0, math.MaxInt64).UTC()
)

// echo shortens a rejected input value for error reasons, cutting on a rune boundary.
func echo(value string) string {
	if len(value) <= maxEchoLength {
		return value
	}
	cut := maxEchoLength
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "..."
}

// text trims value and refuses NUL bytes, which text columns cannot store.
func text(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if strings.IndexByte(value, 0) >= 0 {
		return "", invalid(field, "contains NUL character")
	}
	return value, nil
}

// Decode parses a webhook body into an envelope. Groups without their own
// timestamp are stamped with the latest timestamp found in the body, or
// receivedAt when the body carries none, so decoding a stored payload again
// yields the same envelope.
func Decode(raw []byte, receivedAt time.Time) (devicestate.Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return devicestate.Envelope{}, invalid("", "empty body")
	}
	if trimmed[0] != '{' {
		return devicestate.Envelope{}, invalid("", "body must be a JSON object")
	}

	var wire envelope
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return devicestate.Envelope{}, invalid(typeErr.Field, "expected %s, got %s", typeErr.Type, typeErr.Value)
		}
		return devicestate.Envelope{}, invalid("", "malformed JSON: %v", err)
	}

	env, err := wire.toEnvelope()
	if err != nil {
		return devicestate.Envelope{}, err
	}
	env.stamp(receivedAt)
	return env.Envelope, nil
}

// decoded collects groups lacking a timestamp until the reference time is known.
type decoded struct {
	devicestate.Envelope
	latest time.Time
	fill   []func(ref time.Time)
}

// timestamp parses value. An empty value is not an error; ok is false and the
// caller registers a fill.
func (d *decoded) timestamp(field, value string) (t time.Time, ok bool, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false, nil
	}
	t, err = parseTime(value)
	if err != nil {
		return time.Time{}, false, invalid(field, "invalid datetime %q", echo(value))
	}
	if t.Before(minObservedTime) || t.After(maxObservedTime) {
		return time.Time{}, false, invalid(field, "datetime %q out of range", echo(value))
	}
	if t.After(d.latest) {
		d.latest = t
	}
	return t, true, nil
}

func (d *decoded) stamp(receivedAt time.Time) {
	ref := d.latest
	if ref.IsZero() {
		ref = receivedAt.UTC().Truncate(time.Microsecond)
	}
	for _, fill := range d.fill {
		fill(ref)
	}
}

func (w envelope) toEnvelope() (*decoded, error) {
	if w.Metadata == nil || w.Metadata.RVM == nil {
		return nil, invalid("metadata.rvm", "is required")
	}
	serial, err := text("metadata.rvm.serialNumber", w.Metadata.RVM.SerialNumber)
	if err != nil {
		return nil, err
	}
	rvmType, err := text("metadata.rvm.type", w.Metadata.RVM.Type)
	if err != nil {
		return nil, err
	}
	key := devicestate.DeviceKey{SerialNumber: serial, Type: rvmType}
	if key.SerialNumber == "" {
		return nil, invalid("metadata.rvm.serialNumber", "is required")
	}
	if key.Type == "" {
		return nil, invalid("metadata.rvm.type", "is required")
	}

	d := &decoded{Envelope: devicestate.Envelope{Device: key}}
	if loc := w.Metadata.Location; loc != nil {
		var location devicestate.Location
		if location.CustomerID, err = text("metadata.location.customerId", loc.CustomerID); err != nil {
			return nil, err
		}
		if location.Name, err = text("metadata.location.name", loc.Name); err != nil {
			return nil, err
		}
		if !location.IsZero() {
			d.Location = &location
		}
	}

	if m := w.Machine; m != nil {
		update := &devicestate.MachineUpdate{Status: devicestate.ParseMachineStatus(m.Status)}
		for _, detail := range m.Details {
			update.Details = append(update.Details, devicestate.ParseDetailReason(detail.Reason))
		}
		t, ok, err := d.timestamp("machine.updatedAt", m.UpdatedAt)
		if err != nil {
			return nil, err
		}
		update.UpdatedAt = t
		if !ok {
			d.fill = append(d.fill, func(ref time.Time) { update.UpdatedAt = ref })
		}
		d.Machine = update
	}

	if err := d.decodeBins(w.Bins); err != nil {
		return nil, err
	}

	if d.Table, err = d.decodeFill("table", w.Table); err != nil {
		return nil, err
	}
	if d.CrateConveyor, err = d.decodeFill("crateConveyor", w.CrateConveyor); err != nil {
		return nil, err
	}

	if c := w.Connection; c != nil {
		update := &devicestate.ConnectionUpdate{Status: devicestate.ParseConnectionStatus(c.Status)}
		t, ok, err := d.timestamp("connection.lastSeenAt", c.LastSeenAt)
		if err != nil {
			return nil, err
		}
		update.LastSeenAt = t
		if !ok {
			d.fill = append(d.fill, func(ref time.Time) { update.LastSeenAt = ref })
		}
		d.Connection = update
	}

	if c := w.Cleaning; c != nil {
		update := &devicestate.CleaningUpdate{Status: devicestate.ParseCleaningStatus(c.Status)}
		d.fill = append(d.fill, func(ref time.Time) { update.ObservedAt = ref })
		d.Cleaning = update
	}

	if a := w.Assistant; a != nil {
		update := &devicestate.AssistantUpdate{}
		t, ok, err := d.timestamp("assistant.requestedAt", a.RequestedAt)
		if err != nil {
			return nil, err
		}
		update.RequestedAt = t
		if !ok {
			d.fill = append(d.fill, func(ref time.Time) { update.RequestedAt = ref })
		}
		d.Assistant = update
	}

	if p := w.PaymentTerminal; p != nil {
		reason, err := text("paymentTerminal.reason", p.Reason)
		if err != nil {
			return nil, err
		}
		update := &devicestate.PaymentUpdate{
			Status: devicestate.ParsePaymentStatus(p.Status),
			Reason: reason,
		}
		t, ok, err := d.timestamp("paymentTerminal.updatedAt", p.UpdatedAt)
		if err != nil {
			return nil, err
		}
		update.UpdatedAt = t
		if !ok {
			d.fill = append(d.fill, func(ref time.Time) { update.UpdatedAt = ref })
		}
		d.PaymentTerminal = update
	}

	return d, nil
}

// decodeBins keeps the last entry for a repeated bin id, in first-seen order.
func (d *decoded) decodeBins(wire []bin) error {
	if len(wire) == 0 {
		return nil
	}
	index := make(map[string]int, len(wire))
	var missing []string
	for i, b := range wire {
		id, err := text(fmt.Sprintf("bins[%d].id", i), b.ID)
		if err != nil {
			return err
		}
		if id == "" {
			return invalid(fmt.Sprintf("bins[%d].id", i), "is required")
		}
		t, ok, err := d.timestamp(fmt.Sprintf("bins[%d].updatedAt", i), b.UpdatedAt)
		if err != nil {
			return err
		}
		update := devicestate.BinUpdate{ID: id, Status: devicestate.ParseFillStatus(b.Status), UpdatedAt: t}
		if !ok {
			missing = append(missing, id)
		}
		if pos, seen := index[id]; seen {
			d.Bins[pos] = update
			continue
		}
		index[id] = len(d.Bins)
		d.Bins = append(d.Bins, update)
	}
	for _, id := range missing {
		pos := index[id]
		d.fill = append(d.fill, func(ref time.Time) {
			if d.Bins[pos].UpdatedAt.IsZero() {
				d.Bins[pos].UpdatedAt = ref
			}
		})
	}
	return nil
}

func (d *decoded) decodeFill(group string, wire *fill) (*devicestate.FillUpdate, error) {
	if wire == nil {
		return nil, nil
	}
	update := &devicestate.FillUpdate{Status: devicestate.ParseFillStatus(wire.Status)}
	t, ok, err := d.timestamp(group+".updatedAt", wire.UpdatedAt)
	if err != nil {
		return nil, err
	}
	update.UpdatedAt = t
	if !ok {
		d.fill = append(d.fill, func(ref time.Time) { update.UpdatedAt = ref })
	}
	return update, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
}

// parseTime accepts RFC 3339 and treats zone-less values as UTC. Results are
// truncated to microseconds, the precision of Postgres TIMESTAMPTZ, so every
// state store orders the same values.
func parseTime(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC().Truncate(time.Microsecond), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
