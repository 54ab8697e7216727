package tomra

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	devicestate "rvm-cloud/internal/devicestate/domain"
)

var receivedAt = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const fullPayload = `{
  "metadata": {
    "rvm": {"serialNumber": "12345678", "type": "T-70"},
    "location": {"customerId": "cust-9", "name": "Main Street"}
  },
  "machine": {
    "status": "down",
    "details": [{"reason": "fullBin"}, {"reason": "frontDoorOpen"}, {"reason": "laserMisaligned"}],
    "updatedAt": "2024-01-01T10:00:00Z"
  },
  "bins": [
    {"id": "1", "status": "full", "updatedAt": "2024-01-01T09:00:00Z"},
    {"id": "2", "status": "semiFull", "updatedAt": "2024-01-01T09:30:00+01:00"}
  ],
  "table": {"status": "ok", "updatedAt": "2024-01-01T08:00:00Z"},
  "crateConveyor": {"status": "overflowing", "updatedAt": "2024-01-01T08:00:00Z"},
  "connection": {"status": "online", "lastSeenAt": "2024-01-01T11:00:00Z"},
  "cleaning": {"status": "shortCleaningOverdue"},
  "assistant": {"requestedAt": "2024-01-01T10:30:00Z"},
  "paymentTerminal": {"status": "down", "reason": "card reader offline", "updatedAt": "2024-01-01T10:15:00Z"}
}`

func TestDecodeFullEnvelope(t *testing.T) {
	env, err := Decode([]byte(fullPayload), receivedAt)
	require.NoError(t, err)

	assert.Equal(t, devicestate.DeviceKey{SerialNumber: "12345678", Type: "T-70"}, env.Device)
	require.NotNil(t, env.Location)
	assert.Equal(t, "Main Street", env.Location.Name)

	require.NotNil(t, env.Machine)
	assert.Equal(t, devicestate.MachineDown, env.Machine.Status)
	assert.Equal(t, []devicestate.DetailReason{
		devicestate.ReasonFullBin,
		devicestate.ReasonFrontDoorOpen,
		devicestate.ReasonOther,
	}, env.Machine.Details)

	require.Len(t, env.Bins, 2)
	assert.Equal(t, devicestate.FillSemiFull, env.Bins[1].Status)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC), env.Bins[1].UpdatedAt)

	assert.Equal(t, devicestate.FillOK, env.Table.Status)
	assert.Equal(t, devicestate.FillUnknown, env.CrateConveyor.Status)
	assert.Equal(t, devicestate.ConnectionOnline, env.Connection.Status)
	assert.Equal(t, devicestate.PaymentDown, env.PaymentTerminal.Status)
	assert.Equal(t, "card reader offline", env.PaymentTerminal.Reason)

	require.NotNil(t, env.Cleaning)
	assert.Equal(t, devicestate.CleaningShortCleaningOverdue, env.Cleaning.Status)
	// Latest timestamp in the body is connection.lastSeenAt.
	assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), env.Cleaning.ObservedAt)
}

func TestDecodeMissingSerialNumber(t *testing.T) {
	_, err := Decode([]byte(`{"metadata":{"rvm":{"type":"T-70"}},"cleaning":{"status":"ok"}}`), receivedAt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEnvelope))

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "metadata.rvm.serialNumber", decodeErr.Field)
}

func TestDecodeUnknownCleaningStatusNormalizes(t *testing.T) {
	env, err := Decode([]byte(`{"metadata":{"rvm":{"serialNumber":"1","type":"T-70"}},"cleaning":{"status":"glitched"}}`), receivedAt)
	require.NoError(t, err)
	require.NotNil(t, env.Cleaning)
	assert.Equal(t, devicestate.CleaningUnknown, env.Cleaning.Status)
	assert.Equal(t, receivedAt, env.Cleaning.ObservedAt)
}

func TestDecodeRejectsStructurallyInvalidBodies(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"not json":       `hello`,
		"array":          `[{"metadata":{}}]`,
		"truncated":      `{"metadata":`,
		"missing rvm":    `{"metadata":{}}`,
		"blank type":     `{"metadata":{"rvm":{"serialNumber":"1","type":"  "}}}`,
		"wrong type":     `{"metadata":{"rvm":{"serialNumber":1,"type":"T"}}}`,
		"bad datetime":   `{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"machine":{"status":"up","updatedAt":"yesterday"}}`,
		"bin without id": `{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"bins":[{"status":"ok"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body), receivedAt)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestDecodeAbsentGroupsCarryNoUpdate(t *testing.T) {
	env, err := Decode([]byte(`{"metadata":{"rvm":{"serialNumber":"1","type":"T"}}}`), receivedAt)
	require.NoError(t, err)
	assert.Nil(t, env.Location)
	assert.Nil(t, env.Machine)
	assert.Empty(t, env.Bins)
	assert.Nil(t, env.Table)
	assert.Nil(t, env.CrateConveyor)
	assert.Nil(t, env.Connection)
	assert.Nil(t, env.Cleaning)
	assert.Nil(t, env.Assistant)
	assert.Nil(t, env.PaymentTerminal)
}

func TestDecodeDuplicateBinKeepsLastEntry(t *testing.T) {
	body := `{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"bins":[
		{"id":"1","status":"ok","updatedAt":"2024-01-01T00:00:00Z"},
		{"id":"2","status":"ok","updatedAt":"2024-01-01T00:00:00Z"},
		{"id":"1","status":"full"}
	]}`
	env, err := Decode([]byte(body), receivedAt)
	require.NoError(t, err)
	require.Len(t, env.Bins, 2)
	assert.Equal(t, "1", env.Bins[0].ID)
	assert.Equal(t, devicestate.FillFull, env.Bins[0].Status)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), env.Bins[0].UpdatedAt)
}

func TestDecodeIsDeterministicForReplay(t *testing.T) {
	first, err := Decode([]byte(fullPayload), receivedAt)
	require.NoError(t, err)
	second, err := Decode([]byte(fullPayload), receivedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeZonelessTimestampIsUTC(t *testing.T) {
	env, err := Decode([]byte(`{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"connection":{"status":"offline","lastSeenAt":"2024-01-01T00:00:00"}}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), env.Connection.LastSeenAt)
	assert.Equal(t, devicestate.ConnectionOffline, env.Connection.Status)
}

func TestDecodeTruncatesToMicroseconds(t *testing.T) {
	newer, err := Decode([]byte(`{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"connection":{"status":"online","lastSeenAt":"2024-01-01T00:00:00.123456900Z"}}`), receivedAt)
	require.NoError(t, err)
	older, err := Decode([]byte(`{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"connection":{"status":"offline","lastSeenAt":"2024-01-01T00:00:00.123456100Z"}}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 123456000, time.UTC), newer.Connection.LastSeenAt)
	assert.True(t, newer.Connection.LastSeenAt.Equal(older.Connection.LastSeenAt))

	stamped, err := Decode([]byte(`{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"cleaning":{"status":"ok"}}`), receivedAt.Add(789*time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, receivedAt, stamped.Cleaning.ObservedAt)
}

func TestDecodeRejectsOutOfRangeTimestamps(t *testing.T) {
	for _, value := range []string{"0001-01-01T00:00:00Z", "1500-01-01T00:00:00Z", "9999-12-31T23:59:59Z"} {
		body := `{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"machine":{"status":"up","updatedAt":"` + value + `"}}`
		_, err := Decode([]byte(body), receivedAt)
		require.Error(t, err, value)
		assert.True(t, errors.Is(err, ErrInvalidEnvelope), value)
		var decodeErr *DecodeError
		require.True(t, errors.As(err, &decodeErr))
		assert.Equal(t, "machine.updatedAt", decodeErr.Field)
	}
}

func TestDecodeRejectsNULInText(t *testing.T) {
	cases := map[string]string{
		"metadata.rvm.serialNumber":    `{"metadata":{"rvm":{"serialNumber":"1\u0000","type":"T"}}}`,
		"metadata.rvm.type":            `{"metadata":{"rvm":{"serialNumber":"1","type":"T\u0000"}}}`,
		"metadata.location.name":       `{"metadata":{"rvm":{"serialNumber":"1","type":"T"},"location":{"name":"a\u0000b"}}}`,
		"bins[0].id":                   `{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"bins":[{"id":"\u0000","status":"ok"}]}`,
		"paymentTerminal.reason":       `{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"paymentTerminal":{"status":"down","reason":"x\u0000"}}`,
		"metadata.location.customerId": `{"metadata":{"rvm":{"serialNumber":"1","type":"T"},"location":{"customerId":"\u0000"}}}`,
	}
	for field, body := range cases {
		_, err := Decode([]byte(body), receivedAt)
		var decodeErr *DecodeError
		require.True(t, errors.As(err, &decodeErr), field)
		assert.Equal(t, field, decodeErr.Field)
	}
}

func TestDecodeCapsEchoedDatetime(t *testing.T) {
	value := strings.Repeat("é", 1500)
	body := `{"metadata":{"rvm":{"serialNumber":"1","type":"T"}},"table":{"status":"ok","updatedAt":"` + value + `"}}`
	_, err := Decode([]byte(body), receivedAt)
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 200)
	assert.True(t, utf8.ValidString(err.Error()))
}
