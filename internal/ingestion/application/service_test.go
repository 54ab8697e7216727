package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvm-cloud/internal/auth"
	stateapp "rvm-cloud/internal/devicestate/application"
	devicestate "rvm-cloud/internal/devicestate/domain"
	statememory "rvm-cloud/internal/devicestate/infrastructure/memory"
	ingestion "rvm-cloud/internal/ingestion/domain"
	eventmemory "rvm-cloud/internal/ingestion/infrastructure/memory"
	"rvm-cloud/internal/tomra"
)

const onlinePayload = `{"metadata":{"rvm":{"serialNumber":"SN-1","type":"T-70"}},"connection":{"status":"online","lastSeenAt":"2024-01-01T00:00:00Z"}}`
const offlinePayload = `{"metadata":{"rvm":{"serialNumber":"SN-1","type":"T-70"}},"connection":{"status":"offline","lastSeenAt":"2023-12-31T00:00:00Z"}}`

var deviceKey = devicestate.DeviceKey{SerialNumber: "SN-1", Type: "T-70"}

type fixture struct {
	service  *Service
	events   *eventmemory.EventLog
	states   *statememory.StateStore
	verifier *auth.SignatureVerifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil, opts...)
}

func newFixtureWithStore(t *testing.T, store devicestate.StateStore, opts ...Option) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	states := statememory.NewStateStore()
	if store == nil {
		store = states
	}
	reconciler, err := stateapp.NewReconciler(store, logger)
	require.NoError(t, err)
	verifier, err := auth.NewSignatureVerifier([]byte("secret"))
	require.NoError(t, err)
	events := eventmemory.NewEventLog()
	service, err := NewService(events, verifier, reconciler, logger, opts...)
	require.NoError(t, err)
	return &fixture{service: service, events: events, states: states, verifier: verifier}
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestIngestSignedEnvelope(t *testing.T) {
	f := newFixture(t)
	body := []byte(onlinePayload)

	result, err := f.service.Ingest(context.Background(), body, f.verifier.Sign(body))
	require.NoError(t, err)
	assert.Equal(t, auth.SignatureValid, result.Signature)
	assert.Equal(t, []ingestion.Stage{
		ingestion.StageReceived,
		ingestion.StageVerified,
		ingestion.StageDecoded,
		ingestion.StageReconciled,
	}, result.Trace)

	stored, err := f.events.Get(context.Background(), result.Event.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SignatureValid)
	assert.True(t, *stored.SignatureValid)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Equal(t, ingestion.StatusProcessed, stored.Status)
}

func TestIngestUnsignedIsTolerated(t *testing.T) {
	f := newFixture(t)
	result, err := f.service.Ingest(context.Background(), []byte(onlinePayload), "")
	require.NoError(t, err)
	assert.Equal(t, auth.SignatureAbsent, result.Signature)
	assert.Equal(t, ingestion.StageReconciled, result.Stage)

	stored, _ := f.events.Get(context.Background(), result.Event.ID)
	assert.Nil(t, stored.SignatureValid)

	result, err = f.service.Ingest(context.Background(), []byte(onlinePayload), "sha256=00")
	require.NoError(t, err)
	assert.Equal(t, auth.SignatureInvalid, result.Signature)
	stored, _ = f.events.Get(context.Background(), result.Event.ID)
	require.NotNil(t, stored.SignatureValid)
	assert.False(t, *stored.SignatureValid)
}

func TestIngestRejectUnsigned(t *testing.T) {
	f := newFixture(t, WithRejectUnsigned(true))
	result, err := f.service.Ingest(context.Background(), []byte(onlinePayload), "sha256=00")
	require.ErrorIs(t, err, ErrSignatureRequired)
	assert.Equal(t, ingestion.StageRejected, result.Stage)

	stored, _ := f.events.Get(context.Background(), result.Event.ID)
	require.NotNil(t, stored)
	assert.Equal(t, ingestion.StatusRejected, stored.Status)
	assert.Nil(t, stored.ProcessedAt)

	state, err := f.states.GetState(context.Background(), deviceKey)
	require.NoError(t, err)
	assert.Nil(t, state)

	_, err = f.service.Replay(context.Background(), result.Event.ID)
	assert.ErrorIs(t, err, ErrSignatureRequired)
}

func TestIngestDecodeErrorIsLoggedAndRejected(t *testing.T) {
	f := newFixture(t)
	result, err := f.service.Ingest(context.Background(), []byte(`{"metadata":{"rvm":{"type":"T-70"}}}`), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, tomra.ErrInvalidEnvelope)
	assert.Equal(t, ingestion.StageRejected, result.Stage)

	stored, _ := f.events.Get(context.Background(), result.Event.ID)
	require.NotNil(t, stored)
	assert.Equal(t, ingestion.StatusRejected, stored.Status)
	assert.Nil(t, stored.ProcessedAt)
	assert.Contains(t, stored.LastError, "serialNumber")
}

func TestIngestOutOfOrderConnectionKeepsNewest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Ingest(ctx, []byte(onlinePayload), "")
	require.NoError(t, err)
	result, err := f.service.Ingest(ctx, []byte(offlinePayload), "")
	require.NoError(t, err)
	assert.Equal(t, ingestion.StagePartiallyReconciled, result.Stage)

	state, err := f.states.GetState(ctx, deviceKey)
	require.NoError(t, err)
	require.NotNil(t, state.Connection)
	assert.Equal(t, "online", state.Connection.Status)
}

func TestIngestTwiceLogsTwiceWithSameState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := []byte(`{"metadata":{"rvm":{"serialNumber":"SN-1","type":"T-70"}},
		"machine":{"status":"down","details":[{"reason":"fullBin"}],"updatedAt":"2024-01-01T00:00:00Z"},
		"assistant":{"requestedAt":"2024-01-01T00:00:00Z"}}`)

	first, err := f.service.Ingest(ctx, body, "")
	require.NoError(t, err)
	after1, err := f.states.GetState(ctx, deviceKey)
	require.NoError(t, err)

	second, err := f.service.Ingest(ctx, body, "")
	require.NoError(t, err)
	after2, err := f.states.GetState(ctx, deviceKey)
	require.NoError(t, err)

	assert.NotEqual(t, first.Event.ID, second.Event.ID)
	events, err := f.events.List(ctx, ingestion.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	assert.Equal(t, after1.Machine.Status, after2.Machine.Status)
	assert.Equal(t, after1.Machine.Details, after2.Machine.Details)
	assert.Len(t, after2.AssistantRequests, 1)
}

type flakyStore struct {
	devicestate.StateStore
	failures int
}

func (s *flakyStore) ApplySubState(ctx context.Context, deviceID string, update devicestate.SubStateUpdate) (bool, error) {
	if s.failures > 0 {
		s.failures--
		return false, errors.New("connection refused")
	}
	return s.StateStore.ApplySubState(ctx, deviceID, update)
}

func TestIngestStoreFailureIsReplayable(t *testing.T) {
	inner := statememory.NewStateStore()
	f := newFixtureWithStore(t, &flakyStore{StateStore: inner, failures: 1})
	ctx := context.Background()

	result, err := f.service.Ingest(ctx, []byte(onlinePayload), "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, tomra.ErrInvalidEnvelope)
	assert.Equal(t, ingestion.StageDecoded, result.Stage)

	stored, _ := f.events.Get(ctx, result.Event.ID)
	assert.Equal(t, ingestion.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Nil(t, stored.ProcessedAt)

	summary, err := f.service.ReplayPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReplaySummary{Processed: 1}, summary)

	stored, _ = f.events.Get(ctx, result.Event.ID)
	assert.Equal(t, ingestion.StatusProcessed, stored.Status)
	state, err := inner.GetState(ctx, deviceKey)
	require.NoError(t, err)
	assert.Equal(t, "online", state.Connection.Status)
}

func TestIngestZeroTimestampIsRejectedNotPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := []byte(`{"metadata":{"rvm":{"serialNumber":"SN-1","type":"T-70"}},"machine":{"status":"up","updatedAt":"0001-01-01T00:00:00Z"}}`)

	result, err := f.service.Ingest(ctx, body, "")
	require.ErrorIs(t, err, tomra.ErrInvalidEnvelope)
	assert.Equal(t, ingestion.StageRejected, result.Stage)

	stored, _ := f.events.Get(ctx, result.Event.ID)
	assert.Equal(t, ingestion.StatusRejected, stored.Status)
	pending, err := f.events.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayPendingStopsAtMaxAttempts(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := &flakyStore{StateStore: statememory.NewStateStore(), failures: 100}
	reconciler, err := stateapp.NewReconciler(store, logger)
	require.NoError(t, err)
	verifier, err := auth.NewSignatureVerifier([]byte("secret"))
	require.NoError(t, err)
	events := eventmemory.NewEventLog(eventmemory.WithMaxAttempts(3))
	service, err := NewService(events, verifier, reconciler, logger)
	require.NoError(t, err)
	ctx := context.Background()

	result, err := service.Ingest(ctx, []byte(onlinePayload), "")
	require.Error(t, err)
	assert.Equal(t, ingestion.StatusFailed, result.Event.Status)

	for i := 0; i < 2; i++ {
		summary, err := service.ReplayPending(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, ReplaySummary{Failed: 1}, summary)
	}
	summary, err := service.ReplayPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, summary.Total())

	stored, _ := events.Get(ctx, result.Event.ID)
	assert.Equal(t, ingestion.StatusDead, stored.Status)
	assert.Equal(t, 3, stored.Attempts)

	store.failures = 0
	replayed, err := service.Replay(ctx, result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusProcessed, replayed.Event.Status)
}

func TestReplayUnknownEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, ingestion.ErrEventNotFound)
}

func TestReplayProcessedEventIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result, err := f.service.Ingest(ctx, []byte(onlinePayload), "")
	require.NoError(t, err)
	first, _ := f.events.Get(ctx, result.Event.ID)

	replayed, err := f.service.Replay(ctx, result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.StageReconciled, replayed.Stage)

	second, _ := f.events.Get(ctx, result.Event.ID)
	assert.Equal(t, *first.ProcessedAt, *second.ProcessedAt)
}

func TestReplayWorkerRunOnce(t *testing.T) {
	inner := statememory.NewStateStore()
	f := newFixtureWithStore(t, &flakyStore{StateStore: inner, failures: 1})
	ctx := context.Background()
	_, err := f.service.Ingest(ctx, []byte(onlinePayload), "")
	require.Error(t, err)

	_, err = NewReplayWorker(f.service, 0, 10, nil)
	assert.Error(t, err)

	logger, hook := test.NewNullLogger()
	worker, err := NewReplayWorker(f.service, time.Minute, 10, logger)
	require.NoError(t, err)
	summary := worker.RunOnce(ctx)
	assert.Equal(t, 1, summary.Processed)
	assert.Len(t, hook.AllEntries(), 1)

	summary = worker.RunOnce(ctx)
	assert.Equal(t, 0, summary.Total())
}
