package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvm-cloud/internal/auth"
	stateapp "rvm-cloud/internal/devicestate/application"
	devicestate "rvm-cloud/internal/devicestate/domain"
	statememory "rvm-cloud/internal/devicestate/infrastructure/memory"
	ingestapp "rvm-cloud/internal/ingestion/application"
	ingestion "rvm-cloud/internal/ingestion/domain"
	eventmemory "rvm-cloud/internal/ingestion/infrastructure/memory"
)

const validPayload = `{"metadata":{"rvm":{"serialNumber":"SN-1","type":"T-70"}},"connection":{"status":"online","lastSeenAt":"2024-01-01T00:00:00Z"}}`

type harness struct {
	service  *ingestapp.Service
	events   *eventmemory.EventLog
	states   *statememory.StateStore
	verifier *auth.SignatureVerifier
}

func newHarness(t *testing.T, opts ...ingestapp.Option) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	states := statememory.NewStateStore()
	reconciler, err := stateapp.NewReconciler(states, logger)
	require.NoError(t, err)
	verifier, err := auth.NewSignatureVerifier([]byte("secret"))
	require.NoError(t, err)
	events := eventmemory.NewEventLog()
	service, err := ingestapp.NewService(events, verifier, reconciler, logger, opts...)
	require.NoError(t, err)
	return &harness{service: service, events: events, states: states, verifier: verifier}
}

func (h *harness) webhook(t *testing.T, opts ...WebhookOption) *WebhookHandler {
	t.Helper()
	logger, _ := test.NewNullLogger()
	handler, err := NewWebhookHandler(h.service, logger, opts...)
	require.NoError(t, err)
	return handler
}

func post(handler http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tomra", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(auth.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWebhookAcceptsSignedPayload(t *testing.T) {
	h := newHarness(t)
	rec := post(h.webhook(t), validPayload, h.verifier.Sign([]byte(validPayload)))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["signatureValid"])
	assert.NotEmpty(t, body["timestamp"])
	assert.NotEmpty(t, body["eventId"])

	state, ok := body["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "SN-1", state["serialNumber"])
	assert.Equal(t, "reconciled", state["stage"])
	assert.EqualValues(t, 1, state["applied"])

	stored, err := h.states.GetState(context.Background(), devicestate.DeviceKey{SerialNumber: "SN-1", Type: "T-70"})
	require.NoError(t, err)
	assert.Equal(t, "online", stored.Connection.Status)
}

func TestWebhookUnsignedIsAccepted(t *testing.T) {
	h := newHarness(t)
	rec := post(h.webhook(t), validPayload, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Nil(t, body["signatureValid"])
}

func TestWebhookInvalidPayload(t *testing.T) {
	h := newHarness(t)
	rec := post(h.webhook(t), `{"metadata":{"rvm":{"type":"T-70"}}}`, "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Invalid payload format", body["error"])
	assert.Contains(t, body["message"], "serialNumber")

	events, err := h.events.List(context.Background(), ingestion.ListFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ingestion.StatusRejected, events[0].Status)
}

func TestWebhookRejectsUnsignedWhenConfigured(t *testing.T) {
	h := newHarness(t, ingestapp.WithRejectUnsigned(true))
	rec := post(h.webhook(t), validPayload, "sha256=deadbeef")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Invalid signature", body["error"])
	assert.Equal(t, false, body["signatureValid"])

	events, err := h.events.List(context.Background(), ingestion.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestWebhookBodyTooLarge(t *testing.T) {
	h := newHarness(t)
	rec := post(h.webhook(t, WithMaxBodyBytes(16)), validPayload, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	events, err := h.events.List(context.Background(), ingestion.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/tomra", nil)
	rec := httptest.NewRecorder()
	h.webhook(t).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type failingIngester struct{}

func (failingIngester) Ingest(ctx context.Context, body []byte, signatureHeader string) (ingestapp.Result, error) {
	return ingestapp.Result{Event: ingestion.Event{ID: "evt-1"}}, errors.New("database is down")
}

func TestWebhookStoreFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	handler, err := NewWebhookHandler(failingIngester{}, logger)
	require.NoError(t, err)

	rec := post(handler, validPayload, "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Internal Server Error", body["error"])
	assert.Equal(t, "evt-1", body["eventId"])
	assert.Equal(t, "event stored for replay", body["message"])
	assert.NotContains(t, rec.Body.String(), "database is down")
}

type unloggedIngester struct{}

func (unloggedIngester) Ingest(ctx context.Context, body []byte, signatureHeader string) (ingestapp.Result, error) {
	return ingestapp.Result{}, errors.New("ingestion: append event: database is down")
}

func TestWebhookAppendFailureDoesNotClaimStored(t *testing.T) {
	logger, _ := test.NewNullLogger()
	handler, err := NewWebhookHandler(unloggedIngester{}, logger)
	require.NoError(t, err)

	rec := post(handler, validPayload, "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "event could not be stored", body["message"])
	_, hasID := body["eventId"]
	assert.False(t, hasID)
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/tomra/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "Tomra webhook endpoint is ready", body["message"])
	assert.NotEmpty(t, body["timestamp"])
}
