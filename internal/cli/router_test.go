package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvm-cloud/internal/audit"
	"rvm-cloud/internal/auth"
	stateapp "rvm-cloud/internal/devicestate/application"
	statememory "rvm-cloud/internal/devicestate/infrastructure/memory"
	ingestapp "rvm-cloud/internal/ingestion/application"
	eventmemory "rvm-cloud/internal/ingestion/infrastructure/memory"
	"rvm-cloud/internal/middleware"
)

const (
	testJWTSecret = "jwt-secret"
	testPayload   = `{"metadata":{"rvm":{"serialNumber":"SN-1","type":"T-70"}},"machine":{"status":"up","updatedAt":"2024-05-01T10:00:00Z"}}`
)

func testRouter(t *testing.T, jwtSecret string) http.Handler {
	t.Helper()
	logger, _ := test.NewNullLogger()
	states := statememory.NewStateStore()
	events := eventmemory.NewEventLog()
	verifier, err := auth.NewSignatureVerifier([]byte("webhook-secret"))
	require.NoError(t, err)
	reconciler, err := stateapp.NewReconciler(states, logger)
	require.NoError(t, err)
	service, err := ingestapp.NewService(events, verifier, reconciler, logger)
	require.NoError(t, err)
	fleet, err := stateapp.NewFleetQuery(states)
	require.NoError(t, err)

	handler, err := newRouter(routerDeps{
		Service:      service,
		Events:       events,
		Fleet:        fleet,
		Audit:        audit.NewLogLogger(logger),
		Limiter:      middleware.NewRateLimiter(100, 100, logger),
		JWTSecret:    jwtSecret,
		MaxBodyBytes: 1 << 20,
		Version:      "test",
		Logger:       logger,
	})
	require.NoError(t, err)
	return handler
}

func do(t *testing.T, handler http.Handler, method, target, body string, role auth.Role) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if role != "" {
		token, err := auth.IssueJWT([]byte(testJWTSecret), "ops@example.com", role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRouterHealthEndpoints(t *testing.T) {
	handler := testRouter(t, testJWTSecret)

	rec := do(t, handler, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, handler, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, serviceName, body["service"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "disabled", body["database"])

	rec = do(t, handler, http.MethodGet, "/webhooks/tomra/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Tomra webhook endpoint is ready")

	rec = do(t, handler, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterWebhookThenOperatorAPI(t *testing.T) {
	handler := testRouter(t, testJWTSecret)

	rec := do(t, handler, http.MethodPost, "/webhooks/tomra", testPayload, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ingest map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ingest))
	eventID, _ := ingest["eventId"].(string)
	require.NotEmpty(t, eventID)

	rec = do(t, handler, http.MethodGet, "/webhooks/tomra", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, handler, http.MethodGet, "/api/v1/devices", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, handler, http.MethodGet, "/api/v1/devices/SN-1", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"up"`)

	rec = do(t, handler, http.MethodGet, "/api/v1/events/"+eventID, "", auth.RoleViewer)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, handler, http.MethodPost, "/api/v1/events/"+eventID+"/replay", "", auth.RoleViewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, handler, http.MethodPost, "/api/v1/events/"+eventID+"/replay", "", auth.RoleOperator)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, handler, http.MethodPost, "/api/v1/events/replay", "", auth.RoleOperator)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, handler, http.MethodPost, "/api/v1/events/replay", "", auth.RoleAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, handler, http.MethodGet, "/api/v1/exports/devices.xlsx", "", auth.RoleViewer)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterWithoutJWTSecretHidesOperatorAPI(t *testing.T) {
	handler := testRouter(t, "")
	rec := do(t, handler, http.MethodGet, "/api/v1/devices", "", auth.RoleViewer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, handler, http.MethodPost, "/webhooks/tomra", testPayload, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
