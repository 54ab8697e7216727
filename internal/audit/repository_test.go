package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	metadata := json.RawMessage(`{"limit":10}`)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WithArgs(sqlmock.AnyArg(), "ops-1", "admin", ActionReplayPending, "webhook_event", "",
			[]byte(metadata), DigestJSON(metadata), "10.0.0.1", "curl", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewRepository(db)
	require.NotNil(t, repo)
	err = repo.Log(context.Background(), Entry{
		Actor:        "ops-1",
		Role:         "admin",
		Action:       ActionReplayPending,
		ResourceType: "webhook_event",
		Metadata:     metadata,
		IP:           "10.0.0.1",
		UserAgent:    "curl",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryLogWithoutMetadataWritesNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WithArgs("audit-1", "ops-1", "viewer", ActionExportDevices, "device", "",
			nil, "", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewRepository(db).Log(context.Background(), Entry{
		ID:           "audit-1",
		Actor:        "ops-1",
		Role:         "viewer",
		Action:       ActionExportDevices,
		ResourceType: "device",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryNil(t *testing.T) {
	assert.Nil(t, NewRepository(nil))
	var repo *Repository
	assert.Error(t, repo.Log(context.Background(), Entry{}))
}

func TestLogLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	require.NoError(t, NewLogLogger(logger).Log(context.Background(), Entry{Actor: "ops-1", Action: ActionReplayEvent, ResourceID: "evt-1"}))
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "evt-1", hook.LastEntry().Data["resource_id"])
}

func TestDigestJSON(t *testing.T) {
	assert.Equal(t, "", DigestJSON(nil))
	assert.Len(t, DigestJSON([]byte(`{}`)), 64)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:51234"
	assert.Equal(t, "10.0.0.9", ClientIP(r))

	r.Header.Set("X-Real-IP", " 10.0.0.2 ")
	assert.Equal(t, "10.0.0.2", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(r))

	assert.Equal(t, "", ClientIP(nil))
}
