package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Actions recorded for operators.
const (
	ActionReplayEvent   = "event.replay"
	ActionReplayPending = "event.replay_pending"
	ActionExportDevices = "devices.export"
)

// Entry represents an audit log entry.
type Entry struct {
	ID            string
	Actor         string
	Role          string
	Action        string
	ResourceType  string
	ResourceID    string
	Metadata      json.RawMessage
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates an audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LogLogger writes entries to a structured logger. Used when no database is configured.
type LogLogger struct {
	logger logrus.FieldLogger
}

// NewLogLogger constructs a LogLogger.
func NewLogLogger(logger logrus.FieldLogger) *LogLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogLogger{logger: logger}
}

// Log writes entry as an info line.
func (l *LogLogger) Log(ctx context.Context, entry Entry) error {
	_ = ctx
	if entry.ID == "" {
		entry.ID = NewID()
	}
	l.logger.WithFields(logrus.Fields{
		"audit_id":      entry.ID,
		"actor":         entry.Actor,
		"role":          entry.Role,
		"action":        entry.Action,
		"resource_type": entry.ResourceType,
		"resource_id":   entry.ResourceID,
		"ip":            entry.IP,
	}).Info("audit")
	return nil
}
