package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	ingestion "rvm-cloud/internal/ingestion/domain"
)

const (
	defaultEventsTable = "webhook_events"
	defaultListLimit   = 100
	maxErrorLength     = 2000
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EventLog is a Postgres implementation of the webhook event log.
type EventLog struct {
	db          DBTX
	table       string
	maxAttempts int
}

// NewEventLog constructs an event log.
func NewEventLog(db DBTX, opts ...EventLogOption) *EventLog {
	log := &EventLog{db: db, table: defaultEventsTable, maxAttempts: ingestion.DefaultMaxAttempts}
	for _, opt := range opts {
		opt(log)
	}
	return log
}

// EventLogOption configures the event log.
type EventLogOption func(*EventLog)

// WithEventsTable overrides the table name.
func WithEventsTable(table string) EventLogOption {
	return func(log *EventLog) {
		if table != "" {
			log.table = table
		}
	}
}

// WithMaxAttempts sets the failure count that turns an event dead.
func WithMaxAttempts(attempts int) EventLogOption {
	return func(log *EventLog) {
		if attempts > 0 {
			log.maxAttempts = attempts
		}
	}
}

// Append inserts a received event.
func (l *EventLog) Append(ctx context.Context, payload []byte, signatureValid *bool) (ingestion.Event, error) {
	if l == nil || l.db == nil {
		return ingestion.Event{}, errors.New("event log: nil db")
	}
	event := ingestion.Event{
		ID:             uuid.NewString(),
		ReceivedAt:     time.Now().UTC(),
		Payload:        payload,
		SignatureValid: signatureValid,
		Status:         ingestion.StatusReceived,
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	received_at,
	payload,
	signature_valid,
	status,
	attempts
) VALUES (
	$1, $2, $3, $4, $5, 0
)`, l.table)

	_, err := l.db.ExecContext(ctx, query, event.ID, event.ReceivedAt, payload, nullBool(signatureValid), string(event.Status))
	if err != nil {
		return ingestion.Event{}, err
	}
	return event, nil
}

// MarkProcessed sets processed_at once; later calls leave it untouched.
func (l *EventLog) MarkProcessed(ctx context.Context, id string) error {
	if l == nil || l.db == nil {
		return errors.New("event log: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'processed',
	processed_at = COALESCE(processed_at, $1),
	last_error = NULL
WHERE id = $2`, l.table)
	return l.execOne(ctx, query, time.Now().UTC(), id)
}

// MarkRejected flags an unprocessed event as rejected.
func (l *EventLog) MarkRejected(ctx context.Context, id string, reason string) error {
	if l == nil || l.db == nil {
		return errors.New("event log: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'rejected',
	last_error = $1
WHERE id = $2 AND processed_at IS NULL`, l.table)
	_, err := l.db.ExecContext(ctx, query, truncate(reason), id)
	return err
}

// RecordFailure increments attempts and stores the last error. The event turns
// dead when attempts reach the cap.
func (l *EventLog) RecordFailure(ctx context.Context, id string, cause error) error {
	if l == nil || l.db == nil {
		return errors.New("event log: nil db")
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'failed' END,
	attempts = attempts + 1,
	last_error = $1
WHERE id = $3 AND processed_at IS NULL`, l.table)
	_, err := l.db.ExecContext(ctx, query, truncate(message), l.maxAttempts, id)
	return err
}

// Get loads an event or returns nil when unknown.
func (l *EventLog) Get(ctx context.Context, id string) (*ingestion.Event, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("event log: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, received_at, payload, signature_valid, status, processed_at, attempts, last_error
FROM %s
WHERE id = $1`, l.table)

	event, err := scanEvent(l.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

// ListPending returns received or failed events, oldest first.
func (l *EventLog) ListPending(ctx context.Context, limit int) ([]ingestion.Event, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("event log: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, received_at, payload, signature_valid, status, processed_at, attempts, last_error
FROM %s
WHERE processed_at IS NULL AND status IN ('received', 'failed')
ORDER BY received_at ASC
LIMIT $1`, l.table)
	return l.query(ctx, query, limit)
}

// List returns events newest first, optionally filtered by status.
func (l *EventLog) List(ctx context.Context, filter ingestion.ListFilter) ([]ingestion.Event, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("event log: nil db")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if filter.Status != "" {
		query := fmt.Sprintf(`
SELECT id, received_at, payload, signature_valid, status, processed_at, attempts, last_error
FROM %s
WHERE status = $1
ORDER BY received_at DESC
LIMIT $2`, l.table)
		return l.query(ctx, query, string(filter.Status), limit)
	}
	query := fmt.Sprintf(`
SELECT id, received_at, payload, signature_valid, status, processed_at, attempts, last_error
FROM %s
ORDER BY received_at DESC
LIMIT $1`, l.table)
	return l.query(ctx, query, limit)
}

func (l *EventLog) execOne(ctx context.Context, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ingestion.ErrEventNotFound
	}
	return nil
}

func (l *EventLog) query(ctx context.Context, query string, args ...any) ([]ingestion.Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ingestion.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*ingestion.Event, error) {
	var event ingestion.Event
	var status string
	var signature sql.NullBool
	var processedAt sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(
		&event.ID,
		&event.ReceivedAt,
		&event.Payload,
		&signature,
		&status,
		&processedAt,
		&event.Attempts,
		&lastError,
	); err != nil {
		return nil, err
	}
	event.ReceivedAt = event.ReceivedAt.UTC()
	event.Status = ingestion.Status(status)
	if signature.Valid {
		v := signature.Bool
		event.SignatureValid = &v
	}
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		event.ProcessedAt = &t
	}
	event.LastError = lastError.String
	return &event, nil
}

func nullBool(value *bool) sql.NullBool {
	if value == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *value, Valid: true}
}

// truncate caps message at maxErrorLength bytes without splitting a rune.
func truncate(message string) string {
	if len(message) <= maxErrorLength {
		return message
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
