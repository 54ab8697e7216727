package ingestion

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned when an event id is unknown.
var ErrEventNotFound = errors.New("ingestion: event not found")

// Status is the processing status of a logged webhook event.
type Status string

const (
	StatusReceived  Status = "received"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
	StatusProcessed Status = "processed"
	// StatusDead marks events that failed DefaultMaxAttempts times; only an
	// explicit replay by id retries them.
	StatusDead Status = "dead"
)

// DefaultMaxAttempts is the failure count after which an event stops being pending.
const DefaultMaxAttempts = 10

// ParseStatus validates a status filter value.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusReceived, StatusRejected, StatusFailed, StatusProcessed, StatusDead:
		return Status(value), true
	default:
		return "", false
	}
}

// Event is an immutable record of one webhook delivery. Only the processing
// columns change after append.
type Event struct {
	ID             string     `json:"id"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	Payload        []byte     `json:"-"`
	SignatureValid *bool      `json:"signatureValid"`
	Status         Status     `json:"status"`
	ProcessedAt    *time.Time `json:"processedAt"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"lastError,omitempty"`
}

// Pending reports whether the event still awaits a successful reconciliation.
func (e Event) Pending() bool {
	return e.ProcessedAt == nil && e.Status != StatusRejected && e.Status != StatusDead
}

// ListFilter narrows event listings.
type ListFilter struct {
	Status Status
	Limit  int
}

// EventLog is the append-only webhook record.
type EventLog interface {
	Append(ctx context.Context, payload []byte, signatureValid *bool) (Event, error)
	// MarkProcessed sets processedAt once; repeated calls are no-ops.
	MarkProcessed(ctx context.Context, id string) error
	MarkRejected(ctx context.Context, id string, reason string) error
	// RecordFailure counts a failed attempt; the event turns dead once the
	// store's attempt cap is reached.
	RecordFailure(ctx context.Context, id string, cause error) error
	Get(ctx context.Context, id string) (*Event, error)
	ListPending(ctx context.Context, limit int) ([]Event, error)
	List(ctx context.Context, filter ListFilter) ([]Event, error)
}
