package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	ingestion "rvm-cloud/internal/ingestion/domain"
)

const defaultListLimit = 100

// EventLog is an in-memory event log.
type EventLog struct {
	mu          sync.RWMutex
	events      map[string]*ingestion.Event
	order       []string
	maxAttempts int
	now         func() time.Time
}

// Option configures the event log.
type Option func(*EventLog)

// WithMaxAttempts sets the failure count that turns an event dead.
func WithMaxAttempts(attempts int) Option {
	return func(l *EventLog) {
		if attempts > 0 {
			l.maxAttempts = attempts
		}
	}
}

// NewEventLog constructs an event log.
func NewEventLog(opts ...Option) *EventLog {
	l := &EventLog{
		events:      make(map[string]*ingestion.Event),
		maxAttempts: ingestion.DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records a delivery.
func (l *EventLog) Append(ctx context.Context, payload []byte, signatureValid *bool) (ingestion.Event, error) {
	_ = ctx
	event := ingestion.Event{
		ID:             uuid.NewString(),
		ReceivedAt:     l.now(),
		Payload:        append([]byte(nil), payload...),
		SignatureValid: copyBool(signatureValid),
		Status:         ingestion.StatusReceived,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := event
	l.events[event.ID] = &stored
	l.order = append(l.order, event.ID)
	return cloneEvent(stored), nil
}

// MarkProcessed sets processedAt once.
func (l *EventLog) MarkProcessed(ctx context.Context, id string) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	event, ok := l.events[id]
	if !ok {
		return ingestion.ErrEventNotFound
	}
	if event.ProcessedAt != nil {
		return nil
	}
	now := l.now()
	event.ProcessedAt = &now
	event.Status = ingestion.StatusProcessed
	event.LastError = ""
	return nil
}

// MarkRejected flags an unprocessed event as rejected.
func (l *EventLog) MarkRejected(ctx context.Context, id string, reason string) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	event, ok := l.events[id]
	if !ok {
		return ingestion.ErrEventNotFound
	}
	if event.ProcessedAt != nil {
		return nil
	}
	event.Status = ingestion.StatusRejected
	event.LastError = reason
	return nil
}

// RecordFailure counts a failed reconciliation attempt.
func (l *EventLog) RecordFailure(ctx context.Context, id string, cause error) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	event, ok := l.events[id]
	if !ok {
		return ingestion.ErrEventNotFound
	}
	if event.ProcessedAt != nil {
		return nil
	}
	event.Attempts++
	event.Status = ingestion.StatusFailed
	if event.Attempts >= l.maxAttempts {
		event.Status = ingestion.StatusDead
	}
	if cause != nil {
		event.LastError = cause.Error()
	}
	return nil
}

// Get returns the event or nil when unknown.
func (l *EventLog) Get(ctx context.Context, id string) (*ingestion.Event, error) {
	_ = ctx
	l.mu.RLock()
	defer l.mu.RUnlock()
	event, ok := l.events[id]
	if !ok {
		return nil, nil
	}
	clone := cloneEvent(*event)
	return &clone, nil
}

// ListPending returns unprocessed, non-rejected events oldest first.
func (l *EventLog) ListPending(ctx context.Context, limit int) ([]ingestion.Event, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var result []ingestion.Event
	for _, id := range l.order {
		event := l.events[id]
		if !event.Pending() {
			continue
		}
		result = append(result, cloneEvent(*event))
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

// List returns events newest first.
func (l *EventLog) List(ctx context.Context, filter ingestion.ListFilter) ([]ingestion.Event, error) {
	_ = ctx
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]ingestion.Event, 0, len(l.order))
	for _, id := range l.order {
		event := l.events[id]
		if filter.Status != "" && event.Status != filter.Status {
			continue
		}
		result = append(result, cloneEvent(*event))
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].ReceivedAt.After(result[j].ReceivedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneEvent(event ingestion.Event) ingestion.Event {
	event.Payload = append([]byte(nil), event.Payload...)
	event.SignatureValid = copyBool(event.SignatureValid)
	if event.ProcessedAt != nil {
		t := *event.ProcessedAt
		event.ProcessedAt = &t
	}
	return event
}

func copyBool(value *bool) *bool {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
