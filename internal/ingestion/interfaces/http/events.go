package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"rvm-cloud/internal/audit"
	"rvm-cloud/internal/auth"
	ingestapp "rvm-cloud/internal/ingestion/application"
	ingestion "rvm-cloud/internal/ingestion/domain"
	"rvm-cloud/internal/tomra"
)

const (
	eventsPath       = "/api/v1/events"
	maxListLimit     = 500
	defaultReplayMax = 50
)

// Replayer re-runs logged events.
type Replayer interface {
	Replay(ctx context.Context, id string) (ingestapp.Result, error)
	ReplayPending(ctx context.Context, limit int) (ingestapp.ReplaySummary, error)
}

// EventsHandler exposes the webhook event log to operators.
type EventsHandler struct {
	events      ingestion.EventLog
	replayer    Replayer
	auditLogger audit.Logger
	logger      logrus.FieldLogger
}

// NewEventsHandler constructs a handler.
func NewEventsHandler(events ingestion.EventLog, replayer Replayer, auditLogger audit.Logger, logger logrus.FieldLogger) (*EventsHandler, error) {
	if events == nil {
		return nil, errors.New("events handler: nil event log")
	}
	if replayer == nil {
		return nil, errors.New("events handler: nil replayer")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventsHandler{events: events, replayer: replayer, auditLogger: auditLogger, logger: logger}, nil
}

// ServeHTTP handles /api/v1/events and subroutes.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == eventsPath:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
	case r.URL.Path == eventsPath+"/replay":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleReplayPending(w, r)
	case strings.HasPrefix(r.URL.Path, eventsPath+"/"):
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, eventsPath+"/"), "/")
		switch {
		case len(parts) == 1 && parts[0] != "":
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.handleGet(w, r, parts[0])
		case len(parts) == 2 && parts[0] != "" && parts[1] == "replay":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.handleReplay(w, r, parts[0])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type eventView struct {
	ingestion.Event
	Payload any `json:"payload,omitempty"`
}

func (h *EventsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := ingestion.ListFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := ingestion.ParseStatus(raw)
		if !ok {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	limit, err := parseLimit(r, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter.Limit = limit

	list, err := h.events.List(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("events handler: list")
		http.Error(w, "list events error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []ingestion.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *EventsHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	event, err := h.events.Get(r.Context(), id)
	if err != nil {
		h.logger.WithError(err).WithField("event_id", id).Error("events handler: get")
		http.Error(w, "get event error", http.StatusInternalServerError)
		return
	}
	if event == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	view := eventView{Event: *event}
	if json.Valid(event.Payload) {
		view.Payload = json.RawMessage(event.Payload)
	} else if len(event.Payload) > 0 {
		view.Payload = string(event.Payload)
	}
	writeJSON(w, http.StatusOK, view)
}

type replayResponse struct {
	EventID string `json:"eventId"`
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Applied int    `json:"applied"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

func (h *EventsHandler) handleReplay(w http.ResponseWriter, r *http.Request, id string) {
	result, err := h.replayer.Replay(r.Context(), id)
	if errors.Is(err, ingestion.ErrEventNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	resp := replayResponse{
		EventID: id,
		Stage:   string(result.Stage),
		Status:  string(result.Event.Status),
	}
	if result.Reconcile != nil {
		resp.Applied = result.Reconcile.Applied()
		resp.Skipped = result.Reconcile.Skipped()
	}
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, ingestapp.ErrSignatureRequired):
		status = http.StatusConflict
		resp.Error = err.Error()
	case errors.Is(err, tomra.ErrInvalidEnvelope):
		status = http.StatusUnprocessableEntity
		resp.Error = err.Error()
	default:
		h.logger.WithError(err).WithField("event_id", id).Error("events handler: replay")
		status = http.StatusInternalServerError
		resp.Error = "replay failed"
	}
	h.logAudit(r, audit.ActionReplayEvent, id, map[string]any{"stage": resp.Stage, "status": resp.Status})
	writeJSON(w, status, resp)
}

func (h *EventsHandler) handleReplayPending(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultReplayMax)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	summary, err := h.replayer.ReplayPending(r.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("events handler: replay pending")
		http.Error(w, "replay pending error", http.StatusInternalServerError)
		return
	}
	h.logAudit(r, audit.ActionReplayPending, "", map[string]any{
		"limit":     limit,
		"processed": summary.Processed,
		"rejected":  summary.Rejected,
		"failed":    summary.Failed,
	})
	writeJSON(w, http.StatusOK, summary)
}

func (h *EventsHandler) logAudit(r *http.Request, action, eventID string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:         auth.SubjectFromContext(r.Context()),
		Role:          string(auth.RoleFromContext(r.Context())),
		Action:        action,
		ResourceType:  "webhook_event",
		ResourceID:    eventID,
		Metadata:      payload,
		PayloadDigest: audit.DigestJSON(payload),
		IP:            audit.ClientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		h.logger.WithError(err).WithField("action", action).Warn("audit log failed")
	}
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
