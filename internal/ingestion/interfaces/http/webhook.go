package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"rvm-cloud/internal/auth"
	stateapp "rvm-cloud/internal/devicestate/application"
	ingestapp "rvm-cloud/internal/ingestion/application"
	"rvm-cloud/internal/observability/metrics"
	"rvm-cloud/internal/tomra"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Ingester runs one webhook delivery through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, body []byte, signatureHeader string) (ingestapp.Result, error)
}

// WebhookHandler receives Tomra device notifications.
type WebhookHandler struct {
	ingester     Ingester
	maxBodyBytes int64
	logger       logrus.FieldLogger
}

// WebhookOption configures the handler.
type WebhookOption func(*WebhookHandler)

// WithMaxBodyBytes caps the accepted request body size.
func WithMaxBodyBytes(limit int64) WebhookOption {
	return func(h *WebhookHandler) {
		if limit > 0 {
			h.maxBodyBytes = limit
		}
	}
}

// NewWebhookHandler constructs a webhook handler.
func NewWebhookHandler(ingester Ingester, logger logrus.FieldLogger, opts ...WebhookOption) (*WebhookHandler, error) {
	if ingester == nil {
		return nil, errors.New("tomra webhook: nil ingester")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &WebhookHandler{ingester: ingester, maxBodyBytes: defaultMaxBodyBytes, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type webhookResponse struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	SignatureValid *bool          `json:"signatureValid"`
	Timestamp      string         `json:"timestamp"`
	EventID        string         `json:"eventId"`
	State          *reconcileView `json:"state,omitempty"`
}

type webhookError struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	Message        string `json:"message"`
	SignatureValid *bool  `json:"signatureValid,omitempty"`
	EventID        string `json:"eventId,omitempty"`
}

type reconcileView struct {
	DeviceID     string                    `json:"deviceId"`
	SerialNumber string                    `json:"serialNumber"`
	Type         string                    `json:"type"`
	Stage        string                    `json:"stage"`
	Applied      int                       `json:"applied"`
	Skipped      int                       `json:"skipped"`
	Outcomes     []stateapp.SubStateResult `json:"outcomes"`
}

// ServeHTTP ingests one notification.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveIngest(result, time.Since(start))
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	defer r.Body.Close()
	if err != nil {
		result = metrics.ResultRejected
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.IncIngestError("body_too_large")
			writeJSON(w, http.StatusRequestEntityTooLarge, webhookError{
				Error:   "Payload Too Large",
				Message: "request body exceeds limit",
			})
			return
		}
		metrics.IncIngestError("read_body")
		h.logger.WithError(err).Warn("tomra webhook: read body")
		writeJSON(w, http.StatusBadRequest, webhookError{
			Error:   "Invalid payload format",
			Message: "unable to read request body",
		})
		return
	}

	outcome, err := h.ingester.Ingest(r.Context(), body, r.Header.Get(auth.SignatureHeader))
	log := h.logger.WithFields(logrus.Fields{
		"event_id":  outcome.Event.ID,
		"signature": outcome.Signature,
	})
	switch {
	case err == nil:
	case errors.Is(err, ingestapp.ErrSignatureRequired):
		result = metrics.ResultRejected
		metrics.IncIngestError("signature")
		valid := false
		writeJSON(w, http.StatusUnauthorized, webhookError{
			Error:          "Invalid signature",
			Message:        "webhook signature " + string(outcome.Signature),
			SignatureValid: &valid,
			EventID:        outcome.Event.ID,
		})
		return
	case errors.Is(err, tomra.ErrInvalidEnvelope):
		result = metrics.ResultRejected
		metrics.IncIngestError("decode")
		writeJSON(w, http.StatusBadRequest, webhookError{
			Error:   "Invalid payload format",
			Message: err.Error(),
			EventID: outcome.Event.ID,
		})
		return
	default:
		result = metrics.ResultError
		metrics.IncIngestError("store")
		log.WithError(err).Error("tomra webhook: processing failed")
		message := "event stored for replay"
		if outcome.Event.ID == "" {
			message = "event could not be stored"
		}
		writeJSON(w, http.StatusInternalServerError, webhookError{
			Error:   "Internal Server Error",
			Message: message,
			EventID: outcome.Event.ID,
		})
		return
	}

	resp := webhookResponse{
		Success:        true,
		Message:        "Webhook payload received and processed successfully",
		SignatureValid: outcome.Signature.Valid(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		EventID:        outcome.Event.ID,
	}
	if rec := outcome.Reconcile; rec != nil {
		if rec.Partial() {
			result = metrics.ResultPartial
		}
		resp.State = &reconcileView{
			DeviceID:     rec.DeviceID,
			SerialNumber: rec.Device.SerialNumber,
			Type:         rec.Device.Type,
			Stage:        string(outcome.Stage),
			Applied:      rec.Applied(),
			Skipped:      rec.Skipped(),
			Outcomes:     rec.Outcomes,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthHandler reports that the webhook endpoint is reachable.
type HealthHandler struct {
	now func() time.Time
}

// NewHealthHandler constructs a health handler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{now: time.Now}
}

// ServeHTTP answers GET probes.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"message":   "Tomra webhook endpoint is ready",
		"timestamp": h.now().UTC().Format(time.RFC3339Nano),
	})
}
