package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"rvm-cloud/internal/audit"
	"rvm-cloud/internal/auth"
	stateapp "rvm-cloud/internal/devicestate/application"
	devicestate "rvm-cloud/internal/devicestate/domain"
	"rvm-cloud/internal/observability/metrics"
)

const (
	devicesPath = "/api/v1/devices"
	exportsPath = "/api/v1/exports/"

	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypePDF  = "application/pdf"
)

// Handler provides device state endpoints and fleet exports.
type Handler struct {
	query       *stateapp.FleetQuery
	auditLogger audit.Logger
	logger      logrus.FieldLogger
	now         func() time.Time
}

// NewHandler constructs a handler.
func NewHandler(query *stateapp.FleetQuery, auditLogger audit.Logger, logger logrus.FieldLogger) (*Handler, error) {
	if query == nil {
		return nil, errors.New("devices handler: nil query")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{query: query, auditLogger: auditLogger, logger: logger, now: time.Now}, nil
}

// ServeHTTP handles /api/v1/devices, /api/v1/devices/{serial} and /api/v1/exports/devices.{xlsx,pdf}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch {
	case r.URL.Path == devicesPath:
		h.handleList(w, r)
	case strings.HasPrefix(r.URL.Path, devicesPath+"/"):
		serial := strings.TrimPrefix(r.URL.Path, devicesPath+"/")
		if serial == "" || strings.Contains(serial, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.handleGet(w, r, serial)
	case r.URL.Path == exportsPath+"devices.xlsx":
		h.handleExport(w, r, "xlsx")
	case r.URL.Path == exportsPath+"devices.pdf":
		h.handleExport(w, r, "pdf")
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	devices, err := h.query.Devices(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("devices handler: list")
		http.Error(w, "list devices error", http.StatusInternalServerError)
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, device := range devices {
		views = append(views, newDeviceView(device))
	}
	writeJSON(w, views)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, serial string) {
	state, err := h.query.State(r.Context(), serial, r.URL.Query().Get("type"))
	if err != nil {
		switch {
		case errors.Is(err, devicestate.ErrDeviceNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, stateapp.ErrAmbiguousDevice):
			http.Error(w, "type is required", http.StatusBadRequest)
		default:
			h.logger.WithError(err).WithField("serial_number", serial).Error("devices handler: get state")
			http.Error(w, "get device error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, newStateView(state))
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveExport(format, result, time.Since(start))
	}()

	states, err := h.query.Snapshot(r.Context())
	if err != nil {
		result = metrics.ResultError
		h.logger.WithError(err).Error("devices handler: snapshot")
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	generatedAt := h.now().UTC()

	var (
		data        []byte
		contentType string
	)
	switch format {
	case "xlsx":
		data, err = BuildFleetXLSX(states, generatedAt)
		contentType = contentTypeXLSX
	default:
		data, err = BuildFleetPDF(states, generatedAt)
		contentType = contentTypePDF
	}
	if err != nil {
		result = metrics.ResultError
		h.logger.WithError(err).WithField("format", format).Error("devices handler: render export")
		http.Error(w, "export "+format+" error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="devices-`+generatedAt.Format("20060102")+"."+format+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	h.logAudit(r, format, len(states))
}

func (h *Handler) logAudit(r *http.Request, format string, devices int) {
	if h.auditLogger == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"format": format, "devices": devices})
	if err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       audit.ActionExportDevices,
		ResourceType: "device",
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	}); err != nil {
		h.logger.WithError(err).Warn("audit log failed")
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
