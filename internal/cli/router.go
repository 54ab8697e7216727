package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rvm-cloud/internal/audit"
	"rvm-cloud/internal/auth"
	stateapp "rvm-cloud/internal/devicestate/application"
	statehttp "rvm-cloud/internal/devicestate/interfaces/http"
	ingestapp "rvm-cloud/internal/ingestion/application"
	ingestion "rvm-cloud/internal/ingestion/domain"
	ingesthttp "rvm-cloud/internal/ingestion/interfaces/http"
	"rvm-cloud/internal/middleware"
)

const serviceName = "rvm-cloud"

// routerDeps are the components served over HTTP.
type routerDeps struct {
	Service      *ingestapp.Service
	Events       ingestion.EventLog
	Fleet        *stateapp.FleetQuery
	Audit        audit.Logger
	DB           *sql.DB
	Limiter      *middleware.RateLimiter
	JWTSecret    string
	MaxBodyBytes int64
	Version      string
	Logger       logrus.FieldLogger
}

func newRouter(deps routerDeps) (http.Handler, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	webhook, err := ingesthttp.NewWebhookHandler(deps.Service, logger, ingesthttp.WithMaxBodyBytes(deps.MaxBodyBytes))
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(logger))

	r.Get("/health", serviceHealth(deps.DB, deps.Version))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	webhookRoute := http.Handler(webhook)
	if deps.Limiter != nil {
		webhookRoute = deps.Limiter.Handler(webhookRoute)
	}
	r.Method(http.MethodPost, "/webhooks/tomra", webhookRoute)
	r.Method(http.MethodGet, "/webhooks/tomra/health", ingesthttp.NewHealthHandler())

	if deps.JWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET not set, operator API disabled")
		return r, nil
	}
	events, err := ingesthttp.NewEventsHandler(deps.Events, deps.Service, deps.Audit, logger)
	if err != nil {
		return nil, err
	}
	devices, err := statehttp.NewHandler(deps.Fleet, deps.Audit, logger)
	if err != nil {
		return nil, err
	}
	authMiddleware := auth.NewMiddleware([]byte(deps.JWTSecret), auth.NewDefaultPolicy(nil, nil))
	r.Group(func(api chi.Router) {
		api.Use(authMiddleware.Wrap)
		api.Handle("/api/v1/devices", devices)
		api.Handle("/api/v1/devices/*", devices)
		api.Handle("/api/v1/exports/*", devices)
		api.Handle("/api/v1/events", events)
		api.Handle("/api/v1/events/*", events)
	})
	return r, nil
}

func serviceHealth(db *sql.DB, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"service":   serviceName,
			"version":   version,
			"database":  "disabled",
		}
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["database"] = "unhealthy"
			} else {
				body["database"] = "healthy"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
