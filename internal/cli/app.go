package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"rvm-cloud/internal/audit"
	"rvm-cloud/internal/auth"
	"rvm-cloud/internal/config"
	stateapp "rvm-cloud/internal/devicestate/application"
	devicestate "rvm-cloud/internal/devicestate/domain"
	statedynamo "rvm-cloud/internal/devicestate/infrastructure/dynamodb"
	statememory "rvm-cloud/internal/devicestate/infrastructure/memory"
	statepostgres "rvm-cloud/internal/devicestate/infrastructure/postgres"
	ingestapp "rvm-cloud/internal/ingestion/application"
	ingestion "rvm-cloud/internal/ingestion/domain"
	eventmemory "rvm-cloud/internal/ingestion/infrastructure/memory"
	eventpostgres "rvm-cloud/internal/ingestion/infrastructure/postgres"
	"rvm-cloud/internal/observability/logging"
	"rvm-cloud/internal/observability/metrics"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg     config.Config
	logger  *logrus.Logger
	db      *sql.DB
	states  devicestate.StateStore
	events  ingestion.EventLog
	audit   audit.Logger
	service *ingestapp.Service
	fleet   *stateapp.FleetQuery
}

func loadConfig() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// newApp wires stores and services from cfg. The event log and audit trail
// live in Postgres whenever a DSN is configured, in memory otherwise.
func newApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
	}

	switch cfg.StateStore {
	case config.StorePostgres:
		a.states = statepostgres.NewStateStore(a.db)
	case config.StoreDynamoDB:
		client, err := statedynamo.NewClient(ctx, cfg.AWSRegion, cfg.DynamoEndpoint)
		if err != nil {
			a.Close()
			return nil, err
		}
		store, err := statedynamo.NewStateStore(client, cfg.DynamoDBTable)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.states = store
	default:
		logger.Warn("using in-memory state store, device state is lost on restart")
		a.states = statememory.NewStateStore()
	}

	if a.db != nil {
		a.events = eventpostgres.NewEventLog(a.db, eventpostgres.WithMaxAttempts(cfg.MaxAttempts))
		a.audit = audit.NewRepository(a.db)
	} else {
		logger.Warn("no database configured, webhook event log is kept in memory")
		a.events = eventmemory.NewEventLog(eventmemory.WithMaxAttempts(cfg.MaxAttempts))
		a.audit = audit.NewLogLogger(logger)
	}

	verifier, err := auth.NewSignatureVerifier([]byte(cfg.WebhookSecret))
	if err != nil {
		a.Close()
		return nil, err
	}
	reconciler, err := stateapp.NewReconciler(a.states, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.service, err = ingestapp.NewService(a.events, verifier, reconciler, logger, ingestapp.WithRejectUnsigned(cfg.RejectUnsigned))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.fleet, err = stateapp.NewFleetQuery(a.states)
	if err != nil {
		a.Close()
		return nil, err
	}
	metrics.Init(a.db, logger)
	return a, nil
}

// Close releases the database handle.
func (a *app) Close() {
	if a == nil || a.db == nil {
		return
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Warn("db close")
	}
}
