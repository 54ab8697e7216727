package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func registerDBMetrics(db *sql.DB, logger logrus.FieldLogger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "webhook_events_pending",
			Help: "Logged webhook events not yet processed",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM webhook_events WHERE status IN ('received', 'failed')")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "webhook_events_rejected",
			Help: "Logged webhook events rejected as malformed",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM webhook_events WHERE status = 'rejected'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "webhook_events_dead",
			Help: "Logged webhook events that exhausted their replay attempts",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM webhook_events WHERE status = 'dead'")
		},
	))
}

func queryCount(db *sql.DB, logger logrus.FieldLogger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.WithError(err).Warn("metrics query failed")
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
