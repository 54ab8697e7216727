package application

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ReplayWorker periodically replays pending events.
type ReplayWorker struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   logrus.FieldLogger
}

// NewReplayWorker constructs a worker. A non-positive interval is rejected.
func NewReplayWorker(service *Service, interval time.Duration, batch int, logger logrus.FieldLogger) (*ReplayWorker, error) {
	if service == nil {
		return nil, errors.New("replay worker: nil service")
	}
	if interval <= 0 {
		return nil, errors.New("replay worker: interval must be positive")
	}
	if batch <= 0 {
		batch = 50
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReplayWorker{service: service, interval: interval, batch: batch, logger: logger}, nil
}

// Run replays on every tick until ctx is done.
func (w *ReplayWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single replay pass.
func (w *ReplayWorker) RunOnce(ctx context.Context) ReplaySummary {
	summary, err := w.service.ReplayPending(ctx, w.batch)
	if err != nil {
		w.logger.WithError(err).Error("replay pass failed")
		return summary
	}
	if summary.Total() > 0 {
		w.logger.WithFields(logrus.Fields{
			"processed": summary.Processed,
			"rejected":  summary.Rejected,
			"failed":    summary.Failed,
		}).Info("replay pass complete")
	}
	return summary
}
