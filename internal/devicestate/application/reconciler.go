package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	devicestate "rvm-cloud/internal/devicestate/domain"
	"rvm-cloud/internal/observability/metrics"
)

// SubStateResult is the outcome for one (kind, slot) in an envelope.
type SubStateResult struct {
	Kind    devicestate.SubStateKind `json:"kind"`
	Slot    string                   `json:"slot,omitempty"`
	Outcome devicestate.Outcome      `json:"outcome"`
}

// ReconcileResult summarizes a reconciliation. It is used for logging and
// metrics only, stale skips are never reported to the producer as errors.
type ReconcileResult struct {
	DeviceID string
	Device   devicestate.DeviceKey
	Outcomes []SubStateResult
}

// Applied counts applied updates, appended assistant requests included.
func (r ReconcileResult) Applied() int {
	return r.count(devicestate.OutcomeApplied)
}

// Skipped counts updates discarded as stale.
func (r ReconcileResult) Skipped() int {
	return r.count(devicestate.OutcomeStaleSkipped)
}

// Partial reports whether at least one update was discarded as stale.
func (r ReconcileResult) Partial() bool {
	return r.Skipped() > 0
}

// OutcomeFor returns the outcome recorded for a kind and slot.
func (r ReconcileResult) OutcomeFor(kind devicestate.SubStateKind, slot string) (devicestate.Outcome, bool) {
	for _, item := range r.Outcomes {
		if item.Kind == kind && item.Slot == slot {
			return item.Outcome, true
		}
	}
	return "", false
}

func (r ReconcileResult) count(outcome devicestate.Outcome) int {
	n := 0
	for _, item := range r.Outcomes {
		if item.Outcome == outcome {
			n++
		}
	}
	return n
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Reconciler applies decoded envelopes to the state store.
type Reconciler struct {
	store  devicestate.StateStore
	clock  Clock
	logger logrus.FieldLogger
}

// ReconcilerOption configures the reconciler.
type ReconcilerOption func(*Reconciler)

// WithClock overrides the clock used to stamp assistant requests.
func WithClock(clock Clock) ReconcilerOption {
	return func(r *Reconciler) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewReconciler constructs a reconciler.
func NewReconciler(store devicestate.StateStore, logger logrus.FieldLogger, opts ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("reconciler: nil state store")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Reconciler{store: store, clock: systemClock{}, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reconcile applies every sub-state present in env. A store error aborts the
// reconciliation; updates applied before the failure stay applied and a replay
// of the same envelope is safe.
func (r *Reconciler) Reconcile(ctx context.Context, env devicestate.Envelope) (ReconcileResult, error) {
	start := time.Now()
	result := ReconcileResult{Device: env.Device}
	status := metrics.ResultSuccess
	defer func() {
		metrics.ObserveReconcile(status, time.Since(start))
	}()

	if err := env.Device.Validate(); err != nil {
		status = metrics.ResultError
		return result, err
	}

	device, err := r.store.EnsureDevice(ctx, env.Device, env.Location)
	if err != nil {
		status = metrics.ResultError
		return result, fmt.Errorf("reconcile: ensure device %s: %w", env.Device, err)
	}
	result.DeviceID = device.ID

	log := r.logger.WithFields(logrus.Fields{
		"event_id":      env.EventID,
		"device_id":     device.ID,
		"serial_number": env.Device.SerialNumber,
		"rvm_type":      env.Device.Type,
	})

	for _, update := range buildUpdates(env) {
		applied, err := r.store.ApplySubState(ctx, device.ID, update)
		if err != nil {
			status = metrics.ResultError
			return result, fmt.Errorf("reconcile: apply %s%s: %w", update.Kind, slotSuffix(update.Slot), err)
		}
		outcome := devicestate.OutcomeApplied
		if !applied {
			outcome = devicestate.OutcomeStaleSkipped
			log.WithFields(logrus.Fields{
				"kind":        update.Kind,
				"slot":        update.Slot,
				"observed_at": update.ObservedAt.Format(time.RFC3339Nano),
			}).Debug("stale sub-state update skipped")
		}
		metrics.IncSubStateOutcome(string(update.Kind), string(outcome))
		result.Outcomes = append(result.Outcomes, SubStateResult{Kind: update.Kind, Slot: update.Slot, Outcome: outcome})
	}

	if env.Assistant != nil {
		req := devicestate.AssistantRequest{
			RequestedAt: env.Assistant.RequestedAt.UTC(),
			ReceivedAt:  r.clock.Now(),
			EventID:     env.EventID,
		}
		appended, err := r.store.AppendAssistantRequest(ctx, device.ID, req)
		if err != nil {
			status = metrics.ResultError
			return result, fmt.Errorf("reconcile: append assistant request: %w", err)
		}
		outcome := devicestate.OutcomeApplied
		if !appended {
			outcome = devicestate.OutcomeDuplicate
		}
		metrics.IncSubStateOutcome(string(devicestate.KindAssistant), string(outcome))
		result.Outcomes = append(result.Outcomes, SubStateResult{Kind: devicestate.KindAssistant, Outcome: outcome})
	}

	if result.Partial() {
		status = metrics.ResultPartial
	}
	log.WithFields(logrus.Fields{
		"applied": result.Applied(),
		"skipped": result.Skipped(),
	}).Info("device state reconciled")
	return result, nil
}

func slotSuffix(slot string) string {
	if slot == "" {
		return ""
	}
	return "[" + slot + "]"
}
