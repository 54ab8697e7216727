package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"rvm-cloud/internal/auth"
	stateapp "rvm-cloud/internal/devicestate/application"
	devicestate "rvm-cloud/internal/devicestate/domain"
	ingestion "rvm-cloud/internal/ingestion/domain"
	"rvm-cloud/internal/observability/metrics"
	"rvm-cloud/internal/tomra"
)

// ErrSignatureRequired is returned when unsigned or badly signed deliveries are rejected.
var ErrSignatureRequired = errors.New("ingestion: valid signature required")

// Verifier classifies webhook signatures.
type Verifier interface {
	Check(body []byte, header string) auth.SignatureOutcome
}

// Reconciler applies decoded envelopes to device state.
type Reconciler interface {
	Reconcile(ctx context.Context, env devicestate.Envelope) (stateapp.ReconcileResult, error)
}

// DecodeFunc turns a stored payload into an envelope.
type DecodeFunc func(raw []byte, receivedAt time.Time) (devicestate.Envelope, error)

// Result describes what happened to one delivery.
type Result struct {
	Event     ingestion.Event
	Signature auth.SignatureOutcome
	Stage     ingestion.Stage
	Trace     []ingestion.Stage
	Reconcile *stateapp.ReconcileResult
}

func (r *Result) advance(next ingestion.Stage) {
	r.Stage = next
	r.Trace = append(r.Trace, next)
}

// Service orchestrates verify, log, decode, reconcile and mark processed.
type Service struct {
	events         ingestion.EventLog
	verifier       Verifier
	reconciler     Reconciler
	decode         DecodeFunc
	rejectUnsigned bool
	logger         logrus.FieldLogger
}

// Option configures the service.
type Option func(*Service)

// WithRejectUnsigned makes invalid or absent signatures terminal.
func WithRejectUnsigned(reject bool) Option {
	return func(s *Service) {
		s.rejectUnsigned = reject
	}
}

// WithDecoder overrides the payload decoder.
func WithDecoder(decode DecodeFunc) Option {
	return func(s *Service) {
		if decode != nil {
			s.decode = decode
		}
	}
}

// NewService constructs an ingestion service.
func NewService(events ingestion.EventLog, verifier Verifier, reconciler Reconciler, logger logrus.FieldLogger, opts ...Option) (*Service, error) {
	if events == nil {
		return nil, errors.New("ingestion service: nil event log")
	}
	if verifier == nil {
		return nil, errors.New("ingestion service: nil verifier")
	}
	if reconciler == nil {
		return nil, errors.New("ingestion service: nil reconciler")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Service{
		events:     events,
		verifier:   verifier,
		reconciler: reconciler,
		decode:     tomra.Decode,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RejectUnsigned reports whether signatures are enforced.
func (s *Service) RejectUnsigned() bool {
	return s.rejectUnsigned
}

// Ingest handles one delivery. The raw body is logged before decoding so no
// payload is lost; decode errors wrap tomra.ErrInvalidEnvelope.
func (s *Service) Ingest(ctx context.Context, body []byte, signatureHeader string) (Result, error) {
	var result Result
	result.advance(ingestion.StageReceived)

	result.Signature = s.verifier.Check(body, signatureHeader)
	metrics.IncSignatureCheck(string(result.Signature))
	if result.Signature == auth.SignatureValid {
		result.advance(ingestion.StageVerified)
	} else {
		result.advance(ingestion.StageUnverified)
		s.logger.WithField("signature", result.Signature).Warn("webhook signature not verified")
	}

	event, err := s.events.Append(ctx, body, result.Signature.Valid())
	if err != nil {
		return result, fmt.Errorf("ingestion: append event: %w", err)
	}
	result.Event = event

	if s.rejectUnsigned && result.Signature != auth.SignatureValid {
		s.reject(ctx, &result, "signature "+string(result.Signature))
		return result, ErrSignatureRequired
	}

	err = s.process(ctx, &result)
	return result, err
}

// Replay re-runs a logged event from its stored payload.
func (s *Service) Replay(ctx context.Context, id string) (Result, error) {
	event, err := s.events.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if event == nil {
		return Result{}, ingestion.ErrEventNotFound
	}
	result := Result{Event: *event, Signature: signatureOutcome(event.SignatureValid)}
	result.advance(ingestion.StageReceived)
	if result.Signature == auth.SignatureValid {
		result.advance(ingestion.StageVerified)
	} else {
		result.advance(ingestion.StageUnverified)
	}
	if s.rejectUnsigned && result.Signature != auth.SignatureValid {
		return result, ErrSignatureRequired
	}
	err = s.process(ctx, &result)
	return result, err
}

// ReplaySummary counts replay outcomes.
type ReplaySummary struct {
	Processed int `json:"processed"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
}

// Total returns the number of events handled.
func (s ReplaySummary) Total() int {
	return s.Processed + s.Rejected + s.Failed
}

// ReplayPending replays up to limit unprocessed events, oldest first.
func (s *Service) ReplayPending(ctx context.Context, limit int) (ReplaySummary, error) {
	var summary ReplaySummary
	events, err := s.events.ListPending(ctx, limit)
	if err != nil {
		return summary, fmt.Errorf("ingestion: list pending: %w", err)
	}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			break
		}
		_, err := s.Replay(ctx, event.ID)
		switch {
		case err == nil:
			summary.Processed++
		case errors.Is(err, tomra.ErrInvalidEnvelope), errors.Is(err, ErrSignatureRequired):
			summary.Rejected++
		default:
			summary.Failed++
			s.logger.WithError(err).WithField("event_id", event.ID).Warn("replay failed")
		}
	}
	metrics.AddReplays(metrics.ResultSuccess, summary.Processed)
	metrics.AddReplays(metrics.ResultRejected, summary.Rejected)
	metrics.AddReplays(metrics.ResultError, summary.Failed)
	return summary, nil
}

func (s *Service) process(ctx context.Context, result *Result) error {
	log := s.logger.WithField("event_id", result.Event.ID)

	env, err := s.decode(result.Event.Payload, result.Event.ReceivedAt)
	if err != nil {
		s.reject(ctx, result, err.Error())
		return err
	}
	env.EventID = result.Event.ID
	result.advance(ingestion.StageDecoded)

	reconciled, err := s.reconciler.Reconcile(ctx, env)
	if err != nil {
		result.Event.Status = ingestion.StatusFailed
		result.Event.Attempts++
		result.Event.LastError = err.Error()
		if recErr := s.events.RecordFailure(ctx, result.Event.ID, err); recErr != nil {
			log.WithError(recErr).Error("record event failure")
		} else if stored, getErr := s.events.Get(ctx, result.Event.ID); getErr == nil && stored != nil {
			result.Event = *stored
		}
		if result.Event.Status == ingestion.StatusDead {
			log.WithField("attempts", result.Event.Attempts).Error("webhook event gave up after max attempts")
		}
		return fmt.Errorf("ingestion: reconcile event %s: %w", result.Event.ID, err)
	}
	result.Reconcile = &reconciled
	if reconciled.Partial() {
		result.advance(ingestion.StagePartiallyReconciled)
	} else {
		result.advance(ingestion.StageReconciled)
	}

	if err := s.events.MarkProcessed(ctx, result.Event.ID); err != nil {
		return fmt.Errorf("ingestion: mark event %s processed: %w", result.Event.ID, err)
	}
	if result.Event.ProcessedAt == nil {
		now := time.Now().UTC()
		result.Event.ProcessedAt = &now
	}
	result.Event.Status = ingestion.StatusProcessed
	log.WithFields(logrus.Fields{
		"serial_number": env.Device.SerialNumber,
		"rvm_type":      env.Device.Type,
		"stage":         result.Stage,
	}).Info("webhook event processed")
	return nil
}

func (s *Service) reject(ctx context.Context, result *Result, reason string) {
	result.advance(ingestion.StageRejected)
	result.Event.Status = ingestion.StatusRejected
	result.Event.LastError = reason
	log := s.logger.WithField("event_id", result.Event.ID)
	log.WithField("reason", reason).Warn("webhook event rejected")
	if err := s.events.MarkRejected(ctx, result.Event.ID, reason); err != nil {
		log.WithError(err).Error("mark event rejected")
	}
}

func signatureOutcome(valid *bool) auth.SignatureOutcome {
	switch {
	case valid == nil:
		return auth.SignatureAbsent
	case *valid:
		return auth.SignatureValid
	default:
		return auth.SignatureInvalid
	}
}
