package devicestate

import (
	"errors"
	"time"
)

// SubStateKind tags one independently versioned facet of device state.
type SubStateKind string

const (
	KindMachine    SubStateKind = "machine"
	KindBin        SubStateKind = "bin"
	KindTable      SubStateKind = "table"
	KindConveyor   SubStateKind = "crate_conveyor"
	KindConnection SubStateKind = "connection"
	KindCleaning   SubStateKind = "cleaning"
	KindPayment    SubStateKind = "payment_terminal"
	KindAssistant  SubStateKind = "assistant"
)

// Kinds lists the versioned sub-state kinds in reconciliation order.
var Kinds = []SubStateKind{
	KindMachine,
	KindBin,
	KindTable,
	KindConveyor,
	KindConnection,
	KindCleaning,
	KindPayment,
}

// Valid reports whether k is a versioned sub-state kind.
func (k SubStateKind) Valid() bool {
	for _, kind := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// SubStateUpdate is a single last-writer-wins write for one (device, kind, slot).
// Slot is the bin id for KindBin and empty for every other kind.
type SubStateUpdate struct {
	Kind       SubStateKind
	Slot       string
	Status     string
	Reason     string
	Details    []DetailReason
	ObservedAt time.Time
	EventID    string
}

// Validate checks update invariants.
func (u SubStateUpdate) Validate() error {
	if !u.Kind.Valid() {
		return errors.New("substate update: invalid kind")
	}
	if u.Kind == KindBin && u.Slot == "" {
		return errors.New("substate update: bin update without bin id")
	}
	if u.Kind != KindBin && u.Slot != "" {
		return errors.New("substate update: slot only allowed for bins")
	}
	if u.Status == "" {
		return errors.New("substate update: empty status")
	}
	if u.ObservedAt.IsZero() {
		return errors.New("substate update: zero observed time")
	}
	return nil
}

// SubState is the stored current value of one facet.
type SubState struct {
	Kind       SubStateKind
	Slot       string
	Status     string
	Reason     string
	Details    []DetailReason
	ObservedAt time.Time
	UpdatedAt  time.Time
	EventID    string
}

// Supersedes reports whether an update observed at t may replace s.
// Equal timestamps apply so redelivery of the same envelope is harmless.
func (s *SubState) Supersedes(t time.Time) bool {
	if s == nil {
		return true
	}
	return !t.Before(s.ObservedAt)
}

// AssistantRequest is a discrete call for staff assistance at a machine.
type AssistantRequest struct {
	RequestedAt time.Time
	ReceivedAt  time.Time
	EventID     string
}

// Outcome is the per sub-state result of a reconciliation.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeStaleSkipped Outcome = "stale-skipped"
	OutcomeDuplicate    Outcome = "duplicate"
)
