package ingestion

// Stage is the position of a delivery in the ingestion state machine:
// Received, then Verified or Unverified, then Decoded or Rejected, then
// Reconciled or PartiallyReconciled.
type Stage string

const (
	StageReceived            Stage = "received"
	StageVerified            Stage = "verified"
	StageUnverified          Stage = "unverified"
	StageDecoded             Stage = "decoded"
	StageRejected            Stage = "rejected"
	StageReconciled          Stage = "reconciled"
	StagePartiallyReconciled Stage = "partially_reconciled"
)

// Terminal reports whether no further transition follows.
func (s Stage) Terminal() bool {
	switch s {
	case StageRejected, StageReconciled, StagePartiallyReconciled:
		return true
	default:
		return false
	}
}

var transitions = map[Stage][]Stage{
	StageReceived:   {StageVerified, StageUnverified},
	StageVerified:   {StageDecoded, StageRejected},
	StageUnverified: {StageDecoded, StageRejected},
	StageDecoded:    {StageReconciled, StagePartiallyReconciled},
}

// CanTransition reports whether next may follow s.
func (s Stage) CanTransition(next Stage) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}
