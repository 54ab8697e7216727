package devicestate

import "time"

// Envelope is a decoded producer notification. Nil groups carry no update.
type Envelope struct {
	Device          DeviceKey
	Location        *Location
	Machine         *MachineUpdate
	Bins            []BinUpdate
	Table           *FillUpdate
	CrateConveyor   *FillUpdate
	Connection      *ConnectionUpdate
	Cleaning        *CleaningUpdate
	Assistant       *AssistantUpdate
	PaymentTerminal *PaymentUpdate
	EventID         string
}

// MachineUpdate carries the machine status and its active detail reasons.
type MachineUpdate struct {
	Status    MachineStatus
	Details   []DetailReason
	UpdatedAt time.Time
}

// BinUpdate carries the fill level of one bin.
type BinUpdate struct {
	ID        string
	Status    FillStatus
	UpdatedAt time.Time
}

// FillUpdate carries the fill level of the table or the crate conveyor.
type FillUpdate struct {
	Status    FillStatus
	UpdatedAt time.Time
}

// ConnectionUpdate carries connectivity as seen by the producer.
type ConnectionUpdate struct {
	Status     ConnectionStatus
	LastSeenAt time.Time
}

// CleaningUpdate carries the cleaning state. The producer sends no timestamp,
// ObservedAt is assigned by the decoder.
type CleaningUpdate struct {
	Status     CleaningStatus
	ObservedAt time.Time
}

// AssistantUpdate carries a call for assistance.
type AssistantUpdate struct {
	RequestedAt time.Time
}

// PaymentUpdate carries payment terminal health.
type PaymentUpdate struct {
	Status    PaymentStatus
	Reason    string
	UpdatedAt time.Time
}
