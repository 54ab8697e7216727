package devicestate

// MachineStatus is the overall operating state of an RVM.
type MachineStatus string

const (
	MachineUp      MachineStatus = "up"
	MachineDown    MachineStatus = "down"
	MachineUnknown MachineStatus = "unknown"
)

// ParseMachineStatus maps producer values, unrecognized ones become MachineUnknown.
func ParseMachineStatus(value string) MachineStatus {
	switch MachineStatus(value) {
	case MachineUp, MachineDown:
		return MachineStatus(value)
	default:
		return MachineUnknown
	}
}

// DetailReason explains why a machine reports its status.
type DetailReason string

const (
	ReasonChamberBlocked                     DetailReason = "chamberBlocked"
	ReasonClosed                             DetailReason = "closed"
	ReasonClosedUpdate                       DetailReason = "closedUpdate"
	ReasonEmergency                          DetailReason = "emergency"
	ReasonEmptyingBin                        DetailReason = "emptyingBin"
	ReasonErrorBackroom                      DetailReason = "errorBackroom"
	ReasonErrorOther                         DetailReason = "errorOther"
	ReasonFrontDoorOpen                      DetailReason = "frontDoorOpen"
	ReasonFullBin                            DetailReason = "fullBin"
	ReasonFullConveyor                       DetailReason = "fullConveyor"
	ReasonFullTable                          DetailReason = "fullTable"
	ReasonPrinterOutOfPaper                  DetailReason = "printerOutOfPaper"
	ReasonPrinterStoreResolvable             DetailReason = "printerStoreResolvable"
	ReasonPrinterOther                       DetailReason = "printerOther"
	ReasonStandby                            DetailReason = "standby"
	ReasonTemporaryClosed                    DetailReason = "temporaryClosed"
	ReasonTemporaryClosedRearDoorOpen        DetailReason = "temporaryClosedRearDoorOpen"
	ReasonTemporaryClosedMachineBeingEmptied DetailReason = "temporaryClosedMachineBeingEmptied"
	ReasonTemporaryClosedResetButton         DetailReason = "temporaryClosedResetButton"
	ReasonTemporaryClosedNeedsEmptying       DetailReason = "temporaryClosedNeedsEmptying"
	ReasonTemporaryClosedBackroomNotReady    DetailReason = "temporaryClosedBackroomNotReady"
	ReasonOther                              DetailReason = "other"
)

var detailReasons = map[DetailReason]struct{}{
	ReasonChamberBlocked:                     {},
	ReasonClosed:                             {},
	ReasonClosedUpdate:                       {},
	ReasonEmergency:                          {},
	ReasonEmptyingBin:                        {},
	ReasonErrorBackroom:                      {},
	ReasonErrorOther:                         {},
	ReasonFrontDoorOpen:                      {},
	ReasonFullBin:                            {},
	ReasonFullConveyor:                       {},
	ReasonFullTable:                          {},
	ReasonPrinterOutOfPaper:                  {},
	ReasonPrinterStoreResolvable:             {},
	ReasonPrinterOther:                       {},
	ReasonStandby:                            {},
	ReasonTemporaryClosed:                    {},
	ReasonTemporaryClosedRearDoorOpen:        {},
	ReasonTemporaryClosedMachineBeingEmptied: {},
	ReasonTemporaryClosedResetButton:         {},
	ReasonTemporaryClosedNeedsEmptying:       {},
	ReasonTemporaryClosedBackroomNotReady:    {},
	ReasonOther:                              {},
}

// ParseDetailReason maps producer values, unrecognized ones become ReasonOther.
func ParseDetailReason(value string) DetailReason {
	if _, ok := detailReasons[DetailReason(value)]; ok {
		return DetailReason(value)
	}
	return ReasonOther
}

// FillStatus is the fill level of a bin, table or crate conveyor.
type FillStatus string

const (
	FillOK       FillStatus = "ok"
	FillSemiFull FillStatus = "semiFull"
	FillFull     FillStatus = "full"
	FillUnknown  FillStatus = "unknown"
)

// ParseFillStatus maps producer values, unrecognized ones become FillUnknown.
func ParseFillStatus(value string) FillStatus {
	switch FillStatus(value) {
	case FillOK, FillSemiFull, FillFull:
		return FillStatus(value)
	default:
		return FillUnknown
	}
}

// ConnectionStatus is the producer's view of device reachability.
type ConnectionStatus string

const (
	ConnectionOnline  ConnectionStatus = "online"
	ConnectionOffline ConnectionStatus = "offline"
	ConnectionUnknown ConnectionStatus = "unknown"
)

// ParseConnectionStatus maps producer values, unrecognized ones become ConnectionUnknown.
func ParseConnectionStatus(value string) ConnectionStatus {
	switch ConnectionStatus(value) {
	case ConnectionOnline, ConnectionOffline:
		return ConnectionStatus(value)
	default:
		return ConnectionUnknown
	}
}

// CleaningStatus tracks due maintenance cleanings.
type CleaningStatus string

const (
	CleaningOK                           CleaningStatus = "ok"
	CleaningExtensiveCleaningOverdue     CleaningStatus = "extensiveCleaningOverdue"
	CleaningExtensiveCleaningSoonOverdue CleaningStatus = "extensiveCleaningSoonOverdue"
	CleaningShortCleaningOverdue         CleaningStatus = "shortCleaningOverdue"
	CleaningUnknown                      CleaningStatus = "unknown"
)

// ParseCleaningStatus maps producer values, unrecognized ones become CleaningUnknown.
func ParseCleaningStatus(value string) CleaningStatus {
	switch CleaningStatus(value) {
	case CleaningOK, CleaningExtensiveCleaningOverdue, CleaningExtensiveCleaningSoonOverdue, CleaningShortCleaningOverdue:
		return CleaningStatus(value)
	default:
		return CleaningUnknown
	}
}

// PaymentStatus is the state of the attached payment terminal.
type PaymentStatus string

const (
	PaymentUp      PaymentStatus = "up"
	PaymentDown    PaymentStatus = "down"
	PaymentUnknown PaymentStatus = "unknown"
)

// ParsePaymentStatus maps producer values, unrecognized ones become PaymentUnknown.
func ParsePaymentStatus(value string) PaymentStatus {
	switch PaymentStatus(value) {
	case PaymentUp, PaymentDown:
		return PaymentStatus(value)
	default:
		return PaymentUnknown
	}
}
