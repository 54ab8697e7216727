package application

import (
	devicestate "rvm-cloud/internal/devicestate/domain"
)

// buildUpdates turns the present groups of env into store writes, one builder per kind.
func buildUpdates(env devicestate.Envelope) []devicestate.SubStateUpdate {
	var updates []devicestate.SubStateUpdate
	if env.Machine != nil {
		updates = append(updates, machineUpdate(env.Machine, env.EventID))
	}
	updates = append(updates, binUpdates(env.Bins, env.EventID)...)
	if env.Table != nil {
		updates = append(updates, fillUpdate(devicestate.KindTable, env.Table, env.EventID))
	}
	if env.CrateConveyor != nil {
		updates = append(updates, fillUpdate(devicestate.KindConveyor, env.CrateConveyor, env.EventID))
	}
	if env.Connection != nil {
		updates = append(updates, connectionUpdate(env.Connection, env.EventID))
	}
	if env.Cleaning != nil {
		updates = append(updates, cleaningUpdate(env.Cleaning, env.EventID))
	}
	if env.PaymentTerminal != nil {
		updates = append(updates, paymentUpdate(env.PaymentTerminal, env.EventID))
	}
	return updates
}

// machineUpdate carries the detail set with the status so both are replaced together.
func machineUpdate(m *devicestate.MachineUpdate, eventID string) devicestate.SubStateUpdate {
	details := make([]devicestate.DetailReason, 0, len(m.Details))
	seen := make(map[devicestate.DetailReason]struct{}, len(m.Details))
	for _, reason := range m.Details {
		if _, ok := seen[reason]; ok {
			continue
		}
		seen[reason] = struct{}{}
		details = append(details, reason)
	}
	return devicestate.SubStateUpdate{
		Kind:       devicestate.KindMachine,
		Status:     string(m.Status),
		Details:    details,
		ObservedAt: m.UpdatedAt.UTC(),
		EventID:    eventID,
	}
}

func binUpdates(bins []devicestate.BinUpdate, eventID string) []devicestate.SubStateUpdate {
	if len(bins) == 0 {
		return nil
	}
	updates := make([]devicestate.SubStateUpdate, 0, len(bins))
	for _, bin := range bins {
		updates = append(updates, devicestate.SubStateUpdate{
			Kind:       devicestate.KindBin,
			Slot:       bin.ID,
			Status:     string(bin.Status),
			ObservedAt: bin.UpdatedAt.UTC(),
			EventID:    eventID,
		})
	}
	return updates
}

func fillUpdate(kind devicestate.SubStateKind, f *devicestate.FillUpdate, eventID string) devicestate.SubStateUpdate {
	return devicestate.SubStateUpdate{
		Kind:       kind,
		Status:     string(f.Status),
		ObservedAt: f.UpdatedAt.UTC(),
		EventID:    eventID,
	}
}

func connectionUpdate(c *devicestate.ConnectionUpdate, eventID string) devicestate.SubStateUpdate {
	return devicestate.SubStateUpdate{
		Kind:       devicestate.KindConnection,
		Status:     string(c.Status),
		ObservedAt: c.LastSeenAt.UTC(),
		EventID:    eventID,
	}
}

func cleaningUpdate(c *devicestate.CleaningUpdate, eventID string) devicestate.SubStateUpdate {
	return devicestate.SubStateUpdate{
		Kind:       devicestate.KindCleaning,
		Status:     string(c.Status),
		ObservedAt: c.ObservedAt.UTC(),
		EventID:    eventID,
	}
}

func paymentUpdate(p *devicestate.PaymentUpdate, eventID string) devicestate.SubStateUpdate {
	return devicestate.SubStateUpdate{
		Kind:       devicestate.KindPayment,
		Status:     string(p.Status),
		Reason:     p.Reason,
		ObservedAt: p.UpdatedAt.UTC(),
		EventID:    eventID,
	}
}
