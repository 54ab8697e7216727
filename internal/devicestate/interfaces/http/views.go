package http

import (
	"time"

	devicestate "rvm-cloud/internal/devicestate/domain"
)

type deviceView struct {
	ID           string    `json:"id"`
	SerialNumber string    `json:"serialNumber"`
	Type         string    `json:"type"`
	CustomerID   string    `json:"customerId,omitempty"`
	LocationName string    `json:"locationName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type subStateView struct {
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Details    []string  `json:"details,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	EventID    string    `json:"eventId,omitempty"`
}

type binView struct {
	ID string `json:"id"`
	subStateView
}

type assistantView struct {
	RequestedAt time.Time `json:"requestedAt"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

type stateView struct {
	Device            deviceView      `json:"device"`
	Machine           *subStateView   `json:"machine,omitempty"`
	Bins              []binView       `json:"bins"`
	Table             *subStateView   `json:"table,omitempty"`
	CrateConveyor     *subStateView   `json:"crateConveyor,omitempty"`
	Connection        *subStateView   `json:"connection,omitempty"`
	Cleaning          *subStateView   `json:"cleaning,omitempty"`
	PaymentTerminal   *subStateView   `json:"paymentTerminal,omitempty"`
	AssistantRequests []assistantView `json:"assistantRequests"`
}

func newDeviceView(device devicestate.Device) deviceView {
	return deviceView{
		ID:           device.ID,
		SerialNumber: device.Key.SerialNumber,
		Type:         device.Key.Type,
		CustomerID:   device.Location.CustomerID,
		LocationName: device.Location.Name,
		CreatedAt:    device.CreatedAt,
		UpdatedAt:    device.UpdatedAt,
	}
}

func newSubStateView(sub *devicestate.SubState) *subStateView {
	if sub == nil {
		return nil
	}
	view := &subStateView{
		Status:     sub.Status,
		Reason:     sub.Reason,
		ObservedAt: sub.ObservedAt,
		UpdatedAt:  sub.UpdatedAt,
		EventID:    sub.EventID,
	}
	for _, reason := range sub.Details {
		view.Details = append(view.Details, string(reason))
	}
	return view
}

func newStateView(state *devicestate.DeviceState) stateView {
	view := stateView{
		Device:            newDeviceView(state.Device),
		Machine:           newSubStateView(state.Machine),
		Bins:              make([]binView, 0, len(state.Bins)),
		Table:             newSubStateView(state.Table),
		CrateConveyor:     newSubStateView(state.CrateConveyor),
		Connection:        newSubStateView(state.Connection),
		Cleaning:          newSubStateView(state.Cleaning),
		PaymentTerminal:   newSubStateView(state.PaymentTerminal),
		AssistantRequests: make([]assistantView, 0, len(state.AssistantRequests)),
	}
	for i := range state.Bins {
		view.Bins = append(view.Bins, binView{ID: state.Bins[i].Slot, subStateView: *newSubStateView(&state.Bins[i])})
	}
	for _, req := range state.AssistantRequests {
		view.AssistantRequests = append(view.AssistantRequests, assistantView{RequestedAt: req.RequestedAt, ReceivedAt: req.ReceivedAt})
	}
	return view
}
