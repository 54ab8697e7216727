package http

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	devicestate "rvm-cloud/internal/devicestate/domain"
)

var fleetColumns = []string{
	"Serial", "Type", "Customer", "Location", "Machine", "Details",
	"Connection", "Last Seen", "Cleaning", "Payment", "Table", "Conveyor", "Bins",
}

// fleetRow flattens one device snapshot into export cells.
func fleetRow(state devicestate.DeviceState) []string {
	details := ""
	if state.Machine != nil {
		reasons := make([]string, 0, len(state.Machine.Details))
		for _, reason := range state.Machine.Details {
			reasons = append(reasons, string(reason))
		}
		details = strings.Join(reasons, ", ")
	}
	lastSeen := ""
	if state.Connection != nil {
		lastSeen = state.Connection.ObservedAt.UTC().Format(time.RFC3339)
	}
	bins := make([]string, 0, len(state.Bins))
	for _, bin := range state.Bins {
		bins = append(bins, bin.Slot+"="+bin.Status)
	}
	payment := status(state.PaymentTerminal)
	if state.PaymentTerminal != nil && state.PaymentTerminal.Reason != "" {
		payment += " (" + state.PaymentTerminal.Reason + ")"
	}
	return []string{
		state.Device.Key.SerialNumber,
		state.Device.Key.Type,
		state.Device.Location.CustomerID,
		state.Device.Location.Name,
		status(state.Machine),
		details,
		status(state.Connection),
		lastSeen,
		status(state.Cleaning),
		payment,
		status(state.Table),
		status(state.CrateConveyor),
		strings.Join(bins, "; "),
	}
}

func status(sub *devicestate.SubState) string {
	if sub == nil {
		return "-"
	}
	return sub.Status
}

// BuildFleetXLSX renders the fleet status as a workbook.
func BuildFleetXLSX(states []devicestate.DeviceState, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	devicesSheet := "devices"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(devicesSheet); err != nil {
		return nil, err
	}

	down := 0
	offline := 0
	for _, state := range states {
		if state.Machine != nil && state.Machine.Status == string(devicestate.MachineDown) {
			down++
		}
		if state.Connection != nil && state.Connection.Status == string(devicestate.ConnectionOffline) {
			offline++
		}
	}
	_ = f.SetCellValue(summarySheet, "A1", "RVM Fleet Status")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generatedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Devices")
	_ = f.SetCellValue(summarySheet, "B4", len(states))
	_ = f.SetCellValue(summarySheet, "A5", "Machines down")
	_ = f.SetCellValue(summarySheet, "B5", down)
	_ = f.SetCellValue(summarySheet, "A6", "Offline")
	_ = f.SetCellValue(summarySheet, "B6", offline)

	for i, title := range fleetColumns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(devicesSheet, cell, title)
	}
	for r, state := range states {
		for c, value := range fleetRow(state) {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(devicesSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildFleetPDF renders a landscape fleet status table.
func BuildFleetPDF(states []devicestate.DeviceState, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "RVM Fleet Status")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 9)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Devices: %d", len(states)))
	pdf.Ln(8)

	// Serial, Type, Location, Machine, Connection, Last Seen, Cleaning, Payment, Bins
	columns := []int{0, 1, 3, 4, 6, 7, 8, 9, 12}
	widths := []float64{30, 20, 40, 20, 24, 38, 22, 34, 49}
	pdf.SetFont("Arial", "B", 8)
	for i, col := range columns {
		pdf.CellFormat(widths[i], 6, fleetColumns[col], "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, state := range states {
		row := fleetRow(state)
		for i, col := range columns {
			pdf.CellFormat(widths[i], 6, truncate(row[col], widths[i]), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truncate keeps roughly what fits a cell at 8pt.
func truncate(value string, width float64) string {
	limit := int(width * 5 / 8)
	if len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}
