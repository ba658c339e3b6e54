package admission

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const historySheet = "Episodes"

var historyHeader = []string{
	"Episode ID",
	"Admitted At",
	"Admission Type",
	"Ward",
	"Bed",
	"Admission Diagnosis",
	"Discharged At",
	"Discharge Type",
	"Discharge Diagnosis",
	"Discharged By",
	"Created By",
	"Version",
}

var historyColumnWidths = []float64{38, 22, 16, 14, 10, 30, 22, 16, 30, 20, 20, 10}

// HistoryXLSX renders a patient's episodes as a single-sheet workbook.
func HistoryXLSX(p *Patient, episodes []*Episode) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(historySheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   "Admission history",
		Subject: p.Name,
	}); err != nil {
		return nil, fmt.Errorf("set doc props: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	headerRow := make([]interface{}, len(historyHeader))
	for i, h := range historyHeader {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(historySheet, "A1", &headerRow); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(historyHeader), 1)
	if err := f.SetCellStyle(historySheet, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}
	for i, w := range historyColumnWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(historySheet, col, col, w); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	for i, ep := range episodes {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := historyRow(ep)
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func historyRow(ep *Episode) []interface{} {
	return []interface{}{
		ep.ID.String(),
		formatCellTime(&ep.AdmittedAt),
		string(ep.AdmissionType),
		ep.Ward,
		ep.Bed,
		ep.AdmissionDiagnosis,
		formatCellTime(ep.DischargedAt),
		derefStr(dischargeTypeStr(ep.DischargeType)),
		derefStr(ep.DischargeDiagnosis),
		derefStr(ep.DischargedBy),
		ep.CreatedBy,
		ep.Version,
	}
}

func formatCellTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
