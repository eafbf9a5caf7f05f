package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	recon "metergrid/internal/reconciliation/domain"
	tariff "metergrid/internal/tariff/domain"
)

// percentText renders a recovery rate, which is already expressed in
// percent, with a unit suffix.
func percentText(rate float64) string {
	return fmt.Sprintf("%.2f%%", rate)
}

func costTotal(b *tariff.Breakdown) float64 {
	if b == nil {
		return 0
	}
	return b.TotalCost
}

// BuildRunPDF renders a minimal PDF for a reconciliation run.
func BuildRunPDF(run *recon.Run) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Reconciliation Run")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Run: %s", run.ID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Site: %s", run.SiteID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s", run.From.Format(time.RFC3339), run.To.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Status: %s", run.Status))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", run.CreatedAt.Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.Cell(0, 6, fmt.Sprintf("Supply Total (kWh): %.3f", run.SupplyTotal))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Distribution Total (kWh): %.3f", run.DistributionTotal))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Recovery Rate: %s", percentText(run.RecoveryRate)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Discrepancy (kWh): %.3f", run.Discrepancy))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Revenue: %.2f", run.Revenue))
	pdf.Ln(8)

	// Per-meter table
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(50, 6, "Meter", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Category", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Direct (kWh)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Rollup (kWh)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Cost", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, meterID := range run.MeterOrder {
		result, ok := run.Results[meterID]
		if !ok {
			continue
		}
		pdf.CellFormat(50, 6, meterID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, string(result.Category), "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 6, fmt.Sprintf("%.3f", result.DirectTotal), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, fmt.Sprintf("%.3f", result.HierarchicalTotal), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f", costTotal(result.DirectCost)), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	if len(run.FailedMeters) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, "Failed Meters")
		pdf.Ln(6)
		pdf.SetFont("Arial", "", 10)
		for _, meterID := range run.MeterOrder {
			reason, ok := run.FailedMeters[meterID]
			if !ok {
				continue
			}
			pdf.Cell(0, 6, fmt.Sprintf("%s: %s", meterID, reason))
			pdf.Ln(5)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildRunXLSX renders a minimal XLSX for a reconciliation run.
func BuildRunXLSX(run *recon.Run) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	metersSheet := "meters"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(metersSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Reconciliation Run")
	_ = f.SetCellValue(summarySheet, "A3", "Run")
	_ = f.SetCellValue(summarySheet, "B3", run.ID)
	_ = f.SetCellValue(summarySheet, "A4", "Site")
	_ = f.SetCellValue(summarySheet, "B4", run.SiteID)
	_ = f.SetCellValue(summarySheet, "A5", "From")
	_ = f.SetCellValue(summarySheet, "B5", run.From.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "To")
	_ = f.SetCellValue(summarySheet, "B6", run.To.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A7", "Status")
	_ = f.SetCellValue(summarySheet, "B7", string(run.Status))
	_ = f.SetCellValue(summarySheet, "A8", "Supply Total (kWh)")
	_ = f.SetCellValue(summarySheet, "B8", run.SupplyTotal)
	_ = f.SetCellValue(summarySheet, "A9", "Distribution Total (kWh)")
	_ = f.SetCellValue(summarySheet, "B9", run.DistributionTotal)
	_ = f.SetCellValue(summarySheet, "A10", "Recovery Rate")
	_ = f.SetCellValue(summarySheet, "B10", run.RecoveryRate)
	_ = f.SetCellValue(summarySheet, "A11", "Discrepancy (kWh)")
	_ = f.SetCellValue(summarySheet, "B11", run.Discrepancy)
	_ = f.SetCellValue(summarySheet, "A12", "Revenue")
	_ = f.SetCellValue(summarySheet, "B12", run.Revenue)

	_ = f.SetCellValue(metersSheet, "A1", "Meter")
	_ = f.SetCellValue(metersSheet, "B1", "Category")
	_ = f.SetCellValue(metersSheet, "C1", "Direct (kWh)")
	_ = f.SetCellValue(metersSheet, "D1", "Rollup (kWh)")
	_ = f.SetCellValue(metersSheet, "E1", "Direct Cost")
	_ = f.SetCellValue(metersSheet, "F1", "Rollup Cost")
	_ = f.SetCellValue(metersSheet, "G1", "Error")
	row := 2
	for _, meterID := range run.MeterOrder {
		result, ok := run.Results[meterID]
		if !ok {
			if reason, failed := run.FailedMeters[meterID]; failed {
				_ = f.SetCellValue(metersSheet, fmt.Sprintf("A%d", row), meterID)
				_ = f.SetCellValue(metersSheet, fmt.Sprintf("G%d", row), reason)
				row++
			}
			continue
		}
		_ = f.SetCellValue(metersSheet, fmt.Sprintf("A%d", row), meterID)
		_ = f.SetCellValue(metersSheet, fmt.Sprintf("B%d", row), string(result.Category))
		_ = f.SetCellValue(metersSheet, fmt.Sprintf("C%d", row), result.DirectTotal)
		_ = f.SetCellValue(metersSheet, fmt.Sprintf("D%d", row), result.HierarchicalTotal)
		_ = f.SetCellValue(metersSheet, fmt.Sprintf("E%d", row), costTotal(result.DirectCost))
		_ = f.SetCellValue(metersSheet, fmt.Sprintf("F%d", row), costTotal(result.HierarchicalCost))
		if result.CostingError != "" {
			_ = f.SetCellValue(metersSheet, fmt.Sprintf("G%d", row), result.CostingError)
		}
		row++
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
