package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"meter_billing/internal/model"
	"meter_billing/internal/summary"
)

// ContentType is the MIME type of the workbooks written here.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var headings = []string{
	"Date",
	"Total kWh",
	"Avg Power (kW)",
	"Avg Voltage",
	"Min Voltage",
	"Max Voltage",
	"Sub-metering 1 (Wh)",
	"Sub-metering 2 (Wh)",
	"Sub-metering 3 (Wh)",
	"Peak Charge",
	"Off-peak Charge",
	"Total Charge",
	"Anomaly",
	"Reasons",
}

// Filename returns the download name for a month's workbook.
func Filename(month string) string {
	return "billing_" + month + ".xlsx"
}

// WriteMonthlyWorkbook writes one sheet named after month with a row per
// day and a totals row.
func WriteMonthlyWorkbook(w io.Writer, month string, summaries []model.DailySummary) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := month
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	// Add headers
	for i, h := range headings {
		if err := f.SetCellValue(sheetName, cellName(i, 1), h); err != nil {
			return err
		}
	}

	// Add data
	rowNo := 2
	for _, s := range summaries {
		for i, v := range rowValues(s) {
			if err := f.SetCellValue(sheetName, cellName(i, rowNo), v); err != nil {
				return err
			}
		}
		rowNo++
	}

	if len(summaries) > 0 {
		f.SetCellValue(sheetName, cellName(0, rowNo), "Total")
		for _, col := range []int{1, 9, 10, 11} {
			name := columnName(col)
			formula := fmt.Sprintf("SUM(%s2:%s%d)", name, name, rowNo-1)
			if err := f.SetCellFormula(sheetName, cellName(col, rowNo), formula); err != nil {
				return err
			}
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func rowValues(s model.DailySummary) []any {
	r := summary.ToRecord(s)
	reasons := make([]string, len(r.AnomalyReasons))
	for i, reason := range r.AnomalyReasons {
		reasons[i] = string(reason)
	}
	return []any{
		r.Date.String(),
		r.TotalDailySum,
		r.AvgGlobalActivePower,
		r.AvgVoltage,
		r.MinVoltage,
		r.MaxVoltage,
		r.TotalSubMetering1,
		r.TotalSubMetering2,
		r.TotalSubMetering3,
		r.PeakCharge,
		r.OffPeakCharge,
		r.TotalCharge,
		r.AnomalyFlag,
		strings.Join(reasons, ", "),
	}
}

func columnName(col int) string {
	name, _ := excelize.ColumnNumberToName(col + 1)
	return name
}

func cellName(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col+1, row)
	return name
}
