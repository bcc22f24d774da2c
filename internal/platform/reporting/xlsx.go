package reporting

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/ehr/clinic/internal/domain/clinic"
	"github.com/ehr/clinic/internal/domain/immunization"
)

const (
	MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	returnsSheet  = "Monthly Returns"
	registerSheet = "Register"
)

var returnsHeader = []string{
	"Month",
	"Centre",
	"Metro",
	"Region",
	"Doses Administered",
	"Doses Used",
	"Wastage %",
	"Vitamin A Deficiency",
	"Vitamin A AEFI",
	"Safety Boxes Used",
	"Disposed (Incinerator)",
	"Disposed (Pit)",
	"0-11 Months",
	"12-23 Months",
	"24+ Months",
}

var registerHeader = []string{"Date", "Patient", "Name", "Vaccine", "Dose", "Remarks"}

// Workbook is the input of the XLSX export. Visits may be empty, in which
// case the register sheet only carries its header.
type Workbook struct {
	Returns []clinic.MonthlyReturn
	Visits  []immunization.VisitView
	Lookup  func(patientID string) string
}

// MonthlyReturnXLSX exports returns as a single-sheet workbook.
func MonthlyReturnXLSX(returns []clinic.MonthlyReturn) ([]byte, error) {
	return Workbook{Returns: returns}.XLSX()
}

// XLSX renders the returns sheet and, below it, the dose register.
func (w Workbook) XLSX() ([]byte, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(returnsSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}
	// One decimal, as on the paper form.
	pctFmt := "0.0"
	pctStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: &pctFmt})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create percent style: %w", err)
	}

	rows := make([][]interface{}, 0, len(w.Returns))
	for _, r := range w.Returns {
		rows = append(rows, []interface{}{
			r.Month, r.Centre, r.Metro, r.Region,
			r.DosesAdministered, r.DosesUsed, r.WastageRate,
			r.VitaminADeficiency, r.VitaminAAEFI,
			r.SafetyBoxesUsed, r.SafetyBoxesIncinerated, r.SafetyBoxesPit,
			r.Doses0To11Months, r.Doses12To23Months, r.Doses24PlusMonths,
		})
	}
	if err := writeSheet(f, returnsSheet, returnsHeader, rows, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if len(rows) > 0 {
		top, _ := excelize.CoordinatesToCellName(7, 2)
		bottom, _ := excelize.CoordinatesToCellName(7, len(rows)+1)
		if err := f.SetCellStyle(returnsSheet, top, bottom, pctStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("set percent style: %w", err)
		}
	}

	if w.Visits != nil {
		if _, err := f.NewSheet(registerSheet); err != nil {
			f.Close()
			return nil, fmt.Errorf("create sheet: %w", err)
		}
		var reg [][]interface{}
		for _, v := range w.Visits {
			name := ""
			if w.Lookup != nil {
				name = w.Lookup(v.PatientID)
			}
			for _, a := range v.Administered {
				reg = append(reg, []interface{}{v.Date, v.PatientID, name, a.Vaccine.Name, a.DoseNumber, v.Remarks})
			}
		}
		if err := writeSheet(f, registerSheet, registerHeader, reg, headerStyle); err != nil {
			f.Close()
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]interface{}, headerStyle int) error {
	for col, h := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("header coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("set header %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("set header style: %w", err)
		}
		name, _ := excelize.ColumnNumberToName(col + 1)
		width := float64(len(h)) + 4
		if width < 12 {
			width = 12
		}
		if err := f.SetColWidth(sheet, name, name, width); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("row coordinates: %w", err)
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	return nil
}
