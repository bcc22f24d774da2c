// Package reporting renders clinic data for people: the Ghana Health Service
// monthly return form, register-style listings, summary measures and the
// XLSX export that is archived to blob storage.
package reporting

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ehr/clinic/internal/domain/clinic"
	"github.com/ehr/clinic/internal/domain/immunization"
)

const (
	NoReturns       = "No monthly returns recorded."
	NoImmunizations = "No immunizations recorded."

	rule      = "================================================\n"
	separator = "------------------------------------------------\n"
)

// MonthLabel turns "2025-04" into "April 2025". Anything else is returned as is.
func MonthLabel(month string) string {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return month
	}
	return t.Format("January 2006")
}

// MonthlyReturnText renders one return in the fixed GHS form layout.
func MonthlyReturnText(r clinic.MonthlyReturn) string {
	var b strings.Builder
	b.WriteString("GHANA HEALTH SERVICE\n")
	b.WriteString("IMMUNIZATION MONTHLY RETURNS\n\n")
	fmt.Fprintf(&b, "Immunization Centre/Clinic: %s\n", r.Centre)
	fmt.Fprintf(&b, "Metro: %s\n", r.Metro)
	fmt.Fprintf(&b, "Region: %s\n", r.Region)
	fmt.Fprintf(&b, "For the month of: %s\n\n", MonthLabel(r.Month))

	b.WriteString("| Summary            | 0-11 Months | 12-23 Months | 24+ Months | Total Administered | Used | Wastage % |\n")
	b.WriteString("|--------------------|-------------|--------------|------------|--------------------|------|-----------|\n")
	fmt.Fprintf(&b, "| %-18s | %11d | %12d | %10d | %-18d | %-4d | %8.1f%% |\n", "All vaccines",
		r.Doses0To11Months, r.Doses12To23Months, r.Doses24PlusMonths, r.DosesAdministered, r.DosesUsed, r.WastageRate)

	b.WriteString("\nVitamin A supplementation\n\n")
	b.WriteString("| Vitamin A            | Count |\n")
	b.WriteString("|----------------------|-------|\n")
	fmt.Fprintf(&b, "| Deficiency           | %5d |\n", r.VitaminADeficiency)
	fmt.Fprintf(&b, "| AEFI reported        | %5d |\n", r.VitaminAAEFI)

	b.WriteString("\nInjection safety and waste management\n\n")
	b.WriteString("| Description                                   | Count |\n")
	b.WriteString("|-----------------------------------------------|-------|\n")
	fmt.Fprintf(&b, "| Safety boxes used                             | %5d |\n", r.SafetyBoxesUsed)
	fmt.Fprintf(&b, "| Safety boxes disposed (incinerator)           | %5d |\n", r.SafetyBoxesIncinerated)
	fmt.Fprintf(&b, "| Safety boxes disposed (pit)                   | %5d |\n", r.SafetyBoxesPit)
	return b.String()
}

// MonthlyReport lists every return under a clinic header.
func MonthlyReport(name, address string, returns []clinic.MonthlyReturn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Monthly Return Report for %s", name)
	if address != "" {
		fmt.Fprintf(&b, " (%s)", address)
	}
	b.WriteString("\n" + rule)
	if len(returns) == 0 {
		b.WriteString(NoReturns + "\n")
		return b.String()
	}
	for _, r := range returns {
		b.WriteString(MonthlyReturnText(r))
		b.WriteString("\n" + separator)
	}
	return b.String()
}

// ImmunizationReport is a register of every visit that administered at
// least one dose, oldest first. lookup resolves patient names and may be nil.
func ImmunizationReport(name string, visits []immunization.VisitView, lookup func(patientID string) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Clinic Immunization Report for %s:\n", name)

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	rows := 0
	for _, v := range visits {
		if len(v.Administered) == 0 {
			continue
		}
		if rows == 0 {
			fmt.Fprintln(tw, "Date\tPatient\tName\tAdministered\tRemarks")
		}
		rows++
		patientName := ""
		if lookup != nil {
			patientName = lookup(v.PatientID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.Date, v.PatientID, patientName, administeredList(v.Administered), v.Remarks)
	}
	if rows == 0 {
		b.WriteString(NoImmunizations + "\n")
		return b.String()
	}
	tw.Flush()
	fmt.Fprintf(&b, "\n%d visit(s), %d dose(s)\n", rows, countDoses(visits))
	return b.String()
}

func administeredList(as []immunization.Administration) string {
	parts := make([]string, len(as))
	for i, a := range as {
		parts[i] = fmt.Sprintf("%s (dose %d)", a.Vaccine.Name, a.DoseNumber)
	}
	return strings.Join(parts, ", ")
}

func countDoses(visits []immunization.VisitView) int {
	n := 0
	for _, v := range visits {
		n += len(v.Administered)
	}
	return n
}
