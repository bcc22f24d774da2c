package reporting

import (
	"fmt"
	"sort"

	"github.com/ehr/clinic/internal/domain/immunization"
)

// Measure is a named aggregate over a set of visits.
type Measure struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	eval func([]immunization.VisitView) []Row
}

// Row is one line of a measure result.
type Row struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

type MeasureReport struct {
	MeasureID   string `json:"measure_id"`
	MeasureName string `json:"measure_name"`
	Month       string `json:"month,omitempty"`
	Results     []Row  `json:"results"`
}

var Measures = []Measure{
	{
		ID:          "doses-by-vaccine",
		Name:        "Doses by Vaccine",
		Description: "Doses administered per vaccine",
		eval:        dosesByVaccine,
	},
	{
		ID:          "visits-by-date",
		Name:        "Visits by Date",
		Description: "Visits recorded per calendar day, with or without doses",
		eval:        visitsByDate,
	},
	{
		ID:          "doses-by-number",
		Name:        "Doses by Course Position",
		Description: "Doses administered grouped by dose number within the course",
		eval:        dosesByNumber,
	},
}

func FindMeasure(id string) *Measure {
	for i := range Measures {
		if Measures[i].ID == id {
			return &Measures[i]
		}
	}
	return nil
}

func (m *Measure) Evaluate(month string, visits []immunization.VisitView) MeasureReport {
	rows := m.eval(visits)
	if rows == nil {
		rows = []Row{}
	}
	return MeasureReport{MeasureID: m.ID, MeasureName: m.Name, Month: month, Results: rows}
}

// tally returns rows ordered by key.
func tally(counts map[string]*Row) []Row {
	out := make([]Row, 0, len(counts))
	for _, r := range counts {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func dosesByVaccine(visits []immunization.VisitView) []Row {
	counts := map[string]*Row{}
	for _, v := range visits {
		for _, a := range v.Administered {
			key := fmt.Sprintf("%04d", a.Vaccine.ID)
			if counts[key] == nil {
				counts[key] = &Row{Key: key, Label: a.Vaccine.Name}
			}
			counts[key].Count++
		}
	}
	return tally(counts)
}

func visitsByDate(visits []immunization.VisitView) []Row {
	counts := map[string]*Row{}
	for _, v := range visits {
		if counts[v.Date] == nil {
			counts[v.Date] = &Row{Key: v.Date, Label: v.Date}
		}
		counts[v.Date].Count++
	}
	return tally(counts)
}

func dosesByNumber(visits []immunization.VisitView) []Row {
	counts := map[string]*Row{}
	for _, v := range visits {
		for _, a := range v.Administered {
			key := fmt.Sprintf("%02d", a.DoseNumber)
			if counts[key] == nil {
				counts[key] = &Row{Key: key, Label: fmt.Sprintf("dose %d", a.DoseNumber)}
			}
			counts[key].Count++
		}
	}
	return tally(counts)
}
