package immunization

import (
	"time"

	"github.com/ehr/clinic/internal/domain/catalog"
	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/pkg/caldate"
)

// ForecastStatus values.
const (
	StatusDue       = "due"
	StatusScheduled = "scheduled"
	StatusTooYoung  = "too-young"
	StatusComplete  = "complete"
)

// Recommendation is the forecast for one vaccine series.
type Recommendation struct {
	VaccineID   int        `json:"vaccine_id"`
	VaccineName string     `json:"vaccine_name"`
	Status      string     `json:"status"`
	DosesGiven  int        `json:"doses_given"`
	SeriesDoses int        `json:"series_doses"`
	DoseNumber  int        `json:"dose_number,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// Forecast projects every vaccine in the list for p as of asOf. DueDate is
// the first calendar day on which the standard rule would pass.
func Forecast(p *patient.ImmunizationPatient, vaccines []catalog.Vaccine, asOf time.Time) []Recommendation {
	asOf = caldate.Of(asOf)
	recs := make([]Recommendation, 0, len(vaccines))
	for _, v := range vaccines {
		given := p.DoseCount(v.ID)
		rec := Recommendation{
			VaccineID:   v.ID,
			VaccineName: v.Name,
			DosesGiven:  given,
			SeriesDoses: v.Doses,
		}
		if given >= v.Doses {
			rec.Status = StatusComplete
			recs = append(recs, rec)
			continue
		}
		rec.DoseNumber = given + 1

		due := caldate.Of(p.BirthDate).AddDate(v.MinAgeYears, 0, 0)
		if last, ok := p.LastDose(v.ID); ok && given > 0 {
			// strictly after last+interval
			byInterval := caldate.AddDays(last, v.IntervalDays+1)
			if byInterval.After(due) {
				due = byInterval
			}
		}
		rec.DueDate = &due

		switch {
		case !due.After(asOf):
			rec.Status = StatusDue
		case p.AgeOn(asOf) < v.MinAgeYears:
			rec.Status = StatusTooYoung
		default:
			rec.Status = StatusScheduled
		}
		recs = append(recs, rec)
	}
	return recs
}

// Reminder asks a patient to come in for an overdue dose.
type Reminder struct {
	PatientID   string    `json:"patient_id"`
	PatientName string    `json:"patient_name"`
	VaccineID   int       `json:"vaccine_id"`
	VaccineName string    `json:"vaccine_name"`
	DoseNumber  int       `json:"dose_number"`
	DueDate     time.Time `json:"due_date"`
	Channel     string    `json:"channel"`
}

// Overdue returns reminders for every due dose whose due date has passed.
// A dose that becomes due today is not yet overdue.
func Overdue(p *patient.ImmunizationPatient, recs []Recommendation, asOf time.Time) []Reminder {
	var out []Reminder
	for _, r := range recs {
		if r.Status != StatusDue || r.DueDate == nil || !caldate.After(asOf, *r.DueDate) {
			continue
		}
		channel := p.ContactChannel
		if channel == "" {
			channel = patient.ChannelCall
		}
		out = append(out, Reminder{
			PatientID:   p.ID,
			PatientName: p.Name,
			VaccineID:   r.VaccineID,
			VaccineName: r.VaccineName,
			DoseNumber:  r.DoseNumber,
			DueDate:     *r.DueDate,
			Channel:     channel,
		})
	}
	return out
}
