package immunization

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinic/internal/domain/catalog"
	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/pkg/caldate"
)

// Administration is one dose given during a visit.
type Administration struct {
	Vaccine    catalog.Vaccine `json:"vaccine"`
	DoseNumber int             `json:"dose_number"`
}

// Visit is one clinic encounter. Every administered dose is written to the
// patient's ledger at the moment it is appended here.
//
// Visit is not safe for concurrent use.
type Visit struct {
	id           string
	patient      *patient.ImmunizationPatient
	date         time.Time
	remarks      string
	rule         Rule
	administered []Administration
}

type VisitOption func(*Visit)

// WithRule replaces the standard eligibility rule.
func WithRule(r Rule) VisitOption {
	return func(v *Visit) { v.rule = r }
}

// WithID sets the visit identifier instead of generating one.
func WithID(id string) VisitOption {
	return func(v *Visit) { v.id = id }
}

// NewVisit opens a visit for p on date. A nil patient is rejected.
func NewVisit(p *patient.ImmunizationPatient, date time.Time, remarks string, opts ...VisitOption) (*Visit, error) {
	if p == nil {
		return nil, ErrMissingPatient
	}
	v := &Visit{
		patient: p,
		date:    caldate.Of(date),
		remarks: remarks,
		rule:    StandardRule{},
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.id == "" {
		v.id = uuid.New().String()
	}
	return v, nil
}

// RestoreVisit rebuilds a visit from stored history. The ledger is not
// touched; it is restored separately.
func RestoreVisit(p *patient.ImmunizationPatient, id string, date time.Time, remarks string, administered []Administration) (*Visit, error) {
	v, err := NewVisit(p, date, remarks, WithID(id))
	if err != nil {
		return nil, err
	}
	v.administered = append([]Administration(nil), administered...)
	return v, nil
}

func (v *Visit) ID() string        { return v.id }
func (v *Visit) PatientID() string { return v.patient.ID }
func (v *Visit) Date() time.Time   { return v.date }
func (v *Visit) Remarks() string   { return v.remarks }

// AgeInMonths is the patient's age in completed months on the visit date.
func (v *Visit) AgeInMonths() int { return caldate.MonthsBetween(v.patient.BirthDate, v.date) }

// Check evaluates the rule for vaccine against the patient's current ledger.
func (v *Visit) Check(vaccine catalog.Vaccine) Decision {
	return v.rule.Evaluate(v.patient, vaccine, v.date)
}

// AdministerDose gives one dose if the rule allows it on the visit date.
// An ineligible dose is refused with ErrNotEligible and nothing changes.
func (v *Visit) AdministerDose(vaccine catalog.Vaccine) (Decision, error) {
	d := v.Check(vaccine)
	if !d.Eligible {
		return d, d.Err()
	}
	v.administer(vaccine)
	return d, nil
}

// AdministerEligibleDoses walks candidates in order, re-reading the ledger
// before each one, and returns what was given.
func (v *Visit) AdministerEligibleDoses(candidates []catalog.Vaccine) []catalog.Vaccine {
	var given []catalog.Vaccine
	for _, c := range candidates {
		if _, err := v.AdministerDose(c); err != nil {
			continue
		}
		given = append(given, c)
	}
	return given
}

// administer records the dose without checking eligibility.
func (v *Visit) administer(vaccine catalog.Vaccine) {
	v.patient.RecordDose(vaccine.ID, v.date)
	v.administered = append(v.administered, Administration{
		Vaccine:    vaccine,
		DoseNumber: v.patient.DoseCount(vaccine.ID),
	})
}

// Administered returns the vaccines given during this visit, in order.
func (v *Visit) Administered() []catalog.Vaccine {
	out := make([]catalog.Vaccine, len(v.administered))
	for i, a := range v.administered {
		out[i] = a.Vaccine
	}
	return out
}

// Administrations returns the doses with their position in each course.
func (v *Visit) Administrations() []Administration {
	return append([]Administration(nil), v.administered...)
}

// VisitView is the JSON shape of a visit.
type VisitView struct {
	ID           string           `json:"id"`
	PatientID    string           `json:"patient_id"`
	Date         string           `json:"date"`
	Remarks      string           `json:"remarks,omitempty"`
	Administered []Administration `json:"administered"`
}

func (v *Visit) View() VisitView {
	return VisitView{
		ID:           v.id,
		PatientID:    v.PatientID(),
		Date:         caldate.Format(v.date),
		Remarks:      v.remarks,
		Administered: v.Administrations(),
	}
}
