// Package immunization holds the dosing rule and the visit transaction that
// applies it to a patient's dose ledger.
package immunization

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/clinic/internal/domain/catalog"
	"github.com/ehr/clinic/pkg/caldate"
)

var (
	ErrNotEligible    = errors.New("dose not eligible")
	ErrMissingPatient = errors.New("visit requires a patient")
)

// DoseHistory is the read-only view of a patient the rule needs.
type DoseHistory interface {
	AgeOn(asOf time.Time) int
	DoseCount(vaccineID int) int
	LastDose(vaccineID int) (time.Time, bool)
}

// Dosable is an item that carries eligibility parameters and an identity.
type Dosable interface {
	catalog.HasEligibilityRule
	Key() catalog.Key
}

// Decision explains the outcome of one rule evaluation.
type Decision struct {
	VaccineID   int        `json:"vaccine_id"`
	AsOf        time.Time  `json:"as_of"`
	Eligible    bool       `json:"eligible"`
	AgeOK       bool       `json:"age_ok"`
	DoseCountOK bool       `json:"dose_count_ok"`
	IntervalOK  bool       `json:"interval_ok"`
	AgeYears    int        `json:"age_years"`
	MinAgeYears int        `json:"min_age_years"`
	DosesGiven  int        `json:"doses_given"`
	DosesTotal  int        `json:"doses_total"`
	NextDose    *time.Time `json:"next_dose,omitempty"`
	Reasons     []string   `json:"reasons,omitempty"`
}

// Err returns nil for an eligible decision, otherwise ErrNotEligible with
// the failed checks attached.
func (d Decision) Err() error {
	if d.Eligible {
		return nil
	}
	return fmt.Errorf("%w: vaccine %d: %s", ErrNotEligible, d.VaccineID, strings.Join(d.Reasons, "; "))
}

// Rule decides whether one more dose may be given.
type Rule interface {
	Evaluate(p DoseHistory, item Dosable, asOf time.Time) Decision
}

// StandardRule is the conjunction of the age, dose count and interval
// checks. Minimum weight is carried on the vaccine but is not part of it.
type StandardRule struct{}

func (StandardRule) Evaluate(p DoseHistory, item Dosable, asOf time.Time) Decision {
	params := item.EligibilityParams()
	id := item.Key().ID
	asOf = caldate.Of(asOf)

	d := Decision{
		VaccineID:   id,
		AsOf:        asOf,
		AgeYears:    p.AgeOn(asOf),
		MinAgeYears: params.MinAgeYears,
		DosesGiven:  p.DoseCount(id),
		DosesTotal:  params.Doses,
	}

	d.AgeOK = d.AgeYears >= params.MinAgeYears
	if !d.AgeOK {
		d.Reasons = append(d.Reasons, fmt.Sprintf("age %d is below minimum %d", d.AgeYears, params.MinAgeYears))
	}

	d.DoseCountOK = d.DosesGiven < params.Doses
	if !d.DoseCountOK {
		d.Reasons = append(d.Reasons, fmt.Sprintf("course complete (%d of %d doses)", d.DosesGiven, params.Doses))
	}

	// No prior dose means nothing to offset from.
	d.IntervalOK = true
	if last, ok := p.LastDose(id); ok && d.DosesGiven > 0 {
		next := caldate.AddDays(last, params.IntervalDays)
		d.NextDose = &next
		d.IntervalOK = caldate.After(asOf, next)
		if !d.IntervalOK {
			d.Reasons = append(d.Reasons, fmt.Sprintf("interval not elapsed: eligible after %s", caldate.Format(next)))
		}
	}

	d.Eligible = d.AgeOK && d.DoseCountOK && d.IntervalOK
	return d
}

// Evaluate runs the standard rule.
func Evaluate(p DoseHistory, item Dosable, asOf time.Time) Decision {
	return StandardRule{}.Evaluate(p, item, asOf)
}

// IsDosable reports whether p may receive one more dose of item on asOf.
// It has no side effects.
func IsDosable(p DoseHistory, item Dosable, asOf time.Time) bool {
	return Evaluate(p, item, asOf).Eligible
}
