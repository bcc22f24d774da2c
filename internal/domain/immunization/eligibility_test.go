package immunization

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/clinic/internal/domain/catalog"
	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/pkg/caldate"
)

var day0 = caldate.New(2024, 1, 1)

func day(n int) time.Time { return caldate.AddDays(day0, n) }

// patientAged returns a patient whose birthday falls on day0.
func patientAged(years int) *patient.ImmunizationPatient {
	return patient.NewImmunizationPatient(patient.Patient{
		ID:        "P-1",
		Name:      "Test Child",
		BirthDate: caldate.New(day0.Year()-years, day0.Month(), day0.Day()),
		Sex:       "female",
	}, 40)
}

func hpv() catalog.Vaccine {
	return catalog.Vaccine{ID: 7, Name: "HPV", Doses: 2, IntervalDays: 90, MinAgeYears: 12, MinWeightKG: 25}
}

func TestIsDosable_EndToEndCourse(t *testing.T) {
	p := patientAged(12)
	v := hpv()

	if !IsDosable(p, v, day(0)) {
		t.Fatal("day 0: expected eligible")
	}
	p.RecordDose(v.ID, day(0))
	if p.DoseCount(v.ID) != 1 {
		t.Fatalf("expected count 1, got %d", p.DoseCount(v.ID))
	}
	if IsDosable(p, v, day(30)) {
		t.Error("day 30: interval not elapsed, expected not eligible")
	}
	if !IsDosable(p, v, day(91)) {
		t.Fatal("day 91: expected eligible")
	}
	p.RecordDose(v.ID, day(91))
	if p.DoseCount(v.ID) != 2 {
		t.Fatalf("expected count 2, got %d", p.DoseCount(v.ID))
	}
	if IsDosable(p, v, day(200)) {
		t.Error("day 200: course complete, expected not eligible")
	}
}

func TestIsDosable_TooYoung(t *testing.T) {
	p := patientAged(10)
	v := hpv()
	for _, d := range []int{0, 30, 365, 700} {
		if IsDosable(p, v, day(d)) {
			t.Errorf("day %d: expected not eligible for 10 year old", d)
		}
	}
	p.RecordDose(v.ID, day(0))
	if IsDosable(p, v, day(400)) {
		t.Error("ledger state must not override the age check")
	}
}

func TestIsDosable_AgeBoundary(t *testing.T) {
	p := patientAged(12)
	v := hpv()
	if IsDosable(p, v, day(-1)) {
		t.Error("the day before the 12th birthday must not be eligible")
	}
	if !IsDosable(p, v, day(0)) {
		t.Error("exactly at minimum age must be eligible")
	}
}

func TestIsDosable_IntervalBoundary(t *testing.T) {
	tests := []struct {
		interval int
	}{{0}, {1}, {28}, {90}}
	for _, tt := range tests {
		p := patientAged(12)
		v := hpv()
		v.Doses = 5
		v.IntervalDays = tt.interval
		p.RecordDose(v.ID, day(0))

		if IsDosable(p, v, day(tt.interval)) {
			t.Errorf("interval %d: expected not eligible on D+N", tt.interval)
		}
		if !IsDosable(p, v, day(tt.interval+1)) {
			t.Errorf("interval %d: expected eligible on D+N+1", tt.interval)
		}
	}
}

func TestIsDosable_MonotonicOnceComplete(t *testing.T) {
	p := patientAged(12)
	v := hpv()
	p.RecordDose(v.ID, day(0))
	p.RecordDose(v.ID, day(100))
	for d := 200; d < 3000; d += 250 {
		if IsDosable(p, v, day(d)) {
			t.Fatalf("day %d: expected not eligible after full course", d)
		}
	}
}

func TestIsDosable_IgnoresWeight(t *testing.T) {
	p := patientAged(12)
	p.WeightKG = 10
	if !IsDosable(p, hpv(), day(0)) {
		t.Error("weight below minimum must not affect eligibility")
	}
}

func TestIsDosable_NoMutation(t *testing.T) {
	p := patientAged(12)
	v := hpv()
	for i := 0; i < 3; i++ {
		IsDosable(p, v, day(0))
	}
	if p.DoseCount(v.ID) != 0 {
		t.Error("evaluation must not change the ledger")
	}
}

func TestEvaluate_Reasons(t *testing.T) {
	p := patientAged(11)
	v := hpv()
	p.RecordDose(v.ID, day(0))
	p.RecordDose(v.ID, day(10))

	d := Evaluate(p, v, day(20))
	if d.Eligible || d.AgeOK || d.DoseCountOK || d.IntervalOK {
		t.Fatalf("expected every check to fail, got %+v", d)
	}
	if len(d.Reasons) != 3 {
		t.Errorf("expected 3 reasons, got %v", d.Reasons)
	}
	if d.NextDose == nil || !d.NextDose.Equal(day(100)) {
		t.Errorf("expected next dose %s, got %v", caldate.Format(day(100)), d.NextDose)
	}

	err := d.Err()
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible, got %v", err)
	}
	if !strings.Contains(err.Error(), "interval not elapsed") {
		t.Errorf("expected interval reason in %q", err.Error())
	}
}

func TestEvaluate_EligibleHasNoError(t *testing.T) {
	d := Evaluate(patientAged(12), hpv(), day(0))
	if !d.Eligible || d.Err() != nil {
		t.Errorf("expected eligible decision, got %+v", d)
	}
	if d.NextDose != nil {
		t.Error("expected no next dose without prior doses")
	}
}
