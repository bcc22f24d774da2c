package patient

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/clinic/pkg/caldate"
)

var ErrInvalidPatient = errors.New("invalid patient")

var validSexes = map[string]bool{
	"female": true, "male": true, "other": true, "unknown": true,
}

// Reminder channels a patient (or guardian) can be reached on.
const (
	ChannelEmail = "email"
	ChannelText  = "text"
	ChannelCall  = "call"
)

// Patient is the plain demographic record. Age is never stored: it is
// derived from BirthDate and an explicit as-of date.
type Patient struct {
	ID               string    `json:"id"`
	NationalID       string    `json:"national_id,omitempty"`
	InsuranceNumber  string    `json:"insurance_number,omitempty"`
	OutPatientNumber string    `json:"out_patient_number,omitempty"`
	Name             string    `json:"name"`
	BirthDate        time.Time `json:"birth_date"`
	Sex              string    `json:"sex"`
	Address          string    `json:"address,omitempty"`
	MotherID         *string   `json:"mother_id,omitempty"`
	ContactChannel   string    `json:"contact_channel,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AgeOn returns completed years at asOf.
func (p *Patient) AgeOn(asOf time.Time) int {
	return caldate.YearsBetween(p.BirthDate, asOf)
}

// Validate normalizes and checks the demographic fields.
func (p *Patient) Validate() error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPatient)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPatient)
	}
	if p.BirthDate.IsZero() {
		return fmt.Errorf("%w: birth_date is required", ErrInvalidPatient)
	}
	p.BirthDate = caldate.Of(p.BirthDate)
	p.Sex = strings.ToLower(strings.TrimSpace(p.Sex))
	if p.Sex == "" {
		p.Sex = "unknown"
	}
	if !validSexes[p.Sex] {
		return fmt.Errorf("%w: invalid sex: %s", ErrInvalidPatient, p.Sex)
	}
	switch p.ContactChannel {
	case "":
		p.ContactChannel = ChannelCall
	case ChannelEmail, ChannelText, ChannelCall:
	default:
		return fmt.Errorf("%w: invalid contact_channel: %s", ErrInvalidPatient, p.ContactChannel)
	}
	if p.MotherID != nil && strings.TrimSpace(*p.MotherID) == "" {
		p.MotherID = nil
	}
	return nil
}

// DoseEntry is one line of the dose ledger.
type DoseEntry struct {
	VaccineID int       `json:"vaccine_id"`
	Count     int       `json:"count"`
	LastDose  time.Time `json:"last_dose"`
}

// ImmunizationPatient extends Patient with clinical weight and the dose
// ledger. The ledger is private; it is only changed through RecordDose.
//
// ImmunizationPatient is not safe for concurrent use.
type ImmunizationPatient struct {
	Patient
	WeightKG float64 `json:"weight_kg"`

	ledger map[int]*DoseEntry
}

func NewImmunizationPatient(p Patient, weightKG float64) *ImmunizationPatient {
	return &ImmunizationPatient{
		Patient:  p,
		WeightKG: weightKG,
		ledger:   make(map[int]*DoseEntry),
	}
}

// DoseCount returns how many doses of a vaccine were given, 0 if none.
func (p *ImmunizationPatient) DoseCount(vaccineID int) int {
	if e, ok := p.ledger[vaccineID]; ok {
		return e.Count
	}
	return 0
}

// LastDose returns the date of the latest recorded dose.
func (p *ImmunizationPatient) LastDose(vaccineID int) (time.Time, bool) {
	e, ok := p.ledger[vaccineID]
	if !ok {
		return time.Time{}, false
	}
	return e.LastDose, true
}

// RecordDose adds exactly one dose given on the supplied date. Every call
// increments; callers must not record the same physical dose twice.
func (p *ImmunizationPatient) RecordDose(vaccineID int, on time.Time) {
	if p.ledger == nil {
		p.ledger = make(map[int]*DoseEntry)
	}
	on = caldate.Of(on)
	e, ok := p.ledger[vaccineID]
	if !ok {
		p.ledger[vaccineID] = &DoseEntry{VaccineID: vaccineID, Count: 1, LastDose: on}
		return
	}
	e.Count++
	if on.After(e.LastDose) {
		e.LastDose = on
	}
}

// Ledger returns a copy of the ledger ordered by vaccine ID.
func (p *ImmunizationPatient) Ledger() []DoseEntry {
	out := make([]DoseEntry, 0, len(p.ledger))
	for _, e := range p.ledger {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VaccineID < out[j].VaccineID })
	return out
}

// RestoreLedger replaces the ledger with persisted entries. Entries with a
// non-positive count are dropped.
func (p *ImmunizationPatient) RestoreLedger(entries []DoseEntry) {
	p.ledger = make(map[int]*DoseEntry, len(entries))
	for _, e := range entries {
		if e.Count <= 0 {
			continue
		}
		entry := e
		entry.LastDose = caldate.Of(e.LastDose)
		p.ledger[e.VaccineID] = &entry
	}
}

// View is the JSON shape of an ImmunizationPatient including its ledger.
type View struct {
	Patient
	WeightKG float64     `json:"weight_kg"`
	AgeYears int         `json:"age_years"`
	Doses    []DoseEntry `json:"doses"`
}

// ViewOn renders the patient with age computed at asOf.
func (p *ImmunizationPatient) ViewOn(asOf time.Time) View {
	return View{
		Patient:  p.Patient,
		WeightKG: p.WeightKG,
		AgeYears: p.AgeOn(asOf),
		Doses:    p.Ledger(),
	}
}
