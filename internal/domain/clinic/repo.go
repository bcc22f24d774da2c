package clinic

import (
	"context"
	"time"

	"github.com/ehr/clinic/internal/domain/immunization"
	"github.com/ehr/clinic/internal/domain/patient"
)

// PatientRecord is a patient as persisted: demographics, weight and ledger.
// RemovedAt is set once the patient has been removed; the row is kept for
// their visits.
type PatientRecord struct {
	Patient   patient.Patient
	WeightKG  float64
	Ledger    []patient.DoseEntry
	RemovedAt *time.Time
}

// VisitRecord is a visit as persisted.
type VisitRecord struct {
	ID           string
	PatientID    string
	Date         time.Time
	Remarks      string
	Administered []immunization.Administration
}

// SentReminder marks a reminder as dispatched for one due date.
type SentReminder struct {
	PatientID string
	VaccineID int
	DueDate   time.Time
	SentAt    time.Time
	Channel   string
}

// Snapshot is everything needed to rebuild the clinic at startup.
type Snapshot struct {
	Patients  []PatientRecord
	Visits    []VisitRecord
	Returns   []MonthlyReturn
	Reminders []SentReminder
}

// Store persists clinic state. The in-memory Clinic is authoritative while
// the process runs; the store is written through after every change.
type Store interface {
	SavePatient(ctx context.Context, p PatientRecord) error
	RemovePatient(ctx context.Context, id string, at time.Time) error
	SaveLedger(ctx context.Context, patientID string, ledger []patient.DoseEntry) error
	SaveVisit(ctx context.Context, v VisitRecord, ledger []patient.DoseEntry) error
	SaveMonthlyReturn(ctx context.Context, r MonthlyReturn) error
	SaveReminder(ctx context.Context, r SentReminder) error
	Load(ctx context.Context) (*Snapshot, error)
}

// NopStore keeps nothing. Used when no database is configured.
type NopStore struct{}

func (NopStore) SavePatient(context.Context, PatientRecord) error                  { return nil }
func (NopStore) RemovePatient(context.Context, string, time.Time) error            { return nil }
func (NopStore) SaveLedger(context.Context, string, []patient.DoseEntry) error     { return nil }
func (NopStore) SaveVisit(context.Context, VisitRecord, []patient.DoseEntry) error { return nil }
func (NopStore) SaveMonthlyReturn(context.Context, MonthlyReturn) error            { return nil }
func (NopStore) SaveReminder(context.Context, SentReminder) error                  { return nil }
func (NopStore) Load(context.Context) (*Snapshot, error)                           { return &Snapshot{}, nil }

func recordOf(p *patient.ImmunizationPatient) PatientRecord {
	return PatientRecord{Patient: p.Patient, WeightKG: p.WeightKG, Ledger: p.Ledger()}
}

func visitRecordOf(v *immunization.Visit) VisitRecord {
	return VisitRecord{
		ID:           v.ID(),
		PatientID:    v.PatientID(),
		Date:         v.Date(),
		Remarks:      v.Remarks(),
		Administered: v.Administrations(),
	}
}
