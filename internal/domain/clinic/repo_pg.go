package clinic

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinic/internal/domain/catalog"
	"github.com/ehr/clinic/internal/domain/immunization"
	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/internal/platform/db"
)

// Migrations holds the schema for the PostgreSQL store.
//
//go:embed migrations/*.sql
var Migrations embed.FS

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, national_id, insurance_number, out_patient_number, name, birth_date, sex,
	address, mother_id, contact_channel, weight_kg, created_at, updated_at, removed_at`

func (r *storePG) scanPatient(row pgx.Row) (PatientRecord, error) {
	var (
		rec                          PatientRecord
		p                            = &rec.Patient
		nationalID, insurance, opNum *string
		address                      *string
	)
	err := row.Scan(&p.ID, &nationalID, &insurance, &opNum, &p.Name, &p.BirthDate, &p.Sex,
		&address, &p.MotherID, &p.ContactChannel, &rec.WeightKG, &p.CreatedAt, &p.UpdatedAt, &rec.RemovedAt)
	p.NationalID = deref(nationalID)
	p.InsuranceNumber = deref(insurance)
	p.OutPatientNumber = deref(opNum)
	p.Address = deref(address)
	return rec, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *storePG) SavePatient(ctx context.Context, rec PatientRecord) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		p := rec.Patient
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO patient (id, national_id, insurance_number, out_patient_number, name, birth_date, sex,
				address, mother_id, contact_channel, weight_kg, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (id) DO UPDATE SET
				national_id=$2, insurance_number=$3, out_patient_number=$4, name=$5, birth_date=$6, sex=$7,
				address=$8, mother_id=$9, contact_channel=$10, weight_kg=$11, updated_at=$13`,
			p.ID, p.NationalID, p.InsuranceNumber, p.OutPatientNumber, p.Name, p.BirthDate, p.Sex,
			p.Address, p.MotherID, p.ContactChannel, rec.WeightKG, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return err
		}
		return r.writeLedger(ctx, p.ID, rec.Ledger)
	})
}

// RemovePatient marks the patient removed. The row and its ledger stay so
// that visits can be restored against it.
func (r *storePG) RemovePatient(ctx context.Context, id string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patient SET removed_at = $2, updated_at = $2 WHERE id = $1 AND removed_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return nil
}

func (r *storePG) SaveLedger(ctx context.Context, patientID string, ledger []patient.DoseEntry) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		return r.writeLedger(ctx, patientID, ledger)
	})
}

// writeLedger replaces the patient's ledger rows. Must run in a transaction.
func (r *storePG) writeLedger(ctx context.Context, patientID string, ledger []patient.DoseEntry) error {
	c := r.conn(ctx)
	if _, err := c.Exec(ctx, `DELETE FROM dose_ledger WHERE patient_id = $1`, patientID); err != nil {
		return err
	}
	for _, e := range ledger {
		_, err := c.Exec(ctx, `
			INSERT INTO dose_ledger (patient_id, vaccine_id, dose_count, last_dose)
			VALUES ($1,$2,$3,$4)`,
			patientID, e.VaccineID, e.Count, e.LastDose)
		if err != nil {
			return fmt.Errorf("ledger entry %d: %w", e.VaccineID, err)
		}
	}
	return nil
}

func (r *storePG) SaveVisit(ctx context.Context, v VisitRecord, ledger []patient.DoseEntry) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		c := r.conn(ctx)
		_, err := c.Exec(ctx, `
			INSERT INTO visit (id, patient_id, visit_date, remarks)
			VALUES ($1,$2,$3,$4)`,
			v.ID, v.PatientID, v.Date, v.Remarks)
		if err != nil {
			return err
		}
		for i, a := range v.Administered {
			snapshot, err := json.Marshal(a.Vaccine)
			if err != nil {
				return err
			}
			_, err = c.Exec(ctx, `
				INSERT INTO visit_dose (visit_id, position, vaccine_id, dose_number, vaccine)
				VALUES ($1,$2,$3,$4,$5)`,
				v.ID, i, a.Vaccine.ID, a.DoseNumber, snapshot)
			if err != nil {
				return err
			}
		}
		return r.writeLedger(ctx, v.PatientID, ledger)
	})
}

const returnCols = `id, centre, metro, region, month, doses_administered, doses_used, wastage_rate,
	vitamin_a_deficiency, vitamin_a_aefi, safety_boxes_used, safety_boxes_incinerated, safety_boxes_pit, created_at,
	doses_0_11_months, doses_12_23_months, doses_24_plus_months`

func (r *storePG) scanReturn(row pgx.Row) (MonthlyReturn, error) {
	var m MonthlyReturn
	var metro, region *string
	err := row.Scan(&m.ID, &m.Centre, &metro, &region, &m.Month, &m.DosesAdministered, &m.DosesUsed, &m.WastageRate,
		&m.VitaminADeficiency, &m.VitaminAAEFI, &m.SafetyBoxesUsed, &m.SafetyBoxesIncinerated, &m.SafetyBoxesPit, &m.CreatedAt,
		&m.Doses0To11Months, &m.Doses12To23Months, &m.Doses24PlusMonths)
	m.Metro = deref(metro)
	m.Region = deref(region)
	return m, err
}

func (r *storePG) SaveMonthlyReturn(ctx context.Context, m MonthlyReturn) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO monthly_return (`+returnCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		m.ID, m.Centre, m.Metro, m.Region, m.Month, m.DosesAdministered, m.DosesUsed, m.WastageRate,
		m.VitaminADeficiency, m.VitaminAAEFI, m.SafetyBoxesUsed, m.SafetyBoxesIncinerated, m.SafetyBoxesPit, m.CreatedAt,
		m.Doses0To11Months, m.Doses12To23Months, m.Doses24PlusMonths)
	return err
}

func (r *storePG) SaveReminder(ctx context.Context, s SentReminder) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reminder_sent (patient_id, vaccine_id, due_date, channel, sent_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (patient_id, vaccine_id, due_date) DO NOTHING`,
		s.PatientID, s.VaccineID, s.DueDate, s.Channel, s.SentAt)
	return err
}

// Load reads the whole clinic. Visits come back in date order.
func (r *storePG) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	c := r.conn(ctx)

	rows, err := c.Query(ctx, `SELECT `+patientCols+` FROM patient ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	index := map[string]int{}
	for rows.Next() {
		rec, err := r.scanPatient(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[rec.Patient.ID] = len(snap.Patients)
		snap.Patients = append(snap.Patients, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = c.Query(ctx, `SELECT patient_id, vaccine_id, dose_count, last_dose FROM dose_ledger`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	for rows.Next() {
		var pid string
		var e patient.DoseEntry
		if err := rows.Scan(&pid, &e.VaccineID, &e.Count, &e.LastDose); err != nil {
			rows.Close()
			return nil, err
		}
		if i, ok := index[pid]; ok {
			snap.Patients[i].Ledger = append(snap.Patients[i].Ledger, e)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if snap.Visits, err = r.loadVisits(ctx, c); err != nil {
		return nil, err
	}

	rows, err = c.Query(ctx, `SELECT `+returnCols+` FROM monthly_return ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query returns: %w", err)
	}
	for rows.Next() {
		m, err := r.scanReturn(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Returns = append(snap.Returns, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = c.Query(ctx, `SELECT patient_id, vaccine_id, due_date, channel, sent_at FROM reminder_sent`)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s SentReminder
		if err := rows.Scan(&s.PatientID, &s.VaccineID, &s.DueDate, &s.Channel, &s.SentAt); err != nil {
			return nil, err
		}
		snap.Reminders = append(snap.Reminders, s)
	}
	return snap, rows.Err()
}

func (r *storePG) loadVisits(ctx context.Context, c queryable) ([]VisitRecord, error) {
	rows, err := c.Query(ctx, `SELECT id, patient_id, visit_date, COALESCE(remarks, '') FROM visit ORDER BY visit_date, created_at`)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	var visits []VisitRecord
	index := map[string]int{}
	for rows.Next() {
		var v VisitRecord
		if err := rows.Scan(&v.ID, &v.PatientID, &v.Date, &v.Remarks); err != nil {
			rows.Close()
			return nil, err
		}
		index[v.ID] = len(visits)
		visits = append(visits, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = c.Query(ctx, `SELECT visit_id, dose_number, vaccine FROM visit_dose ORDER BY visit_id, position`)
	if err != nil {
		return nil, fmt.Errorf("query visit doses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			visitID  string
			a        immunization.Administration
			snapshot []byte
		)
		if err := rows.Scan(&visitID, &a.DoseNumber, &snapshot); err != nil {
			return nil, err
		}
		var v catalog.Vaccine
		if err := json.Unmarshal(snapshot, &v); err != nil {
			return nil, fmt.Errorf("visit %s dose: %w", visitID, err)
		}
		a.Vaccine = v
		if i, ok := index[visitID]; ok {
			visits[i].Administered = append(visits[i].Administered, a)
		}
	}
	return visits, rows.Err()
}
