package clinic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/catalog"
	"github.com/ehr/clinic/internal/domain/immunization"
	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/internal/platform/events"
	"github.com/ehr/clinic/internal/platform/metrics"
	"github.com/ehr/clinic/pkg/caldate"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrFutureDate     = errors.New("date is in the future")
)

// Service is the single entry point to the clinic. Every call takes the
// same mutex, so the core types never see concurrent access. Calls into the
// catalog service happen with the clinic lock held, never the other way.
type Service struct {
	mu       sync.Mutex
	clinic   *Clinic
	catalog  *catalog.Service
	store    Store
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	reminded map[reminderKey]bool
}

type reminderKey struct {
	patientID string
	vaccineID int
	due       string
}

func NewService(c *Clinic, cat *catalog.Service, logger zerolog.Logger) *Service {
	return &Service{
		clinic:   c,
		catalog:  cat,
		store:    NopStore{},
		events:   events.Nop{},
		logger:   logger,
		now:      time.Now,
		reminded: make(map[reminderKey]bool),
	}
}

// SetStore attaches a persistent store.
func (s *Service) SetStore(st Store) { s.store = st }

// SetPublisher attaches an event publisher.
func (s *Service) SetPublisher(p events.Publisher) { s.events = p }

// SetMetrics attaches Prometheus counters. Nil disables them.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetClock overrides time.Now.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) today() time.Time { return caldate.Of(s.now()) }

// Catalog returns the catalog service shared with the clinic.
func (s *Service) Catalog() *catalog.Service { return s.catalog }

// SaveCatalog writes the catalog back to its source.
func (s *Service) SaveCatalog(ctx context.Context) error { return s.catalog.Save(ctx) }

// Info is the clinic's name and address.
type Info struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Patients int    `json:"patients"`
	Visits   int    `json:"visits"`
}

func (s *Service) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Name:     s.clinic.Name,
		Address:  s.clinic.Address,
		Patients: len(s.clinic.patients),
		Visits:   len(s.clinic.visits),
	}
}

// Restore rebuilds the in-memory clinic from the store. Visit doses whose
// vaccine is no longer in the catalog keep the snapshot taken when they
// were given.
func (s *Service) Restore(ctx context.Context) error {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load clinic: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, rec := range snap.Patients {
		p := patient.NewImmunizationPatient(rec.Patient, rec.WeightKG)
		p.RestoreLedger(rec.Ledger)
		add := s.clinic.AddPatient
		if rec.RemovedAt != nil {
			add = s.clinic.addRemovedPatient
			removed++
		}
		if err := add(p); err != nil {
			return fmt.Errorf("restore patient %s: %w", rec.Patient.ID, err)
		}
	}
	restored := 0
	for _, rec := range snap.Visits {
		p, ok := s.clinic.patientWithHistory(rec.PatientID)
		if !ok {
			s.logger.Warn().Str("visit_id", rec.ID).Str("patient_id", rec.PatientID).Msg("visit for unknown patient skipped")
			continue
		}
		v, err := immunization.RestoreVisit(p, rec.ID, rec.Date, rec.Remarks, rec.Administered)
		if err != nil {
			return err
		}
		if err := s.clinic.restoreVisit(v); err != nil {
			return err
		}
		restored++
	}
	for _, r := range snap.Returns {
		if err := s.clinic.AddMonthlyReturn(r); err != nil {
			s.logger.Warn().Err(err).Str("month", r.Month).Msg("invalid stored monthly return skipped")
		}
	}
	for _, r := range snap.Reminders {
		s.reminded[reminderKey{r.PatientID, r.VaccineID, caldate.Format(r.DueDate)}] = true
	}

	if s.metrics != nil {
		s.metrics.PatientsActive.Set(float64(len(s.clinic.patients)))
	}
	s.logger.Info().
		Int("patients", len(snap.Patients)-removed).
		Int("removed_patients", removed).
		Int("visits", restored).
		Int("returns", len(snap.Returns)).
		Msg("clinic restored")
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, data interface{}) {
	evt, err := events.New(eventType, data)
	if err == nil {
		err = s.events.Publish(ctx, evt)
	}
	if err != nil {
		// The state change already happened; a lost event is only logged.
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("publish event")
	}
}

func (s *Service) findPatient(id string) (*patient.ImmunizationPatient, error) {
	p, ok := s.clinic.FindPatientByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return p, nil
}

// -- Patients --

// RegisterPatient validates and adds a new patient with an empty ledger.
func (s *Service) RegisterPatient(ctx context.Context, p patient.Patient, weightKG float64) (patient.View, error) {
	if err := p.Validate(); err != nil {
		return patient.View{}, err
	}
	if weightKG < 0 {
		return patient.View{}, fmt.Errorf("%w: weight_kg must not be negative", patient.ErrInvalidPatient)
	}
	if p.BirthDate.After(s.today()) {
		return patient.View{}, fmt.Errorf("%w: birth_date is in the future", patient.ErrInvalidPatient)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	ip := patient.NewImmunizationPatient(p, weightKG)
	if err := s.clinic.AddPatient(ip); err != nil {
		return patient.View{}, err
	}
	if err := s.store.SavePatient(ctx, recordOf(ip)); err != nil {
		s.clinic.unregister(ip.ID)
		return patient.View{}, fmt.Errorf("save patient: %w", err)
	}

	if s.metrics != nil {
		s.metrics.PatientsActive.Inc()
	}
	s.publish(ctx, events.TypePatientRegistered, events.PatientRegistered{PatientID: ip.ID, Name: ip.Name})
	s.logger.Info().Str("patient_id", ip.ID).Msg("patient registered")
	return ip.ViewOn(s.today()), nil
}

// RemovePatient unregisters a patient. Their visits stay on record and the
// ID cannot be registered again.
func (s *Service) RemovePatient(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.findPatient(id)
	if err != nil {
		return err
	}
	if err := s.store.RemovePatient(ctx, id, s.now().UTC()); err != nil {
		return fmt.Errorf("remove patient: %w", err)
	}
	if err := s.clinic.RemovePatient(p.ID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.PatientsActive.Dec()
	}
	s.logger.Info().Str("patient_id", id).Msg("patient removed")
	return nil
}

func (s *Service) GetPatient(id string) (patient.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.findPatient(id)
	if err != nil {
		return patient.View{}, err
	}
	return p.ViewOn(s.today()), nil
}

// ListPatients returns one page of patients in registration order and the
// total count.
func (s *Service) ListPatients(limit, offset int) ([]patient.View, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.clinic.Patients()
	total := len(all)
	if offset >= total {
		return []patient.View{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	today := s.today()
	out := make([]patient.View, 0, end-offset)
	for _, p := range all[offset:end] {
		out = append(out, p.ViewOn(today))
	}
	return out, total
}

func (s *Service) UpdateWeight(ctx context.Context, id string, weightKG float64) (patient.View, error) {
	if weightKG < 0 {
		return patient.View{}, fmt.Errorf("%w: weight_kg must not be negative", patient.ErrInvalidPatient)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.findPatient(id)
	if err != nil {
		return patient.View{}, err
	}
	prev, prevUpdated := p.WeightKG, p.UpdatedAt
	p.WeightKG = weightKG
	p.UpdatedAt = s.now().UTC()
	if err := s.store.SavePatient(ctx, recordOf(p)); err != nil {
		p.WeightKG, p.UpdatedAt = prev, prevUpdated
		return patient.View{}, fmt.Errorf("save patient: %w", err)
	}
	return p.ViewOn(s.today()), nil
}

// RecordHistoricalDose enters a dose given before the patient joined this
// clinic. It is not checked against the rule.
func (s *Service) RecordHistoricalDose(ctx context.Context, patientID string, vaccineID int, on time.Time) (patient.View, error) {
	on = caldate.Of(on)
	if on.IsZero() {
		return patient.View{}, fmt.Errorf("%w: date is required", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if on.After(s.today()) {
		return patient.View{}, ErrFutureDate
	}
	p, err := s.findPatient(patientID)
	if err != nil {
		return patient.View{}, err
	}
	if _, err := s.catalog.GetVaccine(vaccineID); err != nil {
		return patient.View{}, err
	}
	if on.Before(caldate.Of(p.BirthDate)) {
		return patient.View{}, fmt.Errorf("%w: dose date is before birth", ErrInvalidRequest)
	}

	before := p.Ledger()
	p.RecordDose(vaccineID, on)
	if err := s.store.SaveLedger(ctx, p.ID, p.Ledger()); err != nil {
		p.RestoreLedger(before)
		return patient.View{}, fmt.Errorf("save ledger: %w", err)
	}
	s.logger.Info().Str("patient_id", p.ID).Int("vaccine_id", vaccineID).Str("date", caldate.Format(on)).Msg("historical dose recorded")
	return p.ViewOn(s.today()), nil
}

// -- Eligibility --

// CheckEligibility evaluates the rule for one vaccine without changing
// anything. A zero asOf means today.
func (s *Service) CheckEligibility(patientID string, vaccineID int, asOf time.Time) (immunization.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if asOf.IsZero() {
		asOf = s.today()
	}
	p, err := s.findPatient(patientID)
	if err != nil {
		return immunization.Decision{}, err
	}
	v, err := s.catalog.GetVaccine(vaccineID)
	if err != nil {
		return immunization.Decision{}, err
	}
	d := immunization.Evaluate(p, v, asOf)
	if s.metrics != nil {
		s.metrics.Eligibility(d.Eligible)
	}
	return d, nil
}

// Forecast projects every catalog vaccine for one patient.
func (s *Service) Forecast(patientID string, asOf time.Time) ([]immunization.Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if asOf.IsZero() {
		asOf = s.today()
	}
	p, err := s.findPatient(patientID)
	if err != nil {
		return nil, err
	}
	return immunization.Forecast(p, s.catalog.ListVaccines(), asOf), nil
}

// -- Visits --

// VisitRequest asks for a visit with the listed vaccines.
type VisitRequest struct {
	PatientID  string    `json:"patient_id"`
	Date       time.Time `json:"-"`
	Remarks    string    `json:"remarks"`
	VaccineIDs []int     `json:"vaccine_ids"`
	Strict     bool      `json:"strict"`
}

// Refusal explains why a requested vaccine was not given.
type Refusal struct {
	VaccineID   int      `json:"vaccine_id"`
	VaccineName string   `json:"vaccine_name"`
	Reasons     []string `json:"reasons"`
}

// VisitResult is the recorded visit plus anything refused.
type VisitResult struct {
	Visit   immunization.VisitView `json:"visit"`
	Refused []Refusal              `json:"refused,omitempty"`
}

// RefusedError carries the refusals of a strict visit that was rejected.
type RefusedError struct {
	Refused []Refusal
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("%s: %d requested vaccine(s) refused", immunization.ErrNotEligible, len(e.Refused))
}

func (e *RefusedError) Unwrap() error { return immunization.ErrNotEligible }

// RecordVisit opens a visit and administers the requested vaccines in the
// order given. Without Strict, ineligible vaccines are skipped and reported.
// With Strict, any ineligible vaccine rejects the whole visit and nothing is
// recorded.
func (s *Service) RecordVisit(ctx context.Context, req VisitRequest) (*VisitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := caldate.Of(req.Date)
	if date.IsZero() {
		date = s.today()
	}
	if date.After(s.today()) {
		return nil, ErrFutureDate
	}
	p, err := s.findPatient(req.PatientID)
	if err != nil {
		return nil, err
	}

	requested := make([]catalog.Vaccine, 0, len(req.VaccineIDs))
	for _, id := range req.VaccineIDs {
		v, err := s.catalog.GetVaccine(id)
		if err != nil {
			return nil, err
		}
		requested = append(requested, v)
	}

	before := p.Ledger()
	visit, err := immunization.NewVisit(p, date, req.Remarks)
	if err != nil {
		return nil, err
	}

	var refused []Refusal
	for _, v := range requested {
		d, err := visit.AdministerDose(v)
		if err == nil {
			continue
		}
		refused = append(refused, Refusal{VaccineID: v.ID, VaccineName: v.Name, Reasons: d.Reasons})
		if s.metrics != nil {
			s.metrics.DosesRefused.WithLabelValues(v.Name).Inc()
		}
	}
	if req.Strict && len(refused) > 0 {
		p.RestoreLedger(before)
		return nil, &RefusedError{Refused: refused}
	}

	if err := s.clinic.AddVisit(visit); err != nil {
		p.RestoreLedger(before)
		return nil, err
	}
	if err := s.store.SaveVisit(ctx, visitRecordOf(visit), p.Ledger()); err != nil {
		s.clinic.removeVisit(visit.ID())
		p.RestoreLedger(before)
		return nil, fmt.Errorf("save visit: %w", err)
	}

	for _, a := range visit.Administrations() {
		s.afterDose(ctx, visit, a)
	}
	s.logger.Info().
		Str("visit_id", visit.ID()).
		Str("patient_id", p.ID).
		Int("administered", len(visit.Administered())).
		Int("refused", len(refused)).
		Msg("visit recorded")

	return &VisitResult{Visit: visit.View(), Refused: refused}, nil
}

// afterDose draws stock, counts and announces one administered dose.
func (s *Service) afterDose(ctx context.Context, visit *immunization.Visit, a immunization.Administration) {
	change, err := s.catalog.Consume(ctx, a.Vaccine.Key(), 1)
	if err != nil {
		s.logger.Warn().Err(err).Int("vaccine_id", a.Vaccine.ID).Msg("stock not updated")
	}
	if s.metrics != nil {
		s.metrics.DosesAdministered.WithLabelValues(a.Vaccine.Name).Inc()
		if err == nil && change.Exhausted() {
			s.metrics.StockExhausted.WithLabelValues(a.Vaccine.Key().String()).Inc()
		}
	}
	s.publish(ctx, events.TypeDoseAdministered, events.DoseAdministered{
		VisitID:     visit.ID(),
		PatientID:   visit.PatientID(),
		VaccineID:   a.Vaccine.ID,
		VaccineName: a.Vaccine.Name,
		DoseNumber:  a.DoseNumber,
		Date:        caldate.Format(visit.Date()),
	})
}

func views(visits []*immunization.Visit) []immunization.VisitView {
	out := make([]immunization.VisitView, 0, len(visits))
	for _, v := range visits {
		out = append(out, v.View())
	}
	return out
}

func (s *Service) VisitsOnDate(date time.Time) []immunization.VisitView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return views(s.clinic.VisitsOnDate(date))
}

func (s *Service) PatientVisits(patientID string) ([]immunization.VisitView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.findPatient(patientID); err != nil {
		return nil, err
	}
	return views(s.clinic.VisitsForPatient(patientID)), nil
}

// Visits returns every visit, optionally limited to one month.
func (s *Service) Visits(month string) ([]immunization.VisitView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if month == "" {
		return views(s.clinic.Visits()), nil
	}
	vs, err := s.clinic.VisitsInMonth(month)
	if err != nil {
		return nil, err
	}
	return views(vs), nil
}

// PatientName resolves an ID for reports, including removed patients.
// Unknown IDs resolve to "".
func (s *Service) PatientName(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.clinic.patientWithHistory(id); ok {
		return p.Name
	}
	return ""
}

// -- Monthly returns --

func (s *Service) AddMonthlyReturn(ctx context.Context, r MonthlyReturn) (MonthlyReturn, error) {
	if err := r.Validate(); err != nil {
		return MonthlyReturn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Centre == "" {
		r.Centre = s.clinic.Name
	}
	r.ID = uuid.New().String()
	r.CreatedAt = s.now().UTC()
	if err := s.store.SaveMonthlyReturn(ctx, r); err != nil {
		return MonthlyReturn{}, fmt.Errorf("save monthly return: %w", err)
	}
	if err := s.clinic.AddMonthlyReturn(r); err != nil {
		return MonthlyReturn{}, err
	}
	s.logger.Info().Str("month", r.Month).Int("administered", r.DosesAdministered).Msg("monthly return filed")
	return r, nil
}

// MonthlyReturns lists filed returns, optionally for one month.
func (s *Service) MonthlyReturns(month string) []MonthlyReturn {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.clinic.MonthlyReturns()
	if month == "" {
		return all
	}
	var out []MonthlyReturn
	for _, r := range all {
		if r.Month == month {
			out = append(out, r)
		}
	}
	return out
}

func (s *Service) DraftMonthlyReturn(month string, meta MonthlyReturn) (MonthlyReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clinic.DraftMonthlyReturn(month, meta)
}

// -- Reminders --

// DueReminders lists overdue doses that have not been reminded for the
// current due date.
func (s *Service) DueReminders(asOf time.Time) []immunization.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueReminders(asOf)
}

func (s *Service) dueReminders(asOf time.Time) []immunization.Reminder {
	if asOf.IsZero() {
		asOf = s.today()
	}
	vaccines := s.catalog.ListVaccines()
	var out []immunization.Reminder
	for _, p := range s.clinic.Patients() {
		recs := immunization.Forecast(p, vaccines, asOf)
		for _, r := range immunization.Overdue(p, recs, asOf) {
			if s.reminded[keyOf(r)] {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}

func keyOf(r immunization.Reminder) reminderKey {
	return reminderKey{r.PatientID, r.VaccineID, caldate.Format(r.DueDate)}
}

// DispatchReminders publishes every due reminder once and returns what was
// sent. A reminder whose event cannot be published stays due.
func (s *Service) DispatchReminders(ctx context.Context, asOf time.Time) ([]immunization.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sent []immunization.Reminder
	for _, r := range s.dueReminders(asOf) {
		evt, err := events.New(events.TypeReminderDue, events.ReminderDue{
			PatientID:   r.PatientID,
			PatientName: r.PatientName,
			VaccineID:   r.VaccineID,
			VaccineName: r.VaccineName,
			DoseNumber:  r.DoseNumber,
			DueDate:     caldate.Format(r.DueDate),
			Channel:     r.Channel,
		})
		if err != nil {
			return sent, err
		}
		if err := s.events.Publish(ctx, evt); err != nil {
			s.logger.Error().Err(err).Str("patient_id", r.PatientID).Int("vaccine_id", r.VaccineID).Msg("reminder not sent")
			continue
		}

		rec := SentReminder{
			PatientID: r.PatientID,
			VaccineID: r.VaccineID,
			DueDate:   r.DueDate,
			SentAt:    s.now().UTC(),
			Channel:   r.Channel,
		}
		if err := s.store.SaveReminder(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("patient_id", r.PatientID).Msg("save reminder")
		}
		s.reminded[keyOf(r)] = true
		if s.metrics != nil {
			s.metrics.RemindersSent.WithLabelValues(r.Channel).Inc()
		}
		sent = append(sent, r)
	}
	if len(sent) > 0 {
		s.logger.Info().Int("count", len(sent)).Msg("reminders dispatched")
	}
	return sent, nil
}
