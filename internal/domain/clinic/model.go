// Package clinic holds the clinic aggregate, the service that serialises
// access to it, its PostgreSQL store and its HTTP handler.
package clinic

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ehr/clinic/internal/domain/immunization"
	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/pkg/caldate"
)

var (
	ErrDuplicatePatient = errors.New("patient already registered")
	ErrPatientNotFound  = errors.New("patient not found")
	ErrMissingVisit     = errors.New("visit is required")
	ErrInvalidReturn    = errors.New("invalid monthly return")
)

// MonthlyReturn is the clinic's monthly immunization return.
type MonthlyReturn struct {
	ID                     string    `json:"id"`
	Centre                 string    `json:"centre"`
	Metro                  string    `json:"metro"`
	Region                 string    `json:"region"`
	Month                  string    `json:"month"`
	DosesAdministered      int       `json:"doses_administered"`
	Doses0To11Months       int       `json:"doses_0_11_months"`
	Doses12To23Months      int       `json:"doses_12_23_months"`
	Doses24PlusMonths      int       `json:"doses_24_plus_months"`
	DosesUsed              int       `json:"doses_used"`
	WastageRate            float64   `json:"wastage_rate"`
	VitaminADeficiency     int       `json:"vitamin_a_deficiency"`
	VitaminAAEFI           int       `json:"vitamin_a_aefi"`
	SafetyBoxesUsed        int       `json:"safety_boxes_used"`
	SafetyBoxesIncinerated int       `json:"safety_boxes_incinerated"`
	SafetyBoxesPit         int       `json:"safety_boxes_pit"`
	CreatedAt              time.Time `json:"created_at"`
}

// Validate checks the month format and that every count is non-negative.
func (r *MonthlyReturn) Validate() error {
	r.Month = strings.TrimSpace(r.Month)
	if _, err := caldate.ParseMonth(r.Month); err != nil {
		return fmt.Errorf("%w: month must be YYYY-MM", ErrInvalidReturn)
	}
	counts := map[string]int{
		"doses_administered":       r.DosesAdministered,
		"doses_0_11_months":        r.Doses0To11Months,
		"doses_12_23_months":       r.Doses12To23Months,
		"doses_24_plus_months":     r.Doses24PlusMonths,
		"doses_used":               r.DosesUsed,
		"vitamin_a_deficiency":     r.VitaminADeficiency,
		"vitamin_a_aefi":           r.VitaminAAEFI,
		"safety_boxes_used":        r.SafetyBoxesUsed,
		"safety_boxes_incinerated": r.SafetyBoxesIncinerated,
		"safety_boxes_pit":         r.SafetyBoxesPit,
	}
	for name, n := range counts {
		if n < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidReturn, name)
		}
	}
	if r.WastageRate < 0 || r.WastageRate > 100 || math.IsNaN(r.WastageRate) {
		return fmt.Errorf("%w: wastage_rate must be between 0 and 100", ErrInvalidReturn)
	}
	return nil
}

// WastageRate is the share of used doses that were not administered, as a
// percentage. It is 0 when nothing was used.
func WastageRate(administered, used int) float64 {
	if used <= 0 || administered >= used {
		return 0
	}
	return float64(used-administered) / float64(used) * 100
}

// Clinic is the aggregate root: registered patients, recorded visits and
// filed monthly returns.
//
// Clinic is not safe for concurrent use.
type Clinic struct {
	Name    string
	Address string

	patients map[string]*patient.ImmunizationPatient
	order    []string
	// removed holds unregistered patients. Their visits still count and
	// their IDs are not handed out again.
	removed map[string]*patient.ImmunizationPatient
	visits  []*immunization.Visit
	returns []MonthlyReturn
}

func New(name, address string) *Clinic {
	return &Clinic{
		Name:     name,
		Address:  address,
		patients: make(map[string]*patient.ImmunizationPatient),
		removed:  make(map[string]*patient.ImmunizationPatient),
	}
}

// AddPatient registers p. IDs must be non-empty and unique, including
// against removed patients.
func (c *Clinic) AddPatient(p *patient.ImmunizationPatient) error {
	if err := c.checkNewID(p); err != nil {
		return err
	}
	c.patients[p.ID] = p
	c.order = append(c.order, p.ID)
	return nil
}

func (c *Clinic) checkNewID(p *patient.ImmunizationPatient) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", patient.ErrInvalidPatient)
	}
	if _, ok := c.patients[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePatient, p.ID)
	}
	if _, ok := c.removed[p.ID]; ok {
		return fmt.Errorf("%w: %s belongs to a removed patient with history", ErrDuplicatePatient, p.ID)
	}
	return nil
}

// RemovePatient unregisters a patient. Visits already recorded stay and
// keep pointing at the removed patient.
func (c *Clinic) RemovePatient(id string) error {
	p, ok := c.patients[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	c.unregister(id)
	c.removed[id] = p
	return nil
}

// unregister drops id without keeping it as removed. Only for rolling back
// a registration that was never persisted.
func (c *Clinic) unregister(id string) {
	delete(c.patients, id)
	for i, pid := range c.order {
		if pid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// addRemovedPatient restores a patient that was removed before the last
// restart.
func (c *Clinic) addRemovedPatient(p *patient.ImmunizationPatient) error {
	if err := c.checkNewID(p); err != nil {
		return err
	}
	c.removed[p.ID] = p
	return nil
}

func (c *Clinic) FindPatientByID(id string) (*patient.ImmunizationPatient, bool) {
	p, ok := c.patients[id]
	return p, ok
}

// patientWithHistory finds a registered or removed patient.
func (c *Clinic) patientWithHistory(id string) (*patient.ImmunizationPatient, bool) {
	if p, ok := c.patients[id]; ok {
		return p, true
	}
	p, ok := c.removed[id]
	return p, ok
}

// Patients returns registered patients in registration order.
func (c *Clinic) Patients() []*patient.ImmunizationPatient {
	out := make([]*patient.ImmunizationPatient, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.patients[id])
	}
	return out
}

// AddVisit stores a visit whose patient is registered here.
func (c *Clinic) AddVisit(v *immunization.Visit) error {
	if v == nil {
		return ErrMissingVisit
	}
	if _, ok := c.patients[v.PatientID()]; !ok {
		return fmt.Errorf("%w: %s", ErrPatientNotFound, v.PatientID())
	}
	c.visits = append(c.visits, v)
	return nil
}

// restoreVisit stores a visit from history. Its patient may have been
// removed since.
func (c *Clinic) restoreVisit(v *immunization.Visit) error {
	if _, ok := c.removed[v.PatientID()]; ok {
		c.visits = append(c.visits, v)
		return nil
	}
	return c.AddVisit(v)
}

func (c *Clinic) removeVisit(id string) {
	for i, v := range c.visits {
		if v.ID() == id {
			c.visits = append(c.visits[:i], c.visits[i+1:]...)
			return
		}
	}
}

// Visits returns every recorded visit in insertion order.
func (c *Clinic) Visits() []*immunization.Visit {
	return append([]*immunization.Visit(nil), c.visits...)
}

// VisitsOnDate returns the visits held on the given calendar day.
func (c *Clinic) VisitsOnDate(date time.Time) []*immunization.Visit {
	date = caldate.Of(date)
	var out []*immunization.Visit
	for _, v := range c.visits {
		if v.Date().Equal(date) {
			out = append(out, v)
		}
	}
	return out
}

// VisitsInMonth returns the visits whose date falls in month (YYYY-MM).
func (c *Clinic) VisitsInMonth(month string) ([]*immunization.Visit, error) {
	if _, err := caldate.ParseMonth(month); err != nil {
		return nil, fmt.Errorf("%w: month must be YYYY-MM", ErrInvalidReturn)
	}
	var out []*immunization.Visit
	for _, v := range c.visits {
		if caldate.Month(v.Date()) == month {
			out = append(out, v)
		}
	}
	return out, nil
}

// VisitsForPatient returns the visits recorded for one patient.
func (c *Clinic) VisitsForPatient(id string) []*immunization.Visit {
	var out []*immunization.Visit
	for _, v := range c.visits {
		if v.PatientID() == id {
			out = append(out, v)
		}
	}
	return out
}

func (c *Clinic) AddMonthlyReturn(r MonthlyReturn) error {
	if err := r.Validate(); err != nil {
		return err
	}
	c.returns = append(c.returns, r)
	return nil
}

func (c *Clinic) MonthlyReturns() []MonthlyReturn {
	return append([]MonthlyReturn(nil), c.returns...)
}

// DraftMonthlyReturn pre-fills a return for month from the recorded visits,
// splitting administered doses into the form's age bands by the patient's
// age on the visit date. Fields in meta that cannot be derived (location,
// doses used, vitamin and safety box counts) are copied through. The draft
// is not filed.
func (c *Clinic) DraftMonthlyReturn(month string, meta MonthlyReturn) (MonthlyReturn, error) {
	visits, err := c.VisitsInMonth(month)
	if err != nil {
		return MonthlyReturn{}, err
	}
	r := meta
	r.Month = month
	if r.Centre == "" {
		r.Centre = c.Name
	}
	r.DosesAdministered = 0
	r.Doses0To11Months, r.Doses12To23Months, r.Doses24PlusMonths = 0, 0, 0
	for _, v := range visits {
		n := len(v.Administered())
		r.DosesAdministered += n
		switch age := v.AgeInMonths(); {
		case age < 12:
			r.Doses0To11Months += n
		case age < 24:
			r.Doses12To23Months += n
		default:
			r.Doses24PlusMonths += n
		}
	}
	if r.DosesUsed < r.DosesAdministered {
		r.DosesUsed = r.DosesAdministered
	}
	r.WastageRate = WastageRate(r.DosesAdministered, r.DosesUsed)
	return r, nil
}
