package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateItem = errors.New("catalog item already exists")
	ErrItemNotFound  = errors.New("catalog item not found")
	ErrInvalidItem   = errors.New("invalid catalog item")
)

// Kind distinguishes the two dosable item variants.
type Kind string

const (
	KindVaccine Kind = "vaccine"
	KindVitamin Kind = "vitamin"
)

// Key identifies one catalog entry. IDs are unique per kind.
type Key struct {
	Kind Kind `json:"kind"`
	ID   int  `json:"id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Kind, k.ID)
}

// Item is the behaviour shared by vaccines and vitamins.
type Item interface {
	Key() Key
	DisplayName() string
	StockLevel() int
}

// EligibilityParams are the static inputs of the dosing rule.
type EligibilityParams struct {
	MinAgeYears  int     `json:"min_age_years"`
	MinWeightKG  float64 `json:"min_weight_kg"`
	Doses        int     `json:"doses"`
	IntervalDays int     `json:"interval_days"`
}

// HasEligibilityRule is implemented by items that can be gated by the
// age / dose count / interval rule.
type HasEligibilityRule interface {
	EligibilityParams() EligibilityParams
}

// Vaccine is immutable reference data shared by every patient.
type Vaccine struct {
	ID           int      `json:"id"`
	Name         string   `json:"name"`
	Brand        string   `json:"brand"`
	DosageML     float64  `json:"dosage_ml"`
	Doses        int      `json:"doses"`
	IntervalDays int      `json:"interval_days"`
	MinAgeYears  int      `json:"min_age_years"`
	MinWeightKG  float64  `json:"min_weight_kg"`
	Route        string   `json:"route,omitempty"`
	Site         string   `json:"site,omitempty"`
	Treats       []string `json:"treats,omitempty"`
	Stock        int      `json:"stock"`
}

func (v Vaccine) Key() Key            { return Key{Kind: KindVaccine, ID: v.ID} }
func (v Vaccine) DisplayName() string { return v.Name }
func (v Vaccine) StockLevel() int     { return v.Stock }

func (v Vaccine) EligibilityParams() EligibilityParams {
	return EligibilityParams{
		MinAgeYears:  v.MinAgeYears,
		MinWeightKG:  v.MinWeightKG,
		Doses:        v.Doses,
		IntervalDays: v.IntervalDays,
	}
}

// Validate enforces the reference-data invariants.
func (v Vaccine) Validate() error {
	switch {
	case v.ID <= 0:
		return fmt.Errorf("%w: id must be positive", ErrInvalidItem)
	case strings.TrimSpace(v.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	case v.Doses < 1:
		return fmt.Errorf("%w: doses must be at least 1", ErrInvalidItem)
	case v.IntervalDays < 0:
		return fmt.Errorf("%w: interval_days must not be negative", ErrInvalidItem)
	case v.MinAgeYears < 0:
		return fmt.Errorf("%w: min_age_years must not be negative", ErrInvalidItem)
	case v.MinWeightKG < 0:
		return fmt.Errorf("%w: min_weight_kg must not be negative", ErrInvalidItem)
	case v.DosageML < 0:
		return fmt.Errorf("%w: dosage_ml must not be negative", ErrInvalidItem)
	case v.Stock < 0:
		return fmt.Errorf("%w: stock must not be negative", ErrInvalidItem)
	}
	return nil
}

// Vitamin is the milligram-dosed sibling of Vaccine. It is gated by a
// deficiency test rather than the age/interval rule.
type Vitamin struct {
	ID                  int      `json:"id"`
	Name                string   `json:"name"`
	Brand               string   `json:"brand"`
	DosageMG            float64  `json:"dosage_mg"`
	Doses               int      `json:"doses"`
	IntervalDays        int      `json:"interval_days"`
	Treats              []string `json:"treats,omitempty"`
	Stock               int      `json:"stock"`
	DeficiencyThreshold int      `json:"deficiency_threshold"`
}

func (v Vitamin) Key() Key            { return Key{Kind: KindVitamin, ID: v.ID} }
func (v Vitamin) DisplayName() string { return v.Name }
func (v Vitamin) StockLevel() int     { return v.Stock }

// IsDeficient reports whether a patient needing `needed` units is deficient.
func (v Vitamin) IsDeficient(needed int) bool {
	return needed >= v.DeficiencyThreshold
}

func (v Vitamin) Validate() error {
	switch {
	case v.ID <= 0:
		return fmt.Errorf("%w: id must be positive", ErrInvalidItem)
	case strings.TrimSpace(v.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	case v.Doses < 1:
		return fmt.Errorf("%w: doses must be at least 1", ErrInvalidItem)
	case v.IntervalDays < 0:
		return fmt.Errorf("%w: interval_days must not be negative", ErrInvalidItem)
	case v.DosageMG < 0:
		return fmt.Errorf("%w: dosage_mg must not be negative", ErrInvalidItem)
	case v.Stock < 0:
		return fmt.Errorf("%w: stock must not be negative", ErrInvalidItem)
	case v.DeficiencyThreshold < 0:
		return fmt.Errorf("%w: deficiency_threshold must not be negative", ErrInvalidItem)
	}
	return nil
}
