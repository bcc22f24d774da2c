package catalog

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	DefaultVaccinesFile = "vaccines.csv"
	DefaultVitaminsFile = "vitamins.csv"

	// Defaults applied to rows that leave these columns blank.
	defaultDoses        = 1
	defaultIntervalDays = 30
)

var VaccineHeader = []string{
	"id", "name", "brand", "dosage_ml", "doses", "interval_days", "treats", "stock",
	"min_age_years", "min_weight_kg", "route", "site",
}

var VitaminHeader = []string{
	"id", "name", "brand", "dosage_mg", "doses", "interval_days", "treats", "stock",
	"deficiency_threshold",
}

// headerAliases maps older column names onto the current ones.
var headerAliases = map[string]string{
	"dosageml":     "dosage_ml",
	"dosagemg":     "dosage_mg",
	"dosage_count": "doses",
	"interval":     "interval_days",
	"min_age":      "min_age_years",
	"min_weight":   "min_weight_kg",
	"deficient":    "deficiency_threshold",
	"deficiency":   "deficiency_threshold",
}

// CSVStore loads and saves a Catalog as two CSV files.
type CSVStore struct {
	src          Source
	vaccinesFile string
	vitaminsFile string
	logger       zerolog.Logger
}

func NewCSVStore(src Source, vaccinesFile, vitaminsFile string, logger zerolog.Logger) *CSVStore {
	if vaccinesFile == "" {
		vaccinesFile = DefaultVaccinesFile
	}
	if vitaminsFile == "" {
		vitaminsFile = DefaultVitaminsFile
	}
	return &CSVStore{
		src:          src,
		vaccinesFile: vaccinesFile,
		vitaminsFile: vitaminsFile,
		logger:       logger.With().Str("component", "catalog_csv").Logger(),
	}
}

// LoadReport summarizes a Load call.
type LoadReport struct {
	Vaccines int      `json:"vaccines"`
	Vitamins int      `json:"vitamins"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Load reads both files into cat. A missing file is treated as empty. Rows
// that fail to parse or validate are skipped and listed in the report.
func (s *CSVStore) Load(ctx context.Context, cat *Catalog) (*LoadReport, error) {
	report := &LoadReport{}

	vaccines, skipped, err := s.readFile(ctx, s.vaccinesFile, func(r io.Reader) (int, []string, error) {
		items, skipped, err := ReadVaccines(r)
		if err != nil {
			return 0, nil, err
		}
		added := 0
		for _, v := range items {
			if err := cat.AddVaccine(v); err != nil {
				skipped = append(skipped, fmt.Sprintf("%s: vaccine %d: %v", s.vaccinesFile, v.ID, err))
				continue
			}
			added++
		}
		return added, skipped, nil
	})
	if err != nil {
		return nil, err
	}
	report.Vaccines = vaccines
	report.Skipped = append(report.Skipped, skipped...)

	vitamins, skipped, err := s.readFile(ctx, s.vitaminsFile, func(r io.Reader) (int, []string, error) {
		items, skipped, err := ReadVitamins(r)
		if err != nil {
			return 0, nil, err
		}
		added := 0
		for _, v := range items {
			if err := cat.AddVitamin(v); err != nil {
				skipped = append(skipped, fmt.Sprintf("%s: vitamin %d: %v", s.vitaminsFile, v.ID, err))
				continue
			}
			added++
		}
		return added, skipped, nil
	})
	if err != nil {
		return nil, err
	}
	report.Vitamins = vitamins
	report.Skipped = append(report.Skipped, skipped...)

	for _, msg := range report.Skipped {
		s.logger.Warn().Str("row", msg).Msg("skipped catalog row")
	}
	s.logger.Info().
		Int("vaccines", report.Vaccines).
		Int("vitamins", report.Vitamins).
		Int("skipped", len(report.Skipped)).
		Msg("catalog loaded")
	return report, nil
}

func (s *CSVStore) readFile(ctx context.Context, name string, fn func(io.Reader) (int, []string, error)) (int, []string, error) {
	rc, err := s.src.Open(ctx, name)
	if errors.Is(err, ErrSourceMissing) {
		s.logger.Info().Str("file", s.src.Describe(name)).Msg("catalog file missing, starting empty")
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	defer rc.Close()
	n, skipped, err := fn(rc)
	if err != nil {
		return 0, nil, fmt.Errorf("read %s: %w", s.src.Describe(name), err)
	}
	return n, skipped, nil
}

// Save rewrites both files from the catalog.
func (s *CSVStore) Save(ctx context.Context, cat *Catalog) error {
	var buf bytes.Buffer
	if err := WriteVaccines(&buf, cat.Vaccines()); err != nil {
		return err
	}
	if err := s.src.Write(ctx, s.vaccinesFile, buf.Bytes()); err != nil {
		return err
	}

	buf.Reset()
	if err := WriteVitamins(&buf, cat.Vitamins()); err != nil {
		return err
	}
	return s.src.Write(ctx, s.vitaminsFile, buf.Bytes())
}

// ReadVaccines parses vaccine rows. The first record must be a header; both
// the current header and the older eight-column layout are understood.
func ReadVaccines(r io.Reader) ([]Vaccine, []string, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, nil, err
	}
	var (
		items   []Vaccine
		skipped []string
	)
	for _, row := range rows {
		v, err := parseVaccine(row)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: %v", row.line, err))
			continue
		}
		items = append(items, v)
	}
	return items, skipped, nil
}

func ReadVitamins(r io.Reader) ([]Vitamin, []string, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, nil, err
	}
	var (
		items   []Vitamin
		skipped []string
	)
	for _, row := range rows {
		v, err := parseVitamin(row)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: %v", row.line, err))
			continue
		}
		items = append(items, v)
	}
	return items, skipped, nil
}

func WriteVaccines(w io.Writer, items []Vaccine) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(VaccineHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, v := range items {
		rec := []string{
			strconv.Itoa(v.ID),
			v.Name,
			v.Brand,
			formatFloat(v.DosageML),
			strconv.Itoa(v.Doses),
			strconv.Itoa(v.IntervalDays),
			strings.Join(v.Treats, ";"),
			strconv.Itoa(v.Stock),
			strconv.Itoa(v.MinAgeYears),
			formatFloat(v.MinWeightKG),
			v.Route,
			v.Site,
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write vaccine %d: %w", v.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteVitamins(w io.Writer, items []Vitamin) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(VitaminHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, v := range items {
		rec := []string{
			strconv.Itoa(v.ID),
			v.Name,
			v.Brand,
			formatFloat(v.DosageMG),
			strconv.Itoa(v.Doses),
			strconv.Itoa(v.IntervalDays),
			strings.Join(v.Treats, ";"),
			strconv.Itoa(v.Stock),
			strconv.Itoa(v.DeficiencyThreshold),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write vitamin %d: %w", v.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// record is one data row addressed by normalized column name.
type record struct {
	line   int
	fields map[string]string
}

func (r record) str(col string) string {
	return strings.TrimSpace(r.fields[col])
}

func (r record) intOr(col string, def int) (int, error) {
	s := r.str(col)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("column %s: %q is not a whole number", col, s)
	}
	return n, nil
}

func (r record) floatOr(col string, def float64) (float64, error) {
	s := r.str(col)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %q is not a number", col, s)
	}
	return f, nil
}

func (r record) list(col string) []string {
	s := r.str(col)
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readRows(r io.Reader) ([]record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		cols[i] = normalizeColumn(h)
		seen[cols[i]] = true
	}
	if !seen["id"] || !seen["name"] {
		return nil, fmt.Errorf("header must contain id and name columns, got %v", header)
	}

	var rows []record
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		fields := make(map[string]string, len(cols))
		for i, col := range cols {
			if i < len(rec) {
				fields[col] = rec[i]
			}
		}
		rows = append(rows, record{line: line, fields: fields})
	}
	return rows, nil
}

func normalizeColumn(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	if alias, ok := headerAliases[h]; ok {
		return alias
	}
	return h
}

func parseVaccine(r record) (Vaccine, error) {
	var (
		v   Vaccine
		err error
	)
	if v.ID, err = r.intOr("id", 0); err != nil {
		return v, err
	}
	v.Name = r.str("name")
	v.Brand = r.str("brand")
	if v.DosageML, err = r.floatOr("dosage_ml", r.floatFallback("dosage")); err != nil {
		return v, err
	}
	if v.Doses, err = r.intOr("doses", defaultDoses); err != nil {
		return v, err
	}
	if v.IntervalDays, err = r.intOr("interval_days", defaultIntervalDays); err != nil {
		return v, err
	}
	v.Treats = r.list("treats")
	if v.Stock, err = r.intOr("stock", 0); err != nil {
		return v, err
	}
	if v.MinAgeYears, err = r.intOr("min_age_years", 0); err != nil {
		return v, err
	}
	if v.MinWeightKG, err = r.floatOr("min_weight_kg", 0); err != nil {
		return v, err
	}
	v.Route = r.str("route")
	v.Site = r.str("site")
	return v, v.Validate()
}

func parseVitamin(r record) (Vitamin, error) {
	var (
		v   Vitamin
		err error
	)
	if v.ID, err = r.intOr("id", 0); err != nil {
		return v, err
	}
	v.Name = r.str("name")
	v.Brand = r.str("brand")
	// Older vitamin files reused the vaccine header, so dosageml may hold milligrams.
	if v.DosageMG, err = r.floatOr("dosage_mg", r.floatFallback("dosage_ml")); err != nil {
		return v, err
	}
	if v.Doses, err = r.intOr("doses", defaultDoses); err != nil {
		return v, err
	}
	if v.IntervalDays, err = r.intOr("interval_days", defaultIntervalDays); err != nil {
		return v, err
	}
	v.Treats = r.list("treats")
	if v.Stock, err = r.intOr("stock", 0); err != nil {
		return v, err
	}
	if v.DeficiencyThreshold, err = r.intOr("deficiency_threshold", 0); err != nil {
		return v, err
	}
	return v, v.Validate()
}

// floatFallback reads a secondary dosage column, returning 0 when it is
// absent or not numeric.
func (r record) floatFallback(col string) float64 {
	f, err := strconv.ParseFloat(r.str(col), 64)
	if err != nil {
		return 0
	}
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
