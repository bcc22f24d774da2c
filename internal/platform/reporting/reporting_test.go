package reporting

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ehr/clinic/internal/domain/catalog"
	"github.com/ehr/clinic/internal/domain/clinic"
	"github.com/ehr/clinic/internal/domain/immunization"
	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/internal/platform/blobstore"
)

var (
	bcg = catalog.Vaccine{ID: 1, Name: "BCG", Doses: 1}
	opv = catalog.Vaccine{ID: 2, Name: "OPV", Doses: 4, IntervalDays: 28}
)

func sampleReturn() clinic.MonthlyReturn {
	return clinic.MonthlyReturn{
		Centre:                 "City Clinic",
		Metro:                  "Metro Zone",
		Region:                 "Central Region",
		Month:                  "2025-04",
		DosesAdministered:      500,
		Doses0To11Months:       320,
		Doses12To23Months:      150,
		Doses24PlusMonths:      30,
		DosesUsed:              450,
		WastageRate:            10,
		VitaminADeficiency:     5,
		VitaminAAEFI:           2,
		SafetyBoxesUsed:        20,
		SafetyBoxesIncinerated: 15,
		SafetyBoxesPit:         5,
	}
}

func sampleVisits() []immunization.VisitView {
	return []immunization.VisitView{
		{ID: "v1", PatientID: "P-1", Date: "2025-04-02", Administered: []immunization.Administration{
			{Vaccine: bcg, DoseNumber: 1},
			{Vaccine: opv, DoseNumber: 1},
		}},
		{ID: "v2", PatientID: "P-2", Date: "2025-04-02", Remarks: "refused OPV"},
		{ID: "v3", PatientID: "P-1", Date: "2025-04-30", Administered: []immunization.Administration{
			{Vaccine: opv, DoseNumber: 2},
		}},
	}
}

func names(id string) string {
	return map[string]string{"P-1": "Ama Owusu", "P-2": "Kofi Mensah"}[id]
}

func TestMonthLabel(t *testing.T) {
	assert.Equal(t, "April 2025", MonthLabel("2025-04"))
	assert.Equal(t, "sometime", MonthLabel("sometime"))
}

func TestMonthlyReturnText(t *testing.T) {
	text := MonthlyReturnText(sampleReturn())

	assert.True(t, strings.HasPrefix(text, "GHANA HEALTH SERVICE\nIMMUNIZATION MONTHLY RETURNS\n\n"))
	assert.Contains(t, text, "Immunization Centre/Clinic: City Clinic\n")
	assert.Contains(t, text, "Metro: Metro Zone\n")
	assert.Contains(t, text, "Region: Central Region\n")
	assert.Contains(t, text, "For the month of: April 2025\n")
	assert.Contains(t, text, "    10.0%")
	assert.Contains(t, text, "| 0-11 Months | 12-23 Months | 24+ Months |")
	assert.Contains(t, text, "|         320 |          150 |         30 |")
	assert.Contains(t, text, "Vitamin A supplementation")
	assert.Contains(t, text, "| Deficiency           |     5 |")
	assert.Contains(t, text, "| Safety boxes disposed (incinerator)           |    15 |")
	assert.Contains(t, text, "| Safety boxes disposed (pit)                   |     5 |")
}

func TestMonthlyReport(t *testing.T) {
	empty := MonthlyReport("Korle Bu Clinic", "Accra", nil)
	assert.Equal(t, "Monthly Return Report for Korle Bu Clinic (Accra)\n"+rule+NoReturns+"\n", empty)

	two := MonthlyReport("Korle Bu Clinic", "", []clinic.MonthlyReturn{sampleReturn(), sampleReturn()})
	assert.True(t, strings.HasPrefix(two, "Monthly Return Report for Korle Bu Clinic\n"))
	assert.Equal(t, 2, strings.Count(two, "GHANA HEALTH SERVICE"))
	assert.Equal(t, 2, strings.Count(two, separator))
	assert.NotContains(t, two, NoReturns)
}

func TestImmunizationReport(t *testing.T) {
	report := ImmunizationReport("Korle Bu Clinic", sampleVisits(), names)

	lines := strings.Split(strings.TrimRight(report, "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "Clinic Immunization Report for Korle Bu Clinic:", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "Date"))
	assert.Contains(t, lines[2], "Ama Owusu")
	assert.Contains(t, lines[2], "BCG (dose 1), OPV (dose 1)")
	assert.Contains(t, lines[3], "OPV (dose 2)")
	assert.NotContains(t, report, "Kofi Mensah", "visits without doses are not listed")
	assert.Equal(t, "2 visit(s), 3 dose(s)", lines[5])
}

func TestImmunizationReport_Empty(t *testing.T) {
	want := "Clinic Immunization Report for Korle Bu Clinic:\n" + NoImmunizations + "\n"
	assert.Equal(t, want, ImmunizationReport("Korle Bu Clinic", nil, nil))

	noDoses := []immunization.VisitView{{ID: "v", PatientID: "P-1", Date: "2025-04-01"}}
	assert.Equal(t, want, ImmunizationReport("Korle Bu Clinic", noDoses, names))
}

func TestMeasures(t *testing.T) {
	require.NotNil(t, FindMeasure("doses-by-vaccine"))
	assert.Nil(t, FindMeasure("nonexistent"))

	byVaccine := FindMeasure("doses-by-vaccine").Evaluate("2025-04", sampleVisits())
	require.Len(t, byVaccine.Results, 2)
	assert.Equal(t, Row{Key: "0001", Label: "BCG", Count: 1}, byVaccine.Results[0])
	assert.Equal(t, Row{Key: "0002", Label: "OPV", Count: 2}, byVaccine.Results[1])

	byDate := FindMeasure("visits-by-date").Evaluate("", sampleVisits())
	require.Len(t, byDate.Results, 2)
	assert.Equal(t, 2, byDate.Results[0].Count)

	byNumber := FindMeasure("doses-by-number").Evaluate("", nil)
	assert.NotNil(t, byNumber.Results)
	assert.Empty(t, byNumber.Results)

	for _, m := range Measures {
		assert.NotEmpty(t, m.Name, m.ID)
		assert.NotEmpty(t, m.Description, m.ID)
	}
}

func TestMonthlyReturnXLSX(t *testing.T) {
	data, err := MonthlyReturnXLSX([]clinic.MonthlyReturn{sampleReturn()})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{returnsSheet}, f.GetSheetList())
	rows, err := f.GetRows(returnsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, returnsHeader, rows[0])
	assert.Equal(t, "2025-04", rows[1][0])
	assert.Equal(t, "City Clinic", rows[1][1])
	assert.Equal(t, "500", rows[1][4])
	assert.Equal(t, "10.0", rows[1][6])
	assert.Equal(t, []string{"320", "150", "30"}, rows[1][12:15])
}

func TestWorkbook_Register(t *testing.T) {
	data, err := Workbook{Visits: sampleVisits(), Lookup: names}.XLSX()
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(registerSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4, "header plus one row per dose")
	require.GreaterOrEqual(t, len(rows[1]), 5)
	assert.Equal(t, []string{"2025-04-02", "P-1", "Ama Owusu", "BCG", "1"}, rows[1][:5])
	assert.Equal(t, "OPV", rows[3][3])
	assert.Equal(t, "2", rows[3][4])
}

func TestArchive_Store(t *testing.T) {
	store := blobstore.NewMemoryStore()
	a := NewArchive(store, zerolog.Nop())
	a.now = func() time.Time { return time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC) }

	obj, err := a.Store(context.Background(), "2025-04", Workbook{Returns: []clinic.MonthlyReturn{sampleReturn()}})
	require.NoError(t, err)
	assert.Equal(t, "reports/monthly-returns/2025-04/monthly-returns-2025-04-20250501T093000Z.xlsx", obj.Key)
	assert.Equal(t, MIMEXLSX, obj.ContentType)
	assert.Positive(t, obj.Size)

	assert.Equal(t, "reports/monthly-returns/all/monthly-returns-all-20250501T093000Z.xlsx", a.Key(""))
}

type fakeSource struct {
	visits  []immunization.VisitView
	returns []clinic.MonthlyReturn
}

func (f *fakeSource) Info() clinic.Info {
	return clinic.Info{Name: "Korle Bu Clinic", Address: "Accra"}
}

func (f *fakeSource) Visits(month string) ([]immunization.VisitView, error) {
	if month == "bad" {
		return nil, clinic.ErrInvalidReturn
	}
	return f.visits, nil
}

func (f *fakeSource) PatientName(id string) string { return names(id) }

func (f *fakeSource) MonthlyReturns(string) []clinic.MonthlyReturn { return f.returns }

func newTestServer(archive *Archive) *echo.Echo {
	e := echo.New()
	e.Use(auth.DevAuthMiddleware())
	src := &fakeSource{visits: sampleVisits(), returns: []clinic.MonthlyReturn{sampleReturn()}}
	NewHandler(src, archive).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func serve(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandler_TextReports(t *testing.T) {
	e := newTestServer(nil)

	rec := serve(e, http.MethodGet, "/api/v1/reports/monthly")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Monthly Return Report for Korle Bu Clinic (Accra)")

	rec = serve(e, http.MethodGet, "/api/v1/reports/immunizations?month=2025-04")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Ama Owusu")

	rec = serve(e, http.MethodGet, "/api/v1/reports/immunizations?month=bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_XLSX(t *testing.T) {
	rec := serve(newTestServer(nil), http.MethodGet, "/api/v1/reports/monthly.xlsx?month=2025-04")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MIMEXLSX, rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "monthly-returns-2025-04.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{returnsSheet, registerSheet}, f.GetSheetList())
}

func TestHandler_Measures(t *testing.T) {
	e := newTestServer(nil)

	rec := serve(e, http.MethodGet, "/api/v1/reports/measures/doses-by-vaccine/evaluate?month=2025-04")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"measure_id":"doses-by-vaccine"`)

	rec = serve(e, http.MethodGet, "/api/v1/reports/measures/unknown/evaluate")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Archive(t *testing.T) {
	store := blobstore.NewMemoryStore()
	e := newTestServer(NewArchive(store, zerolog.Nop()))

	rec := serve(e, http.MethodPost, "/api/v1/reports/monthly/archive?month=2025-04")
	require.Equal(t, http.StatusCreated, rec.Code)

	objs, err := store.List(context.Background(), ArchivePrefix)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Contains(t, rec.Body.String(), objs[0].Key)

	rec = serve(newTestServer(nil), http.MethodPost, "/api/v1/reports/monthly/archive")
	assert.NotEqual(t, http.StatusCreated, rec.Code, "archive route is absent without a store")
}
