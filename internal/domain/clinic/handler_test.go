package clinic

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/platform/auth"
)

func newHandlerFixture(t *testing.T) (*Handler, *fixture) {
	t.Helper()
	f := newFixture(t)
	f.register(t, "P-1", 12)
	return NewHandler(f.svc), f
}

func jsonRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func TestHandler_RegisterPatient(t *testing.T) {
	h, _ := newHandlerFixture(t)
	e := echo.New()

	body := `{"id":"P-2","name":"Kofi Mensah","birth_date":"2020-02-29","sex":"Male","weight_kg":14.2,"contact_channel":"text"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/patients", body), rec)
	if err := h.RegisterPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["sex"] != "male" || got["weight_kg"] != 14.2 || got["age_years"] != float64(4) {
		t.Errorf("unexpected body %v", got)
	}
}

func TestHandler_RegisterPatient_Errors(t *testing.T) {
	h, _ := newHandlerFixture(t)
	e := echo.New()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad date", `{"id":"X","name":"A","birth_date":"31/12/2020"}`, http.StatusBadRequest},
		{"missing name", `{"id":"X","birth_date":"2020-01-01"}`, http.StatusBadRequest},
		{"duplicate", `{"id":"P-1","name":"A","birth_date":"2020-01-01"}`, http.StatusConflict},
		{"bad json", `{"id":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(jsonRequest(http.MethodPost, "/patients", tt.body), httptest.NewRecorder())
			expectHTTPError(t, h.RegisterPatient(c), tt.code)
		})
	}
}

func TestHandler_GetPatient(t *testing.T) {
	h, _ := newHandlerFixture(t)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("P-1")
	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("missing")
	expectHTTPError(t, h.GetPatient(c), http.StatusNotFound)
}

func TestHandler_ListPatients(t *testing.T) {
	h, _ := newHandlerFixture(t)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/patients?limit=10", nil), rec)
	if err := h.ListPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Total != 1 || got.Limit != 10 {
		t.Errorf("unexpected page %+v", got)
	}
}

func TestHandler_CheckEligibility(t *testing.T) {
	h, _ := newHandlerFixture(t)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?vaccine_id=7&as_of=2024-05-31", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("P-1")
	if err := h.CheckEligibility(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var d struct {
		Eligible bool     `json:"eligible"`
		AgeOK    bool     `json:"age_ok"`
		Reasons  []string `json:"reasons"`
	}
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Eligible || d.AgeOK || len(d.Reasons) != 1 {
		t.Errorf("expected age refusal, got %+v", d)
	}

	for _, q := range []string{"/", "/?vaccine_id=abc", "/?vaccine_id=7&as_of=yesterday"} {
		c = e.NewContext(httptest.NewRequest(http.MethodGet, q, nil), httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues("P-1")
		expectHTTPError(t, h.CheckEligibility(c), http.StatusBadRequest)
	}
}

func TestHandler_RecordVisit(t *testing.T) {
	h, _ := newHandlerFixture(t)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/visits", `{"patient_id":"P-1","vaccine_ids":[7],"remarks":"school programme"}`), rec)
	if err := h.RecordVisit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/visits", `{"patient_id":"P-1","vaccine_ids":[7],"strict":true}`), httptest.NewRecorder())
	err := h.RecordVisit(c)
	expectHTTPError(t, err, http.StatusUnprocessableEntity)
	msg, ok := err.(*echo.HTTPError).Message.(map[string]interface{})
	if !ok || msg["refused"] == nil {
		t.Errorf("expected refusal details, got %v", err.(*echo.HTTPError).Message)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/visits", `{"patient_id":"P-1","date":"2030-01-01"}`), httptest.NewRecorder())
	expectHTTPError(t, h.RecordVisit(c), http.StatusBadRequest)

	c = e.NewContext(jsonRequest(http.MethodPost, "/visits", `{"patient_id":"P-1","vaccine_ids":[404]}`), httptest.NewRecorder())
	expectHTTPError(t, h.RecordVisit(c), http.StatusNotFound)

	c = e.NewContext(jsonRequest(http.MethodPost, "/visits", `{"vaccine_ids":[7]}`), httptest.NewRecorder())
	expectHTTPError(t, h.RecordVisit(c), http.StatusBadRequest)
}

func TestHandler_ListVisits(t *testing.T) {
	h, f := newHandlerFixture(t)
	e := echo.New()
	f.svc.RecordVisit(jsonRequest(http.MethodGet, "/", "").Context(), VisitRequest{PatientID: "P-1", VaccineIDs: []int{1}})

	for _, q := range []string{"/visits?date=2024-06-01", "/visits?month=2024-06", "/visits"} {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, q, nil), rec)
		if err := h.ListVisits(c); err != nil {
			t.Fatalf("%s: unexpected error: %v", q, err)
		}
		var got struct {
			Total int `json:"total"`
		}
		json.Unmarshal(rec.Body.Bytes(), &got)
		if got.Total != 1 {
			t.Errorf("%s: expected 1 visit, got %d", q, got.Total)
		}
	}

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/visits?month=june", nil), httptest.NewRecorder())
	expectHTTPError(t, h.ListVisits(c), http.StatusBadRequest)
}

func TestHandler_Returns(t *testing.T) {
	h, _ := newHandlerFixture(t)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/returns/draft?month=2024-06", `{"metro":"Accra Metro","doses_used":3}`), rec)
	if err := h.DraftReturn(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var draft MonthlyReturn
	json.Unmarshal(rec.Body.Bytes(), &draft)
	if draft.Month != "2024-06" || draft.Metro != "Accra Metro" || draft.DosesUsed != 3 {
		t.Errorf("unexpected draft %+v", draft)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPost, "/returns", `{"month":"2024-06","doses_administered":10,"doses_used":12,"wastage_rate":16.7}`), rec)
	if err := h.AddReturn(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/returns", `{"month":"2024-13"}`), httptest.NewRecorder())
	expectHTTPError(t, h.AddReturn(c), http.StatusBadRequest)

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/returns?month=2024-06", nil), rec)
	if err := h.ListReturns(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one filed return, got %s", rec.Body.String())
	}
}

func TestHandler_Reminders(t *testing.T) {
	h, f := newHandlerFixture(t)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/reminders/dispatch", nil), rec)
	if err := h.DispatchReminders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":2`) {
		t.Errorf("expected 2 reminders sent, got %s", rec.Body.String())
	}
	if len(f.store.reminders) != 2 {
		t.Errorf("expected 2 persisted reminders, got %d", len(f.store.reminders))
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/reminders", nil), rec)
	if err := h.DueReminders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":0`) {
		t.Errorf("expected nothing left due, got %s", rec.Body.String())
	}
}

func TestHandler_RoutesRequireRole(t *testing.T) {
	h, _ := newHandlerFixture(t)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 without roles, got %d", rec.Code)
	}

	e = echo.New()
	e.Use(auth.DevAuthMiddleware())
	h.RegisterRoutes(e.Group("/api/v1"))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/P-1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with dev auth, got %d", rec.Code)
	}
}
