package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	rec := httptest.NewRecorder()

	RequestID()(okHandler)(e.NewContext(req, rec))

	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("expected a fresh uuid, got %q", got)
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), httptest.NewRecorder())
	c.Set("request_id", "req-1")

	if err := Logger(logger)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["request_id"] != "req-1" || line["path"] != "/test" || line["status"] != float64(200) || line["level"] != "info" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestLogger_ErrorLevels(t *testing.T) {
	tests := []struct {
		code  int
		level string
	}{
		{http.StatusNotFound, "warn"},
		{http.StatusInternalServerError, "error"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		failing := func(echo.Context) error { return echo.NewHTTPError(tt.code) }

		Logger(zerolog.New(&buf))(failing)(c)

		var line map[string]interface{}
		json.Unmarshal(buf.Bytes(), &line)
		if line["level"] != tt.level || line["status"] != float64(tt.code) {
			t.Errorf("status %d: expected level %s, got %v", tt.code, tt.level, line)
		}
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(zerolog.New(&buf))(handler)(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	for _, want := range []string{"test panic", `"path":"/panic"`, `"stack"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %s in log, got %s", want, buf.String())
		}
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())

	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAudit_RecordsPatientAccess(t *testing.T) {
	var got []AuditEntry
	recorder := AuditRecorderFunc(func(entry AuditEntry) error {
		got = append(got, entry)
		return nil
	})

	e := echo.New()
	e.Use(Audit(zerolog.Nop(), recorder))
	e.Use(auth.DevAuthMiddleware())
	e.PUT("/api/v1/patients/:id/weight", okHandler)
	e.GET("/health", okHandler)

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/api/v1/patients/P-7/weight", nil))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if len(got) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(got))
	}
	entry := got[0]
	if entry.PatientID != "P-7" || entry.Action != "update" || entry.Resource != "patients" || entry.Status != http.StatusOK {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestAudit_QueryPatient(t *testing.T) {
	var got AuditEntry
	e := echo.New()
	e.Use(Audit(zerolog.Nop(), AuditRecorderFunc(func(entry AuditEntry) error {
		got = entry
		return nil
	})))
	e.POST("/api/v1/visits", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnprocessableEntity)
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/visits?patient_id=P-3", nil))

	if got.PatientID != "P-3" || got.Action != "create" || got.Status != http.StatusUnprocessableEntity {
		t.Errorf("unexpected entry %+v", got)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 1 << 20},
		{"512", 512},
		{"512K", 512 << 10},
		{"2m", 2 << 20},
		{"1MB", 1 << 20},
		{"1G", 1 << 30},
		{"lots", 1 << 20},
		{"-4K", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.in); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	read := func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
	e := echo.New()

	small := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("1234"))
	if err := BodyLimit("8")(read)(e.NewContext(small, httptest.NewRecorder())); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	large := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 16)))
	err := BodyLimit("8")(read)(e.NewContext(large, httptest.NewRecorder()))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 from Content-Length, got %v", err)
	}

	chunked := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader(strings.Repeat("x", 16))))
	chunked.ContentLength = -1
	err = BodyLimit("8")(read)(e.NewContext(chunked, httptest.NewRecorder()))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 while reading, got %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	SecurityHeaders(false)(okHandler)(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS must not be sent without TLS, got %q", got)
	}

	rec = httptest.NewRecorder()
	SecurityHeaders(true)(okHandler)(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	if got := rec.Header().Get("Strict-Transport-Security"); got != hstsValue {
		t.Errorf("Strict-Transport-Security = %q, want %q", got, hstsValue)
	}
}

func TestRequestTimeout(t *testing.T) {
	e := echo.New()
	slow := func(c echo.Context) error {
		select {
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		case <-time.After(time.Second):
			return nil
		}
	}

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := RequestTimeout(10 * time.Millisecond)(slow)(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := RequestTimeout(time.Second)(okHandler)(c); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	RequestTimeout(0)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("zero timeout must not set a deadline")
		}
		return nil
	})(c)
}
