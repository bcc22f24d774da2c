package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func runHealth(t *testing.T, h echo.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestCheckHandler_Healthy(t *testing.T) {
	h := checkHandler(fakePinger{}, func() *PoolStats {
		return &PoolStats{TotalConns: 4, MaxConns: 10, Healthy: true}
	})
	rec, body := runHealth(t, h)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	pool := body["pool"].(map[string]interface{})
	if pool["total_conns"] != float64(4) {
		t.Errorf("expected total_conns 4, got %v", pool["total_conns"])
	}
}

func TestCheckHandler_PingFails(t *testing.T) {
	h := checkHandler(fakePinger{err: errors.New("connection refused")}, func() *PoolStats {
		return &PoolStats{TotalConns: 2, Healthy: true}
	})
	rec, body := runHealth(t, h)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["error"] != "connection refused" {
		t.Errorf("unexpected error field %v", body["error"])
	}
	if body["pool"].(map[string]interface{})["healthy"] != false {
		t.Error("pool must be reported unhealthy when ping fails")
	}
}

func TestMemoryHealthHandler(t *testing.T) {
	rec, body := runHealth(t, MemoryHealthHandler())
	if rec.Code != http.StatusOK || body["store"] != "memory" {
		t.Errorf("unexpected response %d %v", rec.Code, body)
	}
}
