package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContextWithRoles(roles []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if roles != nil {
		req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequireRole_Allowed(t *testing.T) {
	c, rec := newContextWithRoles([]string{RoleNurse})
	if err := RequireRole(RoleAdmin, RoleNurse)(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c, _ := newContextWithRoles([]string{RoleClerk})
	err := RequireRole(RoleNurse)(okHandler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c, _ := newContextWithRoles([]string{RoleAdmin})
	if err := RequireRole(RoleClerk)(okHandler)(c); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestRequireRole_NoRoleDenied(t *testing.T) {
	c, _ := newContextWithRoles(nil)
	if err := RequireRole(RoleNurse, RoleClerk)(okHandler)(c); err == nil {
		t.Error("expected error without roles")
	}
}

func TestHasRole(t *testing.T) {
	tests := []struct {
		granted  []string
		required []string
		want     bool
	}{
		{[]string{"nurse"}, []string{"nurse"}, true},
		{[]string{"clerk"}, []string{"admin", "nurse"}, false},
		{[]string{"admin"}, []string{"nurse"}, true},
		{[]string{"admin"}, nil, true},
		{nil, []string{"nurse"}, false},
		{[]string{"clerk", "nurse"}, []string{"nurse"}, true},
	}
	for _, tt := range tests {
		if got := HasRole(tt.granted, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
