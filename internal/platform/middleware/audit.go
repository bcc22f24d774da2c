package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/auth"
)

// AuditEntry records which staff member touched which patient record.
type AuditEntry struct {
	UserID    string
	UserRoles []string
	Resource  string
	PatientID string
	Action    string // read, create, update, delete
	IPAddress string
	Path      string
	Method    string
	Timestamp time.Time
	RequestID string
	Status    int
}

type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request after the handler ran. Entries are also
// handed to the optional recorder.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			ctx := c.Request().Context()
			entry := AuditEntry{
				UserID:    auth.UserIDFromContext(ctx),
				UserRoles: auth.RolesFromContext(ctx),
				Resource:  resourceOf(path),
				PatientID: patientOf(c),
				Action:    actionOf(req.Method),
				IPAddress: c.RealIP(),
				Path:      path,
				Method:    req.Method,
				Timestamp: time.Now().UTC(),
				Status:    c.Response().Status,
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.Status = he.Code
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("path", entry.Path).
				Int("status", entry.Status).
				Msg("record_access")

			return err
		}
	}
}

func actionOf(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceOf returns the first segment after /api/v1/.
func resourceOf(path string) string {
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/api/v1/"), "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}

// patientOf finds the patient a request is about: the :id of a
// /patients/:id route, else a patient_id query parameter.
func patientOf(c echo.Context) string {
	if strings.HasPrefix(c.Path(), "/api/v1/patients/:id") {
		return c.Param("id")
	}
	if rest, ok := strings.CutPrefix(c.Request().URL.Path, "/api/v1/patients/"); ok {
		id, _, _ := strings.Cut(rest, "/")
		return id
	}
	return c.QueryParam("patient_id")
}
