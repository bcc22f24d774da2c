package clinic

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/domain/catalog"
	"github.com/ehr/clinic/internal/domain/immunization"
	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/pkg/caldate"
	"github.com/ehr/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "nurse", "clerk"))
	read.GET("/clinic", h.GetInfo)
	read.GET("/patients", h.ListPatients)
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/patients/:id/eligibility", h.CheckEligibility)
	read.GET("/patients/:id/forecast", h.Forecast)
	read.GET("/patients/:id/visits", h.PatientVisits)
	read.GET("/visits", h.ListVisits)
	read.GET("/returns", h.ListReturns)
	read.GET("/reminders", h.DueReminders)

	write := api.Group("", auth.RequireRole("admin", "nurse"))
	write.POST("/patients", h.RegisterPatient)
	write.PUT("/patients/:id/weight", h.UpdateWeight)
	write.POST("/patients/:id/doses", h.RecordHistoricalDose)
	write.POST("/visits", h.RecordVisit)
	write.POST("/returns", h.AddReturn)
	write.POST("/returns/draft", h.DraftReturn)
	write.POST("/reminders/dispatch", h.DispatchReminders)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.DELETE("/patients/:id", h.RemovePatient)
}

func httpError(err error) error {
	var refused *RefusedError
	switch {
	case errors.As(err, &refused):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": err.Error(),
			"refused": refused.Refused,
		})
	case errors.Is(err, immunization.ErrNotEligible):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrPatientNotFound), errors.Is(err, catalog.ErrItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicatePatient):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, patient.ErrInvalidPatient),
		errors.Is(err, ErrInvalidReturn),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrFutureDate),
		errors.Is(err, immunization.ErrMissingPatient):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// optionalDate parses a query parameter; empty means the zero time.
func optionalDate(c echo.Context, name string) (time.Time, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := caldate.Parse(raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+": "+err.Error())
	}
	return t, nil
}

func (h *Handler) GetInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Info())
}

// -- Patients --

type patientRequest struct {
	ID               string  `json:"id"`
	NationalID       string  `json:"national_id"`
	InsuranceNumber  string  `json:"insurance_number"`
	OutPatientNumber string  `json:"out_patient_number"`
	Name             string  `json:"name"`
	BirthDate        string  `json:"birth_date"`
	Sex              string  `json:"sex"`
	Address          string  `json:"address"`
	MotherID         *string `json:"mother_id"`
	ContactChannel   string  `json:"contact_channel"`
	WeightKG         float64 `json:"weight_kg"`
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req patientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	birth, err := caldate.Parse(strings.TrimSpace(req.BirthDate))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "birth_date: "+err.Error())
	}
	p := patient.Patient{
		ID:               req.ID,
		NationalID:       req.NationalID,
		InsuranceNumber:  req.InsuranceNumber,
		OutPatientNumber: req.OutPatientNumber,
		Name:             req.Name,
		BirthDate:        birth,
		Sex:              req.Sex,
		Address:          req.Address,
		MotherID:         req.MotherID,
		ContactChannel:   req.ContactChannel,
	}
	view, err := h.svc.RegisterPatient(c.Request().Context(), p, req.WeightKG)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total := h.svc.ListPatients(pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPatient(c echo.Context) error {
	view, err := h.svc.GetPatient(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) RemovePatient(c echo.Context) error {
	if err := h.svc.RemovePatient(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) UpdateWeight(c echo.Context) error {
	var req struct {
		WeightKG *float64 `json:"weight_kg"`
	}
	if err := c.Bind(&req); err != nil || req.WeightKG == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "weight_kg is required")
	}
	view, err := h.svc.UpdateWeight(c.Request().Context(), c.Param("id"), *req.WeightKG)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) RecordHistoricalDose(c echo.Context) error {
	var req struct {
		VaccineID int    `json:"vaccine_id"`
		Date      string `json:"date"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.VaccineID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "vaccine_id is required")
	}
	on, err := caldate.Parse(strings.TrimSpace(req.Date))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date: "+err.Error())
	}
	view, err := h.svc.RecordHistoricalDose(c.Request().Context(), c.Param("id"), req.VaccineID, on)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

// -- Eligibility --

func (h *Handler) CheckEligibility(c echo.Context) error {
	vaccineID, err := strconv.Atoi(c.QueryParam("vaccine_id"))
	if err != nil || vaccineID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "vaccine_id is required")
	}
	asOf, err := optionalDate(c, "as_of")
	if err != nil {
		return err
	}
	d, err := h.svc.CheckEligibility(c.Param("id"), vaccineID, asOf)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Forecast(c echo.Context) error {
	asOf, err := optionalDate(c, "as_of")
	if err != nil {
		return err
	}
	recs, err := h.svc.Forecast(c.Param("id"), asOf)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":      c.Param("id"),
		"recommendations": recs,
	})
}

// -- Visits --

type visitRequest struct {
	PatientID  string `json:"patient_id"`
	Date       string `json:"date"`
	Remarks    string `json:"remarks"`
	VaccineIDs []int  `json:"vaccine_ids"`
	Strict     bool   `json:"strict"`
}

func (h *Handler) RecordVisit(c echo.Context) error {
	var req visitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.PatientID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	var date time.Time
	if strings.TrimSpace(req.Date) != "" {
		d, err := caldate.Parse(strings.TrimSpace(req.Date))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date: "+err.Error())
		}
		date = d
	}
	res, err := h.svc.RecordVisit(c.Request().Context(), VisitRequest{
		PatientID:  req.PatientID,
		Date:       date,
		Remarks:    req.Remarks,
		VaccineIDs: req.VaccineIDs,
		Strict:     req.Strict,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// ListVisits filters by ?date= or ?month=. Without either it lists all.
func (h *Handler) ListVisits(c echo.Context) error {
	date, err := optionalDate(c, "date")
	if err != nil {
		return err
	}
	var items []immunization.VisitView
	if !date.IsZero() {
		items = h.svc.VisitsOnDate(date)
	} else {
		items, err = h.svc.Visits(c.QueryParam("month"))
		if err != nil {
			return httpError(err)
		}
	}
	if items == nil {
		items = []immunization.VisitView{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) PatientVisits(c echo.Context) error {
	items, err := h.svc.PatientVisits(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

// -- Monthly returns --

func (h *Handler) AddReturn(c echo.Context) error {
	var r MonthlyReturn
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	saved, err := h.svc.AddMonthlyReturn(c.Request().Context(), r)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, saved)
}

func (h *Handler) ListReturns(c echo.Context) error {
	items := h.svc.MonthlyReturns(c.QueryParam("month"))
	if items == nil {
		items = []MonthlyReturn{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

// DraftReturn computes a return for ?month= without filing it. The body may
// carry the fields that cannot be derived from visits.
func (h *Handler) DraftReturn(c echo.Context) error {
	var meta MonthlyReturn
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&meta); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	month := c.QueryParam("month")
	if month == "" {
		month = meta.Month
	}
	draft, err := h.svc.DraftMonthlyReturn(month, meta)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, draft)
}

// -- Reminders --

func (h *Handler) DueReminders(c echo.Context) error {
	asOf, err := optionalDate(c, "as_of")
	if err != nil {
		return err
	}
	items := h.svc.DueReminders(asOf)
	if items == nil {
		items = []immunization.Reminder{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) DispatchReminders(c echo.Context) error {
	asOf, err := optionalDate(c, "as_of")
	if err != nil {
		return err
	}
	sent, err := h.svc.DispatchReminders(c.Request().Context(), asOf)
	if err != nil {
		return httpError(err)
	}
	if sent == nil {
		sent = []immunization.Reminder{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sent": sent, "total": len(sent)})
}
