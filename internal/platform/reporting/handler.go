package reporting

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/domain/clinic"
	"github.com/ehr/clinic/internal/domain/immunization"
	"github.com/ehr/clinic/internal/platform/auth"
)

// Source is the read side of the clinic that reports are built from.
type Source interface {
	Info() clinic.Info
	Visits(month string) ([]immunization.VisitView, error)
	PatientName(id string) string
	MonthlyReturns(month string) []clinic.MonthlyReturn
}

type Handler struct {
	src     Source
	archive *Archive
}

// NewHandler serves reports from src. archive may be nil, which disables
// the archive route.
func NewHandler(src Source, archive *Archive) *Handler {
	return &Handler{src: src, archive: archive}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/reports", auth.RequireRole(auth.RoleAdmin, auth.RoleNurse, auth.RoleClerk))
	read.GET("/monthly", h.MonthlyText)
	read.GET("/monthly.xlsx", h.MonthlyXLSX)
	read.GET("/immunizations", h.ImmunizationsText)
	read.GET("/measures", h.ListMeasures)
	read.GET("/measures/:id/evaluate", h.EvaluateMeasure)

	if h.archive != nil {
		write := api.Group("/reports", auth.RequireRole(auth.RoleAdmin, auth.RoleNurse))
		write.POST("/monthly/archive", h.ArchiveMonthly)
	}
}

func (h *Handler) visits(month string) ([]immunization.VisitView, error) {
	visits, err := h.src.Visits(month)
	if errors.Is(err, clinic.ErrInvalidReturn) {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return visits, nil
}

func (h *Handler) MonthlyText(c echo.Context) error {
	info := h.src.Info()
	return c.String(http.StatusOK, MonthlyReport(info.Name, info.Address, h.src.MonthlyReturns(c.QueryParam("month"))))
}

func (h *Handler) ImmunizationsText(c echo.Context) error {
	visits, err := h.visits(c.QueryParam("month"))
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, ImmunizationReport(h.src.Info().Name, visits, h.src.PatientName))
}

func (h *Handler) workbook(month string) (Workbook, error) {
	visits, err := h.visits(month)
	if err != nil {
		return Workbook{}, err
	}
	if visits == nil {
		visits = []immunization.VisitView{}
	}
	return Workbook{
		Returns: h.src.MonthlyReturns(month),
		Visits:  visits,
		Lookup:  h.src.PatientName,
	}, nil
}

func (h *Handler) MonthlyXLSX(c echo.Context) error {
	month := c.QueryParam("month")
	w, err := h.workbook(month)
	if err != nil {
		return err
	}
	data, err := w.XLSX()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	name := "monthly-returns.xlsx"
	if month != "" {
		name = "monthly-returns-" + month + ".xlsx"
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, MIMEXLSX, data)
}

func (h *Handler) ArchiveMonthly(c echo.Context) error {
	month := c.QueryParam("month")
	w, err := h.workbook(month)
	if err != nil {
		return err
	}
	obj, err := h.archive.Store(c.Request().Context(), month, w)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusCreated, obj)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, Measures)
}

func (h *Handler) EvaluateMeasure(c echo.Context) error {
	m := FindMeasure(c.Param("id"))
	if m == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}
	month := c.QueryParam("month")
	visits, err := h.visits(month)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m.Evaluate(month, visits))
}
