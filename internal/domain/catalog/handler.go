package catalog

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/platform/auth"
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
	read.GET("/vaccines", h.ListVaccines)
	read.GET("/vaccines/:id", h.GetVaccine)
	read.GET("/vitamins", h.ListVitamins)
	read.GET("/vitamins/:id", h.GetVitamin)
	read.GET("/vitamins/:id/deficiency", h.CheckDeficiency)

	write := api.Group("", auth.RequireRole("admin", "nurse"))
	write.POST("/vaccines", h.CreateVaccine)
	write.PUT("/vaccines/:id", h.UpdateVaccine)
	write.DELETE("/vaccines/:id", h.DeleteVaccine)
	write.POST("/vaccines/:id/restock", h.RestockVaccine)
	write.POST("/vitamins", h.CreateVitamin)
	write.PUT("/vitamins/:id", h.UpdateVitamin)
	write.DELETE("/vitamins/:id", h.DeleteVitamin)
	write.POST("/vitamins/:id/restock", h.RestockVitamin)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrDuplicateItem):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidItem):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Vaccines --

func (h *Handler) ListVaccines(c echo.Context) error {
	pg := pagination.FromContext(c)
	items := h.svc.ListVaccines()
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) GetVaccine(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVaccine(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CreateVaccine(c echo.Context) error {
	var v Vaccine
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddVaccine(c.Request().Context(), v); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) UpdateVaccine(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var v Vaccine
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v.ID = id
	if err := h.svc.UpdateVaccine(c.Request().Context(), v); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteVaccine(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteVaccine(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type restockRequest struct {
	Amount int `json:"amount"`
}

func (h *Handler) RestockVaccine(c echo.Context) error {
	return h.restock(c, KindVaccine)
}

// -- Vitamins --

func (h *Handler) ListVitamins(c echo.Context) error {
	pg := pagination.FromContext(c)
	items := h.svc.ListVitamins()
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) GetVitamin(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVitamin(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CreateVitamin(c echo.Context) error {
	var v Vitamin
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddVitamin(c.Request().Context(), v); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) UpdateVitamin(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var v Vitamin
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v.ID = id
	if err := h.svc.UpdateVitamin(c.Request().Context(), v); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteVitamin(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteVitamin(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RestockVitamin(c echo.Context) error {
	return h.restock(c, KindVitamin)
}

// CheckDeficiency answers whether ?needed=N meets the vitamin's threshold.
func (h *Handler) CheckDeficiency(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	needed, err := strconv.Atoi(c.QueryParam("needed"))
	if err != nil || needed < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "needed must be a non-negative whole number")
	}
	v, err := h.svc.GetVitamin(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"vitamin_id": v.ID,
		"needed":     needed,
		"threshold":  v.DeficiencyThreshold,
		"deficient":  v.IsDeficient(needed),
	})
}

func (h *Handler) restock(c echo.Context, kind Kind) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req restockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key := Key{Kind: kind, ID: id}
	level, err := h.svc.Restock(c.Request().Context(), key, req.Amount)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"item":  key,
		"stock": level,
	})
}
