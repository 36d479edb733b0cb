package report

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ecgreview/internal/domain/record"
	"github.com/ehr/ecgreview/internal/platform/auth"
)

type Handler struct {
	presenter *Presenter
	records   Records
}

func NewHandler(presenter *Presenter, records Records) *Handler {
	return &Handler{presenter: presenter, records: records}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	// Read endpoints – technician, clinician
	readGroup := g.Group("", auth.RequireRole(auth.RoleTechnician, auth.RoleClinician))
	readGroup.GET("/records/:id", h.GetRecord)
	readGroup.GET("/records/:id/report", h.GetReport)
	readGroup.GET("/records/:id/export", h.ExportReport)

	// Review – clinician only
	reviewGroup := g.Group("", auth.RequireRole(auth.RoleClinician))
	reviewGroup.POST("/records/:id/review", h.Acknowledge)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, record.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	case errors.Is(err, ErrNotExportable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnsupportedFormat):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.records.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rep, err := h.presenter.Report(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	reviewer := auth.UserIDFromContext(ctx)
	if reviewer == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "reviewer identity required")
	}
	rep, err := h.presenter.Acknowledge(ctx, id, reviewer)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

// ExportReport handles GET /records/:id/export?format=text|json|csv.
func (h *Handler) ExportReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	f, err := ParseFormat(c.QueryParam("format"))
	if err != nil {
		return mapError(err)
	}

	var buf bytes.Buffer
	rep, err := h.presenter.Export(c.Request().Context(), id, f, &buf)
	if err != nil {
		return mapError(err)
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", FileName(rep, f)))
	return c.Blob(http.StatusOK, f.ContentType(), buf.Bytes())
}
