package timeline

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ecgreview/internal/domain/classification"
	"github.com/ehr/ecgreview/internal/domain/patient"
	"github.com/ehr/ecgreview/internal/domain/record"
	"github.com/ehr/ecgreview/internal/platform/auth"
	"github.com/ehr/ecgreview/internal/platform/chart"
	"github.com/ehr/ecgreview/pkg/pagination"
)

// RecordSource lists a patient's records; record.Service satisfies it.
type RecordSource interface {
	ByPatient(ctx context.Context, patientID uuid.UUID) ([]*record.Record, error)
}

const (
	defaultChartWidth  = 720
	defaultChartHeight = 320
	maxChartDimension  = 4096
)

type Handler struct {
	records  RecordSource
	patients patient.Directory
}

func NewHandler(records RecordSource, patients patient.Directory) *Handler {
	return &Handler{records: records, patients: patients}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	// Read endpoints – technician, clinician
	readGroup := g.Group("", auth.RequireRole(auth.RoleTechnician, auth.RoleClinician))
	readGroup.GET("/patients/:id/records", h.ListRecords)
	readGroup.GET("/patients/:id/series", h.GetSeries)
	readGroup.GET("/patients/:id/chart", h.GetChart)
}

// load resolves the patient and returns its records filtered by the query.
func (h *Handler) load(c echo.Context) ([]*record.Record, Criteria, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, Criteria{}, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	criteria, err := ParseCriteria(c.QueryParams())
	if err != nil {
		return nil, Criteria{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if _, err := h.patients.Get(ctx, id); err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			return nil, criteria, echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return nil, criteria, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	records, err := h.records.ByPatient(ctx, id)
	if err != nil {
		return nil, criteria, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return Filter(records, criteria), criteria, nil
}

func (h *Handler) ListRecords(c echo.Context) error {
	records, criteria, err := h.load(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	display := SortForDisplay(records)

	resp := pagination.NewResponse(pagination.Page(display, pg), len(display), pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, criteria.Query().Encode(), len(display))
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetSeries(c echo.Context) error {
	keys, err := parseMetrics(c.QueryParam("metric"))
	if err != nil {
		return err
	}
	records, _, err := h.load(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, AllSeries(records, keys))
}

func (h *Handler) GetChart(c echo.Context) error {
	keys, err := parseMetrics(c.QueryParam("metric"))
	if err != nil {
		return err
	}
	mode, err := chart.ParseMode(c.QueryParam("mode"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	vp, err := parseViewport(c)
	if err != nil {
		return err
	}
	records, _, err := h.load(c)
	if err != nil {
		return err
	}

	// records are already filtered by load
	prims, err := RenderChart(records, Criteria{}, keys, mode, vp)
	if err != nil {
		if errors.Is(err, chart.ErrViewportTooSmall) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	switch c.QueryParam("format") {
	case "", "svg":
		return c.Blob(http.StatusOK, "image/svg+xml", []byte(chart.SVG(prims)))
	case "json":
		return c.JSON(http.StatusOK, prims)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be svg or json")
	}
}

func parseMetrics(raw string) ([]classification.MetricKey, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var keys []classification.MetricKey
	for _, part := range strings.Split(raw, ",") {
		key := classification.MetricKey(strings.TrimSpace(part))
		if _, ok := classification.LookupMetric(key); !ok {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "unknown metric: "+string(key))
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func parseViewport(c echo.Context) (chart.Viewport, error) {
	dim := func(name string, def int) (float64, error) {
		raw := c.QueryParam(name)
		if raw == "" {
			return float64(def), nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxChartDimension {
			return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
		}
		return float64(v), nil
	}
	w, err := dim("width", defaultChartWidth)
	if err != nil {
		return chart.Viewport{}, err
	}
	h, err := dim("height", defaultChartHeight)
	if err != nil {
		return chart.Viewport{}, err
	}
	return chart.Viewport{Width: w, Height: h}, nil
}
