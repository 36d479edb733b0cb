package intake

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/domain/patient"
	"github.com/ehr/ecgreview/internal/domain/record"
	"github.com/ehr/ecgreview/internal/domain/report"
	"github.com/ehr/ecgreview/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	// Draft endpoints – technician, clinician
	drafts := g.Group("/drafts", auth.RequireRole(auth.RoleTechnician, auth.RoleClinician))
	drafts.POST("", h.CreateDraft)
	drafts.GET("/:id", h.GetDraft)
	drafts.DELETE("/:id", h.CancelDraft)
	drafts.PUT("/:id/metadata", h.UpdateMetadata)
	drafts.POST("/:id/files", h.AddFiles)
	drafts.POST("/:id/drop", h.DropFiles)
	drafts.DELETE("/:id/images/:index", h.RemoveImage)
	drafts.GET("/:id/images/:index/preview", h.GetPreview)
	drafts.POST("/:id/capture", h.OpenCapture)
	drafts.GET("/:id/capture/frame", h.GetFrame)
	drafts.POST("/:id/capture/snapshot", h.Snapshot)
	drafts.DELETE("/:id/capture", h.CancelCapture)
	drafts.POST("/:id/submit", h.Submit)
}

type createDraftRequest struct {
	PatientID string `json:"patient_id"`
}

// SubmitResponse pairs the stored record with its report.
type SubmitResponse struct {
	Record *record.Record `json:"record"`
	Report report.Report  `json:"report"`
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid draft id")
	}
	return id, nil
}

func parseIndex(c echo.Context) (int, error) {
	i, err := strconv.Atoi(c.Param("index"))
	if err != nil || i < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid image index")
	}
	return i, nil
}

func mapError(err error) error {
	var ve *capture.ValidationError
	var me *capture.MetadataError
	var ae *capture.AcquisitionError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"message": ve.Error(),
			"kind":    ve.Kind,
			"index":   ve.Index,
		})
	case errors.As(err, &me):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"message": "submission incomplete",
			"fields":  me.Fields,
		})
	case errors.As(err, &ae):
		status := http.StatusServiceUnavailable
		if ae.Kind == capture.PermissionDenied {
			status = http.StatusConflict
		}
		return echo.NewHTTPError(status, map[string]any{
			"message": ae.Error(),
			"kind":    ae.Kind,
		})
	case errors.Is(err, ErrDraftNotFound), errors.Is(err, patient.ErrNotFound),
		errors.Is(err, capture.ErrImageNotFound), errors.Is(err, capture.ErrPreviewNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, capture.ErrDraftBusy), errors.Is(err, capture.ErrDraftClosed),
		errors.Is(err, capture.ErrInvalidTransition), errors.Is(err, ErrCaptureInProgress),
		errors.Is(err, ErrNoCaptureSession), errors.Is(err, ErrCaptureCancelled),
		errors.Is(err, ErrSubmissionCancelled):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrClosed), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) CreateDraft(c echo.Context) error {
	var req createDraftRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id must be a UUID")
	}
	ctx := c.Request().Context()
	view, err := h.svc.Create(ctx, patientID, auth.UserIDFromContext(ctx))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) GetDraft(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Get(id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) CancelDraft(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Cancel(id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) UpdateMetadata(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var m capture.Metadata
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	view, err := h.svc.UpdateMetadata(id, m)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) AddFiles(c echo.Context) error  { return h.addFiles(c, false) }
func (h *Handler) DropFiles(c echo.Context) error { return h.addFiles(c, true) }

func (h *Handler) addFiles(c echo.Context, drop bool) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	files, err := readFiles(c)
	if err != nil {
		return err
	}
	view, err := h.svc.AddFiles(id, files, drop)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// readFiles reads the "files" parts of a multipart form. Each part is read up
// to one byte past the size limit so oversize files still fail validation
// without being buffered in full.
func readFiles(c echo.Context) ([]capture.FileInput, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "expected a multipart form")
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "no files provided")
	}
	files := make([]capture.FileInput, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable file "+fh.Filename)
		}
		data, err := io.ReadAll(io.LimitReader(f, capture.MaxAssetBytes+1))
		f.Close()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable file "+fh.Filename)
		}
		files = append(files, capture.FileInput{
			Name:      fh.Filename,
			MediaType: fh.Header.Get("Content-Type"),
			Size:      fh.Size,
			Data:      data,
		})
	}
	return files, nil
}

func (h *Handler) RemoveImage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	index, err := parseIndex(c)
	if err != nil {
		return err
	}
	view, err := h.svc.RemoveImage(id, index)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetPreview(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	index, err := parseIndex(c)
	if err != nil {
		return err
	}
	data, mediaType, err := h.svc.Preview(id, index)
	if err != nil {
		return mapError(err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, mediaType, data)
}

func (h *Handler) OpenCapture(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.OpenCapture(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetFrame(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	data, mediaType, err := h.svc.CaptureFrame(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, mediaType, data)
}

func (h *Handler) Snapshot(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Snapshot(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) CancelCapture(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.CancelCapture(id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Submit(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, SubmitResponse{Record: rec, Report: report.Present(rec)})
}
