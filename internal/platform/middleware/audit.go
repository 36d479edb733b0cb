package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ecgreview/internal/platform/auth"
)

// AuditEntry records who touched which patient data, when and how.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	ResourceID string
	PatientID  string
	Action     string // read, create, update, delete, review, export
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// Audit logs one "phi_access" line for every API request under prefix
// after the handler has run, so the entry carries the final status.
func Audit(logger zerolog.Logger, prefix string) echo.MiddlewareFunc {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, prefix) {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c, strings.TrimPrefix(req.URL.Path, prefix))
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}

			evt := logger.Info()
			if entry.Action == "export" || entry.Action == "review" {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

// buildAuditEntry derives the entry for a request whose path below the API
// prefix is rel, e.g. "records/<id>/export" or "patients/<id>/chart".
func buildAuditEntry(c echo.Context, rel string) AuditEntry {
	req := c.Request()
	ctx := req.Context()
	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		Path:       req.URL.Path,
		Method:     req.Method,
		IPAddress:  c.RealIP(),
		StatusCode: c.Response().Status,
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
	}
	entry.RequestID, _ = c.Get("request_id").(string)

	segments := strings.Split(strings.Trim(rel, "/"), "/")
	entry.Resource = "unknown"
	if segments[0] != "" {
		entry.Resource = segments[0]
	}
	if len(segments) > 1 && isUUID(segments[1]) {
		entry.ResourceID = segments[1]
	}
	if entry.Resource == "patients" {
		entry.PatientID = entry.ResourceID
	}

	entry.Action = methodToAction(req.Method)
	if last := segments[len(segments)-1]; entry.Resource == "records" && (last == "review" || last == "export") {
		entry.Action = last
	}
	return entry
}

func methodToAction(method string) string {
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

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
