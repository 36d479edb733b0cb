package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ecgreview/internal/platform/auth"
)

// newTestContext creates an echo context with optional request options applied.
func newTestContext(method, path string, opts ...func(*http.Request)) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withAuth(userID string, roles ...string) func(*http.Request) {
	return func(req *http.Request) {
		*req = *req.WithContext(auth.WithIdentity(req.Context(), userID, userID, roles))
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// runAudit runs the audit middleware and returns the decoded log line, or nil
// when nothing was logged.
func runAudit(t *testing.T, c echo.Context, next echo.HandlerFunc) (map[string]any, error) {
	t.Helper()
	var buf bytes.Buffer
	err := Audit(zerolog.New(&buf), "/api/v1")(next)(c)
	if buf.Len() == 0 {
		return nil, err
	}
	var line map[string]any
	if jerr := json.Unmarshal(buf.Bytes(), &line); jerr != nil {
		t.Fatalf("decode audit line: %v", jerr)
	}
	return line, err
}

func TestAudit_PatientChartRead(t *testing.T) {
	pid := uuid.New().String()
	c, _ := newTestContext(http.MethodGet, "/api/v1/patients/"+pid+"/chart", withAuth("dr-1", auth.RoleClinician))

	line, err := runAudit(t, c, okHandler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line == nil {
		t.Fatal("expected an audit line")
	}
	if line["message"] != "phi_access" {
		t.Errorf("expected phi_access, got %v", line["message"])
	}
	if line["resource"] != "patients" || line["patient_id"] != pid {
		t.Errorf("expected patients/%s, got %v/%v", pid, line["resource"], line["patient_id"])
	}
	if line["action"] != "read" || line["user_id"] != "dr-1" {
		t.Errorf("expected read by dr-1, got %v by %v", line["action"], line["user_id"])
	}
}

func TestAudit_RecordExportAndReview(t *testing.T) {
	rid := uuid.New().String()
	tests := []struct {
		method, suffix, action string
	}{
		{http.MethodGet, "/export", "export"},
		{http.MethodPost, "/review", "review"},
		{http.MethodGet, "/report", "read"},
	}
	for _, tt := range tests {
		t.Run(tt.action+tt.suffix, func(t *testing.T) {
			c, _ := newTestContext(tt.method, "/api/v1/records/"+rid+tt.suffix, withAuth("dr-1", auth.RoleClinician))
			line, _ := runAudit(t, c, okHandler)
			if line == nil {
				t.Fatal("expected an audit line")
			}
			if line["action"] != tt.action {
				t.Errorf("expected action %s, got %v", tt.action, line["action"])
			}
			if line["resource_id"] != rid {
				t.Errorf("expected resource_id %s, got %v", rid, line["resource_id"])
			}
		})
	}
}

func TestAudit_RecordsErrorStatus(t *testing.T) {
	c, _ := newTestContext(http.MethodGet, "/api/v1/records/"+uuid.New().String())
	line, err := runAudit(t, c, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	})
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if line["status"] != float64(http.StatusNotFound) {
		t.Errorf("expected status 404, got %v", line["status"])
	}
}

func TestAudit_SkipsPathsOutsidePrefix(t *testing.T) {
	c, _ := newTestContext(http.MethodGet, "/health")
	line, err := runAudit(t, c, okHandler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line != nil {
		t.Errorf("expected no audit line, got %v", line)
	}
}

func TestMethodToAction(t *testing.T) {
	tests := map[string]string{
		http.MethodGet:    "read",
		http.MethodHead:   "read",
		http.MethodPost:   "create",
		http.MethodPut:    "update",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
	}
	for method, want := range tests {
		if got := methodToAction(method); got != want {
			t.Errorf("methodToAction(%s) = %s, want %s", method, got, want)
		}
	}
}
