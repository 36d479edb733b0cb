package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"16M", 16 << 20},
		{"512K", 512 << 10},
		{"512KB", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
		{"-5", 1 << 20},
	}

	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func bodyContext(method, path string, body []byte) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	c, _ := bodyContext(http.MethodPut, "/api/v1/drafts/x/metadata", []byte(`{"paper_speed":"25 mm/s"}`))

	called := false
	handler := func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if len(b) == 0 {
			t.Error("expected non-empty body")
		}
		called = true
		return c.NoContent(http.StatusOK)
	}

	if err := BodyLimit("1M", "16M")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestBodyLimit_RejectsOversizedBody_ContentLength(t *testing.T) {
	c, rec := bodyContext(http.MethodPut, "/api/v1/drafts/x/metadata", bytes.Repeat([]byte("x"), 2048))

	handler := func(c echo.Context) error {
		t.Error("handler should not be called when body exceeds limit")
		return nil
	}

	if err := BodyLimit("1K", "16M")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !strings.Contains(body["message"], "1024 bytes") {
		t.Errorf("expected limit in message, got %q", body["message"])
	}
}

func TestBodyLimit_UsesUploadLimitForImages(t *testing.T) {
	for _, path := range []string{"/api/v1/drafts/x/files", "/api/v1/drafts/x/drop"} {
		c, _ := bodyContext(http.MethodPost, path, bytes.Repeat([]byte("x"), 2048))
		called := false
		handler := func(c echo.Context) error {
			called = true
			return c.NoContent(http.StatusOK)
		}
		if err := BodyLimit("1K", "10M")(handler)(c); err != nil {
			t.Fatalf("%s: unexpected error: %v", path, err)
		}
		if !called {
			t.Errorf("%s: expected upload within the upload limit to pass", path)
		}
	}
}

func TestBodyLimit_RejectsUploadOverLimit(t *testing.T) {
	c, rec := bodyContext(http.MethodPost, "/api/v1/drafts/x/files", bytes.Repeat([]byte("x"), 2048))
	handler := func(c echo.Context) error {
		t.Error("handler should not be called")
		return nil
	}
	BodyLimit("512", "1K")(handler)(c)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
}

func TestBodyLimit_SkipsNilBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/records", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	handler := func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	}
	if err := BodyLimit("1M", "16M")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called for GET with no body")
	}
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	c, _ := bodyContext(http.MethodPut, "/api/v1/drafts/x/metadata", bytes.Repeat([]byte("a"), 1024))
	c.Request().ContentLength = -1

	handler := func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	}

	err := BodyLimit("512", "16M")(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", httpErr.Code)
	}
}
