package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/equipemed/equipemed/internal/platform/auth"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	_ = RequestID()(handler)(c)
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = RequestID()(func(c echo.Context) error { return nil })(c)
	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("expected a generated uuid, got %q", got)
	}
}

func TestLogger_LevelFromStatus(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		level   string
	}{
		{"ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") }, "info"},
		{"client error", func(c echo.Context) error { return echo.NewHTTPError(http.StatusConflict, "x") }, "warn"},
		{"server error", func(c echo.Context) error { return echo.NewHTTPError(http.StatusInternalServerError, "x") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			c := e.NewContext(req, httptest.NewRecorder())

			_ = Logger(logger)(tt.handler)(c)

			var line map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("decode log line: %v", err)
			}
			if line["level"] != tt.level {
				t.Errorf("expected level %s, got %v", tt.level, line["level"])
			}
			if line["path"] != "/test" {
				t.Errorf("expected path /test, got %v", line["path"])
			}
		})
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(zerolog.New(&buf))(handler)(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Error("expected panic value in log")
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Recovery(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// auditLine decodes the single record_access line written to buf.
func auditLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	return line
}

func TestAudit_RecordsAccess(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	pid := "3f1c1a52-8d2e-4b8e-9a43-0c6c1c9c2b11"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients/"+pid+"/admissions", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{ID: "dr-1", Role: "doctor"}))
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-123")

	handler := func(c echo.Context) error {
		return c.String(http.StatusCreated, "ok")
	}

	if err := Audit(zerolog.New(&buf))(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line := auditLine(t, &buf)
	if line["message"] != "record_access" {
		t.Errorf("expected record_access message, got %v", line["message"])
	}
	if line["actor_id"] != "dr-1" || line["actor_role"] != "doctor" {
		t.Errorf("unexpected actor %v/%v", line["actor_id"], line["actor_role"])
	}
	if line["action"] != "create" || line["method"] != http.MethodPost {
		t.Errorf("expected create via POST, got %v via %v", line["action"], line["method"])
	}
	if line["resource"] != "patients" || line["patient_id"] != pid {
		t.Errorf("unexpected resource %v patient %v", line["resource"], line["patient_id"])
	}
	if line["request_id"] != "req-123" {
		t.Errorf("expected request id req-123, got %v", line["request_id"])
	}
	if line["status"] != float64(http.StatusCreated) {
		t.Errorf("expected 201, got %v", line["status"])
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	_ = Audit(zerolog.New(&buf))(func(c echo.Context) error { return nil })(c)
	if buf.Len() != 0 {
		t.Errorf("health checks must not be audited, got %q", buf.String())
	}
}

func TestAudit_StatusFromHTTPError(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/admissions/3f1c1a52-8d2e-4b8e-9a43-0c6c1c9c2b11/discharge", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("patient_id", "9b2d6f4e-1a7c-4c55-8f0e-2d3b4a5c6e7f")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "denied")
	}

	_ = Audit(zerolog.New(&buf))(handler)(c)
	line := auditLine(t, &buf)
	if line["status"] != float64(http.StatusForbidden) {
		t.Errorf("expected 403, got %v", line["status"])
	}
	if line["action"] != "delete" || line["resource"] != "admissions" {
		t.Errorf("unexpected entry %v", line)
	}
	if line["patient_id"] != "9b2d6f4e-1a7c-4c55-8f0e-2d3b4a5c6e7f" {
		t.Errorf("expected patient id set by the handler, got %v", line["patient_id"])
	}
}

func TestResourceFromPath(t *testing.T) {
	tests := []struct {
		path     string
		resource string
		id       string
	}{
		{"/api/v1/patients", "patients", ""},
		{"/api/v1/patients/3f1c1a52-8d2e-4b8e-9a43-0c6c1c9c2b11", "patients", "3f1c1a52-8d2e-4b8e-9a43-0c6c1c9c2b11"},
		{"/api/v1/admissions/not-a-uuid", "admissions", ""},
		{"/api/v1/", "unknown", ""},
	}
	for _, tt := range tests {
		res, id := resourceFromPath(tt.path)
		if res != tt.resource || id != tt.id {
			t.Errorf("resourceFromPath(%q) = %q, %q; want %q, %q", tt.path, res, id, tt.resource, tt.id)
		}
	}
}
