package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/equipemed/equipemed/internal/platform/auth"
)

// accessEntry describes one request that read or changed patient records.
type accessEntry struct {
	ActorID    string
	ActorRole  string
	Action     string // read, create, update, delete
	Resource   string // patients, admissions
	ResourceID string
	PatientID  string
	Method     string
	Route      string
	StatusCode int
	RequestID  string
	RemoteIP   string
}

// Audit logs every /api/v1 request as a "record_access" line. Changes to
// patient records are audited separately through the outbox.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			entry := accessEntry{
				Action:     httpMethodToAction(req.Method),
				Method:     req.Method,
				Route:      c.Path(),
				StatusCode: status,
				RemoteIP:   c.RealIP(),
			}
			if p, ok := auth.PrincipalFromContext(req.Context()); ok {
				entry.ActorID, entry.ActorRole = p.ID, p.Role
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Resource, entry.ResourceID = resourceFromPath(req.URL.Path)
			if entry.Resource == "patients" {
				entry.PatientID = entry.ResourceID
			}
			if pid, ok := c.Get("patient_id").(string); ok && pid != "" {
				entry.PatientID = pid
			}

			logger.Info().
				Str("type", "record_access").
				Str("request_id", entry.RequestID).
				Str("actor_id", entry.ActorID).
				Str("actor_role", entry.ActorRole).
				Str("action", entry.Action).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Int("status", entry.StatusCode).
				Str("remote_ip", entry.RemoteIP).
				Msg("record_access")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
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

// resourceFromPath splits /api/v1/<resource>/<id>/... into resource and id.
// The id is empty unless it parses as a UUID.
func resourceFromPath(path string) (string, string) {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	resource := segments[0]
	if resource == "" {
		resource = "unknown"
	}
	if len(segments) > 1 {
		if _, err := uuid.Parse(segments[1]); err == nil {
			return resource, segments[1]
		}
	}
	return resource, ""
}
