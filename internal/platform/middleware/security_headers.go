package middleware

import (
	"github.com/labstack/echo/v4"
)

// apiSecurityHeaders are sent on every response. The API serves patient
// data as JSON or XLSX only, so nothing may be framed, sniffed or cached.
var apiSecurityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Referrer-Policy":           "no-referrer",
	"Cache-Control":             "no-store",
}

func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range apiSecurityHeaders {
				h.Set(k, v)
			}
			return next(c)
		}
	}
}
