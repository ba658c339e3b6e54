// Package versioning maps record versions onto HTTP ETag, If-Match and
// If-None-Match headers.
package versioning

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and, when lastModified is non-zero,
// Last-Modified on the response.
func SetVersionHeaders(c echo.Context, version int, lastModified time.Time) {
	c.Response().Header().Set("ETag", FormatETag(version))
	if !lastModified.IsZero() {
		c.Response().Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// IfMatch returns the version named by the If-Match header, or 0 when the
// header is absent. A malformed header is a 400.
func IfMatch(c echo.Context) (int, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" || strings.TrimSpace(ifMatch) == "*" {
		return 0, nil
	}

	v, err := ParseETag(ifMatch)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	return v, nil
}

// NotModified reports whether If-None-Match names the current version.
func NotModified(c echo.Context, currentVersion int) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}
	v, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}
	return v == currentVersion
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	if v < 1 {
		return 0, fmt.Errorf("ETag version must be positive: %d", v)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}
