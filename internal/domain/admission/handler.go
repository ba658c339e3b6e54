package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/equipemed/equipemed/internal/platform/auth"
	"github.com/equipemed/equipemed/internal/platform/versioning"
	"github.com/equipemed/equipemed/pkg/pagination"
)

const mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// exportPageSize is the page size used when collecting a full history.
const exportPageSize = 500

// PendingCounter reports how many change events are still waiting for
// delivery.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

type Handler struct {
	svc    *Service
	outbox PendingCounter
	now    func() time.Time
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

// WithOutbox enables the admin outbox status endpoint.
func (h *Handler) WithOutbox(pc PendingCounter) *Handler {
	h.outbox = pc
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireAuthenticated())

	g.POST("/patients", h.RegisterPatient)
	g.GET("/patients", h.ListPatients)
	g.GET("/patients/:id", h.GetPatient)
	g.DELETE("/patients/:id", h.ArchivePatient, auth.RequireRole("admin"))

	g.POST("/patients/:id/admissions", h.Admit)
	g.GET("/patients/:id/admissions", h.History)
	g.GET("/patients/:id/admissions/current", h.CurrentEpisode)
	g.GET("/patients/:id/admissions/export", h.ExportHistory)

	g.GET("/admissions/:id", h.GetEpisode)
	g.PATCH("/admissions/:id", h.EditAdmission)
	g.POST("/admissions/:id/discharge", h.Discharge)
	g.PATCH("/admissions/:id/discharge", h.EditDischarge)
	g.DELETE("/admissions/:id/discharge", h.CancelDischarge)
	g.GET("/admissions/:id/permissions", h.Permissions)

	if h.outbox != nil {
		g.GET("/admin/outbox", h.OutboxStatus, auth.RequireRole("admin"))
	}
}

// -- Patients --

type registerPatientBody struct {
	Name      string `json:"name"`
	BirthDate string `json:"birth_date"`
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var body registerPatientBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req := RegisterPatientRequest{Name: body.Name}
	if body.BirthDate != "" {
		bd, err := parseDate(body.BirthDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid birth_date: expected YYYY-MM-DD")
		}
		req.BirthDate = bd
	}
	p, err := h.svc.RegisterPatient(c.Request().Context(), actorFrom(c), h.now(), req)
	if err != nil {
		return toHTTPError(err, false)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.ListPatients(c.Request().Context(), PatientStatus(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err, false)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg))
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	c.Set("patient_id", id.String())
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err, false)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ArchivePatient(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	c.Set("patient_id", id.String())
	if err := h.svc.ArchivePatient(c.Request().Context(), actorFrom(c), h.now(), id); err != nil {
		return toHTTPError(err, false)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Admissions --

func (h *Handler) Admit(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	c.Set("patient_id", id.String())
	var req AdmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.PatientID = id
	ep, err := h.svc.Admit(c.Request().Context(), actorFrom(c), h.now(), req)
	if err != nil {
		return toHTTPError(err, false)
	}
	versioning.SetVersionHeaders(c, ep.Version, ep.UpdatedAt)
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) History(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	c.Set("patient_id", id.String())
	pg := pagination.FromContext(c)
	episodes, total, err := h.svc.History(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err, false)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(episodes, total, pg))
}

func (h *Handler) CurrentEpisode(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	c.Set("patient_id", id.String())
	ep, err := h.svc.CurrentEpisode(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err, false)
	}
	return h.writeEpisode(c, http.StatusOK, ep)
}

func (h *Handler) ExportHistory(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	c.Set("patient_id", id.String())
	ctx := c.Request().Context()

	p, err := h.svc.GetPatient(ctx, id)
	if err != nil {
		return toHTTPError(err, false)
	}
	var all []*Episode
	for offset := 0; ; offset += exportPageSize {
		page, total, err := h.svc.History(ctx, id, exportPageSize, offset)
		if err != nil {
			return toHTTPError(err, false)
		}
		all = append(all, page...)
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}

	data, err := HistoryXLSX(p, all)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="admissions-%s.xlsx"`, p.ID))
	return c.Blob(http.StatusOK, mimeXLSX, data)
}

func (h *Handler) GetEpisode(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	ep, err := h.svc.GetEpisode(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err, false)
	}
	c.Set("patient_id", ep.PatientID.String())
	if versioning.NotModified(c, ep.Version) {
		versioning.SetVersionHeaders(c, ep.Version, ep.UpdatedAt)
		return c.NoContent(http.StatusNotModified)
	}
	return h.writeEpisode(c, http.StatusOK, ep)
}

func (h *Handler) EditAdmission(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	expected, err := versioning.IfMatch(c)
	if err != nil {
		return err
	}
	var patch AdmissionPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patch.ExpectedVersion = expected
	ep, err := h.svc.EditAdmission(c.Request().Context(), actorFrom(c), h.now(), id, patch)
	if err != nil {
		return toHTTPError(err, expected > 0)
	}
	c.Set("patient_id", ep.PatientID.String())
	return h.writeEpisode(c, http.StatusOK, ep)
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	expected, err := versioning.IfMatch(c)
	if err != nil {
		return err
	}
	var req DischargeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.ExpectedVersion = expected
	ep, err := h.svc.Discharge(c.Request().Context(), actorFrom(c), h.now(), id, req)
	if err != nil {
		return toHTTPError(err, expected > 0)
	}
	c.Set("patient_id", ep.PatientID.String())
	return h.writeEpisode(c, http.StatusOK, ep)
}

func (h *Handler) EditDischarge(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	expected, err := versioning.IfMatch(c)
	if err != nil {
		return err
	}
	var patch DischargePatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patch.ExpectedVersion = expected
	ep, err := h.svc.EditDischarge(c.Request().Context(), actorFrom(c), h.now(), id, patch)
	if err != nil {
		return toHTTPError(err, expected > 0)
	}
	c.Set("patient_id", ep.PatientID.String())
	return h.writeEpisode(c, http.StatusOK, ep)
}

func (h *Handler) CancelDischarge(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	expected, err := versioning.IfMatch(c)
	if err != nil {
		return err
	}
	var req CancelDischargeRequest
	// the body is optional for DELETE; chunked bodies report ContentLength -1
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil && !errors.Is(err, io.EOF) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	req.ExpectedVersion = expected
	ep, err := h.svc.CancelDischarge(c.Request().Context(), actorFrom(c), h.now(), id, req)
	if err != nil {
		return toHTTPError(err, expected > 0)
	}
	c.Set("patient_id", ep.PatientID.String())
	return h.writeEpisode(c, http.StatusOK, ep)
}

type permissionsResponse struct {
	EpisodeID uuid.UUID    `json:"episode_id"`
	State     EpisodeState `json:"state"`
	Version   int          `json:"version"`
	Decisions []Decision   `json:"decisions"`
}

func (h *Handler) Permissions(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	ep, err := h.svc.GetEpisode(ctx, id)
	if err != nil {
		return toHTTPError(err, false)
	}
	c.Set("patient_id", ep.PatientID.String())
	decisions, err := h.svc.Permissions(ctx, actorFrom(c), h.now(), id)
	if err != nil {
		return toHTTPError(err, false)
	}
	return c.JSON(http.StatusOK, permissionsResponse{
		EpisodeID: ep.ID,
		State:     ep.State(),
		Version:   ep.Version,
		Decisions: decisions,
	})
}

func (h *Handler) OutboxStatus(c echo.Context) error {
	n, err := h.outbox.PendingCount(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"pending": n})
}

// -- helpers --

func (h *Handler) writeEpisode(c echo.Context, status int, ep *Episode) error {
	versioning.SetVersionHeaders(c, ep.Version, ep.UpdatedAt)
	return c.JSON(status, ep)
}

func idParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// actorFrom builds the actor from the authenticated principal. Unknown
// roles yield an actor the policy treats as unauthenticated.
func actorFrom(c echo.Context) Actor {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return Actor{}
	}
	role, _ := ParseRole(p.Role)
	return Actor{ID: p.ID, Role: role}
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// toHTTPError maps domain errors onto status codes. A concurrency conflict
// on a conditional request is a failed precondition.
func toHTTPError(err error, conditional bool) error {
	var (
		verr     *ValidationError
		denied   *PermissionDeniedError
		invalid  *InvalidStateError
		conflict *ConcurrencyConflictError
		httpErr  *echo.HTTPError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "validation failed",
			"fields":  verr.Fields,
		})
	case errors.As(err, &denied):
		code := http.StatusForbidden
		if denied.Reason == ReasonUnauthenticated {
			code = http.StatusUnauthorized
		}
		return echo.NewHTTPError(code, map[string]interface{}{
			"message": denied.Error(),
			"reason":  denied.Reason,
		})
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message": invalid.Error(),
			"reason":  invalid.Reason,
			"state":   invalid.State,
		})
	case errors.As(err, &conflict):
		code := http.StatusConflict
		if conditional {
			code = http.StatusPreconditionFailed
		}
		return echo.NewHTTPError(code, map[string]interface{}{
			"message": conflict.Error(),
			"reason":  "concurrency_conflict",
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
