package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/ignacioreyna/omni-bot/internal/auth"
	"github.com/ignacioreyna/omni-bot/internal/coordinator"
	"github.com/ignacioreyna/omni-bot/internal/domain"
)

const maxNameLength = 100

type createSessionRequest struct {
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDirectory"`
}

type forkSessionRequest struct {
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDirectory"`
	LocalSessionID   string `json:"localSessionId"`
}

type updateSessionRequest struct {
	Name  *string `json:"name"`
	Model *string `json:"model"`
}

func validName(name string, required bool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		if required {
			return errors.New("name is required")
		}
		return nil
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("name must be at most %d characters", maxNameLength)
	}
	return nil
}

// ListSessions lists the caller's drafts and sessions.
// GET /api/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	records, err := h.coord.ListSessions(c.Request().Context(), auth.Owner(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

// CreateSession creates a named session, or a draft when no name is given.
// POST /api/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	if strings.TrimSpace(req.WorkingDirectory) == "" {
		return badRequest(c, "workingDirectory is required")
	}
	if err := validName(req.Name, false); err != nil {
		return badRequest(c, err.Error())
	}

	rec, err := h.coord.CreateSession(c.Request().Context(), req.Name, req.WorkingDirectory, auth.Owner(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

// ForkSession imports a local transcript into a new session.
// POST /api/sessions/fork
func (h *Handler) ForkSession(c echo.Context) error {
	var req forkSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	if err := validName(req.Name, true); err != nil {
		return badRequest(c, err.Error())
	}
	if strings.TrimSpace(req.WorkingDirectory) == "" || strings.TrimSpace(req.LocalSessionID) == "" {
		return badRequest(c, "workingDirectory and localSessionId are required")
	}

	session, err := h.coord.ForkSession(c.Request().Context(), req.Name, req.WorkingDirectory, auth.Owner(c), req.LocalSessionID)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, domain.PersistedRecord(session))
}

// SearchSessions matches session names and message content.
// GET /api/sessions/search?q=
func (h *Handler) SearchSessions(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return badRequest(c, "Query parameter q is required")
	}
	records, err := h.coord.SearchSessions(c.Request().Context(), auth.Owner(c), q)
	if err != nil {
		return respondErr(c, err)
	}
	if records == nil {
		records = []domain.SessionRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

// GetSession returns a draft or session.
// GET /api/sessions/:id
func (h *Handler) GetSession(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// UpdateSession renames a session or switches its model.
// PATCH /api/sessions/:id
func (h *Handler) UpdateSession(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}

	var req updateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	if req.Name != nil {
		if err := validName(*req.Name, true); err != nil {
			return badRequest(c, err.Error())
		}
	}
	var model *domain.ModelType
	if req.Model != nil {
		m, ok := domain.ParseModel(*req.Model)
		if !ok {
			return badRequest(c, "model must be one of sonnet, opus, haiku")
		}
		model = &m
	}
	if req.Name == nil && model == nil {
		return c.JSON(http.StatusOK, rec)
	}

	updated, err := h.coord.UpdateSession(c.Request().Context(), rec.ID(), req.Name, model)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// DeleteSession erases a session and its messages.
// DELETE /api/sessions/:id
func (h *Handler) DeleteSession(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}
	if rec.IsDraft() {
		return respondError(c, http.StatusBadRequest, "invalid_state", "Cannot delete draft session")
	}
	if err := h.coord.DeleteSession(c.Request().Context(), rec.ID()); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// PauseSession releases the session's agent handle.
// POST /api/sessions/:id/pause
func (h *Handler) PauseSession(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}
	session, err := h.coord.PauseSession(c.Request().Context(), rec.ID())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, domain.PersistedRecord(session))
}

// ResumeSession reactivates a paused session.
// POST /api/sessions/:id/resume
func (h *Handler) ResumeSession(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}
	session, err := h.coord.ResumeSession(c.Request().Context(), rec.ID())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, domain.PersistedRecord(session))
}

// TerminateSession ends a session. A draft is discarded.
// POST /api/sessions/:id/terminate
func (h *Handler) TerminateSession(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}
	if err := h.coord.TerminateSession(c.Request().Context(), rec.ID()); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// AbortSession cancels the in-flight turn, if any.
// POST /api/sessions/:id/abort
func (h *Handler) AbortSession(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}
	h.coord.AbortSession(rec.ID())
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// SessionStatus returns the session with its isBusy flag.
// GET /api/sessions/:id/status
func (h *Handler) SessionStatus(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return respondErr(c, err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return respondErr(c, err)
	}
	body["isBusy"] = h.coord.IsSessionBusy(rec.ID())
	return c.JSON(http.StatusOK, body)
}

// ExportSession downloads the transcript as JSON or Markdown.
// GET /api/sessions/:id/export?format=
func (h *Handler) ExportSession(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}
	if rec.IsDraft() {
		return respondError(c, http.StatusBadRequest, "invalid_state", "Cannot export draft session")
	}
	format := coordinator.ExportFormat(c.QueryParam("format"))
	switch format {
	case "", coordinator.ExportJSON, coordinator.ExportMarkdown:
	default:
		return badRequest(c, "format must be json or markdown")
	}

	export, err := h.coord.ExportSession(c.Request().Context(), rec.ID(), format)
	if err != nil {
		return respondErr(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", export.Filename))
	return c.Blob(http.StatusOK, export.ContentType, export.Body)
}

// Teleport returns the shell command that resumes the session in a local
// terminal.
// GET /api/sessions/:id/teleport
func (h *Handler) Teleport(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}
	if rec.IsDraft() {
		return respondError(c, http.StatusBadRequest, "invalid_state", "Cannot teleport draft session - send a message first")
	}
	tp, err := h.coord.TeleportCommand(c.Request().Context(), rec.ID())
	if errors.Is(err, domain.ErrInvalidState) {
		return respondError(c, http.StatusBadRequest, "invalid_state", err.Error())
	}
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, tp)
}

// Patterns lists the session's remembered allow patterns.
// GET /api/sessions/:id/patterns
func (h *Handler) Patterns(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("id"))
	if !ok {
		return err
	}
	patterns := h.coord.Patterns(rec.ID())
	if patterns == nil {
		patterns = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessionId": rec.ID(),
		"patterns":  patterns,
	})
}
