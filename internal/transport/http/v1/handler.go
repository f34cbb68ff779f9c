// Package v1 provides the REST handlers for sessions, messages, local
// transcripts and auth.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ignacioreyna/omni-bot/internal/auth"
	"github.com/ignacioreyna/omni-bot/internal/config"
	"github.com/ignacioreyna/omni-bot/internal/coordinator"
	"github.com/ignacioreyna/omni-bot/internal/domain"
	"github.com/ignacioreyna/omni-bot/internal/transcript"
)

const version = "0.1.0"

// Options carry the collaborators the handlers read besides the coordinator.
type Options struct {
	Directories *config.AllowList
	Transcripts *transcript.Scanner
	Tokens      *auth.JWTService
	AuthMode    string
}

// Handler handles HTTP requests.
type Handler struct {
	coord *coordinator.Coordinator
	opts  Options
}

// NewHandler creates a new handler.
func NewHandler(coord *coordinator.Coordinator, opts Options) *Handler {
	if opts.Directories == nil {
		opts.Directories = config.NewAllowList(nil)
	}
	return &Handler{coord: coord, opts: opts}
}

// RegisterRoutes registers the /api routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/health", h.Health)

	e.GET("/api/auth/me", h.Me)
	e.POST("/api/auth/ws-token", h.WSToken)

	s := e.Group("/api/sessions")
	s.GET("", h.ListSessions)
	s.POST("", h.CreateSession)
	s.GET("/search", h.SearchSessions)
	s.GET("/allowed-directories", h.AllowedDirectories)
	s.GET("/browse", h.Browse)
	s.POST("/fork", h.ForkSession)
	s.GET("/:id", h.GetSession)
	s.PATCH("/:id", h.UpdateSession)
	s.DELETE("/:id", h.DeleteSession)
	s.POST("/:id/pause", h.PauseSession)
	s.POST("/:id/resume", h.ResumeSession)
	s.POST("/:id/terminate", h.TerminateSession)
	s.POST("/:id/abort", h.AbortSession)
	s.GET("/:id/status", h.SessionStatus)
	s.GET("/:id/export", h.ExportSession)
	s.GET("/:id/teleport", h.Teleport)
	s.GET("/:id/patterns", h.Patterns)

	e.GET("/api/messages/search", h.SearchMessages)
	e.GET("/api/messages/:sessionId", h.ListMessages)

	l := e.Group("/api/local-sessions")
	l.GET("", h.LocalSessions)
	l.GET("/recent", h.RecentLocalSessions)
	l.GET("/by-directory", h.LocalSessionsByDirectory)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"version":     version,
		"openHandles": h.coord.OpenHandles(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, errorResponse{Error: msg, Code: code})
}

func badRequest(c echo.Context, msg string) error {
	return respondError(c, http.StatusBadRequest, "invalid_request", msg)
}

// respondErr maps a coordinator error onto a status code.
func respondErr(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDirectoryNotAllowed):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrCapacityExceeded),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrBusy),
		errors.Is(err, domain.ErrAlreadyRunning):
		status = http.StatusConflict
	}
	return respondError(c, status, domain.ErrorCode(err), err.Error())
}

// session loads the record for id and checks that the caller owns it. On
// failure the response has already been written and ok is false.
func (h *Handler) session(c echo.Context, id string) (rec domain.SessionRecord, ok bool, err error) {
	rec, found, err := h.coord.GetSession(c.Request().Context(), id)
	if err != nil {
		return rec, false, respondErr(c, err)
	}
	if !found {
		return rec, false, respondError(c, http.StatusNotFound, "not_found", "Session not found")
	}
	if owner := auth.Owner(c); owner != "" && rec.OwnerEmail() != owner {
		return rec, false, respondError(c, http.StatusForbidden, "forbidden", "Access denied")
	}
	return rec, true, nil
}
