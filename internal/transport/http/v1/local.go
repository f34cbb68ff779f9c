package v1

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ignacioreyna/omni-bot/internal/transcript"
)

const (
	defaultRecentLimit = 5
	maxRecentLimit     = 20
)

// LocalSessions lists agent transcripts on disk grouped by project.
// GET /api/local-sessions
func (h *Handler) LocalSessions(c echo.Context) error {
	s := h.opts.Transcripts
	if s == nil {
		return c.JSON(http.StatusOK, []transcript.Project{})
	}
	projects := s.ListProjects()
	if projects == nil {
		projects = []transcript.Project{}
	}
	return c.JSON(http.StatusOK, projects)
}

// RecentLocalSessions returns the most recent transcripts across projects.
// GET /api/local-sessions/recent?limit=
func (h *Handler) RecentLocalSessions(c echo.Context) error {
	limit := defaultRecentLimit
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil {
		limit = min(max(n, 1), maxRecentLimit)
	}
	s := h.opts.Transcripts
	if s == nil {
		return c.JSON(http.StatusOK, []transcript.LocalSession{})
	}
	return c.JSON(http.StatusOK, nonNil(s.Recent(limit)))
}

// LocalSessionsByDirectory returns transcripts of path and its children.
// GET /api/local-sessions/by-directory?path=
func (h *Handler) LocalSessionsByDirectory(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return badRequest(c, "path query parameter is required")
	}
	resolved, err := filepath.Abs(path)
	if err != nil || !h.opts.Directories.Contains(resolved) {
		return respondError(c, http.StatusForbidden, "directory_not_allowed", "Directory not in allowed directories")
	}
	s := h.opts.Transcripts
	if s == nil {
		return c.JSON(http.StatusOK, []transcript.LocalSession{})
	}
	return c.JSON(http.StatusOK, nonNil(s.ByDirectory(resolved)))
}

func nonNil(sessions []transcript.LocalSession) []transcript.LocalSession {
	if sessions == nil {
		return []transcript.LocalSession{}
	}
	return sessions
}
