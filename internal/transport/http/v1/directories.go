package v1

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ignacioreyna/omni-bot/internal/config"
)

type browseResponse struct {
	CurrentPath string   `json:"currentPath"`
	Directories []string `json:"directories"`
}

// AllowedDirectories lists the roots sessions may be created in.
// GET /api/sessions/allowed-directories
func (h *Handler) AllowedDirectories(c echo.Context) error {
	return c.JSON(http.StatusOK, h.opts.Directories.Dirs())
}

// Browse lists the visible subdirectories of path under an allowed root.
// GET /api/sessions/browse?base=&path=
func (h *Handler) Browse(c echo.Context) error {
	base := c.QueryParam("base")
	sub := c.QueryParam("path")
	if base == "" {
		return badRequest(c, "Base directory required")
	}
	base = filepath.Clean(base)
	if !h.isRoot(base) {
		return respondError(c, http.StatusForbidden, "directory_not_allowed", "Directory not allowed")
	}

	full := filepath.Join(base, sub)
	if !config.Within(full, base) {
		return respondError(c, http.StatusForbidden, "directory_not_allowed", "Invalid path")
	}
	info, err := os.Stat(full)
	if err != nil || !info.IsDir() {
		return respondError(c, http.StatusNotFound, "not_found", "Directory not found")
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	return c.JSON(http.StatusOK, browseResponse{CurrentPath: sub, Directories: dirs})
}

func (h *Handler) isRoot(dir string) bool {
	for _, root := range h.opts.Directories.Dirs() {
		if root == dir {
			return true
		}
	}
	return false
}
