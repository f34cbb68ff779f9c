package v1

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ignacioreyna/omni-bot/internal/auth"
)

// noAuthTokenTTL is advertised for gateway tokens when auth is disabled.
const noAuthTokenTTL = 300

// Me returns the caller's identity.
// GET /api/auth/me
func (h *Handler) Me(c echo.Context) error {
	owner := auth.Owner(c)
	if owner == "" {
		return respondError(c, http.StatusUnauthorized, "unauthorized", "Not authenticated")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"email":    owner,
		"authMode": h.opts.AuthMode,
	})
}

// WSToken issues a short lived token for opening a gateway connection.
// POST /api/auth/ws-token
func (h *Handler) WSToken(c echo.Context) error {
	owner := auth.Owner(c)
	if owner == "" {
		return respondError(c, http.StatusUnauthorized, "unauthorized", "Not authenticated")
	}
	if h.opts.Tokens == nil {
		// Any token opens the gateway without auth.
		return c.JSON(http.StatusOK, map[string]any{"token": uuid.NewString(), "expiresIn": noAuthTokenTTL})
	}

	token, err := h.opts.Tokens.Generate(owner, auth.ScopeWS)
	if err != nil {
		return respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(h.opts.Tokens.WSTokenTTL().Seconds()),
	})
}
