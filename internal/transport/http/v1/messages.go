package v1

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ignacioreyna/omni-bot/internal/auth"
	"github.com/ignacioreyna/omni-bot/internal/domain"
)

const defaultMessageLimit = 100

// SearchMessages runs a full-text query over the caller's messages.
// GET /api/messages/search?q=&sessionId=
func (h *Handler) SearchMessages(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return badRequest(c, `Query parameter "q" is required`)
	}
	sessionID := c.QueryParam("sessionId")
	if sessionID != "" {
		if _, ok, err := h.session(c, sessionID); !ok {
			return err
		}
	}

	ctx := c.Request().Context()
	messages, err := h.coord.SearchMessages(ctx, q, sessionID)
	if err != nil {
		return respondErr(c, err)
	}
	if owner := auth.Owner(c); owner != "" && sessionID == "" {
		messages = h.ownedMessages(ctx, owner, messages)
	}
	return c.JSON(http.StatusOK, messages)
}

// ownedMessages drops hits from sessions that belong to someone else.
func (h *Handler) ownedMessages(ctx context.Context, owner string, messages []domain.Message) []domain.Message {
	owned := make(map[string]bool)
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		mine, seen := owned[m.SessionID]
		if !seen {
			rec, found, err := h.coord.GetSession(ctx, m.SessionID)
			mine = err == nil && found && rec.OwnerEmail() == owner
			owned[m.SessionID] = mine
		}
		if mine {
			out = append(out, m)
		}
	}
	return out
}

// ListMessages pages through a session's history.
// GET /api/messages/:sessionId?limit=&offset=
func (h *Handler) ListMessages(c echo.Context) error {
	rec, ok, err := h.session(c, c.Param("sessionId"))
	if !ok {
		return err
	}

	limit := defaultMessageLimit
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o > 0 {
		offset = o
	}

	messages, err := h.coord.ListMessages(c.Request().Context(), rec.ID(), limit, offset)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, messages)
}
