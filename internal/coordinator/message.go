package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// exportLimit caps the messages included in an export.
const exportLimit = 10000

// ExportFormat selects the rendering of ExportSession.
type ExportFormat string

const (
	ExportJSON     ExportFormat = "json"
	ExportMarkdown ExportFormat = "markdown"
)

// Export is a rendered session transcript ready to download.
type Export struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Teleport tells a terminal user how to continue a session locally.
type Teleport struct {
	Command          string `json:"command"`
	SessionID        string `json:"sessionId"`
	WorkingDirectory string `json:"workingDirectory"`
	Name             string `json:"name"`
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ListMessages pages through a session's history, oldest first. Drafts have
// no history.
func (c *Coordinator) ListMessages(ctx context.Context, id string, limit, offset int) ([]domain.Message, error) {
	if c.IsDraft(id) {
		return []domain.Message{}, nil
	}
	msgs, err := c.store.ListMessages(ctx, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// SearchMessages runs a full-text query, optionally within one session.
func (c *Coordinator) SearchMessages(ctx context.Context, query, sessionID string) ([]domain.Message, error) {
	if strings.TrimSpace(query) == "" {
		return []domain.Message{}, nil
	}
	msgs, err := c.store.SearchMessages(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return msgs, nil
}

// ExportSession renders a persisted session and its messages.
func (c *Coordinator) ExportSession(ctx context.Context, id string, format ExportFormat) (*Export, error) {
	session, err := c.persisted(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := c.store.ListMessages(ctx, id, exportLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	base := unsafeFilename.ReplaceAllString(session.Name, "_")
	if base == "" || strings.Trim(base, "_") == "" {
		base = "session"
	}

	switch format {
	case ExportMarkdown:
		return &Export{
			Filename:    base + ".md",
			ContentType: "text/markdown; charset=utf-8",
			Body:        []byte(renderMarkdown(session, msgs)),
		}, nil
	case ExportJSON, "":
		body, err := json.MarshalIndent(struct {
			Session  *domain.Session  `json:"session"`
			Messages []domain.Message `json:"messages"`
		}{session, msgs}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode export: %w", err)
		}
		return &Export{Filename: base + ".json", ContentType: "application/json", Body: body}, nil
	default:
		return nil, fmt.Errorf("%w: unknown export format %q", domain.ErrInvalidState, format)
	}
}

func renderMarkdown(session *domain.Session, msgs []domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", session.Name)
	fmt.Fprintf(&b, "**Directory:** %s\n", session.WorkingDirectory)
	fmt.Fprintf(&b, "**Created:** %s\n\n---\n\n", session.CreatedAt.UTC().Format(time.RFC3339))
	for _, m := range msgs {
		author := "User"
		if m.Role == domain.RoleAssistant {
			author = "Assistant"
		} else if m.Role == domain.RoleTool {
			author = "Tool"
		}
		fmt.Fprintf(&b, "**%s** _(%s)_:\n\n%s\n\n---\n\n", author, m.CreatedAt.UTC().Format(time.RFC3339), m.Content)
	}
	return b.String()
}

// TeleportCommand returns the shell command resuming the session's remote
// conversation in a local terminal.
func (c *Coordinator) TeleportCommand(ctx context.Context, id string) (*Teleport, error) {
	session, err := c.persisted(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.RemoteSessionID == "" {
		return nil, fmt.Errorf("%w: session has no agent conversation yet", domain.ErrInvalidState)
	}
	return &Teleport{
		Command:          fmt.Sprintf("cd %s && claude --resume %s", shellQuote(session.WorkingDirectory), session.RemoteSessionID),
		SessionID:        session.RemoteSessionID,
		WorkingDirectory: session.WorkingDirectory,
		Name:             session.Name,
	}, nil
}

// shellQuote single-quotes s when it holds characters a shell would split on.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]#~!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
