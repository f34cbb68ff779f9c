package claudecli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/agent"
	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// maxLineSize bounds a single stream-json frame. Tool results can be large.
const maxLineSize = 16 * 1024 * 1024

// frame is the subset of a stream-json line the coordinator consumes.
type frame struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`

	Message *struct {
		ID      string  `json:"id"`
		Content []block `json:"content"`
	} `json:"message"`

	Result       string                `json:"result"`
	IsError      bool                  `json:"is_error"`
	TotalCostUSD float64               `json:"total_cost_usd"`
	DurationMs   int64                 `json:"duration_ms"`
	NumTurns     int                   `json:"num_turns"`
	Usage        *domain.Usage         `json:"usage"`
	ModelUsage   map[string]modelUsage `json:"modelUsage"`
}

type block struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type modelUsage struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
}

// Parse reads line-delimited stream-json frames from r and emits them as
// agent events. It stops early when emit returns false and reports whether
// a terminal result frame was seen.
func Parse(r io.Reader, emit func(agent.Event) bool, logger *zap.Logger) (bool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	terminal := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") {
			logger.Debug("ignoring non-json output", zap.String("line", truncate(line, 200)))
			continue
		}

		var f frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			logger.Warn("failed to parse stream frame", zap.Error(err))
			continue
		}

		if !emit(agent.Event{Kind: agent.EventRaw, Raw: json.RawMessage(line)}) {
			return terminal, nil
		}
		ev, ok := toEvent(&f)
		if !ok {
			continue
		}
		if ev.Kind == agent.EventResult {
			terminal = true
		}
		if !emit(ev) {
			return terminal, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return terminal, fmt.Errorf("failed to read stream: %w", err)
	}
	return terminal, nil
}

func toEvent(f *frame) (agent.Event, bool) {
	switch f.Type {
	case "system":
		if f.Subtype == "init" && f.SessionID != "" {
			return agent.Event{Kind: agent.EventInit, RemoteSessionID: f.SessionID}, true
		}

	case "assistant":
		if f.Message == nil {
			return agent.Event{}, false
		}
		ev := agent.Event{Kind: agent.EventAssistant, RemoteSessionID: f.SessionID}
		for _, b := range f.Message.Content {
			switch b.Type {
			case agent.BlockText:
				ev.Blocks = append(ev.Blocks, agent.ContentBlock{Type: agent.BlockText, Text: b.Text})
			case agent.BlockToolUse:
				if b.ID == "" || b.Name == "" {
					continue
				}
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				ev.Blocks = append(ev.Blocks, agent.ContentBlock{
					Type:    agent.BlockToolUse,
					ToolUse: &domain.ToolUse{ID: b.ID, Name: b.Name, Input: input},
				})
			}
		}
		return ev, len(ev.Blocks) > 0 || ev.RemoteSessionID != ""

	case "result":
		result := &domain.ResultData{
			RemoteSessionID: f.SessionID,
			Subtype:         f.Subtype,
			IsError:         f.IsError,
			TotalCostUSD:    f.TotalCostUSD,
			DurationMs:      f.DurationMs,
			NumTurns:        f.NumTurns,
			Usage:           f.Usage,
		}
		// A successful result carries the final answer, a failed one the reason.
		if f.Subtype == "success" || f.IsError {
			result.Summary = f.Result
		}
		if len(f.ModelUsage) > 0 {
			result.ModelUsage = make(map[string]domain.Usage, len(f.ModelUsage))
			for model, u := range f.ModelUsage {
				result.ModelUsage[model] = domain.Usage{
					InputTokens:              u.InputTokens,
					OutputTokens:             u.OutputTokens,
					CacheReadInputTokens:     u.CacheReadInputTokens,
					CacheCreationInputTokens: u.CacheCreationInputTokens,
				}
			}
		}
		return agent.Event{Kind: agent.EventResult, Result: result}, true
	}
	return agent.Event{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
