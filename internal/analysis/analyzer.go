// Package analysis derives a session title and a model tier from the first
// message of a session.
package analysis

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ignacioreyna/omni-bot/internal/adapter/llm"
	"github.com/ignacioreyna/omni-bot/internal/domain"
)

const (
	// FallbackTitle names sessions whose first message is empty.
	FallbackTitle = "New Session"

	titleTarget   = 50
	titleHardCap  = 100
	titleWords    = 6
	promptExcerpt = 500

	// DefaultTimeout bounds a single analysis call.
	DefaultTimeout = 15 * time.Second
)

const titleSystemPrompt = "You are a title generator. Output only a short, descriptive title. No markdown, no quotes, no explanation."

const routerSystemPrompt = `You are a task complexity analyzer. Given a user's request, determine which Claude model is best suited:

- haiku: Simple questions, quick lookups, short answers, basic tasks
- sonnet: Code modifications, bug fixes, moderate complexity, typical development tasks
- opus: Complex architecture, system design, multi-file refactoring, deep analysis, planning

Respond with ONLY the model name: haiku, sonnet, or opus`

// Analyzer runs the title and model analyses. Both degrade to deterministic
// fallbacks when the completer fails.
type Analyzer struct {
	completer llm.Completer
	model     string
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates an Analyzer. An empty model selects llm.DefaultModel.
func New(completer llm.Completer, model string, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		completer: completer,
		model:     model,
		timeout:   DefaultTimeout,
		logger:    logger,
	}
}

// GenerateTitle returns a short title for a session starting with text.
func (a *Analyzer) GenerateTitle(ctx context.Context, text string) string {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := "Generate a concise title (max 50 characters) for a chat session that starts with this message. " +
		"Return ONLY the title, no quotes, no explanation.\n\nMessage: \"" + prefix(text, promptExcerpt) + "\""

	title, err := a.completer.Complete(ctx, llm.CompletionRequest{
		Model:     a.model,
		System:    titleSystemPrompt,
		Prompt:    prompt,
		MaxTokens: 64,
	})
	if err != nil {
		a.logger.Warn("title generation failed, using fallback", zap.Error(err))
		return FallbackTitleFor(text)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return FallbackTitleFor(text)
	}
	return prefix(title, titleHardCap)
}

// SelectModel picks the model tier suited to text. Failures select sonnet.
func (a *Analyzer) SelectModel(ctx context.Context, text string) domain.ModelType {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reply, err := a.completer.Complete(ctx, llm.CompletionRequest{
		Model:     a.model,
		System:    routerSystemPrompt,
		Prompt:    "Analyze this task and choose the appropriate model:\n\n" + text,
		MaxTokens: 16,
	})
	if err != nil {
		a.logger.Warn("model analysis failed, defaulting to sonnet", zap.Error(err))
		return domain.ModelSonnet
	}
	return ParseChoice(reply)
}

// Analyze runs both analyses concurrently. When selectModel is false the
// returned model is empty.
func (a *Analyzer) Analyze(ctx context.Context, text string, selectModel bool) (string, domain.ModelType) {
	var (
		title string
		model domain.ModelType
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		title = a.GenerateTitle(gctx, text)
		return nil
	})
	if selectModel {
		g.Go(func() error {
			model = a.SelectModel(gctx, text)
			return nil
		})
	}
	_ = g.Wait()
	return title, model
}

// ParseChoice maps a free-form router reply to a model tier.
func ParseChoice(reply string) domain.ModelType {
	reply = strings.ToLower(strings.TrimSpace(reply))
	switch {
	case strings.Contains(reply, "opus"):
		return domain.ModelOpus
	case strings.Contains(reply, "haiku"):
		return domain.ModelHaiku
	default:
		return domain.ModelSonnet
	}
}

// FallbackTitleFor builds a title from the first words of text.
func FallbackTitleFor(text string) string {
	words := strings.Fields(text)
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	title := strings.Join(words, " ")
	if len([]rune(title)) > titleTarget {
		title = prefix(title, titleTarget-3) + "..."
	}
	if title == "" {
		return FallbackTitle
	}
	return title
}

// prefix returns at most n runes of s.
func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
