package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "claude-3-5-haiku-latest"

const defaultMaxTokens = 64

// ErrNoAPIKey is returned by the client when it was built without a key.
var ErrNoAPIKey = errors.New("anthropic api key not configured")

// Client calls the Anthropic Messages API.
type Client struct {
	client anthropic.Client
	hasKey bool
}

// NewClient creates a new Anthropic client. An empty key yields a client
// whose calls fail with ErrNoAPIKey, leaving callers on their fallbacks.
func NewClient(apiKey string, opts ...option.RequestOption) *Client {
	options := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: anthropic.NewClient(options...),
		hasKey: apiKey != "",
	}
}

// Complete sends a non-streaming message and joins the text blocks of the reply.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if !c.hasKey {
		return "", ErrNoAPIKey
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", errors.New("completion returned no text")
	}
	return strings.TrimSpace(strings.Join(parts, "")), nil
}
