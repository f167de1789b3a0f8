package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// DefaultMaxTokens bounds a completion when the request does not.
const DefaultMaxTokens = 4096

// ErrEmptyPrompt is returned for a completion request without a prompt.
var ErrEmptyPrompt = errors.New("empty prompt")

// CompletionRequest is a single-turn Messages call.
type CompletionRequest struct {
	// Model overrides the client's default model.
	Model string
	// System is the optional system prompt.
	System string
	// Prompt is the user message.
	Prompt string
	// MaxTokens bounds the response. Zero uses DefaultMaxTokens.
	MaxTokens int64
	// Temperature is passed through when non-nil.
	Temperature *float64
}

// Completion is the text answer of a Messages call.
type Completion struct {
	Text       string
	Model      string
	StopReason string
	TokensIn   int64
	TokensOut  int64
}

// Complete sends one user message and returns the concatenated text blocks
// of the response.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	params := c.params(req)
	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("messages call: %w", err)
	}
	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	return &Completion{
		Text:       text.String(),
		Model:      string(resp.Model),
		StopReason: string(resp.StopReason),
		TokensIn:   resp.Usage.InputTokens,
		TokensOut:  resp.Usage.OutputTokens,
	}, nil
}

func (c *Client) params(req CompletionRequest) anthropic.MessageNewParams {
	model := c.model
	if req.Model != "" {
		model = c.TranslateModel(anthropic.Model(req.Model))
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}
