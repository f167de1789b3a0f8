// Package agent runs workflow steps as single-turn Anthropic Messages calls.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/stepflow/internal/api"
	"github.com/ShayCichocki/stepflow/internal/executors"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// Name is the action and executor name agent steps use.
const Name = "agent"

// ErrNoPrompt is returned for an agent step without a prompt param.
var ErrNoPrompt = errors.New("agent step needs a prompt param")

// Completer sends one completion request. *api.Client implements it.
type Completer interface {
	Complete(ctx context.Context, req api.CompletionRequest) (*api.Completion, error)
}

// Executor runs agent steps.
type Executor struct {
	client Completer
	logger *zap.SugaredLogger
}

// New creates an agent executor.
func New(client Completer, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{client: client, logger: logger}
}

// Execute renders the prompt against the context and calls the model.
//
// Step params: prompt (required), system, model, max_tokens, temperature,
// and json, which decodes the answer into the "output" result key.
func (e *Executor) Execute(ctx context.Context, step models.Step, execCtx *models.Context) (map[string]any, error) {
	req, wantJSON, err := request(step, execCtx)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	e.logger.Debugw("agent step answered", "step", step.Key, "model", resp.Model,
		"tokens_in", resp.TokensIn, "tokens_out", resp.TokensOut, "stop_reason", resp.StopReason)

	out := map[string]any{
		"text":        resp.Text,
		"model":       resp.Model,
		"stop_reason": resp.StopReason,
		"tokens_in":   resp.TokensIn,
		"tokens_out":  resp.TokensOut,
	}
	if wantJSON {
		var v any
		if err := json.Unmarshal([]byte(stripFence(resp.Text)), &v); err != nil {
			return nil, fmt.Errorf("decode answer as json: %w", err)
		}
		out["output"] = v
	}
	return out, nil
}

func request(step models.Step, execCtx *models.Context) (api.CompletionRequest, bool, error) {
	var req api.CompletionRequest
	p := step.Params

	prompt, err := executors.String(p, "prompt")
	if err != nil {
		return req, false, err
	}
	if prompt == "" {
		return req, false, fmt.Errorf("step %s: %w", step.Key, ErrNoPrompt)
	}
	if req.Prompt, err = executors.Render("prompt", prompt, step, execCtx); err != nil {
		return req, false, err
	}

	system, err := executors.String(p, "system")
	if err != nil {
		return req, false, err
	}
	if system != "" {
		if req.System, err = executors.Render("system", system, step, execCtx); err != nil {
			return req, false, err
		}
	}

	if req.Model, err = executors.String(p, "model"); err != nil {
		return req, false, err
	}
	maxTokens, err := executors.Int(p, "max_tokens", 0)
	if err != nil {
		return req, false, err
	}
	req.MaxTokens = int64(maxTokens)

	temp, ok, err := executors.Float(p, "temperature")
	if err != nil {
		return req, false, err
	}
	if ok {
		req.Temperature = &temp
	}

	wantJSON, err := executors.Bool(p, "json")
	return req, wantJSON, err
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
