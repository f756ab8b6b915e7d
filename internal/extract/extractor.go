// Package extract implements extraction passes against the Anthropic API.
package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loregraph/internal/config"
	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/resilience"
	"github.com/sells-group/loregraph/pkg/anthropic"
)

// Provider is the rate-limit and circuit key for calls made by LLMExtractor.
const Provider = "anthropic"

// LLMExtractor runs one pass per call with a single CreateMessage request.
// It does no retrying of its own; errors are classified so the caller's
// retry policy can tell transient from permanent failures.
type LLMExtractor struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New creates an LLMExtractor.
func New(client anthropic.Client, cfg config.AnthropicConfig) *LLMExtractor {
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &LLMExtractor{client: client, model: cfg.Model, maxTokens: maxTokens}
}

// Provider returns the provider name used for rate limiting.
func (e *LLMExtractor) Provider() string { return Provider }

// Extract runs req.Pass over req.Chapter.
func (e *LLMExtractor) Extract(ctx context.Context, req model.PassRequest) (*model.PassOutput, error) {
	if _, ok := passInstructions[req.Pass]; !ok {
		return nil, model.NewValidationError("pass", "unknown pass "+string(req.Pass))
	}

	system := anthropic.BuildCachedSystemBlocks(systemPrompt(req.Pass, req.WantSummary))
	if ctxText := contextPrompt(req); ctxText != "" {
		system = append(system, anthropic.SystemBlock{Text: ctxText})
	}
	temp := 0.0
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       e.model,
		MaxTokens:   e.maxTokens,
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(req)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, classify(err, req.Pass)
	}
	resp.Usage.LogUsage(e.model, req.Chapter.BookID, req.Chapter.Number, string(req.Pass))

	out, err := parseOutput(resp.Text())
	if err != nil {
		if resp.StopReason == "max_tokens" {
			return nil, eris.Wrapf(err, "extract: %s response truncated at max_tokens", req.Pass)
		}
		return nil, eris.Wrapf(err, "extract: %s", req.Pass)
	}
	return out, nil
}

// classify marks retryable API failures as transient.
func classify(err error, pass model.Pass) error {
	code := anthropic.StatusCode(err)
	if resilience.IsTransientHTTPStatus(code) {
		return resilience.NewTransientError(eris.Wrapf(err, "extract: %s", pass), code)
	}
	return eris.Wrapf(err, "extract: %s", pass)
}

// parseOutput decodes the model's JSON payload. Malformed JSON is a
// permanent error.
func parseOutput(text string) (*model.PassOutput, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("malformed response: empty")
	}
	var out model.PassOutput
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, eris.Wrap(err, "malformed response")
	}
	kept := out.Extractions[:0]
	for _, x := range out.Extractions {
		if strings.TrimSpace(x.Text) == "" && strings.TrimSpace(x.Name) == "" {
			continue
		}
		kept = append(kept, x)
	}
	out.Extractions = kept
	out.Summary = strings.TrimSpace(out.Summary)
	return &out, nil
}

// cleanJSON extracts a JSON object from text that may contain markdown
// code fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
