package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) Client {
	return NewClient("test-key", option.WithBaseURL(baseURL))
}

func TestCreateMessage(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_001",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": `{"extractions":`},
				{"type": "text", "text": `[]}`},
			},
			"model":       "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":            120,
				"output_tokens":           8,
				"cache_read_input_tokens": 100,
			},
		})
	}))
	defer ts.Close()

	temp := 0.0
	resp, err := newTestClient(ts.URL).CreateMessage(context.Background(), MessageRequest{
		Model:       "claude-sonnet-4-5-20250929",
		MaxTokens:   1024,
		System:      BuildCachedSystemBlocks("Extract characters."),
		Messages:    []Message{{Role: "user", Content: "Chapter text"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_001", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, `{"extractions":[]}`, resp.Text())
	assert.Equal(t, int64(120), resp.Usage.InputTokens)
	assert.Equal(t, int64(100), resp.Usage.CacheReadInputTokens)

	system, ok := body["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	block := system[0].(map[string]any)
	assert.Equal(t, "Extract characters.", block["text"])
	assert.Contains(t, block, "cache_control")
}

func TestCreateMessage_APIErrorStatus(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, 529, StatusCode(err))
	assert.Equal(t, 1, calls, "sdk retries are disabled")
}

func TestStatusCode_NonAPIError(t *testing.T) {
	assert.Zero(t, StatusCode(nil))
	assert.Zero(t, StatusCode(eris.Wrap(errors.New("dial tcp: refused"), "anthropic")))
}

func TestMessageResponse_TextSkipsNonText(t *testing.T) {
	r := &MessageResponse{Content: []ContentBlock{
		{Type: "thinking", Text: "hmm"},
		{Type: "text", Text: "answer"},
	}}
	assert.Equal(t, "answer", r.Text())
}

func TestEstimateCost(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.InDelta(t, 18.0, u.EstimateCost("claude-sonnet-4-5-20250929"), 1e-9)
	assert.Zero(t, u.EstimateCost("unknown-model"))

	cached := TokenUsage{CacheReadInputTokens: 1_000_000}
	assert.InDelta(t, 0.3, cached.EstimateCost("claude-sonnet-4-5-20250929"), 1e-9)
}
