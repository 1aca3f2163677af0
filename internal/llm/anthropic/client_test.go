package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"aegis/internal/config"
	"aegis/internal/llm"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.AnthropicConfig{APIKey: "test", BaseURL: srv.URL, Model: "claude-3-5-sonnet-latest"}, srv.Client())
}

func TestAdaptMessagesExtractsSystem(t *testing.T) {
	system, converted, err := adaptMessages([]llm.Message{
		{Role: "system", Content: "be careful"},
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)
	require.Len(t, system, 1)
	require.Equal(t, "be careful", system[0].Text)
	require.Len(t, converted, 1)
}

func TestAdaptMessagesGroupsToolResultsAndDropsOrphans(t *testing.T) {
	_, converted, err := adaptMessages([]llm.Message{
		{Role: "user", Content: "run two tools"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "a", Args: json.RawMessage(`{}`)},
			{ID: "call-2", Name: "b", Args: json.RawMessage(`{}`)},
		}},
		{Role: "tool", ToolCallID: "call-1", Content: "result-a"},
		{Role: "tool", ToolCallID: "orphan", Content: "should be dropped"},
		{Role: "tool", ToolCallID: "call-2", Content: "result-b"},
	})
	require.NoError(t, err)
	// user, assistant (tool_use x2), user (tool_result x2, orphan dropped)
	require.Len(t, converted, 3)
	resultMsg := converted[2]
	require.Len(t, resultMsg.Content, 2)
}

func TestChatDispatchesAndReportsUsage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":   "msg_1",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": "hello back"},
			},
			"model":         "claude-3-5-sonnet-latest",
			"stop_reason":   "end_turn",
			"usage":         map[string]any{"input_tokens": 5, "output_tokens": 3},
		})
	})
	resp, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "", llm.Options{})
	require.NoError(t, err)
	require.Equal(t, "hello back", resp.Message.Content)
	require.Equal(t, 5, resp.Usage.PromptTokens)
	require.Equal(t, 3, resp.Usage.CompletionTokens)
}

func TestChatUsesPerRequestMaxTokensOverride(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_1", "type": "message", "role": "assistant",
			"content": []map[string]any{{"type": "text", "text": "ok"}},
			"model":   "claude-3-5-sonnet-latest", "stop_reason": "end_turn",
			"usage":   map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	})

	maxTokens := 64
	_, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "", llm.Options{MaxTokens: &maxTokens})
	require.NoError(t, err)
	require.Equal(t, float64(64), gotBody["max_tokens"])
}

func TestChatHTTPErrorIsTyped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"type": "error", "error": map[string]any{"type": "rate_limit_error", "message": "slow down"}})
	})
	_, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "", llm.Options{})
	require.Error(t, err)
	var httpErr *llm.ProviderHTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusTooManyRequests, httpErr.Status)
}
