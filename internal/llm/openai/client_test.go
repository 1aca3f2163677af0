package openai

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
	return New(config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "gpt-4o-mini"}, srv.Client())
}

func TestNormalizeToolCallsWrapsSingleObject(t *testing.T) {
	raw := json.RawMessage(`{"id":"call-1","type":"function","function":{"name":"f","arguments":"{}"}}`)
	out, err := NormalizeToolCalls(raw)
	require.NoError(t, err)
	var list []any
	require.NoError(t, json.Unmarshal(out, &list))
	require.Len(t, list, 1)
}

func TestNormalizeToolCallsPassesThroughArray(t *testing.T) {
	raw := json.RawMessage(`[{"id":"call-1"}]`)
	out, err := NormalizeToolCalls(raw)
	require.NoError(t, err)
	require.JSONEq(t, string(raw), string(out))
}

func TestChatDispatchesAndParsesToolCalls(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]any{
						"role":    "assistant",
						"content": "ok",
						"tool_calls": []map[string]any{
							{"id": "call-1", "type": "function", "function": map[string]any{"name": "lookup", "arguments": `{"q":"x"}`}},
						},
					},
					"finish_reason": "tool_calls",
				},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14},
		})
	})

	resp, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "", llm.Options{})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	require.Equal(t, "lookup", resp.Message.ToolCalls[0].Name)
	require.Equal(t, 10, resp.Usage.PromptTokens)
	require.Equal(t, 4, resp.Usage.CompletionTokens)
}

func TestChatSendsTemperatureAndMaxTokensOverrides(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": "ok"}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	})

	temp := 0.5
	maxTokens := 128
	_, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "",
		llm.Options{Temperature: &temp, MaxTokens: &maxTokens})
	require.NoError(t, err)
	require.Equal(t, 0.5, gotBody["temperature"])
	require.Equal(t, float64(128), gotBody["max_completion_tokens"])
}

func TestChatHTTPErrorIsTyped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "bad key", "type": "invalid_request_error"}})
	})
	_, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "", llm.Options{})
	require.Error(t, err)
	var httpErr *llm.ProviderHTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusUnauthorized, httpErr.Status)
}
