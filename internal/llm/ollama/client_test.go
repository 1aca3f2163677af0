package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aegis/internal/llm"

	"github.com/stretchr/testify/require"
)

func TestLinearizeInstructFormat(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
		{Role: "user", Content: "again"},
	}
	got := linearize(msgs)
	require.True(t, strings.HasPrefix(got, "[INST] <<SYS>>be terse<</SYS>> [/INST]"))
	require.Contains(t, got, "[INST] hello [/INST]")
	require.Contains(t, got, "hi there")
	require.True(t, strings.HasSuffix(got, "[INST] again [/INST]"))
}

func TestChatTrimsResponseAndReportsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.True(t, body.Raw)
		require.False(t, body.Stream)
		json.NewEncoder(w).Encode(generateResponse{
			Response:        "  trimmed text  ",
			PromptEvalCount: 12,
			EvalCount:       7,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	resp, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "llama3", llm.Options{})
	require.NoError(t, err)
	require.Equal(t, "trimmed text", resp.Message.Content)
	require.Equal(t, 12, resp.Usage.PromptTokens)
	require.Equal(t, 7, resp.Usage.CompletionTokens)
}

func TestChatMergesOptionsIntoRequestBody(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(generateResponse{Response: "ok"})
	}))
	defer srv.Close()

	temp := 0.2
	maxTokens := 256
	c := New(srv.URL, srv.Client())
	_, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "llama3",
		llm.Options{Temperature: &temp, MaxTokens: &maxTokens})
	require.NoError(t, err)
	require.Equal(t, 0.2, got.Options["temperature"])
	require.Equal(t, float64(256), got.Options["num_predict"])
}

func TestChatHTTPErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "llama3", llm.Options{})
	require.Error(t, err)
	var httpErr *llm.ProviderHTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadGateway, httpErr.Status)
}
