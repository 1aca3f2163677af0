package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aegis/internal/config"
	"aegis/internal/contacts"
	"aegis/internal/ledger"
	"aegis/internal/llm"
	"aegis/internal/memory"
	"aegis/internal/mode"
	"aegis/internal/orchestrator"
	"aegis/internal/proxy"

	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	reply string

	lastReq proxy.Request
}

func (f *fakeDispatcher) Enqueue(ctx context.Context, req proxy.Request, priority int, blocking bool, timeout time.Duration, callback func(llm.ProxyResponse, error)) (string, *llm.ProxyResponse, error) {
	f.lastReq = req
	return "task", &llm.ProxyResponse{Message: llm.Message{Role: "assistant", Content: f.reply}, Usage: llm.Usage{PromptTokens: 9, CompletionTokens: 3}}, nil
}

func newTestServer(t *testing.T, reply string) *Server {
	t.Helper()
	s, _ := newTestServerWithDispatcher(t, reply)
	return s
}

func newTestServerWithDispatcher(t *testing.T, reply string) (*Server, *fakeDispatcher) {
	t.Helper()
	cs := contacts.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore(), 40)
	m := mode.New("default")
	mem := memory.New(memory.NewInMemoryStore(), nil, nil, memory.Config{})
	dispatcher := &fakeDispatcher{reply: reply}
	orch := orchestrator.New(cs, m, mem, l, dispatcher, "admin-1", "gpt-4o-mini")
	return NewServer(orch, config.Config{OpenAI: config.OpenAIConfig{Model: "gpt-4o-mini"}}), dispatcher
}

func TestChatCompletionsTaskPrefixRoutesSingleTurn(t *testing.T) {
	s := newTestServer(t, "unused")
	body, _ := json.Marshal(ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: "user", Content: "### Task\nsummarize this"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
}

func TestChatCompletionsNormalTurnUsesOrchestrator(t *testing.T) {
	s := newTestServer(t, "hello there")
	body, _ := json.Marshal(ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hello there", resp.Choices[0].Message.Content)
}

func TestChatCompletionsReportsPromptTokensAndThreadsModel(t *testing.T) {
	s, dispatcher := newTestServerWithDispatcher(t, "hello there")
	body, _ := json.Marshal(ChatCompletionRequest{
		Model:    "claude-3-5-sonnet-latest",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 9, resp.Usage.PromptTokens)
	require.Equal(t, 3, resp.Usage.CompletionTokens)
	require.Equal(t, 12, resp.Usage.TotalTokens)
	require.Equal(t, "claude-3-5-sonnet-latest", dispatcher.lastReq.Model)
}

func TestCompletionsHandlesMultipleN(t *testing.T) {
	s := newTestServer(t, "ok")
	body, _ := json.Marshal(CompletionRequest{Model: "gpt-4o-mini", Prompt: "hi", N: 2})
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp CompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 2)
}

func TestListModelsReturnsConfiguredModel(t *testing.T) {
	s := newTestServer(t, "ok")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data)
}

func TestDiscordWebhookRejectsStrangerWithoutDispatch(t *testing.T) {
	s := newTestServer(t, "should not be used")
	body, _ := json.Marshal(WebhookMessage{ExternalID: "unknown-user", Content: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/discord/message/incoming", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ProxyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, orchestrator.StrangerDangerText, resp.Response)
}
