package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"aegis/internal/llm"
)

// enqueueRequest is the wire shape accepted by the standalone proxy
// service's blocking /enqueue endpoint, used when the orchestrator and
// proxy are deployed as separate processes rather than wired in-process
// (spec.md §4.2, `proxy` as its own service).
type enqueueRequest struct {
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Priority    int           `json:"priority"`
	Timeout     int           `json:"timeout_seconds"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type enqueueResponse struct {
	TaskID          string `json:"task_id"`
	Response        string `json:"response,omitempty"`
	PromptTokens    int    `json:"prompt_tokens,omitempty"`
	GeneratedTokens int    `json:"generated_tokens,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"`
}

// HTTPHandler exposes Manager over HTTP for operators who run the proxy as
// its own process rather than embedding it in the brain binary.
func (m *Manager) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /enqueue", m.handleEnqueue)
	return mux
}

func (m *Manager) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	msgs := make([]llm.Message, 0, len(req.Messages))
	for _, wm := range req.Messages {
		msgs = append(msgs, llm.Message{Role: wm.Role, Content: wm.Content})
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	taskID, resp, err := m.Enqueue(r.Context(), Request{
		Provider: req.Provider,
		Model:    req.Model,
		Messages: msgs,
		Options:  llm.Options{Temperature: req.Temperature, MaxTokens: req.MaxTokens},
	}, req.Priority, true, timeout, nil)
	if err != nil {
		var full *QueueFullError
		if errors.As(err, &full) {
			writeJSONError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSONError(w, http.StatusBadGateway, err)
		return
	}

	out := enqueueResponse{TaskID: taskID}
	if resp != nil {
		out.Response = resp.Message.Content
		out.PromptTokens = resp.Usage.PromptTokens
		out.GeneratedTokens = resp.Usage.CompletionTokens
		out.Timestamp = resp.Timestamp
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
