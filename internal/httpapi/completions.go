package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"aegis/internal/llm"
	"aegis/internal/proxy"

	"github.com/google/uuid"
)

// handleCompletions implements POST /v1/completions (spec §6): a single-turn
// dispatch bypassing ledger/memory/summary enrichment, run N times
// sequentially when n > 1.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	n := req.N
	if n <= 0 {
		n = 1
	}

	opts := optionsFromRequest(req.Temperature, req.MaxTokens)

	choices := make([]CompletionChoice, 0, n)
	var promptTokens, completionTokens int
	for i := 0; i < n; i++ {
		text, usage, err := s.runSingleTurn(r.Context(), req.Model, req.Prompt, opts)
		if err != nil {
			respondError(w, statusFromTurnError(err), err)
			return
		}
		choices = append(choices, CompletionChoice{Index: i, Text: text, FinishReason: "stop"})
		promptTokens += usage.PromptTokens
		completionTokens += usage.CompletionTokens
	}

	respondJSON(w, http.StatusOK, CompletionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: choices,
		Usage:   Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens, TotalTokens: promptTokens + completionTokens},
	})
}

// optionsFromRequest carries the wire request's temperature/max_tokens
// overrides into the provider-neutral llm.Options (spec §4.1, "Options are
// merged into the request body").
func optionsFromRequest(temperature *float64, maxTokens *int) llm.Options {
	return llm.Options{Temperature: temperature, MaxTokens: maxTokens}
}

// runSingleTurn dispatches prompt directly through the proxy, skipping
// contact resolution, mode, memory, and ledger enrichment entirely (spec §8
// S2's task-prefix routing and the bare /v1/completions path share this).
func (s *Server) runSingleTurn(ctx context.Context, model, prompt string, opts llm.Options) (string, llm.Usage, error) {
	req := proxy.Request{Model: model, Messages: []llm.Message{{Role: "user", Content: prompt}}, Options: opts}
	_, resp, err := s.orch.Dispatcher.Enqueue(ctx, req, 0, true, s.orch.DispatchTimeout, nil)
	if err != nil {
		return "", llm.Usage{}, err
	}
	return resp.Message.Content, resp.Usage, nil
}
