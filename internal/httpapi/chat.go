package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"aegis/internal/orchestrator"

	"github.com/google/uuid"
)

const taskPrefix = "### Task"

// handleChatCompletions implements POST /v1/chat/completions (spec §6). A
// first user message beginning with "### Task" is routed through the
// single-turn completion path instead of the multi-turn pipeline (spec §8
// S2).
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, errEmptyMessages)
		return
	}

	opts := optionsFromRequest(req.Temperature, req.MaxTokens)

	if first := req.Messages[0]; first.Role == "user" && strings.HasPrefix(first.Content, taskPrefix) {
		prompt := strings.TrimSpace(strings.TrimPrefix(first.Content, taskPrefix))
		text, usage, err := s.runSingleTurn(r.Context(), req.Model, prompt, opts)
		if err != nil {
			respondError(w, statusFromTurnError(err), err)
			return
		}
		respondJSON(w, http.StatusOK, ChatCompletionResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []ChatChoice{{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: text},
				FinishReason: "stop",
			}},
			Usage: Usage{PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens, TotalTokens: usage.PromptTokens + usage.CompletionTokens},
		})
		return
	}

	last := req.Messages[len(req.Messages)-1]
	result := s.orch.HandleTurn(r.Context(), orchestrator.TurnInput{
		Platform:   "api",
		ExternalID: externalIDFromRequest(r),
		Content:    last.Content,
		Model:      req.Model,
		Options:    opts,
	})
	if result.Err != nil {
		respondError(w, statusFromTurnError(result.Err), result.Err)
		return
	}

	respondJSON(w, http.StatusOK, ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: result.Timestamp,
		Model:   req.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: result.Response},
			FinishReason: "stop",
		}},
		Usage: Usage{PromptTokens: result.PromptTokens, CompletionTokens: result.GeneratedTokens, TotalTokens: result.PromptTokens + result.GeneratedTokens},
	})
}

// externalIDFromRequest identifies the unauthenticated API caller. Real
// deployments would derive this from an API key; without one, every
// anonymous caller collapses to a single placeholder identity.
func externalIDFromRequest(r *http.Request) string {
	if key := r.Header.Get("Authorization"); key != "" {
		return key
	}
	return "api-anonymous"
}

var errEmptyMessages = &wireError{"messages must not be empty"}

type wireError struct{ msg string }

func (e *wireError) Error() string { return e.msg }

func statusFromTurnError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return http.StatusBadGateway
}
