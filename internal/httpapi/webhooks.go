package httpapi

import (
	"encoding/json"
	"net/http"

	"aegis/internal/orchestrator"
)

// handleDiscordIncoming implements POST /discord/message/incoming (spec §6):
// an inbound Discord DM/channel message, routed through the full turn
// pipeline with messaging-platform stranger checks enabled.
func (s *Server) handleDiscordIncoming(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, "discord")
}

// handleIMessageIncoming implements POST /imessage/incoming.
func (s *Server) handleIMessageIncoming(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, "imessage")
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, platform string) {
	var msg WebhookMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if msg.ExternalID == "" {
		respondError(w, http.StatusBadRequest, &wireError{"external_id must not be empty"})
		return
	}

	result := s.orch.HandleTurn(r.Context(), orchestrator.TurnInput{
		Platform:            platform,
		ExternalID:          msg.ExternalID,
		Content:             msg.Content,
		IsMessagingPlatform: true,
	})
	if result.Err != nil {
		respondError(w, statusFromTurnError(result.Err), result.Err)
		return
	}

	respondJSON(w, http.StatusOK, ProxyResponse{
		Response:        result.Response,
		PromptTokens:    result.PromptTokens,
		GeneratedTokens: result.GeneratedTokens,
		Timestamp:       result.Timestamp,
	})
}
