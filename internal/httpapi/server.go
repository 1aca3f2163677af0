// Package httpapi exposes the orchestrator-facing HTTP surface (spec §6):
// OpenAI-compatible chat/completions/models endpoints plus platform
// webhooks, all routed to one Orchestrator.
package httpapi

import (
	"encoding/json"
	"net/http"

	"aegis/internal/config"
	"aegis/internal/orchestrator"
)

// Server is the brain service's HTTP surface.
type Server struct {
	orch   *orchestrator.Orchestrator
	models config.Config
	mux    *http.ServeMux
}

// NewServer wires routes onto orch; models is read for the /v1/models
// enumeration (translated from the configured per-provider model names).
func NewServer(orch *orchestrator.Orchestrator, cfg config.Config) *Server {
	s := &Server{orch: orch, models: cfg, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("POST /v1/completions", s.handleCompletions)
	s.mux.HandleFunc("GET /v1/models", s.handleListModels)
	s.mux.HandleFunc("GET /v1/models/{id}", s.handleGetModel)
	s.mux.HandleFunc("POST /discord/message/incoming", s.handleDiscordIncoming)
	s.mux.HandleFunc("POST /imessage/incoming", s.handleIMessageIncoming)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
