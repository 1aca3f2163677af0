package httpapi

import (
	"net/http"
)

// handleListModels implements GET /v1/models, enumerating the configured
// per-provider models in OpenAI's list shape.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ModelsResponse{Object: "list", Data: s.modelList()})
}

// handleGetModel implements GET /v1/models/{id}.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, m := range s.modelList() {
		if m.ID == id {
			respondJSON(w, http.StatusOK, m)
			return
		}
	}
	respondError(w, http.StatusNotFound, &wireError{"model not found: " + id})
}

func (s *Server) modelList() []ModelInfo {
	var out []ModelInfo
	if id := s.models.Ollama.Model; id != "" {
		out = append(out, ModelInfo{ID: id, Object: "model", OwnedBy: "ollama"})
	}
	if id := s.models.OpenAI.Model; id != "" {
		out = append(out, ModelInfo{ID: id, Object: "model", OwnedBy: "openai"})
	}
	if id := s.models.Anthropic.Model; id != "" {
		out = append(out, ModelInfo{ID: id, Object: "model", OwnedBy: "anthropic"})
	}
	for _, b := range s.models.Brainlets {
		if b.Model != "" {
			out = append(out, ModelInfo{ID: b.Model, Object: "model", OwnedBy: "brainlet:" + b.Name})
		}
	}
	return out
}
