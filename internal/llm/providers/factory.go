// Package providers resolves a provider tag or bare model name to the
// concrete C1 adapter that should handle it (spec.md §4.1).
package providers

import (
	"net/http"
	"strings"

	"aegis/internal/config"
	"aegis/internal/llm"
	"aegis/internal/llm/anthropic"
	"aegis/internal/llm/ollama"
	openaillm "aegis/internal/llm/openai"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Registry builds and holds one adapter per provider so dispatch never
// constructs a client per request.
type Registry struct {
	ollama    *ollama.Client
	openai    *openaillm.Client
	anthropic *anthropic.Client
}

// NewRegistry constructs one client for each of the three adapters, all
// sharing an otelhttp-instrumented transport (ambient tracing stack).
func NewRegistry(cfg config.Config, httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Registry{
		ollama:    ollama.New(cfg.Ollama.Host, httpClient),
		openai:    openaillm.New(cfg.OpenAI, httpClient),
		anthropic: anthropic.New(cfg.Anthropic, httpClient),
	}
}

// Resolve selects an adapter by explicit provider tag, falling back to model
// prefix resolution when provider is empty: "claude" -> anthropic, "gpt" ->
// openai, else ollama.
func (r *Registry) Resolve(provider, model string) llm.Provider {
	tag := strings.ToLower(strings.TrimSpace(provider))
	if tag == "" {
		tag = resolveByModelPrefix(model)
	}
	switch tag {
	case "anthropic":
		return r.anthropic
	case "openai":
		return r.openai
	default:
		return r.ollama
	}
}

func resolveByModelPrefix(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"):
		return "openai"
	default:
		return "ollama"
	}
}
