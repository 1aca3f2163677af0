package providers

import (
	"testing"

	"aegis/internal/config"

	"github.com/stretchr/testify/require"
)

func TestResolveByExplicitProviderTag(t *testing.T) {
	r := NewRegistry(config.Config{}, nil)
	require.NotNil(t, r.Resolve("anthropic", ""))
	require.Same(t, any(r.anthropic), r.Resolve("anthropic", ""))
	require.Same(t, any(r.openai), r.Resolve("openai", ""))
	require.Same(t, any(r.ollama), r.Resolve("unknown-tag", ""))
}

func TestResolveByModelPrefixWhenProviderOmitted(t *testing.T) {
	r := NewRegistry(config.Config{}, nil)
	require.Same(t, any(r.anthropic), r.Resolve("", "claude-3-5-sonnet"))
	require.Same(t, any(r.openai), r.Resolve("", "gpt-4o"))
	require.Same(t, any(r.ollama), r.Resolve("", "llama3"))
	require.Same(t, any(r.ollama), r.Resolve("", ""))
}
