package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	return path
}

func TestLoadFillsZeroFieldsWithDefaults(t *testing.T) {
	path := writeTempConfig(t, `
admin_user_id: admin-1
dedup:
  min_shared_keywords: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 60, cfg.Timeout)
	require.Equal(t, 300, cfg.DedupTimeout)
	require.Equal(t, 40, cfg.BufferWindow)
	require.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	require.Equal(t, int64(1024), cfg.Anthropic.MaxTokens)

	// Explicit values in the file are preserved, not overridden by defaults.
	require.Equal(t, 5, cfg.Dedup.MinSharedKeywords)
	require.Equal(t, 0.65, cfg.Dedup.SimilarityThreshold)
}

func TestLoadPreservesExplicitOverrides(t *testing.T) {
	path := writeTempConfig(t, `
timeout: 90
llm:
  model: claude-opus
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 90, cfg.Timeout)
	require.Equal(t, "claude-opus", cfg.LLM.Model)
}

func TestBrainletByName(t *testing.T) {
	cfg := &Config{Brainlets: []Brainlet{{Name: "summarizer", Model: "gpt-4o-mini"}}}
	b, ok := cfg.BrainletByName("summarizer")
	require.True(t, ok)
	require.Equal(t, "gpt-4o-mini", b.Model)

	_, ok = cfg.BrainletByName("missing")
	require.False(t, ok)
}
