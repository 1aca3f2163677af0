// Package config loads the JSON configuration file shared by every service
// binary (proxy, ledger, brain) plus the environment-variable overrides used
// for service discovery.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

// OllamaConfig configures the raw-instruct Ollama adapter (C1).
type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// OpenAIConfig configures the OpenAI chat adapter (C1).
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model"`
}

// AnthropicConfig configures the Anthropic messages adapter (C1).
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens,omitempty"`
}

// LLMDefaults carries the model/temperature/max_tokens defaults applied when
// a caller omits them (spec.md §6 Configuration).
type LLMDefaults struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// SummaryBudgets carries the per-rollup-level token budgets.
type SummaryBudgets struct {
	PeriodicMaxTokens int `yaml:"periodic_max_tokens"`
	DailyMaxTokens    int `yaml:"daily_max_tokens"`
	WeeklyMaxTokens   int `yaml:"weekly_max_tokens"`
	MonthlyMaxTokens  int `yaml:"monthly_max_tokens"`
}

// Brainlet is a small named orchestrator helper configured by the operator.
type Brainlet struct {
	Name    string         `yaml:"name"`
	Model   string         `yaml:"model"`
	Options map[string]any `yaml:"options,omitempty"`
}

// DBConfig carries paths/DSNs for the ledger and memory stores.
type DBConfig struct {
	// LedgerDSN/MemoryDSN are Postgres connection strings. Only cmd/brain's
	// memory store falls back to MemorySQLite when MemoryDSN is empty; the
	// ledger and contacts stores always open LedgerDSN, and LedgerSQLite is
	// not read.
	LedgerDSN string `yaml:"ledger_dsn,omitempty"`
	MemoryDSN string `yaml:"memory_dsn,omitempty"`
	LedgerSQLite string `yaml:"ledger_sqlite,omitempty"`
	MemorySQLite string `yaml:"memory_sqlite,omitempty"`
}

// EmbeddingConfig configures the embedding endpoint used by the memory engine.
type EmbeddingConfig struct {
	BaseURL   string `yaml:"base_url"`
	Path      string `yaml:"path"`
	APIKey    string `yaml:"api_key,omitempty"`
	APIHeader string `yaml:"api_header,omitempty"`
	Model     string `yaml:"model"`
	Timeout   int    `yaml:"timeout,omitempty"` // seconds
}

// RateLimitConfig caps outbound requests per second to each provider,
// independent of worker concurrency (spec.md §5: a rate-controlled proxy).
// A zero value leaves that provider unlimited.
type RateLimitConfig struct {
	OllamaRPS    float64 `yaml:"ollama_rps,omitempty"`
	OpenAIRPS    float64 `yaml:"openai_rps,omitempty"`
	AnthropicRPS float64 `yaml:"anthropic_rps,omitempty"`
}

// AsMap returns the per-provider-tag view NewManagerWithRateLimits expects.
func (r RateLimitConfig) AsMap() map[string]float64 {
	return map[string]float64{
		"ollama":    r.OllamaRPS,
		"openai":    r.OpenAIRPS,
		"anthropic": r.AnthropicRPS,
	}
}

// DedupConfig tunes the memory engine's dedup thresholds (C4).
type DedupConfig struct {
	MinSharedKeywords    int     `yaml:"min_shared_keywords"`
	MaxGroupsToProcess   int     `yaml:"max_groups_to_process"`
	MaxMemoriesPerGroup  int     `yaml:"max_memories_per_group"`
	GroupTokenBudget     int     `yaml:"group_token_budget"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	MinSamples           int     `yaml:"min_samples"`
	MaxClustersToProcess int     `yaml:"max_clusters_to_process"`
	MinMemoryCount       int     `yaml:"min_memory_count"` // topic dedup eligibility
}

// Config is the single JSON/YAML document loaded by every service.
type Config struct {
	Timeout      int             `yaml:"timeout"` // seconds, default 60
	DedupTimeout int             `yaml:"dedup_timeout,omitempty"` // seconds, default 300
	DB           DBConfig        `yaml:"db"`
	Ollama       OllamaConfig    `yaml:"ollama"`
	OpenAI       OpenAIConfig    `yaml:"openai"`
	Anthropic    AnthropicConfig `yaml:"anthropic"`
	LLM          LLMDefaults     `yaml:"llm"`
	Summary      SummaryBudgets  `yaml:"summary"`
	Brainlets    []Brainlet      `yaml:"brainlets,omitempty"`
	AdminUserID  string          `yaml:"admin_user_id"`
	Embeddings   EmbeddingConfig `yaml:"embeddings"`
	Dedup        DedupConfig     `yaml:"dedup"`
	BufferWindow int             `yaml:"buffer_window,omitempty"` // ledger rolling buffer size, default 40
	LogLevel     string          `yaml:"log_level,omitempty"`
	LogPath      string          `yaml:"log_path,omitempty"`
	Obs          ObsConfig       `yaml:"obs,omitempty"`
	Kafka        KafkaConfig     `yaml:"kafka,omitempty"`
	RateLimit    RateLimitConfig `yaml:"rate_limit,omitempty"`

	// Ports, normally supplied by environment variables (see LoadPorts) but
	// retained here so a single Config value can be passed around.
	Ports ServicePorts `yaml:"-"`
}

// KafkaConfig enables async platform ingestion (Discord/iMessage command
// envelopes) alongside the synchronous webhook path. Empty Brokers disables
// it entirely.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers,omitempty"`
	CommandTopic  string   `yaml:"command_topic,omitempty"`
	ReplyTopic    string   `yaml:"reply_topic,omitempty"`
	GroupID       string   `yaml:"group_id,omitempty"`
	RedisAddr     string   `yaml:"redis_addr,omitempty"`
	DedupeTTLSecs int      `yaml:"dedupe_ttl_seconds,omitempty"`
}

// ObsConfig configures the OpenTelemetry exporters (optional; tracing/metrics
// are disabled when OTLP is empty).
type ObsConfig struct {
	OTLP           string `yaml:"otlp,omitempty"`
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`
	Environment    string `yaml:"environment,omitempty"`
}

// ServicePorts mirrors spec.md §6's environment-variable service discovery.
type ServicePorts struct {
	Brain     int
	Proxy     int
	Ledger    int
	API       int
	ChromaDB  int
	Contacts  int
}

// Load reads filename as YAML into a Config, applies defaults, and overlays
// the BRAIN_PORT/PROXY_PORT/LEDGER_PORT/API_PORT/CHROMADB_PORT/CONTACTS_PORT
// environment variables.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	cfg.Ports = loadPorts()
	return &cfg, nil
}

// defaultConfig holds every field's fallback value. applyDefaults merges it
// into the loaded config, filling only the fields the operator left zero.
func defaultConfig() Config {
	return Config{
		Timeout:      60,
		DedupTimeout: 300,
		BufferWindow: 40,
		Dedup: DedupConfig{
			MinSharedKeywords:    2,
			SimilarityThreshold:  0.65,
			MinSamples:           2,
			MaxGroupsToProcess:   10,
			MaxMemoriesPerGroup:  20,
			MaxClustersToProcess: 10,
			MinMemoryCount:       1,
		},
		Summary: SummaryBudgets{
			PeriodicMaxTokens: 4096,
		},
		LLM: LLMDefaults{
			Model: "gpt-4o-mini",
		},
		Anthropic: AnthropicConfig{
			MaxTokens: 1024,
		},
	}
}

func applyDefaults(cfg *Config) error {
	if cfg.Timeout <= 0 {
		log.Info().Msg("no timeout specified, using default (60s)")
	}
	return mergo.Merge(cfg, defaultConfig())
}

func loadPorts() ServicePorts {
	return ServicePorts{
		Brain:    getenvInt("BRAIN_PORT", 4207),
		Proxy:    getenvInt("PROXY_PORT", 4205),
		Ledger:   getenvInt("LEDGER_PORT", 4203),
		API:      getenvInt("API_PORT", 4200),
		ChromaDB: getenvInt("CHROMADB_PORT", 4206),
		Contacts: getenvInt("CONTACTS_PORT", 4202),
	}
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// BrainletByName returns the configured brainlet with the given name, if any.
func (c *Config) BrainletByName(name string) (Brainlet, bool) {
	for _, b := range c.Brainlets {
		if b.Name == name {
			return b, true
		}
	}
	return Brainlet{}, false
}
