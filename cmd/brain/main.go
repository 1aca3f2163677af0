// Command brain runs the per-turn orchestration service (C5): it wires
// contacts, mode, memory, ledger and the proxy dispatcher together and
// serves the OpenAI-compatible HTTP surface plus platform webhooks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegis/internal/config"
	"aegis/internal/contacts"
	"aegis/internal/httpapi"
	"aegis/internal/ledger"
	"aegis/internal/llm/providers"
	"aegis/internal/memory"
	"aegis/internal/mode"
	"aegis/internal/observability"
	"aegis/internal/orchestrator"
	"aegis/internal/persistence/databases"
	"aegis/internal/proxy"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("brain")
	}
}

func run() error {
	cfgPath := os.Getenv("AEGIS_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	contactStore, err := newContactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("contacts store: %w", err)
	}
	ledgerStore, err := newLedgerStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("ledger store: %w", err)
	}
	memoryStore, err := newMemoryStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}

	registry := providers.NewRegistry(*cfg, nil)
	mgr := proxy.NewManagerWithRateLimits(registry, time.Duration(cfg.Timeout)*time.Second, 2, 0, cfg.RateLimit.AsMap())
	defer mgr.Close()

	modeStore := mode.New("default")
	led := ledger.New(ledgerStore, cfg.BufferWindow)
	memEngine := memory.New(memoryStore, memory.NewHTTPEmbedder(cfg.Embeddings), nil, memory.Config{
		MinSharedKeywords:    cfg.Dedup.MinSharedKeywords,
		MaxGroupsToProcess:   cfg.Dedup.MaxGroupsToProcess,
		MaxMemoriesPerGroup:  cfg.Dedup.MaxMemoriesPerGroup,
		GroupTokenBudget:     cfg.Dedup.GroupTokenBudget,
		SimilarityThreshold:  cfg.Dedup.SimilarityThreshold,
		MinSamples:           cfg.Dedup.MinSamples,
		MaxClustersToProcess: cfg.Dedup.MaxClustersToProcess,
		MinMemoryCount:       cfg.Dedup.MinMemoryCount,
	})

	orch := orchestrator.New(contactStore, modeStore, memEngine, led, mgr, cfg.AdminUserID, cfg.LLM.Model)
	srv := httpapi.NewServer(orch, *cfg)

	if len(cfg.Kafka.Brokers) > 0 {
		if err := startKafkaConsumer(ctx, *cfg, orch); err != nil {
			log.Warn().Err(err).Msg("kafka consumer not started")
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Ports.Brain)
	httpSrv := &http.Server{Addr: addr, Handler: srv}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("brain listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func newContactStore(ctx context.Context, cfg *config.Config) (contacts.Store, error) {
	pool, err := databases.OpenPool(ctx, cfg.DB.LedgerDSN)
	if err != nil {
		return nil, err
	}
	store := contacts.NewPostgresStore(pool)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newLedgerStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	pool, err := databases.OpenPool(ctx, cfg.DB.LedgerDSN)
	if err != nil {
		return nil, err
	}
	store := ledger.NewPostgresStore(pool)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// newMemoryStore opens the Postgres-backed store when a DSN is configured,
// falling back to the single-node SQLite store (config.DB.MemorySQLite) for
// operators running without a database server.
func newMemoryStore(ctx context.Context, cfg *config.Config) (memory.Store, error) {
	if cfg.DB.MemoryDSN == "" && cfg.DB.MemorySQLite != "" {
		store, err := memory.NewSQLiteStore(cfg.DB.MemorySQLite)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}

	pool, err := databases.OpenPool(ctx, cfg.DB.MemoryDSN)
	if err != nil {
		return nil, err
	}
	store := memory.NewPostgresStore(pool)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// startKafkaConsumer runs the async Discord/iMessage ingestion path
// alongside the synchronous webhooks, for operators who front the brain
// service with a message bus instead of direct HTTP delivery.
func startKafkaConsumer(ctx context.Context, cfg config.Config, orch *orchestrator.Orchestrator) error {
	dedupe, err := orchestrator.NewRedisDedupeStore(cfg.Kafka.RedisAddr)
	if err != nil {
		return fmt.Errorf("dedupe store: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.CommandTopic,
		GroupID: cfg.Kafka.GroupID,
	})
	writer := &kafka.Writer{Addr: kafka.TCP(cfg.Kafka.Brokers...), Balancer: &kafka.LeastBytes{}}

	ttl := time.Duration(cfg.Kafka.DedupeTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	go func() {
		defer reader.Close()
		defer writer.Close()
		orchestrator.RunKafkaConsumer(ctx, reader, orch, dedupe, writer, cfg.Kafka.ReplyTopic, ttl)
	}()
	return nil
}
