// Command memoryctl runs one memory-dedup pass (keyword, semantic, or topic)
// against the configured memory store and exits: 0 on success, 1 on
// operational failure (spec.md §6 Exit codes).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"aegis/internal/config"
	"aegis/internal/llm/providers"
	"aegis/internal/memory"
	"aegis/internal/observability"
	"aegis/internal/persistence/databases"

	"github.com/rs/zerolog/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "keyword", "dedup pass to run: keyword | semantic | topic")
	userID := flag.String("user", "", "user id (required for keyword/semantic, ignored for topic)")
	apply := flag.Bool("apply", false, "apply the plan instead of only previewing it")
	cfgPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DedupTimeout)*time.Second)
	defer cancel()

	pool, err := databases.OpenPool(ctx, cfg.DB.MemoryDSN)
	if err != nil {
		log.Error().Err(err).Msg("open memory pool")
		return 1
	}
	store := memory.NewPostgresStore(pool)
	if err := store.Init(ctx); err != nil {
		log.Error().Err(err).Msg("init memory schema")
		return 1
	}

	registry := providers.NewRegistry(*cfg, nil)
	merger := memory.NewLLMMerger(registry.Resolve("", cfg.LLM.Model), cfg.LLM.Model)
	engine := memory.New(store, memory.NewHTTPEmbedder(cfg.Embeddings), merger, memory.Config{
		MinSharedKeywords:    cfg.Dedup.MinSharedKeywords,
		MaxGroupsToProcess:   cfg.Dedup.MaxGroupsToProcess,
		MaxMemoriesPerGroup:  cfg.Dedup.MaxMemoriesPerGroup,
		GroupTokenBudget:     cfg.Dedup.GroupTokenBudget,
		SimilarityThreshold:  cfg.Dedup.SimilarityThreshold,
		MinSamples:           cfg.Dedup.MinSamples,
		MaxClustersToProcess: cfg.Dedup.MaxClustersToProcess,
		MinMemoryCount:       cfg.Dedup.MinMemoryCount,
	})

	if err := runPass(ctx, engine, *mode, *userID, *apply); err != nil {
		log.Error().Err(err).Str("mode", *mode).Msg("dedup pass failed")
		return 1
	}
	return 0
}

func runPass(ctx context.Context, engine *memory.Engine, mode, userID string, apply bool) error {
	switch mode {
	case "keyword":
		if userID == "" {
			return errors.New("--user is required for keyword dedup")
		}
		if apply {
			plan, err := engine.RunKeywordDedup(ctx, userID)
			logPlan("keyword", len(plan.Groups))
			return err
		}
		plan, err := engine.PreviewKeywordDedup(ctx, userID)
		logPlan("keyword (preview)", len(plan.Groups))
		return err
	case "semantic":
		if userID == "" {
			return errors.New("--user is required for semantic dedup")
		}
		if apply {
			plan, err := engine.RunSemanticDedup(ctx, userID)
			logPlan("semantic", len(plan.Groups))
			return err
		}
		plan, err := engine.PreviewSemanticDedup(ctx, userID)
		logPlan("semantic (preview)", len(plan.Groups))
		return err
	case "topic":
		if apply {
			plans, err := engine.RunTopicDedup(ctx)
			logPlan("topic", len(plans))
			return err
		}
		plans, err := engine.PreviewTopicDedup(ctx)
		logPlan("topic (preview)", len(plans))
		return err
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func logPlan(label string, groups int) {
	log.Info().Str("pass", label).Int("groups", groups).Msg("dedup pass complete")
}
