// Command ledger runs the canonical conversation ledger (C3): message/topic
// storage, the hierarchical summary rollup scheduler, and a read-only HTTP
// surface for operators.
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
	"aegis/internal/ledger"
	"aegis/internal/ledger/schedule"
	"aegis/internal/llm/providers"
	"aegis/internal/observability"
	"aegis/internal/persistence/databases"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("ledger")
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

	pool, err := databases.OpenPool(ctx, cfg.DB.LedgerDSN)
	if err != nil {
		return fmt.Errorf("open ledger pool: %w", err)
	}
	store := ledger.NewPostgresStore(pool)
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	led := ledger.New(store, cfg.BufferWindow)

	registry := providers.NewRegistry(*cfg, nil)
	sched := schedule.New(led, registry.Resolve("", cfg.LLM.Model), cfg.LLM.Model, schedule.Budgets{
		PeriodicMaxTokens: cfg.Summary.PeriodicMaxTokens,
		DailyMaxTokens:    cfg.Summary.DailyMaxTokens,
		WeeklyMaxTokens:   cfg.Summary.WeeklyMaxTokens,
		MonthlyMaxTokens:  cfg.Summary.MonthlyMaxTokens,
	})

	go runRollups(ctx, led, sched)

	addr := fmt.Sprintf(":%d", cfg.Ports.Ledger)
	httpSrv := &http.Server{Addr: addr, Handler: led.HTTPHandler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("ledger listening")
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

// rollupUser rolls up only windows that have already closed: yesterday's
// daily summary, the previous week's weekly summary on Mondays, and the
// previous month's monthly summary on the 1st. Each rollup is idempotent by
// (user_id, summary_type, window), so a doubled tick is harmless. Period
// summaries are not produced here (Scheduler.RunPeriod is not called); the
// daily rollup consumes only period summaries already in the ledger.
func rollupUser(ctx context.Context, sched *schedule.Scheduler, userID string, now time.Time) {
	if err := sched.RunDaily(ctx, userID, now.AddDate(0, 0, -1)); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("daily rollup failed")
	}
	if now.Weekday() == time.Monday {
		if err := sched.RunWeekly(ctx, userID, now.AddDate(0, 0, -7)); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("weekly rollup failed")
		}
	}
	if now.Day() == 1 {
		if err := sched.RunMonthly(ctx, userID, now.AddDate(0, -1, 0)); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("monthly rollup failed")
		}
	}
}

// runRollups ticks hourly and runs rollupUser for every active user.
func runRollups(ctx context.Context, led *ledger.Ledger, sched *schedule.Scheduler) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			users, err := led.ActiveUsers(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("rollup: list active users failed")
				continue
			}

			// Bound concurrency so a large user base doesn't open one
			// transaction per user at once; per-user errors are logged and
			// never abort the sweep.
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(8)
			for _, userID := range users {
				userID := userID
				g.Go(func() error {
					rollupUser(gctx, sched, userID, now)
					return nil
				})
			}
			_ = g.Wait()
		}
	}
}
