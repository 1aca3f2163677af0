// Command proxy runs the LLM proxy queue (C2) as its own process: one
// uncapped priority queue and a two-worker pool per provider, reachable over
// HTTP for deployments that don't embed the queue directly inside brain.
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
	"aegis/internal/llm/providers"
	"aegis/internal/observability"
	"aegis/internal/proxy"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("proxy")
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

	registry := providers.NewRegistry(*cfg, nil)
	mgr := proxy.NewManagerWithRateLimits(registry, time.Duration(cfg.Timeout)*time.Second, 2, 0, cfg.RateLimit.AsMap())
	defer mgr.Close()

	addr := fmt.Sprintf(":%d", cfg.Ports.Proxy)
	httpSrv := &http.Server{Addr: addr, Handler: mgr.HTTPHandler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("proxy listening")
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
