package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/shizue/internal/adapter/llm"
	"github.com/xiaot623/gogo/shizue/internal/channel"
	"github.com/xiaot623/gogo/shizue/internal/config"
	"github.com/xiaot623/gogo/shizue/internal/logging"
	"github.com/xiaot623/gogo/shizue/internal/policy"
	"github.com/xiaot623/gogo/shizue/internal/repository"
	"github.com/xiaot623/gogo/shizue/internal/router"
	"github.com/xiaot623/gogo/shizue/internal/service"
	"github.com/xiaot623/gogo/shizue/internal/settings"
	httptransport "github.com/xiaot623/gogo/shizue/internal/transport/http"
	"github.com/xiaot623/gogo/shizue/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "optional config file (yaml, json or toml)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.WithField("port", cfg.HTTPPort).WithField("mode", cfg.Mode).Info("starting shizue")

	// Initialize store
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	gateway := llm.NewGateway(cfg.Mode == config.ModeMock, cfg.OpenAIBaseURL, cfg.GeminiBaseURL, cfg.LLMTimeout, log)
	svc := service.New(store, gateway, settings.NewStoreProvider(store, cfg), policyEngine, service.Options{
		FirstFlushChunks:  cfg.FirstFlushChunks,
		SteadyFlushChunks: cfg.SteadyFlushChunks,
	}, log)
	r := router.New(svc, log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := channel.NewHub(log)
	wsServer := ws.NewServer(ctx, cfg, hub, r, log)
	server := httptransport.NewServer(r, hub, svc, wsServer, cfg.AccessKey, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		log.WithField("addr", addr).Info("listening")
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to shutdown server gracefully")
		}
		waitForSessions(shutdownCtx, svc)
		return nil
	})

	err = g.Wait()
	log.Info("shizue stopped")
	return err
}

// waitForSessions lets cancelled sessions finalize their messages before the
// store is closed.
func waitForSessions(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for svc.Active() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
