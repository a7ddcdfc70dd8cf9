package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus3-rt/nexus3/internal/config"
	"github.com/nexus3-rt/nexus3/internal/mcpclient"
	nexusmetrics "github.com/nexus3-rt/nexus3/internal/metrics"
	"github.com/nexus3-rt/nexus3/internal/pool"
	"github.com/nexus3-rt/nexus3/internal/provider"
	"github.com/nexus3-rt/nexus3/internal/registry"
	"github.com/nexus3-rt/nexus3/internal/rpcserver"
	"github.com/nexus3-rt/nexus3/internal/tokens"
)

// buildServeCmd creates the "serve" command: it loads configuration, wires
// the agent pool's shared resources, starts the MCP manager, and brings up
// the JSON-RPC and metrics listeners until a shutdown signal arrives.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the NEXUS3 agent pool and its JSON-RPC transport",
		Example: `  # Start with default config
  nexus3 serve

  # Start with a custom config file
  nexus3 serve --config /etc/nexus3/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	apiKey := cfg.APIKey()
	if apiKey == "" {
		return fmt.Errorf("serve: %s is not set", cfg.LLM.APIKeyEnv)
	}
	prov, err := provider.NewAnthropicProvider(provider.AnthropicConfig{
		APIKey:       apiKey,
		BaseURL:      cfg.LLM.BaseURL,
		MaxRetries:   cfg.LLM.MaxRetries,
		DefaultModel: cfg.LLM.DefaultModel,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("construct provider: %w", err)
	}

	reg := registry.New()
	mcpMgr := mcpclient.NewManager(&cfg.MCP, logger)
	if err := mcpMgr.Start(ctx); err != nil {
		logger.Warn("mcp manager start failed", "error", err)
	}
	for _, bridge := range mcpclient.BuildBridges(mcpMgr) {
		reg.Register(bridge)
	}

	shared := pool.SharedResources{
		Provider: prov,
		Registry: reg,
		Counter:  tokens.NewCounter(nil),
		Logger:   logger,
	}
	p := pool.New(shared)

	srv, err := rpcserver.New(p, cfg.Server.BindAddr, logger)
	if err != nil {
		return fmt.Errorf("construct rpc server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}
	logger.Info("nexus3 rpc server listening", "addr", cfg.Server.BindAddr, "token_file", srv.TokenPath())

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", nexusmetrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		logger.Info("nexus3 metrics listening", "addr", cfg.Server.MetricsAddr)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info("shutdown signal received, draining agents")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.ShutdownServer()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("rpc server shutdown error", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if err := mcpMgr.Stop(); err != nil {
		logger.Error("mcp manager shutdown error", "error", err)
	}

	logger.Info("nexus3 stopped gracefully")
	return nil
}
