package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"scratchpad/internal/auth"
	"scratchpad/internal/config"
	"scratchpad/internal/lifecycle"
	"scratchpad/internal/logging"
	"scratchpad/internal/metrics"
	"scratchpad/internal/search"
	"scratchpad/internal/server"
	"scratchpad/internal/store"
	"scratchpad/internal/validation"
)

var (
	configPath string
	storageDir string
	enableHTTP bool
	httpPort   int
	debugLogs  bool
)

var rootCmd = &cobra.Command{
	Use:   "scratchpad",
	Short: "Durable multi-tenant scratch-notebook MCP server",
	Long: `scratchpad is an MCP server that gives agents durable, addressable
working memory: scratchpads of typed cells with advisory validation,
namespaces, shared JSON Schema registries, and semantic search.

Run without arguments to serve MCP over stdio.`,
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the notebook server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("scratchpad 1.0.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "", "override storage directory")
	rootCmd.PersistentFlags().BoolVar(&enableHTTP, "http", false, "enable the HTTP transport")
	rootCmd.PersistentFlags().IntVar(&httpPort, "http-port", 0, "override the HTTP port")
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if storageDir != "" {
		cfg.StorageDir = storageDir
	}
	if enableHTTP {
		cfg.EnableHTTP = true
	}
	if httpPort > 0 {
		cfg.HTTPPort = httpPort
	}
	if debugLogs {
		cfg.Logging.Debug = true
		cfg.Logging.Level = "debug"
	}

	if err := logging.Initialize(filepath.Join(cfg.StorageDir, "logs"), logging.Settings{
		Debug:      cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()
	logging.Boot("Starting scratchpad server (storage=%s)", cfg.StorageDir)

	st, err := store.Open(cfg.StorageDir, store.Limits{
		MaxScratchpads: cfg.MaxScratchpads,
		MaxCellsPerPad: cfg.MaxCellsPerPad,
		MaxCellBytes:   cfg.MaxCellBytes,
		EvictionPolicy: cfg.EvictionPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer st.Close()

	principals, err := cfg.Principals()
	if err != nil {
		return err
	}
	resolver := auth.NewResolver(cfg.EnableAuth, principals)
	if cfg.EnableAuth {
		moved, err := st.MigrateDefaultTenant(resolver.FirstTenant())
		if err != nil {
			return fmt.Errorf("failed to migrate default tenant: %w", err)
		}
		if moved > 0 {
			logging.Boot("Adopted %d implicit-default scratchpad(s) into tenant %s",
				moved, resolver.FirstTenant())
		}
	}

	var engine search.Engine
	if cfg.EnableSemanticSearch {
		engine, err = search.NewEngine(search.EngineConfig{
			Model:       cfg.EmbeddingModel,
			GenAIAPIKey: os.Getenv("GEMINI_API_KEY"),
			BatchSize:   cfg.EmbeddingBatchSize,
		})
		if err != nil {
			return fmt.Errorf("failed to create embedding engine: %w", err)
		}
	}
	searchSvc := search.NewService(st, engine, cfg.EnableSemanticSearch, cfg.SemanticSearchLimit)

	gate := lifecycle.NewGate()
	var m *metrics.Metrics
	if cfg.EnableMetrics {
		m = metrics.New(st)
	}
	service := server.NewService(cfg, st, searchSvc, validation.NewPipeline(4), resolver, gate, m)

	var sweeper *lifecycle.Sweeper
	if cfg.EvictionPolicy == config.PolicyPreempt {
		sweeper = lifecycle.NewSweeper(st, gate,
			cfg.PreemptAgeDuration(), cfg.PreemptIntervalDuration(),
			func(count int) {
				if m != nil {
					m.IncEvictions(config.PolicyPreempt, count)
				}
			})
		sweeper.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	var httpServer *server.HTTPServer
	if cfg.EnableHTTP {
		httpServer = server.NewHTTPServer(service, cfg, m)
		go func() {
			if err := httpServer.Start(); err != nil {
				errCh <- err
			}
		}()
	}
	if cfg.EnableStdio {
		go func() {
			errCh <- service.ServeStdio(ctx, os.Stdin, os.Stdout)
		}()
	}
	if !cfg.EnableStdio && !cfg.EnableHTTP {
		return fmt.Errorf("no transport enabled; set enable_stdio or enable_http")
	}

	select {
	case <-ctx.Done():
		logging.Boot("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logging.Get(logging.CategoryBoot).Error("Transport failed: %v", err)
		}
	}

	gate.Drain(cfg.ShutdownTimeoutDuration())
	if sweeper != nil {
		sweeper.Stop()
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutDuration())
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	logging.Boot("Server stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
