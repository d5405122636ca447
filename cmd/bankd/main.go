// Bankd is the pattern bank daemon for the research agent fleet.
//
// It records reasoning traces, distills them into reusable patterns,
// serves domain-scoped retrieval, and maintains the spike network built
// from trace history. Interfaces: an HTTP API and an optional NATS
// feedback subscriber.
//
// Usage:
//
//	# Start with defaults (embedded chromem index, badger under
//	# ~/.local/share/patternbank)
//	bankd
//
//	# Start with a config file
//	bankd --config /etc/patternbank/config.yaml
//
//	# Environment overrides use PATTERNBANK_ with __ for nesting
//	PATTERNBANK_SERVER__ADDR=:9000 bankd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quantmesh/patternbank/internal/bank"
	"github.com/quantmesh/patternbank/internal/config"
	"github.com/quantmesh/patternbank/internal/embeddings"
	"github.com/quantmesh/patternbank/internal/feedbus"
	httpapi "github.com/quantmesh/patternbank/internal/http"
	"github.com/quantmesh/patternbank/internal/logging"
	"github.com/quantmesh/patternbank/internal/spike"
	"github.com/quantmesh/patternbank/internal/store"
	"github.com/quantmesh/patternbank/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bankd",
	Short: "Pattern bank daemon",
	Long: `bankd records agent reasoning traces, distills successful tool
sequences into patterns, and serves retrieval and spike-network queries
over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bankd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the full stack and blocks until the context is cancelled:
// config, logger, telemetry, embedding provider, vector index, record
// store, resiliency wrappers, bank service, spike network, feedback
// subscriber, HTTP server.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.Flush(logger)

	logger.Info("starting bankd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("index", cfg.Store.Index))

	tel, err := telemetry.Init(ctx, cfg.Telemetry, version, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	provider, err := embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}

	index, err := openIndex(ctx, cfg, logger)
	if err != nil {
		_ = provider.Close()
		return fmt.Errorf("opening vector index: %w", err)
	}

	cfg.Store.Badger.Path = expandHome(cfg.Store.Badger.Path)
	recordStore, err := store.NewEmbeddedStore(cfg.Store.Badger, index, logger)
	if err != nil {
		_ = provider.Close()
		return fmt.Errorf("opening record store: %w", err)
	}

	retrier := store.NewRetrier(cfg.Retry, logger)
	resilientStore := store.NewResilientStore(recordStore, retrier)
	resilientRepo := store.NewResilientRepository(recordStore, retrier)

	svc, err := bank.NewService(resilientStore, provider, nil, cfg.Bank, logger)
	if err != nil {
		_ = provider.Close()
		_ = recordStore.Close()
		return fmt.Errorf("creating bank service: %w", err)
	}
	// svc owns provider and store from here on.
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("service shutdown failed", zap.Error(err))
		}
	}()

	network, err := spike.NewNetwork(resilientRepo, cfg.Spike, logger)
	if err != nil {
		return fmt.Errorf("creating spike network: %w", err)
	}

	if cfg.Feedbus.Enabled {
		sub, err := feedbus.Start(cfg.Feedbus, svc, logger)
		if err != nil {
			return fmt.Errorf("starting feedback subscriber: %w", err)
		}
		defer func() {
			if err := sub.Close(); err != nil {
				logger.Warn("feedback subscriber shutdown failed", zap.Error(err))
			}
		}()
		logger.Info("feedback subscriber started",
			zap.String("url", cfg.Feedbus.URL),
			zap.String("subject", cfg.Feedbus.Subject))
	}

	srv, err := httpapi.NewServer(svc, network, resilientStore, httpapi.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// openIndex creates the configured vector index backend.
func openIndex(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.VectorIndex, error) {
	switch cfg.Store.Index {
	case "qdrant":
		return store.NewQdrantIndex(ctx, cfg.Store.Qdrant, logger)
	default:
		chromemCfg := cfg.Store.Chromem
		chromemCfg.Path = expandHome(chromemCfg.Path)
		return store.NewChromemIndex(chromemCfg, logger)
	}
}

// expandHome resolves a leading ~ in filesystem paths from config.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
