package graphfold

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	gf "github.com/soundprediction/graphfold"
	"github.com/soundprediction/graphfold/pkg/config"
	"github.com/soundprediction/graphfold/pkg/logger"
	"github.com/soundprediction/graphfold/pkg/server"
	"github.com/soundprediction/graphfold/pkg/telemetry"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the graphfold HTTP server",
	Long: `Start the graphfold HTTP server to provide REST API access to the
knowledge graph.

The server provides endpoints for:
- Submitting candidate batches
- Inspecting and cancelling batches
- Reading nodes, edges and graph statistics
- Health checks

Configuration can be provided through config files, environment variables, or command-line flags.`,
	RunE: runServer,
}

var (
	serverHost string
	serverPort int
	serverMode string
)

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().StringVar(&serverHost, "host", "localhost", "Server host")
	serverCmd.Flags().IntVar(&serverPort, "port", 8080, "Server port")
	serverCmd.Flags().StringVar(&serverMode, "mode", "debug", "Server mode (debug, release, test)")

	// Store flags
	serverCmd.Flags().String("store-driver", "badger", "Store driver (badger, neo4j)")
	serverCmd.Flags().String("store-path", "./graphfold_db", "Badger data directory")
	serverCmd.Flags().String("store-uri", "", "Neo4j bolt URI")
	serverCmd.Flags().String("store-username", "", "Neo4j username")
	serverCmd.Flags().String("store-password", "", "Neo4j password")

	// Reconciliation flags
	serverCmd.Flags().Float64("similarity-threshold", 0.7, "Global similarity threshold")
	serverCmd.Flags().String("schema-path", "", "Domain schema YAML path")
	serverCmd.Flags().Int("workers", 4, "Concurrent batch workers")

	// Embedding flags
	serverCmd.Flags().String("embedding-provider", "none", "Embedding provider (none, openai, embedeverything)")
	serverCmd.Flags().String("embedding-model", "", "Embedding model")
	serverCmd.Flags().String("embedding-api-key", "", "Embedding API key")
	serverCmd.Flags().String("embedding-base-url", "", "Embedding base URL")

	// Telemetry flags
	serverCmd.Flags().String("telemetry-parquet-path", "", "Directory for batch outcome and error telemetry")
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override config with command-line flags
	overrideConfigWithFlags(cmd, cfg)

	// Validate configuration
	if err := validateServerConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := buildLogger(cfg)

	client, err := gf.NewClient(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize graphfold: %w", err)
	}

	// Create and setup server
	srv := server.New(cfg, client)
	srv.Setup()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in a goroutine
	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("starting server", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := srv.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrChan:
		_ = client.Close(context.Background())
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received signal, shutting down", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			_ = client.Close(shutdownCtx)
			return fmt.Errorf("server shutdown error: %w", err)
		}
		if err := client.Close(shutdownCtx); err != nil {
			return fmt.Errorf("close error: %w", err)
		}

		log.Info("server stopped gracefully")
		return nil
	}
}

// buildLogger constructs the process logger, mirroring errors into Parquet
// when telemetry is configured.
func buildLogger(cfg *config.Config) *slog.Logger {
	base := logger.FromConfig(cfg.Log)
	if cfg.Telemetry.ParquetPath == "" {
		return base
	}

	parquetHandler, err := telemetry.NewParquetHandler(base.Handler(), cfg.Telemetry.ParquetPath)
	if err != nil {
		base.Warn("failed to initialize error tracking", "error", err)
		return base
	}
	return slog.New(parquetHandler)
}

func overrideConfigWithFlags(cmd *cobra.Command, cfg *config.Config) {
	// Server flags
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serverHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = serverPort
	}
	if cmd.Flags().Changed("mode") {
		cfg.Server.Mode = serverMode
	}

	// Store flags
	if cmd.Flags().Changed("store-driver") {
		cfg.Store.Driver, _ = cmd.Flags().GetString("store-driver")
	}
	if cmd.Flags().Changed("store-path") {
		cfg.Store.Path, _ = cmd.Flags().GetString("store-path")
	}
	if cmd.Flags().Changed("store-uri") {
		cfg.Store.URI, _ = cmd.Flags().GetString("store-uri")
	}
	if cmd.Flags().Changed("store-username") {
		cfg.Store.Username, _ = cmd.Flags().GetString("store-username")
	}
	if cmd.Flags().Changed("store-password") {
		cfg.Store.Password, _ = cmd.Flags().GetString("store-password")
	}

	// Reconciliation flags
	if cmd.Flags().Changed("similarity-threshold") {
		cfg.Graph.SimilarityThreshold, _ = cmd.Flags().GetFloat64("similarity-threshold")
	}
	if cmd.Flags().Changed("schema-path") {
		cfg.Graph.SchemaPath, _ = cmd.Flags().GetString("schema-path")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Graph.Workers, _ = cmd.Flags().GetInt("workers")
	}

	// Embedding flags
	if cmd.Flags().Changed("embedding-provider") {
		cfg.Embedding.Provider, _ = cmd.Flags().GetString("embedding-provider")
	}
	if cmd.Flags().Changed("embedding-model") {
		cfg.Embedding.Model, _ = cmd.Flags().GetString("embedding-model")
	}
	if cmd.Flags().Changed("embedding-api-key") {
		cfg.Embedding.APIKey, _ = cmd.Flags().GetString("embedding-api-key")
	}
	if cmd.Flags().Changed("embedding-base-url") {
		cfg.Embedding.BaseURL, _ = cmd.Flags().GetString("embedding-base-url")
	}

	// Telemetry flags
	if cmd.Flags().Changed("telemetry-parquet-path") {
		cfg.Telemetry.ParquetPath, _ = cmd.Flags().GetString("telemetry-parquet-path")
	}
}

func validateServerConfig(cfg *config.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	switch cfg.Store.Driver {
	case "badger", "":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store path is required for the badger driver")
		}
	case "neo4j":
		if cfg.Store.URI == "" {
			return fmt.Errorf("store URI is required for the neo4j driver")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	return nil
}
