package graphfold

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	gf "github.com/soundprediction/graphfold"
	"github.com/soundprediction/graphfold/pkg/checkpoint"
	"github.com/soundprediction/graphfold/pkg/config"
	"github.com/soundprediction/graphfold/pkg/coordinator"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a JSONL candidate stream into the knowledge graph",
	Long: `Ingest reads candidate entities and relationships from a JSON-lines file
and reconciles them into the knowledge graph. Each line is one record:

  {"kind":"entity","entity":{"type":"Person","name":"Ada Lovelace","source_id":"doc-1","confidence":0.9}}
  {"kind":"relationship","relationship":{"type":"MEMBER_OF","from":{...},"to":{...},"source_id":"doc-1"}}

Slightly malformed lines are repaired where possible; irreparable lines are
skipped and counted. With --resume, progress is checkpointed per input file
and an interrupted run picks up where it left off. Use "-" to read from
stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().Int("batch-size", 500, "Candidates per batch")
	ingestCmd.Flags().Int("workers", 4, "Concurrent batch workers")
	ingestCmd.Flags().String("store-driver", "badger", "Store driver (badger, neo4j)")
	ingestCmd.Flags().String("store-path", "./graphfold_db", "Badger data directory")
	ingestCmd.Flags().String("schema-path", "", "Domain schema YAML path")
	ingestCmd.Flags().String("telemetry-parquet-path", "", "Directory for batch outcome telemetry")
	ingestCmd.Flags().Bool("resume", false, "Resume from the last checkpoint for this file")
	ingestCmd.Flags().String("checkpoint-dir", "", "Checkpoint directory (default: temp dir)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("batch-size") {
		cfg.Graph.BatchSize, _ = cmd.Flags().GetInt("batch-size")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Graph.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("store-driver") {
		cfg.Store.Driver, _ = cmd.Flags().GetString("store-driver")
	}
	if cmd.Flags().Changed("store-path") {
		cfg.Store.Path, _ = cmd.Flags().GetString("store-path")
	}
	if cmd.Flags().Changed("schema-path") {
		cfg.Graph.SchemaPath, _ = cmd.Flags().GetString("schema-path")
	}
	if cmd.Flags().Changed("telemetry-parquet-path") {
		cfg.Telemetry.ParquetPath, _ = cmd.Flags().GetString("telemetry-parquet-path")
	}
	resume, _ := cmd.Flags().GetBool("resume")
	checkpointDir, _ := cmd.Flags().GetString("checkpoint-dir")

	log := buildLogger(cfg)

	input := os.Stdin
	streamID := ""
	if args[0] != "-" {
		file, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer file.Close()
		input = file
		streamID = filepath.Base(args[0])
	}

	// Checkpointing needs a named stream; stdin has none.
	var checkpoints *checkpoint.Manager
	var state *checkpoint.Checkpoint
	if resume && streamID != "" {
		checkpoints, err = checkpoint.NewManager(checkpointDir)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint directory: %w", err)
		}
		state, err = checkpoints.Load(context.Background(), streamID)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
	}
	if state == nil {
		state = &checkpoint.Checkpoint{StreamID: streamID}
	}

	client, err := gf.NewClient(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize graphfold: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := coordinator.NewJSONLFeed(input, cfg.Graph.BatchSize)
	if state.LinesConsumed > 0 {
		log.Info("resuming from checkpoint", "stream", streamID, "lines", state.LinesConsumed)
		if err := feed.SkipLines(state.LinesConsumed); err != nil {
			return fmt.Errorf("failed to skip to checkpoint: %w", err)
		}
	}

	state.AttemptCount++
	runErr := client.Run(ctx, feed)

	if skipped := feed.Skipped(); skipped > 0 {
		log.Warn("skipped unparseable candidate lines", "count", skipped)
	}

	if checkpoints != nil {
		state.LinesConsumed = feed.Lines()
		if runErr != nil {
			state.LastError = runErr.Error()
			if err := checkpoints.Save(context.Background(), state); err != nil {
				log.Warn("failed to save checkpoint", "error", err)
			}
		} else if err := checkpoints.Delete(context.Background(), streamID); err != nil {
			log.Warn("failed to remove checkpoint", "error", err)
		}
	}

	stats, statsErr := client.Stats(context.Background())
	if statsErr == nil {
		log.Info("ingestion finished", "nodes", stats.NodeCount, "edges", stats.EdgeCount)
	}

	if err := client.Close(context.Background()); err != nil {
		log.Warn("close failed", "error", err)
	}
	return runErr
}
