package graphfold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soundprediction/graphfold/pkg/alert"
	"github.com/soundprediction/graphfold/pkg/config"
	"github.com/soundprediction/graphfold/pkg/coordinator"
	"github.com/soundprediction/graphfold/pkg/embedder"
	"github.com/soundprediction/graphfold/pkg/reconciler"
	"github.com/soundprediction/graphfold/pkg/resolver"
	"github.com/soundprediction/graphfold/pkg/schema"
	"github.com/soundprediction/graphfold/pkg/store"
	"github.com/soundprediction/graphfold/pkg/telemetry"
	"github.com/soundprediction/graphfold/pkg/types"
)

// GraphFold is the main interface for building knowledge graphs from
// candidate batches. Implementations reconcile candidates against the stored
// graph and commit merged operations durably.
type GraphFold interface {
	// Ingest runs one batch through resolution, reconciliation and commit,
	// returning its outcome.
	Ingest(ctx context.Context, batch *types.Batch) (*types.BatchOutcome, error)

	// Run drains a feed of batches on a bounded worker pool.
	Run(ctx context.Context, feed coordinator.Feed) error

	// Cancel requests cancellation of a batch. It reports whether the
	// request was accepted; batches already committing cannot be cancelled.
	Cancel(batchID string) bool

	// BatchState reports the last observed state of a batch.
	BatchState(batchID string) types.BatchState

	// GetNode retrieves a node from the knowledge graph.
	GetNode(ctx context.Context, nodeID string) (*types.Node, error)

	// GetEdge retrieves an edge from the knowledge graph.
	GetEdge(ctx context.Context, edgeID string) (*types.Edge, error)

	// FindNode retrieves a node by entity type and name.
	FindNode(ctx context.Context, entityType, name string) (*types.Node, error)

	// Stats summarizes the persisted graph.
	Stats(ctx context.Context) (*types.GraphStats, error)

	// Close flushes telemetry and closes the store.
	Close(ctx context.Context) error
}

// Client is the main implementation of the GraphFold interface.
type Client struct {
	graph       store.GraphStore
	coordinator *coordinator.Coordinator
	embedder    embedder.Client
	reporter    *telemetry.OutcomeReporter
	config      *config.Config
	logger      *slog.Logger
}

var _ GraphFold = (*Client)(nil)

// NewClient builds a fully wired client from configuration: store, domain
// schema, resolver, reconciler, coordinator, optional embedding backfill and
// the outcome reporter.
func NewClient(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	alerter := alert.FromConfig(cfg.Alert, logger)
	graph, err := store.Open(cfg, alerter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}

	client, err := NewClientWithStore(cfg, graph, logger)
	if err != nil {
		_ = graph.Close()
		return nil, err
	}
	return client, nil
}

// NewClientWithStore wires a client around an existing store. The caller
// keeps ownership decisions simple: Close still closes the store.
func NewClientWithStore(cfg *config.Config, graph store.GraphStore, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	domainSchema, err := schema.Load(cfg.Graph.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load domain schema: %w", err)
	}

	embedClient, err := embedder.FromConfig(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to configure embedder: %w", err)
	}

	var reporter *telemetry.OutcomeReporter
	var coordReporter coordinator.Reporter = coordinator.NoOpReporter{}
	if cfg.Telemetry.ParquetPath != "" {
		reporter, err = telemetry.NewOutcomeReporter(cfg.Telemetry.ParquetPath, cfg.Telemetry.FlushEvery, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create outcome reporter: %w", err)
		}
		coordReporter = reporter
	}

	res := resolver.New(graph, resolver.Options{
		Threshold: cfg.Graph.SimilarityThreshold,
		LookupK:   cfg.Graph.LookupK,
		Schema:    domainSchema,
		Logger:    logger,
	})
	rec := reconciler.New(res, graph, reconciler.Options{
		Dimension: cfg.Graph.EmbeddingDimension,
		Schema:    domainSchema,
		Logger:    logger,
	})
	coord := coordinator.New(rec, graph, coordinator.Options{
		Workers:  cfg.Graph.Workers,
		Reporter: coordReporter,
		Logger:   logger,
	})

	return &Client{
		graph:       graph,
		coordinator: coord,
		embedder:    embedClient,
		reporter:    reporter,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Ingest implements GraphFold.
func (c *Client) Ingest(ctx context.Context, batch *types.Batch) (*types.BatchOutcome, error) {
	if err := embedder.Backfill(ctx, c.embedder, batch); err != nil {
		// Missing embeddings degrade resolution to exact key matching, they
		// do not block ingestion.
		c.logger.Warn("embedding backfill failed", "batch_id", batch.ID, "error", err)
	}
	return c.coordinator.ProcessBatch(ctx, batch)
}

// Run implements GraphFold.
func (c *Client) Run(ctx context.Context, feed coordinator.Feed) error {
	if c.embedder == nil {
		return c.coordinator.Run(ctx, feed)
	}
	return c.coordinator.Run(ctx, &backfillFeed{feed: feed, client: c})
}

// backfillFeed decorates a feed with embedding backfill.
type backfillFeed struct {
	feed   coordinator.Feed
	client *Client
}

func (f *backfillFeed) Next(ctx context.Context) (*types.Batch, error) {
	batch, err := f.feed.Next(ctx)
	if err != nil {
		return nil, err
	}
	if err := embedder.Backfill(ctx, f.client.embedder, batch); err != nil {
		f.client.logger.Warn("embedding backfill failed", "batch_id", batch.ID, "error", err)
	}
	return batch, nil
}

// Cancel implements GraphFold.
func (c *Client) Cancel(batchID string) bool {
	return c.coordinator.Cancel(batchID)
}

// BatchState implements GraphFold.
func (c *Client) BatchState(batchID string) types.BatchState {
	return c.coordinator.State(batchID)
}

// GetNode implements GraphFold.
func (c *Client) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	return c.graph.GetNode(ctx, nodeID)
}

// GetEdge implements GraphFold.
func (c *Client) GetEdge(ctx context.Context, edgeID string) (*types.Edge, error) {
	return c.graph.GetEdge(ctx, edgeID)
}

// FindNode implements GraphFold.
func (c *Client) FindNode(ctx context.Context, entityType, name string) (*types.Node, error) {
	return c.graph.FindNodeByKey(ctx, entityType, name)
}

// Stats implements GraphFold.
func (c *Client) Stats(ctx context.Context) (*types.GraphStats, error) {
	return c.graph.Stats(ctx)
}

// Close implements GraphFold. It waits for in-flight follow-up commits,
// flushes telemetry and closes the store.
func (c *Client) Close(ctx context.Context) error {
	c.coordinator.Wait()

	var errs []error
	if c.reporter != nil {
		if err := c.reporter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.embedder != nil {
		if err := c.embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.graph.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
