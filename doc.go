// Package graphfold builds knowledge graphs from streams of extracted
// candidate entities and relationships.
//
// Candidates arrive in batches, typically produced by an upstream extraction
// pipeline. Each batch is resolved against the stored graph (exact entity
// keys first, then embedding similarity), reconciled into a coalesced set of
// merge operations, and committed durably with at-least-once delivery and
// idempotent replay.
//
// # Basic Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	client, err := graphfold.NewClient(cfg, slog.Default())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close(ctx)
//
//	batch := &types.Batch{
//		ID: "batch-1",
//		Entities: []*types.CandidateEntity{
//			{Type: "Person", Name: "Ada Lovelace", SourceID: "doc-1", Confidence: 0.9, SourceBatchID: "batch-1"},
//		},
//	}
//	outcome, err := client.Ingest(ctx, batch)
//
// # Streaming
//
// For bulk loads, feed batches through Run:
//
//	feed := coordinator.NewJSONLFeed(file, cfg.Graph.BatchSize)
//	if err := client.Run(ctx, feed); err != nil {
//		log.Fatal(err)
//	}
//
// Batches touching overlapping entities are serialized by per-entity
// advisory locks, so concurrent workers cannot produce duplicate nodes.
//
// # Storage
//
// Two backends are supported: an embedded Badger store (default, no external
// services) and Neo4j. Both sit behind a retrying, rate-limited write path
// with an optional circuit breaker.
package graphfold
