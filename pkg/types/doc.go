// Package types defines the core data model for graphfold knowledge graphs:
// nodes, edges, candidate entities and relationships, merge operations, and
// the shared error taxonomy.
//
// Nodes and edges are the durable shapes persisted by pkg/store. Candidates
// are the ephemeral input produced by an external extractor and consumed by
// the reconciler. Merge operations are the internal unit of write: the
// reconciler produces them, the store applies them idempotently.
package types
