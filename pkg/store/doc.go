// Package store persists the knowledge graph and applies merge operation
// batches with at-least-once delivery. Idempotent replay is achieved through
// deterministic operation ids recorded as applied-operation markers, so a
// redelivered batch never double-applies.
//
// Two backends are provided: an embedded BadgerDB store and a Neo4j store.
// Both sit behind the GraphStore interface, and both are normally wrapped in
// a retrying, rate-limited layer and a circuit breaker before the rest of the
// pipeline sees them.
package store
