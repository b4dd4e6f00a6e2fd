// Package utils provides the pure helpers shared across graphfold: embedding
// comparison, top-K selection, bounded concurrency, per-key advisory locks,
// and panic recovery.
package utils
