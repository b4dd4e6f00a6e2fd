// Package embedder provides text embedding clients used to backfill vectors
// on candidates that arrive without one.
//
// Two providers are supported: the OpenAI embeddings API (or any compatible
// endpoint via BaseURL) and local models via go-embedeverything. FromConfig
// selects one from the application configuration; a provider of "none"
// disables backfill entirely.
package embedder
