package embedder

import (
	"context"
	"fmt"

	embedeverything "github.com/soundprediction/go-embedeverything/pkg/embedder"
)

const defaultLocalModel = "all-MiniLM-L6-v2"

// EmbedEverythingClient implements Client over a local embedding model. No
// network calls, no API key.
type EmbedEverythingClient struct {
	client *embedeverything.Embedder
	dims   int
}

// NewEmbedEverythingClient creates a local embedding client for the given
// model name.
func NewEmbedEverythingClient(cfg Config) (*EmbedEverythingClient, error) {
	model := cfg.Model
	if model == "" {
		model = defaultLocalModel
	}

	client, err := embedeverything.NewEmbedder(model)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return &EmbedEverythingClient{client: client, dims: cfg.Dimensions}, nil
}

// Embed generates embeddings for the given texts.
func (e *EmbedEverythingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	// go-embedeverything does not support context yet
	embeddings, err := e.client.Embed(texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if e.dims == 0 && len(embeddings) > 0 {
		e.dims = len(embeddings[0])
	}
	return embeddings, nil
}

// EmbedSingle generates an embedding for a single text.
func (e *EmbedEverythingClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return embeddings[0], nil
}

// Dimensions returns the number of dimensions in the embeddings. Unknown
// until the first call for models not configured explicitly.
func (e *EmbedEverythingClient) Dimensions() int {
	return e.dims
}

// Close cleans up any resources.
func (e *EmbedEverythingClient) Close() error {
	e.client.Close()
	return nil
}
