package embedder

import (
	"context"
	"fmt"
	"strings"

	"github.com/soundprediction/graphfold/pkg/config"
	"github.com/soundprediction/graphfold/pkg/types"
)

// Client generates vector embeddings for text.
type Client interface {
	// Embed generates embeddings for the given texts, one vector per text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedSingle generates an embedding for a single text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the dimensionality of the produced vectors.
	Dimensions() int

	// Close cleans up any resources.
	Close() error
}

// Config holds common embedding client settings.
type Config struct {
	Model      string
	BaseURL    string
	Dimensions int
	BatchSize  int
}

// FromConfig builds a Client from the application configuration. A provider
// of "none" or "" returns nil: candidates are expected to arrive embedded.
func FromConfig(cfg config.EmbeddingConfig) (Client, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKey, Config{Model: cfg.Model, BaseURL: cfg.BaseURL}), nil
	case "embedeverything":
		return NewEmbedEverythingClient(Config{Model: cfg.Model})
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}
}

// Backfill embeds every entity in the batch that arrived without an
// embedding, using "Type: Name" as the text. Entities without a name are
// left alone. A nil client is a no-op.
func Backfill(ctx context.Context, client Client, batch *types.Batch) error {
	if client == nil {
		return nil
	}

	var texts []string
	var targets []*types.CandidateEntity
	for _, entity := range batch.Entities {
		if len(entity.Embedding) > 0 || strings.TrimSpace(entity.Name) == "" {
			continue
		}
		texts = append(texts, entity.Type+": "+entity.Name)
		targets = append(targets, entity)
	}
	if len(targets) == 0 {
		return nil
	}

	embeddings, err := client.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding backfill failed: %w", err)
	}
	if len(embeddings) != len(targets) {
		return fmt.Errorf("embedding backfill returned %d vectors for %d texts", len(embeddings), len(targets))
	}
	for i, entity := range targets {
		entity.Embedding = embeddings[i]
	}
	return nil
}
