package embedder

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel     = "text-embedding-3-small"
	defaultOpenAIBatchSize = 100
)

// modelDimensions maps known OpenAI embedding models to their vector sizes.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbedder implements Client against the OpenAI embeddings API, or any
// compatible endpoint via BaseURL.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	batchSize int
	dims      int
}

// NewOpenAIEmbedder creates an OpenAI embedding client.
func NewOpenAIEmbedder(apiKey string, cfg Config) *OpenAIEmbedder {
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultOpenAIBatchSize
	}
	dims := cfg.Dimensions
	if dims == 0 {
		if d, ok := modelDimensions[model]; ok {
			dims = d
		} else {
			dims = modelDimensions[defaultOpenAIModel]
		}
	}

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     model,
		batchSize: batchSize,
		dims:      dims,
	}
}

// Embed generates embeddings for the given texts, batching requests to the
// provider's limit.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("expected %d embeddings, got %d", end-start, len(resp.Data))
		}
		for _, d := range resp.Data {
			embeddings = append(embeddings, d.Embedding)
		}
	}

	return embeddings, nil
}

// EmbedSingle generates an embedding for a single text.
func (e *OpenAIEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return embeddings[0], nil
}

// Dimensions returns the number of dimensions in the embeddings.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dims
}

// Close cleans up any resources.
func (e *OpenAIEmbedder) Close() error {
	return nil
}
