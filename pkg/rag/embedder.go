package rag

import (
	"context"
	"fmt"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

// EmbeddingConfig parameterizes the embedding client.
type EmbeddingConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// BatchSize caps texts per API request.
	BatchSize int
	// MaxInputTokens caps each text's length before embedding; longer
	// texts are truncated.
	MaxInputTokens int
}

// DefaultEmbeddingConfig returns the standard embedding parameters.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Model:          "text-embedding-3-small",
		BatchSize:      100,
		MaxInputTokens: 7500,
	}
}

// Embedder generates embeddings through the OpenAI embeddings API.
type Embedder struct {
	client *openai.Client
	cfg    EmbeddingConfig
}

// NewEmbedder creates an embedder, filling zero config values from
// defaults.
func NewEmbedder(cfg EmbeddingConfig) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	def := DefaultEmbeddingConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxInputTokens <= 0 {
		cfg.MaxInputTokens = def.MaxInputTokens
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Embedder{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}, nil
}

// Dimension returns the embedding dimension for the configured model.
func (e *Embedder) Dimension() int {
	switch e.cfg.Model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// Embed generates an embedding for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for texts, batching API requests and
// preserving input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	for offset := 0; offset < len(texts); offset += e.cfg.BatchSize {
		end := offset + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := make([]string, end-offset)
		for i, text := range texts[offset:end] {
			batch[i] = truncateForEmbedding(text, e.cfg.MaxInputTokens)
		}

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(e.cfg.Model),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}
		for _, data := range resp.Data {
			results[offset+data.Index] = data.Embedding
		}
	}
	return results, nil
}

// truncateForEmbedding bounds a text to maxTokens using the conservative
// 2-characters-per-token estimate, cutting on a rune boundary.
func truncateForEmbedding(text string, maxTokens int) string {
	maxBytes := maxTokens * 2
	if len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
