package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"golang.org/x/time/rate"

	"github.com/xhad/formulary/internal/models"
)

// EmbedderConfig represents the configuration for an Embedder.
type EmbedderConfig struct {
	Model     string  // provider-qualified identifier, e.g. "ollama/nomic-embed-text:latest"
	BatchSize int     // texts per provider call
	RateLimit float64 // provider calls per second; 0 disables limiting
}

// Embedder turns chunk and query texts into vectors with one embedding model.
type Embedder struct {
	config   EmbedderConfig
	embedder embeddings.Embedder
	limiter  *rate.Limiter
}

func NewEmbedder(embedder embeddings.Embedder, config EmbedderConfig) (*Embedder, error) {
	if embedder == nil {
		return nil, errors.New("embedder client is required")
	}
	if config.Model == "" {
		return nil, errors.New("embedding model identifier is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	return &Embedder{config: config, embedder: embedder, limiter: limiter}, nil
}

// NewEmbedderWithConfig builds the provider client and wraps it.
func NewEmbedderWithConfig(provider ProviderConfig, config EmbedderConfig) (*Embedder, error) {
	client, err := NewEmbeddingClient(provider, config.BatchSize)
	if err != nil {
		return nil, err
	}
	if config.Model == "" {
		config.Model = provider.ID()
	}
	return NewEmbedder(client, config)
}

func (e *Embedder) Model() string { return e.config.Model }

// EmbedChunks returns one vector per text, in input order.
func (e *Embedder) EmbedChunks(ctx context.Context, texts []string) ([][]float32, error) {
	return e.EmbedChunksProgress(ctx, texts, nil)
}

// EmbedChunksProgress is EmbedChunks with a callback after every batch.
func (e *Embedder) EmbedChunksProgress(ctx context.Context, texts []string, progress func(done, total int)) ([][]float32, error) {
	const op = "llm.EmbedChunks"

	out := make([][]float32, 0, len(texts))
	dim := 0
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))
		batch := texts[start:end]

		if err := e.limiter.Wait(ctx); err != nil {
			return nil, e.serviceError(ctx, op, err)
		}
		vectors, err := e.embedder.EmbedDocuments(ctx, batch)
		if err != nil {
			return nil, e.serviceError(ctx, op, err)
		}
		if len(vectors) != len(batch) {
			return nil, models.Ef(models.ErrLengthMismatch, op, "batch at %d: %d texts, %d vectors", start, len(batch), len(vectors))
		}
		for i, v := range vectors {
			if len(v) == 0 {
				return nil, models.Ef(models.ErrEmbeddingService, op, "empty vector for text %d", start+i)
			}
			if dim == 0 {
				dim = len(v)
			}
			if len(v) != dim {
				return nil, models.Ef(models.ErrDimensionMismatch, op, "text %d: dimension %d, want %d", start+i, len(v), dim)
			}
		}
		out = append(out, vectors...)

		if progress != nil {
			progress(len(out), len(texts))
		}
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	const op = "llm.EmbedQuery"

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, e.serviceError(ctx, op, err)
	}
	v, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, e.serviceError(ctx, op, err)
	}
	if len(v) == 0 {
		return nil, models.Ef(models.ErrEmbeddingService, op, "empty query vector")
	}
	return v, nil
}

// serviceError classifies a provider failure as retryable unless the caller
// gave up.
func (e *Embedder) serviceError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return models.E(models.ErrEmbeddingService, op, fmt.Errorf("%s: %w", e.config.Model, err))
}
