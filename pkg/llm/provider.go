package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ProviderConfig names one model on one provider.
type ProviderConfig struct {
	Provider string // "ollama" or "openai"
	BaseURL  string
	APIKey   string
	Model    string
}

// ID is the provider-qualified model name recorded in index manifests.
func (c ProviderConfig) ID() string {
	return c.Provider + "/" + c.Model
}

// NewModel returns a text-generation client.
func NewModel(config ProviderConfig) (llms.Model, error) {
	switch config.Provider {
	case "ollama":
		llm, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM: %w", err)
		}
		return llm, nil
	case "openai", "":
		opts := []openai.Option{openai.WithModel(config.Model), openai.WithToken(config.APIKey)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM: %w", err)
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", config.Provider)
	}
}

// NewEmbeddingClient returns a langchaingo embedder backed by the provider.
func NewEmbeddingClient(config ProviderConfig, batchSize int) (embeddings.Embedder, error) {
	var client embeddings.EmbedderClient
	switch config.Provider {
	case "ollama":
		llm, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		client = llm
	case "openai", "":
		opts := []openai.Option{openai.WithEmbeddingModel(config.Model), openai.WithToken(config.APIKey)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		client = llm
	default:
		return nil, fmt.Errorf("unknown provider %q", config.Provider)
	}

	return embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(batchSize),
		embeddings.WithStripNewLines(false),
	)
}
