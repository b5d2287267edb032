package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var providers = map[string]bool{"openai": true, "ollama": true}

var backends = map[string]bool{"file": true, "sqlite": true, "postgres": true}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate LLM config
	if !providers[c.LLM.Provider] {
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unknown provider %q", c.LLM.Provider),
		})
	}

	if c.LLM.Provider == "ollama" && c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "Ollama base URL is required",
		})
	}

	if c.LLM.BaseURL != "" {
		if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "invalid base URL",
			})
		}
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 4096 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 4096",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	// Validate embedding config
	if !providers[c.Embedding.Provider] {
		errors = append(errors, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("unknown provider %q", c.Embedding.Provider),
		})
	}

	if c.Embedding.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if c.Embedding.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "embedding.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	// Validate retrieval config
	if c.Retrieval.TopK < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.top_k",
			Message: "top_k must be positive",
		})
	}

	if c.Retrieval.ExcerptChars < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.excerpt_chars",
			Message: "excerpt_chars must be positive",
		})
	}

	// Validate storage config
	if !backends[c.Storage.Backend] {
		errors = append(errors, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("unknown backend %q", c.Storage.Backend),
		})
	}

	if c.Storage.Records != "" && c.Storage.Records != "memory" && c.Storage.Records != c.Storage.Backend {
		errors = append(errors, ValidationError{
			Field:   "storage.records",
			Message: "records must be empty, \"memory\" or the storage backend",
		})
	}

	if c.Storage.Location == "" {
		errors = append(errors, ValidationError{
			Field:   "storage.location",
			Message: "location is required",
		})
	}

	if c.Storage.Backend == "postgres" && c.Storage.Location != "" {
		if u, err := url.Parse(c.Storage.Location); err != nil || u.Scheme == "" {
			errors = append(errors, ValidationError{
				Field:   "storage.location",
				Message: "invalid database URL",
			})
		}
	}

	// Validate retry config
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_attempts",
			Message: "max_attempts must be between 1 and 10",
		})
	}

	if c.Retry.Initial <= 0 || c.Retry.Max < c.Retry.Initial {
		errors = append(errors, ValidationError{
			Field:   "retry.initial",
			Message: "initial must be positive and not greater than max",
		})
	}

	// Validate auth config
	if !c.IsDev() && c.Auth.JWTSecret == "" {
		errors = append(errors, ValidationError{
			Field:   "auth.jwt_secret",
			Message: "jwt_secret is required outside development",
		})
	}

	return errors
}
