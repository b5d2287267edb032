package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/internal/types"
	"github.com/xhad/formulary/pkg/config"
	"github.com/xhad/formulary/pkg/llm"
	"github.com/xhad/formulary/pkg/pipeline"
	"github.com/xhad/formulary/pkg/processor"
	"github.com/xhad/formulary/pkg/reader"
	"github.com/xhad/formulary/pkg/retry"
	"github.com/xhad/formulary/pkg/store"
)

// app holds the pipelines built from one configuration.
type app struct {
	config    *config.Config
	logger    zerolog.Logger
	index     types.IndexStore
	records   types.RecordStore
	ingestion *pipeline.Ingestion
	query     *pipeline.Query
	policy    retry.Policy
}

// loadConfig reads .env, then the YAML config, and validates it. Commands
// that do not serve HTTP do not need a JWT secret.
func loadConfig(path string, serving bool) (*config.Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, verr := range cfg.Validate() {
		if !serving && verr.Field == "auth.jwt_secret" {
			continue
		}
		errs = append(errs, verr)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer, verbose bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Initial:     cfg.Retry.Initial,
		Max:         cfg.Retry.Max,
		Multiplier:  2,
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{config: cfg, logger: logger, policy: retryPolicy(cfg)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	idx, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("opening index store: %w", err)
	}
	a.index = idx
	records, err := store.OpenRecords(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	a.records = records

	embedder, err := llm.NewEmbedderWithConfig(llm.ProviderConfig{
		Provider: cfg.Embedding.Provider,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
		Model:    cfg.Embedding.Model,
	}, llm.EmbedderConfig{
		BatchSize: cfg.Embedding.BatchSize,
		RateLimit: cfg.Embedding.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	model, err := llm.NewModel(llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
	})
	if err != nil {
		return nil, err
	}
	composer, err := llm.NewWithConfig(model, llm.ChatConfig{
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		ExcerptChars: cfg.Retrieval.ExcerptChars,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
	}

	proc, err := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    cfg.Processor.ChunkSize,
		ChunkOverlap: cfg.Processor.ChunkOverlap,
		BreakOnSpace: cfg.Processor.BreakOnSpace,
	})
	if err != nil {
		return nil, err
	}

	a.ingestion, err = pipeline.NewIngestion(pipeline.IngestionConfig{
		Reader: reader.NewWithConfig(reader.ReaderConfig{
			MaxBytes:  cfg.Reader.MaxBytes,
			Timeout:   cfg.Reader.Timeout,
			RateLimit: cfg.Reader.RateLimit,
		}),
		Processor: proc,
		Embedder:  embedder,
		Store:     a.index,
		Records:   a.records,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	retriever, err := pipeline.NewRetriever(embedder, cfg.Retrieval.TopK)
	if err != nil {
		return nil, err
	}
	a.query, err = pipeline.NewQuery(pipeline.QueryConfig{
		Store:           a.index,
		Retriever:       retriever,
		Composer:        composer,
		Records:         a.records,
		CheckGeneration: cfg.Retrieval.CheckGeneration,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	a.ingestion.OnComplete(func(models.Manifest) { a.query.Invalidate() })

	return a, nil
}

// indexDir is the directory to watch for generation swaps, or "" when the
// backend keeps its pointer elsewhere.
func (a *app) indexDir() string {
	if a.config.Storage.Backend == "file" {
		return a.config.Storage.Location
	}
	return ""
}

func (a *app) Close() {
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing record store")
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing index store")
		}
	}
}

