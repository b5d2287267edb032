// Package pipeline wires the reader, chunker, embedder, index and answer
// composer into the ingestion and query flows.
package pipeline

import (
	"context"
	"strings"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/internal/types"
	"github.com/xhad/formulary/pkg/index"
)

// DefaultTopK is the number of chunks handed to the answer composer.
const DefaultTopK = 20

// Retriever embeds a question and looks up its nearest chunks.
type Retriever struct {
	embedder types.EmbeddingModel
	topK     int
}

// NewRetriever returns a Retriever. topK of 0 selects DefaultTopK.
func NewRetriever(embedder types.EmbeddingModel, topK int) (*Retriever, error) {
	if embedder == nil {
		return nil, models.Ef(models.ErrInvalidInput, "pipeline.NewRetriever", "embedder is required")
	}
	if topK == 0 {
		topK = DefaultTopK
	}
	if topK < 0 {
		return nil, models.Ef(models.ErrInvalidInput, "pipeline.NewRetriever", "top_k %d must be positive", topK)
	}
	return &Retriever{embedder: embedder, topK: topK}, nil
}

func (r *Retriever) TopK() int { return r.topK }

// Retrieve returns the top-K chunks of idx for query. An index built by a
// different embedding model is refused rather than searched.
func (r *Retriever) Retrieve(ctx context.Context, idx *index.Index, query string) (models.RetrievalResult, error) {
	const op = "pipeline.Retrieve"

	if strings.TrimSpace(query) == "" {
		return models.RetrievalResult{}, models.Ef(models.ErrInvalidInput, op, "query is empty")
	}
	if idx == nil {
		return models.RetrievalResult{}, models.Ef(models.ErrIndexNotFound, op, "no index loaded")
	}
	if idx.Model() != r.embedder.Model() {
		return models.RetrievalResult{}, models.Ef(models.ErrModelMismatch, op,
			"index generation %d was built with %q, querying with %q", idx.Generation(), idx.Model(), r.embedder.Model())
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return models.RetrievalResult{}, err
	}
	return idx.Search(vector, r.topK)
}
