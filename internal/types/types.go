package types

import (
	"context"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/pkg/index"
)

// Reader extracts the full text of a source document.
type Reader interface {
	Read(ctx context.Context, doc models.SourceDocument) (string, error)
}

// EmbeddingModel maps texts to vectors of one model's fixed dimension.
type EmbeddingModel interface {
	EmbedChunks(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// IndexStore persists whole index generations. Persist must be atomic: a
// concurrent Load observes either the previous or the new generation.
type IndexStore interface {
	Persist(ctx context.Context, idx *index.Index) (models.Manifest, error)
	Load(ctx context.Context) (*index.Index, error)
	Generation(ctx context.Context) (int64, error)
	Close() error
}

// RecordStore keeps the document registry and the answer audit trail.
type RecordStore interface {
	SaveDocument(ctx context.Context, doc models.SourceDocument, manifest models.Manifest) error
	LatestDocument(ctx context.Context) (models.SourceDocument, models.Manifest, error)
	SaveAnswer(ctx context.Context, rec models.AnswerRecord) error
	RecentAnswers(ctx context.Context, limit int) ([]models.AnswerRecord, error)
	Close() error
}
