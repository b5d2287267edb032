package store

import (
	"context"
	"sync"

	"github.com/xhad/formulary/internal/models"
)

type documentRecord struct {
	doc      models.SourceDocument
	manifest models.Manifest
}

// MemoryRecords is a process-local RecordStore.
type MemoryRecords struct {
	mu        sync.RWMutex
	documents []documentRecord
	answers   []models.AnswerRecord
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{}
}

func (m *MemoryRecords) SaveDocument(_ context.Context, doc models.SourceDocument, manifest models.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.Content = nil
	m.documents = append(m.documents, documentRecord{doc: doc, manifest: manifest})
	return nil
}

func (m *MemoryRecords) LatestDocument(_ context.Context) (models.SourceDocument, models.Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.documents) == 0 {
		return models.SourceDocument{}, models.Manifest{},
			models.Ef(models.ErrIndexNotFound, "store.MemoryRecords.LatestDocument", "no document has been ingested")
	}
	last := m.documents[len(m.documents)-1]
	return last.doc, last.manifest, nil
}

func (m *MemoryRecords) SaveAnswer(_ context.Context, rec models.AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, rec)
	return nil
}

// RecentAnswers returns up to limit records, newest first.
func (m *MemoryRecords) RecentAnswers(_ context.Context, limit int) ([]models.AnswerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	out := make([]models.AnswerRecord, 0, min(limit, len(m.answers)))
	for i := len(m.answers) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.answers[i])
	}
	return out, nil
}

func (m *MemoryRecords) Close() error { return nil }
