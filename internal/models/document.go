package models

import (
	"strconv"
	"time"
)

// SourceDocument is an uploaded reference text such as the national medicines
// formulary. Exactly one of Content, Path or URL is used as the handle, in that
// order of preference.
type SourceDocument struct {
	ID          string
	Title       string
	Content     []byte
	Path        string
	URL         string
	ContentType string
	UploadedAt  time.Time
	UploadedBy  string
	Metadata    map[string]interface{}
}

// Handle returns a printable description of where the document comes from.
func (d SourceDocument) Handle() string {
	switch {
	case len(d.Content) > 0:
		return "inline:" + d.Title
	case d.Path != "":
		return d.Path
	default:
		return d.URL
	}
}

// TextChunk is a contiguous slice of a document's extracted text. Start and End
// are rune offsets into that text.
type TextChunk struct {
	DocumentID string `json:"document_id"`
	Seq        int    `json:"seq"`
	Text       string `json:"text"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

// Length is the chunk length in runes.
func (c TextChunk) Length() int {
	return c.End - c.Start
}

// ID identifies the chunk within its document generation.
func (c TextChunk) ID() string {
	return c.DocumentID + "#" + strconv.Itoa(c.Seq)
}

// Hit is one retrieved chunk with its similarity score.
type Hit struct {
	Chunk TextChunk
	Score float64
}

// RetrievalResult is ordered by descending score and never longer than the
// requested k.
type RetrievalResult struct {
	Generation int64
	Hits       []Hit
}

// ChunkIDs lists the ids of the retrieved chunks in rank order.
func (r RetrievalResult) ChunkIDs() []string {
	ids := make([]string, 0, len(r.Hits))
	for _, h := range r.Hits {
		ids = append(ids, h.Chunk.ID())
	}
	return ids
}

// Manifest describes one persisted index generation.
type Manifest struct {
	FormatVersion  int       `json:"format_version"`
	Generation     int64     `json:"generation"`
	EmbeddingModel string    `json:"embedding_model"`
	Dimension      int       `json:"dimension"`
	Count          int       `json:"count"`
	DocumentID     string    `json:"document_id"`
	DocumentTitle  string    `json:"document_title"`
	ContentHash    string    `json:"content_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// AnswerRecord is the audit trail of one answered query.
type AnswerRecord struct {
	ID         string
	Query      string
	Answer     string
	ChunkIDs   []string
	Generation int64
	Refused    bool
	CallerID   string
	CallerRole Role
	Latency    time.Duration
	CreatedAt  time.Time
}
