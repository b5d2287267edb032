package processor

import (
	"fmt"
	"iter"
	"unicode"

	"github.com/xhad/formulary/internal/models"
)

// Defaults match the character splitter the formulary index was originally
// built with.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// ProcessorConfig sizes chunks in runes.
type ProcessorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	// BreakOnSpace moves a chunk end back to the nearest whitespace in the
	// second half of the window so words are not cut in two.
	BreakOnSpace bool
}

// Processor splits extracted text into overlapping chunks.
type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) (*Processor, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ChunkSize < 0 {
		return nil, models.Ef(models.ErrInvalidInput, "processor.New", "chunk size %d must be positive", config.ChunkSize)
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, models.Ef(models.ErrInvalidInput, "processor.New",
			"chunk overlap %d must be non-negative and less than chunk size %d", config.ChunkOverlap, config.ChunkSize)
	}
	return &Processor{config: config}, nil
}

func (p *Processor) Config() ProcessorConfig { return p.config }

// Chunks lazily yields the chunks of text in source order. Consecutive chunks
// share exactly ChunkOverlap runes; the first starts at 0 and the last ends at
// the end of text.
func (p *Processor) Chunks(docID, text string) iter.Seq[models.TextChunk] {
	return func(yield func(models.TextChunk) bool) {
		runes := []rune(text)
		n := len(runes)
		size, overlap := p.config.ChunkSize, p.config.ChunkOverlap

		for seq, start := 0, 0; start < n; seq++ {
			end := start + size
			if end >= n {
				end = n
			} else if p.config.BreakOnSpace {
				end = p.breakPoint(runes, start, end)
			}

			chunk := models.TextChunk{
				DocumentID: docID,
				Seq:        seq,
				Text:       string(runes[start:end]),
				Start:      start,
				End:        end,
			}
			if !yield(chunk) || end == n {
				return
			}
			start = end - overlap
		}
	}
}

// Split collects Chunks into a slice.
func (p *Processor) Split(docID, text string) []models.TextChunk {
	var out []models.TextChunk
	for c := range p.Chunks(docID, text) {
		out = append(out, c)
	}
	return out
}

// breakPoint returns a position just after whitespace in (floor, end], or end
// when the window has none. floor keeps every step longer than the overlap so
// the walk always advances.
func (p *Processor) breakPoint(runes []rune, start, end int) int {
	floor := start + p.config.ChunkSize/2
	if least := start + p.config.ChunkOverlap + 1; floor < least {
		floor = least
	}
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

// Reassemble rebuilds the source text from chunks produced by Chunks by
// concatenating each chunk's non-overlapping prefix.
func Reassemble(chunks []models.TextChunk) (string, error) {
	var out []rune
	for i, c := range chunks {
		r := []rune(c.Text)
		if len(r) != c.Length() {
			return "", fmt.Errorf("chunk %d: text has %d runes, span is %d", i, len(r), c.Length())
		}
		if i+1 < len(chunks) {
			keep := chunks[i+1].Start - c.Start
			if keep <= 0 || keep > len(r) {
				return "", fmt.Errorf("chunk %d: next chunk starts at %d, outside [%d, %d]", i, chunks[i+1].Start, c.Start+1, c.End)
			}
			r = r[:keep]
		}
		out = append(out, r...)
	}
	return string(out), nil
}
