// Package index holds the in-memory vector index: parallel chunk and vector
// slices searched by cosine similarity. An Index is immutable once built and
// may be shared by any number of concurrent readers.
package index

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
	"time"

	"github.com/xhad/formulary/internal/models"
)

// FormatVersion is bumped whenever the persisted layout changes.
const FormatVersion = 2

// BuildMeta is the provenance recorded in the manifest of a new index.
type BuildMeta struct {
	EmbeddingModel string
	DocumentID     string
	DocumentTitle  string
}

// Index is one generation of (chunk, vector) pairs.
type Index struct {
	manifest models.Manifest
	chunks   []models.TextChunk
	vectors  [][]float32
	norms    []float64
}

// Build constructs a fresh index from parallel sequences.
func Build(meta BuildMeta, chunks []models.TextChunk, vectors [][]float32) (*Index, error) {
	const op = "index.Build"

	if len(chunks) != len(vectors) {
		return nil, models.Ef(models.ErrLengthMismatch, op, "%d chunks, %d vectors", len(chunks), len(vectors))
	}

	dim := 0
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, models.Ef(models.ErrDimensionMismatch, op, "vector %d is empty", i)
		}
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim {
			return nil, models.Ef(models.ErrDimensionMismatch, op, "vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	idx := &Index{
		manifest: models.Manifest{
			FormatVersion:  FormatVersion,
			EmbeddingModel: meta.EmbeddingModel,
			Dimension:      dim,
			Count:          len(chunks),
			DocumentID:     meta.DocumentID,
			DocumentTitle:  meta.DocumentTitle,
			CreatedAt:      time.Now().UTC(),
		},
		chunks:  append([]models.TextChunk(nil), chunks...),
		vectors: copyVectors(vectors),
	}
	idx.norms = norms(idx.vectors)
	idx.manifest.ContentHash = hashContent(idx.chunks, idx.vectors)

	return idx, nil
}

// Restore rebuilds an index from persisted parts and checks the result against
// its manifest. Any disagreement is reported as ErrIndexCorrupt.
func Restore(manifest models.Manifest, chunks []models.TextChunk, vectors [][]float32) (*Index, error) {
	const op = "index.Restore"

	if manifest.FormatVersion != FormatVersion {
		return nil, models.Ef(models.ErrIndexCorrupt, op, "unsupported format version %d", manifest.FormatVersion)
	}
	if len(chunks) != manifest.Count || len(vectors) != manifest.Count {
		return nil, models.Ef(models.ErrIndexCorrupt, op, "manifest count %d, found %d chunks and %d vectors",
			manifest.Count, len(chunks), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != manifest.Dimension {
			return nil, models.Ef(models.ErrIndexCorrupt, op, "vector %d has dimension %d, manifest says %d",
				i, len(v), manifest.Dimension)
		}
	}

	idx := &Index{
		manifest: manifest,
		chunks:   chunks,
		vectors:  vectors,
		norms:    norms(vectors),
	}
	if err := idx.Verify(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Verify recomputes the content hash and compares it with the manifest.
func (idx *Index) Verify() error {
	if got := hashContent(idx.chunks, idx.vectors); got != idx.manifest.ContentHash {
		return models.Ef(models.ErrIndexCorrupt, "index.Verify", "content hash %s does not match manifest %s",
			got, idx.manifest.ContentHash)
	}
	return nil
}

// WithGeneration returns a shallow copy stamped with the given generation. The
// chunk and vector storage is shared; both copies stay read-only.
func (idx *Index) WithGeneration(gen int64) *Index {
	cp := *idx
	cp.manifest.Generation = gen
	return &cp
}

func (idx *Index) Manifest() models.Manifest { return idx.manifest }
func (idx *Index) Generation() int64         { return idx.manifest.Generation }
func (idx *Index) Model() string             { return idx.manifest.EmbeddingModel }
func (idx *Index) Dimension() int            { return idx.manifest.Dimension }
func (idx *Index) Len() int                  { return len(idx.chunks) }

// Entry returns the i-th chunk and vector in insertion order. The returned
// vector must not be modified.
func (idx *Index) Entry(i int) (models.TextChunk, []float32) {
	return idx.chunks[i], idx.vectors[i]
}

// Search returns up to k entries ordered by descending cosine similarity. Ties
// keep insertion order. k larger than the index is clamped; k <= 0 yields an
// empty result.
func (idx *Index) Search(query []float32, k int) (models.RetrievalResult, error) {
	res := models.RetrievalResult{Generation: idx.manifest.Generation, Hits: []models.Hit{}}
	if k <= 0 || len(idx.chunks) == 0 {
		return res, nil
	}
	if len(query) != idx.manifest.Dimension {
		return res, models.Ef(models.ErrDimensionMismatch, "index.Search",
			"query has dimension %d, index has %d", len(query), idx.manifest.Dimension)
	}

	qn := norm(query)
	order := make([]int, len(idx.chunks))
	scores := make([]float64, len(idx.chunks))
	for i := range idx.vectors {
		order[i] = i
		scores[i] = cosine(query, qn, idx.vectors[i], idx.norms[i])
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	if k > len(order) {
		k = len(order)
	}
	res.Hits = make([]models.Hit, 0, k)
	for _, i := range order[:k] {
		res.Hits = append(res.Hits, models.Hit{Chunk: idx.chunks[i], Score: scores[i]})
	}
	return res, nil
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func norms(vectors [][]float32) []float64 {
	out := make([]float64, len(vectors))
	for i, v := range vectors {
		out[i] = norm(v)
	}
	return out
}

func copyVectors(vectors [][]float32) [][]float32 {
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		out[i] = append([]float32(nil), v...)
	}
	return out
}

func hashContent(chunks []models.TextChunk, vectors [][]float32) string {
	h := sha256.New()
	var buf [4]byte
	for i, c := range chunks {
		h.Write([]byte(c.DocumentID))
		h.Write([]byte{0})
		h.Write([]byte(c.Text))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint32(buf[:], uint32(c.Seq))
		h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:], uint32(c.Start))
		h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:], uint32(c.End))
		h.Write(buf[:])
		for _, x := range vectors[i] {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
			h.Write(buf[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
