package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/internal/types"
	"github.com/xhad/formulary/pkg/index"
	"github.com/xhad/formulary/pkg/llm"
)

type QueryConfig struct {
	Store     types.IndexStore
	Retriever *Retriever
	Composer  *llm.ChatEngine
	Records   types.RecordStore // optional audit trail

	// CheckGeneration compares the cached index with the store's live
	// generation on every query, so writes from other processes are seen
	// without a watcher or an explicit Invalidate.
	CheckGeneration bool

	Logger zerolog.Logger
}

// Query answers dosage questions against the live index. The loaded index is
// cached until Invalidate is called or a newer generation is detected.
type Query struct {
	config QueryConfig

	// mu guards cached and epoch. epoch moves on every invalidation so a load
	// that started before it is never cached.
	mu     sync.Mutex
	cached *index.Index
	epoch  uint64
	loads  singleflight.Group
}

func NewQuery(config QueryConfig) (*Query, error) {
	switch {
	case config.Store == nil:
		return nil, errors.New("query: index store is required")
	case config.Retriever == nil:
		return nil, errors.New("query: retriever is required")
	case config.Composer == nil:
		return nil, errors.New("query: composer is required")
	}
	return &Query{config: config}, nil
}

// Invalidate drops the cached index. The next query loads the live generation.
func (q *Query) Invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.invalidateLocked()
}

func (q *Query) invalidateLocked() {
	q.epoch++
	q.cached = nil
}

// snapshot returns the cached index, nil when there is none, and the epoch it
// belongs to.
func (q *Query) snapshot() (*index.Index, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cached, q.epoch
}

// publish caches idx unless the cache was invalidated since epoch was read.
func (q *Query) publish(idx *index.Index, epoch uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.epoch != epoch {
		return false
	}
	if q.cached == nil {
		q.cached = idx
	}
	return true
}

// drop clears idx from the cache if it is still the cached index.
func (q *Query) drop(idx *index.Index) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cached == idx {
		q.invalidateLocked()
	}
}

// Index returns the cached index, loading it from the store when needed.
// ErrIndexNotFound means nothing has been ingested yet.
func (q *Query) Index(ctx context.Context) (*index.Index, error) {
	if idx, _ := q.snapshot(); idx != nil {
		if !q.config.CheckGeneration {
			return idx, nil
		}
		gen, err := q.config.Store.Generation(ctx)
		if err != nil {
			return nil, err
		}
		if gen == idx.Generation() {
			return idx, nil
		}
		q.config.Logger.Info().
			Int64("cached", idx.Generation()).
			Int64("live", gen).
			Msg("index generation changed, reloading")
		q.drop(idx)
	}

	cached, epoch := q.snapshot()
	if cached != nil {
		return cached, nil
	}
	v, err, _ := q.loads.Do(strconv.FormatUint(epoch, 10), func() (interface{}, error) {
		idx, err := q.config.Store.Load(ctx)
		if err != nil {
			return nil, err
		}
		// An Invalidate during the load means idx may already be stale;
		// hand it to this caller but do not cache it.
		if !q.publish(idx, epoch) {
			q.config.Logger.Debug().
				Int64("generation", idx.Generation()).
				Msg("index invalidated during load, not cached")
			return idx, nil
		}
		q.config.Logger.Info().
			Int64("generation", idx.Generation()).
			Int("chunks", idx.Len()).
			Str("embedding_model", idx.Model()).
			Msg("index loaded")
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*index.Index), nil
}

// Ask answers question for caller. An out-of-domain question is not an
// error: the answer is the refusal message with Refused set.
func (q *Query) Ask(ctx context.Context, caller models.Identity, question string) (llm.Answer, error) {
	return q.ask(ctx, caller, question, nil)
}

// AskStream is Ask with the answer text delivered through onChunk as it is
// generated.
func (q *Query) AskStream(ctx context.Context, caller models.Identity, question string, onChunk func(string) error) (llm.Answer, error) {
	if onChunk == nil {
		return llm.Answer{}, models.Ef(models.ErrInvalidInput, "pipeline.AskStream", "chunk callback is required")
	}
	return q.ask(ctx, caller, question, onChunk)
}

func (q *Query) ask(ctx context.Context, caller models.Identity, question string, onChunk func(string) error) (llm.Answer, error) {
	started := time.Now()
	question = strings.TrimSpace(question)
	if question == "" {
		return llm.Answer{}, models.Ef(models.ErrInvalidInput, "pipeline.Ask", "query is empty")
	}

	idx, err := q.Index(ctx)
	if err != nil {
		return llm.Answer{}, err
	}

	result, err := q.config.Retriever.Retrieve(ctx, idx, question)
	if err != nil {
		return llm.Answer{}, err
	}

	var answer llm.Answer
	if onChunk != nil {
		answer, err = q.config.Composer.ComposeStream(ctx, question, result, onChunk)
	} else {
		answer, err = q.config.Composer.Compose(ctx, question, result)
	}
	if err != nil {
		return llm.Answer{}, err
	}

	latency := time.Since(started)
	q.audit(ctx, models.AnswerRecord{
		ID:         uuid.NewString(),
		Query:      question,
		Answer:     answer.Text,
		ChunkIDs:   result.ChunkIDs(),
		Generation: result.Generation,
		Refused:    answer.Refused,
		CallerID:   caller.Subject,
		CallerRole: caller.Role,
		Latency:    latency,
		CreatedAt:  started.UTC(),
	})

	q.config.Logger.Info().
		Str("caller", caller.Subject).
		Int64("generation", result.Generation).
		Int("hits", len(result.Hits)).
		Bool("refused", answer.Refused).
		Dur("latency", latency).
		Msg("query answered")

	return answer, nil
}

func (q *Query) audit(ctx context.Context, rec models.AnswerRecord) {
	if q.config.Records == nil {
		return
	}
	if err := q.config.Records.SaveAnswer(context.WithoutCancel(ctx), rec); err != nil {
		q.config.Logger.Warn().Err(err).Str("answer_id", rec.ID).Msg("failed to record answer")
	}
}
