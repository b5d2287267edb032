package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/formulary/internal/fake"
	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/internal/types"
	"github.com/xhad/formulary/pkg/index"
	"github.com/xhad/formulary/pkg/llm"
	"github.com/xhad/formulary/pkg/processor"
	"github.com/xhad/formulary/pkg/reader"
	"github.com/xhad/formulary/pkg/retry"
	"github.com/xhad/formulary/pkg/store"
)

const amoxicillin = "Amoxicillin: 500mg three times daily for adults."

var doctor = models.Identity{Subject: "doctor-7", Role: models.RoleDoctor, HospitalID: "h-1"}

type harness struct {
	dir       string
	store     *store.FileStore
	records   *store.MemoryRecords
	client    *fake.Embedder
	embedder  *llm.Embedder
	model     *fake.Model
	ingestion *Ingestion
	query     *Query
}

func newHarness(t *testing.T, checkGeneration bool) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir(), records: store.NewMemoryRecords(), client: fake.NewEmbedder(256)}

	var err error
	h.store, err = store.NewFileStore(h.dir, store.FileStoreConfig{Logger: zerolog.Nop()})
	require.NoError(t, err)

	h.embedder, err = llm.NewEmbedder(h.client, llm.EmbedderConfig{Model: "fake/bag-of-words", BatchSize: 4})
	require.NoError(t, err)

	proc, err := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 120, ChunkOverlap: 20, BreakOnSpace: true})
	require.NoError(t, err)

	h.ingestion, err = NewIngestion(IngestionConfig{
		Reader:    reader.New(),
		Processor: proc,
		Embedder:  h.embedder,
		Store:     h.store,
		Records:   h.records,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	h.model = &fake.Model{Reply: func(system, user string) (string, error) {
		if !strings.Contains(strings.ToLower(user), "dose") {
			return llm.RefusalMessage, nil
		}
		return "Adults: 500mg three times daily.", nil
	}}
	h.query = h.newQuery(t, checkGeneration)
	h.ingestion.OnComplete(func(models.Manifest) { h.query.Invalidate() })
	return h
}

func (h *harness) newQuery(t *testing.T, checkGeneration bool) *Query {
	t.Helper()
	retriever, err := NewRetriever(h.embedder, 0)
	require.NoError(t, err)
	composer, err := llm.NewWithConfig(h.model, llm.ChatConfig{})
	require.NoError(t, err)
	q, err := NewQuery(QueryConfig{
		Store:           h.store,
		Retriever:       retriever,
		Composer:        composer,
		Records:         h.records,
		CheckGeneration: checkGeneration,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return q
}

func textDoc(id, text string) models.SourceDocument {
	return models.SourceDocument{ID: id, Title: "KNMF", Content: []byte(text), ContentType: "text/plain", UploadedBy: "admin-1"}
}

const formulary = `Amoxicillin: 500mg three times daily for adults. Children receive 25mg per kg per day in divided doses.

Paracetamol: 1g every four to six hours for adults, maximum 4g in twenty four hours.

Ibuprofen: 400mg three times daily with food. Avoid in patients with active peptic ulceration.`

func TestEndToEndAmoxicillin(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	report, err := h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)
	assert.Equal(t, int64(1), report.Manifest.Generation)
	assert.Equal(t, "fake/bag-of-words", report.Manifest.EmbeddingModel)

	question := "What is the adult dose of Amoxicillin?"
	answer, err := h.query.Ask(ctx, doctor, question)
	require.NoError(t, err)

	require.Len(t, answer.Result.Hits, 1)
	assert.Equal(t, amoxicillin, answer.Result.Hits[0].Chunk.Text)
	assert.Equal(t, "Adults: 500mg three times daily.", answer.Text)
	assert.False(t, answer.Refused)

	_, user := h.model.LastPrompt()
	assert.Contains(t, user, question)
	assert.Contains(t, user, amoxicillin)

	recent, err := h.records.RecentAnswers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, []string{"knmf#0"}, recent[0].ChunkIDs)
	assert.Equal(t, "doctor-7", recent[0].CallerID)
	assert.Equal(t, int64(1), recent[0].Generation)

	doc, manifest, err := h.records.LatestDocument(ctx)
	require.NoError(t, err)
	assert.Equal(t, "knmf", doc.ID)
	assert.Equal(t, int64(1), manifest.Generation)
}

func TestRetrievalRanksRelevantChunkFirst(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	report, err := h.ingestion.Ingest(ctx, textDoc("knmf", formulary))
	require.NoError(t, err)
	assert.Greater(t, report.Chunks, 1)

	answer, err := h.query.Ask(ctx, doctor, "paracetamol dose for adults every four to six hours")
	require.NoError(t, err)
	require.NotEmpty(t, answer.Result.Hits)
	assert.Contains(t, answer.Result.Hits[0].Chunk.Text, "1g every four to six hours")
	assert.LessOrEqual(t, len(answer.Result.Hits), DefaultTopK)
}

func TestOutOfDomainQueryIsRefused(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
	require.NoError(t, err)

	answer, err := h.query.Ask(ctx, doctor, "Who won the football world cup?")
	require.NoError(t, err)
	assert.Equal(t, llm.RefusalMessage, answer.Text)
	assert.True(t, answer.Refused)

	recent, err := h.records.RecentAnswers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Refused)
}

func TestQueryBeforeIngestion(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.query.Ask(context.Background(), doctor, "What is the adult dose of Amoxicillin?")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrIndexNotFound)
	assert.False(t, models.IsRetryable(err))
	assert.Empty(t, h.model.Prompts(), "no generation without an index")
	assert.Equal(t, StateIdle, h.ingestion.Status().State)
}

func TestBlankQuery(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.query.Ask(context.Background(), doctor, "   ")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

// failingStore lets the index be built and then fails the persist.
type failingStore struct {
	types.IndexStore
	err error
}

func (s failingStore) Persist(context.Context, *index.Index) (models.Manifest, error) {
	return models.Manifest{}, s.err
}

func TestFailedPersistKeepsPreviousIndex(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	first, err := h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
	require.NoError(t, err)

	broken, err := NewIngestion(IngestionConfig{
		Reader:    h.ingestion.config.Reader,
		Processor: h.ingestion.config.Processor,
		Embedder:  h.embedder,
		Store:     failingStore{IndexStore: h.store, err: models.Ef(models.ErrPersistence, "test", "disk full")},
	})
	require.NoError(t, err)

	_, err = broken.Ingest(ctx, textDoc("knmf", formulary))
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StatePersisting, serr.Stage)
	assert.ErrorIs(t, err, models.ErrPersistence)

	status := broken.Status()
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, StatePersisting, status.FailedStage)
	assert.Contains(t, status.Error, "disk full")

	loaded, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Manifest.ContentHash, loaded.Manifest().ContentHash)
	assert.Equal(t, int64(1), loaded.Generation())
}

func TestCanceledBeforePersistKeepsPreviousIndex(t *testing.T) {
	h := newHarness(t, false)

	first, err := h.ingestion.Ingest(context.Background(), textDoc("knmf", amoxicillin))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var states []State
	observer := ObserverFuncs{OnState: func(s State) {
		states = append(states, s)
		if s == StatePersisting {
			cancel()
		}
	}}

	_, err = h.ingestion.Ingest(ctx, textDoc("knmf", formulary), observer)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StatePersisting, serr.Stage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []State{StateReading, StateChunking, StateEmbedding, StateBuilding, StatePersisting, StateFailed}, states)

	loaded, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Manifest.ContentHash, loaded.Manifest().ContentHash)

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
	}

	answer, err := h.query.Ask(context.Background(), doctor, "What is the adult dose of Amoxicillin?")
	require.NoError(t, err)
	assert.Equal(t, int64(1), answer.Result.Generation)
}

func TestStageFailures(t *testing.T) {
	tests := []struct {
		name      string
		doc       models.SourceDocument
		embedErr  error
		stage     State
		kind      error
		retryable bool
	}{
		{
			name:  "empty document",
			doc:   textDoc("knmf", " \n\t "),
			stage: StateReading,
			kind:  models.ErrDocumentUnreadable,
		},
		{
			name:  "missing file",
			doc:   models.SourceDocument{ID: "knmf", Path: filepath.Join(os.TempDir(), "does-not-exist.pdf")},
			stage: StateReading,
			kind:  models.ErrDocumentUnreadable,
		},
		{
			name:      "embedding provider down",
			doc:       textDoc("knmf", amoxicillin),
			embedErr:  errors.New("connection refused"),
			stage:     StateEmbedding,
			kind:      models.ErrEmbeddingService,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			h.client.Err = tt.embedErr

			_, err := h.ingestion.Ingest(context.Background(), tt.doc)
			var serr *StageError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.stage, serr.Stage)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.retryable, models.IsRetryable(err))

			status := h.ingestion.Status()
			assert.Equal(t, StateFailed, status.State)
			assert.Equal(t, tt.stage, status.FailedStage)
			assert.Equal(t, tt.retryable, status.Retryable)

			_, err = h.store.Load(context.Background())
			assert.ErrorIs(t, err, models.ErrIndexNotFound)
		})
	}
}

func TestIngestionRetriedByCaller(t *testing.T) {
	h := newHarness(t, false)
	h.client.FailFirst = 2

	var retries int
	report, err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 4, Initial: time.Millisecond},
		func(ctx context.Context) (IngestReport, error) {
			return h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
		},
		func(int, time.Duration, error) { retries++ })
	require.NoError(t, err)
	assert.Equal(t, 2, retries)
	assert.Equal(t, int64(1), report.Manifest.Generation)
	assert.Equal(t, StateComplete, h.ingestion.Status().State)
}

func TestIngestionProgressAndStates(t *testing.T) {
	h := newHarness(t, false)

	var (
		states   []State
		progress [][2]int
	)
	observer := ObserverFuncs{
		OnState:    func(s State) { states = append(states, s) },
		OnProgress: func(done, total int) { progress = append(progress, [2]int{done, total}) },
	}

	report, err := h.ingestion.Ingest(context.Background(), textDoc("knmf", formulary), observer)
	require.NoError(t, err)
	assert.Equal(t, []State{StateReading, StateChunking, StateEmbedding, StateBuilding, StatePersisting, StateComplete}, states)
	require.NotEmpty(t, progress)
	assert.Equal(t, [2]int{report.Chunks, report.Chunks}, progress[len(progress)-1])

	status := h.ingestion.Status()
	assert.Equal(t, StateComplete, status.State)
	assert.Equal(t, report.Manifest, status.Manifest)
	assert.False(t, status.FinishedAt.Before(status.StartedAt))
}

func TestConcurrentIngestionIsBusy(t *testing.T) {
	h := newHarness(t, false)

	entered := make(chan struct{})
	release := make(chan struct{})
	observer := ObserverFuncs{OnState: func(s State) {
		if s == StateReading {
			close(entered)
			<-release
		}
	}}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.ingestion.Ingest(context.Background(), textDoc("knmf", amoxicillin), observer)
		assert.NoError(t, err)
	}()

	<-entered
	_, err := h.ingestion.Ingest(context.Background(), textDoc("knmf", formulary))
	assert.ErrorIs(t, err, models.ErrIngestionBusy)
	assert.True(t, models.IsRetryable(err))
	close(release)
	wg.Wait()
}

func TestCacheInvalidatedOnCompletion(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
	require.NoError(t, err)
	answer, err := h.query.Ask(ctx, doctor, "adult dose of amoxicillin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), answer.Result.Generation)

	_, err = h.ingestion.Ingest(ctx, textDoc("knmf", formulary))
	require.NoError(t, err)
	answer, err = h.query.Ask(ctx, doctor, "adult dose of amoxicillin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), answer.Result.Generation)
}

func TestOnCompleteHooksReceiveManifest(t *testing.T) {
	h := newHarness(t, false)
	var got []int64
	for i := 0; i < 2; i++ {
		h.ingestion.OnComplete(func(m models.Manifest) { got = append(got, m.Generation) })
	}

	report, err := h.ingestion.Ingest(context.Background(), textDoc("knmf", amoxicillin))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1}, got)
	assert.Equal(t, report.Manifest, h.ingestion.Status().Manifest)
}

func TestGenerationCheckSeesOtherWriters(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
	require.NoError(t, err)

	checked := h.newQuery(t, true)
	unchecked := h.newQuery(t, false)
	for _, q := range []*Query{checked, unchecked} {
		_, err := q.Index(ctx)
		require.NoError(t, err)
	}

	_, err = h.ingestion.Ingest(ctx, textDoc("knmf", formulary))
	require.NoError(t, err)

	idx, err := checked.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), idx.Generation())

	idx, err = unchecked.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx.Generation(), "without a signal the cached generation is kept")

	unchecked.Invalidate()
	idx, err = unchecked.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), idx.Generation())
}

func TestConcurrentQueriesShareOneLoad(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, err := h.ingestion.Ingest(ctx, textDoc("knmf", formulary))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answer, err := h.query.Ask(ctx, doctor, "ibuprofen dose with food")
			assert.NoError(t, err)
			assert.Equal(t, int64(1), answer.Result.Generation)
		}()
	}
	wg.Wait()
	cached, _ := h.query.snapshot()
	assert.NotNil(t, cached)
}

// loadHookStore runs onLoad after every Load, before the index is returned.
type loadHookStore struct {
	types.IndexStore
	onLoad func()
}

func (s loadHookStore) Load(ctx context.Context) (*index.Index, error) {
	idx, err := s.IndexStore.Load(ctx)
	s.onLoad()
	return idx, err
}

func TestInvalidateDuringLoadIsNotCached(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, err := h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
	require.NoError(t, err)

	var q *Query
	invalidate := true
	retriever, err := NewRetriever(h.embedder, 0)
	require.NoError(t, err)
	composer, err := llm.NewWithConfig(h.model, llm.ChatConfig{})
	require.NoError(t, err)
	q, err = NewQuery(QueryConfig{
		Store: loadHookStore{IndexStore: h.store, onLoad: func() {
			if invalidate {
				invalidate = false
				q.Invalidate()
			}
		}},
		Retriever: retriever,
		Composer:  composer,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	idx, err := q.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx.Generation(), "the caller still gets the index it loaded")
	cached, epoch := q.snapshot()
	assert.Nil(t, cached, "a load overtaken by Invalidate must not be cached")
	assert.Equal(t, uint64(1), epoch)

	idx, err = q.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx.Generation())
	cached, _ = q.snapshot()
	assert.Same(t, idx, cached)
}

func TestPublishRejectsStaleEpoch(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, err := h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
	require.NoError(t, err)
	idx, err := h.store.Load(ctx)
	require.NoError(t, err)

	_, epoch := h.query.snapshot()
	h.query.Invalidate()
	assert.False(t, h.query.publish(idx, epoch))
	cached, _ := h.query.snapshot()
	assert.Nil(t, cached)

	_, epoch = h.query.snapshot()
	assert.True(t, h.query.publish(idx, epoch))
	h.query.drop(idx)
	cached, next := h.query.snapshot()
	assert.Nil(t, cached)
	assert.Equal(t, epoch+1, next)
}

func TestModelMismatch(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, err := h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
	require.NoError(t, err)

	other, err := llm.NewEmbedder(fake.NewEmbedder(64), llm.EmbedderConfig{Model: "fake/other-model"})
	require.NoError(t, err)
	retriever, err := NewRetriever(other, 5)
	require.NoError(t, err)

	idx, err := h.query.Index(ctx)
	require.NoError(t, err)
	_, err = retriever.Retrieve(ctx, idx, "adult dose of amoxicillin")
	assert.ErrorIs(t, err, models.ErrModelMismatch)
}

func TestAskStream(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, err := h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
	require.NoError(t, err)

	var chunks []string
	answer, err := h.query.AskStream(ctx, doctor, "What is the adult dose of Amoxicillin?", func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	assert.Equal(t, answer.Text, strings.Join(chunks, ""))
}

func TestWatchInvalidatesOnPointerSwap(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.ingestion.Ingest(ctx, textDoc("knmf", amoxicillin))
	require.NoError(t, err)

	// A separate process sharing the index directory has no OnComplete hook.
	watched := h.newQuery(t, false)
	require.NoError(t, watched.Watch(ctx, h.dir))
	idx, err := watched.Index(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), idx.Generation())

	_, err = h.ingestion.Ingest(ctx, textDoc("knmf", formulary))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		idx, err := watched.Index(ctx)
		return err == nil && idx.Generation() == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPointerChanged(t *testing.T) {
	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"rename onto CURRENT", fsnotify.Event{Name: "/idx/CURRENT", Op: fsnotify.Create}, true},
		{"write CURRENT", fsnotify.Event{Name: "/idx/CURRENT", Op: fsnotify.Write | fsnotify.Chmod}, true},
		{"remove CURRENT", fsnotify.Event{Name: "/idx/CURRENT", Op: fsnotify.Remove}, true},
		{"chmod CURRENT", fsnotify.Event{Name: "/idx/CURRENT", Op: fsnotify.Chmod}, false},
		{"new generation file", fsnotify.Event{Name: "/idx/gen-2.json", Op: fsnotify.Create}, false},
		{"temp pointer", fsnotify.Event{Name: "/idx/.CURRENT-123.tmp", Op: fsnotify.Create}, false},
		{"lock", fsnotify.Event{Name: "/idx/LOCK", Op: fsnotify.Remove}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pointerChanged(tt.ev))
		})
	}
}

func TestNewRetrieverValidation(t *testing.T) {
	_, err := NewRetriever(nil, 5)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	emb, err := llm.NewEmbedder(fake.NewEmbedder(8), llm.EmbedderConfig{Model: "fake/x"})
	require.NoError(t, err)
	_, err = NewRetriever(emb, -1)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	r, err := NewRetriever(emb, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopK, r.TopK())
}
