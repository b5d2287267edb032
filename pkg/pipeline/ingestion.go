package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/internal/types"
	"github.com/xhad/formulary/pkg/index"
	"github.com/xhad/formulary/pkg/processor"
)

// State is a step of the ingestion state machine.
type State string

const (
	StateIdle       State = "idle"
	StateReading    State = "reading"
	StateChunking   State = "chunking"
	StateEmbedding  State = "embedding"
	StateBuilding   State = "building"
	StatePersisting State = "persisting"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// StageError is the Failed(stage, err) outcome of an ingestion run.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ingestion failed while %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Status is a snapshot of the most recent ingestion run.
type Status struct {
	State       State           `json:"state"`
	FailedStage State           `json:"failed_stage,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
	DocumentID  string          `json:"document_id,omitempty"`
	Manifest    models.Manifest `json:"manifest"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// IngestReport describes a successful run.
type IngestReport struct {
	Manifest models.Manifest
	Chunks   int
	Duration time.Duration
}

// Observer is told about state transitions and embedding progress.
type Observer interface {
	StateChanged(state State)
	EmbeddingProgress(done, total int)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnState    func(State)
	OnProgress func(done, total int)
}

func (o ObserverFuncs) StateChanged(state State) {
	if o.OnState != nil {
		o.OnState(state)
	}
}

func (o ObserverFuncs) EmbeddingProgress(done, total int) {
	if o.OnProgress != nil {
		o.OnProgress(done, total)
	}
}

// progressEmbedder is implemented by embedders that report batch progress.
type progressEmbedder interface {
	EmbedChunksProgress(ctx context.Context, texts []string, progress func(done, total int)) ([][]float32, error)
}

type IngestionConfig struct {
	Reader    types.Reader
	Processor *processor.Processor
	Embedder  types.EmbeddingModel
	Store     types.IndexStore
	Records   types.RecordStore // optional
	Logger    zerolog.Logger
}

// Ingestion turns a source document into a persisted index generation. Runs
// are serialised; the store additionally excludes writers in other processes.
type Ingestion struct {
	config IngestionConfig

	run sync.Mutex

	mu         sync.RWMutex
	status     Status
	onComplete []func(models.Manifest)
}

func NewIngestion(config IngestionConfig) (*Ingestion, error) {
	switch {
	case config.Reader == nil:
		return nil, errors.New("ingestion: reader is required")
	case config.Processor == nil:
		return nil, errors.New("ingestion: processor is required")
	case config.Embedder == nil:
		return nil, errors.New("ingestion: embedder is required")
	case config.Store == nil:
		return nil, errors.New("ingestion: index store is required")
	}
	return &Ingestion{config: config, status: Status{State: StateIdle}}, nil
}

// OnComplete registers fn to run after every successful persist.
func (p *Ingestion) OnComplete(fn func(models.Manifest)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onComplete = append(p.onComplete, fn)
}

// Status returns the state of the current or most recent run.
func (p *Ingestion) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Ingest runs Reading, Chunking, Embedding, Building and Persisting in order.
// A failure stops the run in that stage and leaves the previously persisted
// index in place. A second call while a run is in flight fails with
// ErrIngestionBusy.
func (p *Ingestion) Ingest(ctx context.Context, doc models.SourceDocument, observers ...Observer) (IngestReport, error) {
	if !p.run.TryLock() {
		return IngestReport{}, models.Ef(models.ErrIngestionBusy, "pipeline.Ingest", "another ingestion is running")
	}
	defer p.run.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}

	started := time.Now()
	logger := p.config.Logger.With().Str("document_id", doc.ID).Str("handle", doc.Handle()).Logger()
	p.begin(doc.ID, started)

	r := run{p: p, logger: logger, observers: observers}

	var text string
	err := r.stage(ctx, StateReading, func() (err error) {
		text, err = p.config.Reader.Read(ctx, doc)
		return err
	})
	if err != nil {
		return IngestReport{}, err
	}

	var chunks []models.TextChunk
	err = r.stage(ctx, StateChunking, func() error {
		chunks = p.config.Processor.Split(doc.ID, text)
		if len(chunks) == 0 {
			return models.Ef(models.ErrDocumentUnreadable, "pipeline.Ingest", "document produced no chunks")
		}
		return nil
	})
	if err != nil {
		return IngestReport{}, err
	}

	var vectors [][]float32
	err = r.stage(ctx, StateEmbedding, func() (err error) {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		if pe, ok := p.config.Embedder.(progressEmbedder); ok {
			vectors, err = pe.EmbedChunksProgress(ctx, texts, r.progress)
		} else {
			vectors, err = p.config.Embedder.EmbedChunks(ctx, texts)
		}
		return err
	})
	if err != nil {
		return IngestReport{}, err
	}

	var idx *index.Index
	err = r.stage(ctx, StateBuilding, func() (err error) {
		idx, err = index.Build(index.BuildMeta{
			EmbeddingModel: p.config.Embedder.Model(),
			DocumentID:     doc.ID,
			DocumentTitle:  doc.Title,
		}, chunks, vectors)
		return err
	})
	if err != nil {
		return IngestReport{}, err
	}

	var manifest models.Manifest
	err = r.stage(ctx, StatePersisting, func() (err error) {
		manifest, err = p.config.Store.Persist(ctx, idx)
		return err
	})
	if err != nil {
		return IngestReport{}, err
	}

	// The new generation is live from here on; record keeping is best effort.
	if p.config.Records != nil {
		if err := p.config.Records.SaveDocument(context.WithoutCancel(ctx), doc, manifest); err != nil {
			logger.Warn().Err(err).Int64("generation", manifest.Generation).Msg("failed to record ingested document")
		}
	}

	report := IngestReport{Manifest: manifest, Chunks: len(chunks), Duration: time.Since(started)}
	hooks := p.complete(manifest)
	r.notify(StateComplete)
	for _, fn := range hooks {
		fn(manifest)
	}

	logger.Info().
		Int64("generation", manifest.Generation).
		Int("chunks", report.Chunks).
		Int("dimension", manifest.Dimension).
		Str("embedding_model", manifest.EmbeddingModel).
		Dur("duration", report.Duration).
		Msg("ingestion complete")

	return report, nil
}

func (p *Ingestion) begin(docID string, started time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = Status{State: StateIdle, DocumentID: docID, StartedAt: started, Manifest: p.status.Manifest}
}

func (p *Ingestion) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = state
}

func (p *Ingestion) fail(stage State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = StateFailed
	p.status.FailedStage = stage
	p.status.Error = err.Error()
	p.status.Retryable = models.IsRetryable(err)
	p.status.FinishedAt = time.Now()
}

func (p *Ingestion) complete(manifest models.Manifest) []func(models.Manifest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = StateComplete
	p.status.Manifest = manifest
	p.status.FinishedAt = time.Now()
	return slices.Clone(p.onComplete)
}

// run carries the per-call observers and logger through the stages.
type run struct {
	p         *Ingestion
	logger    zerolog.Logger
	observers []Observer
}

// stage enters state, runs fn and turns any failure, including a canceled
// context, into a *StageError for that state.
func (r run) stage(ctx context.Context, state State, fn func() error) error {
	r.p.setState(state)
	r.notify(state)
	r.logger.Debug().Str("state", string(state)).Msg("ingestion stage")

	err := ctx.Err()
	if err == nil {
		err = fn()
	}
	if err == nil {
		return nil
	}

	serr := &StageError{Stage: state, Err: err}
	r.p.fail(state, err)
	r.notify(StateFailed)
	r.logger.Error().Err(err).Str("stage", string(state)).Bool("retryable", models.IsRetryable(err)).Msg("ingestion failed")
	return serr
}

func (r run) notify(state State) {
	for _, o := range r.observers {
		o.StateChanged(state)
	}
}

func (r run) progress(done, total int) {
	for _, o := range r.observers {
		o.EmbeddingProgress(done, total)
	}
}
