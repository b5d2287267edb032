package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/pkg/index"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type VectorStoreConfig struct {
	ConnString string
	TableName  string // prefix for every table the store owns
	BatchSize  int
	Logger     zerolog.Logger
}

// VectorStore keeps index generations in Postgres with pgvector columns.
// Writers take a transaction-scoped advisory lock keyed on the table name.
type VectorStore struct {
	config  VectorStoreConfig
	pool    *pgxpool.Pool
	lockKey int64
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*VectorStore, error) {
	const op = "store.NewWithConfig"

	if config.TableName == "" {
		config.TableName = "formulary_index"
	}
	if !tableName.MatchString(config.TableName) {
		return nil, models.Ef(models.ErrPersistence, op, "invalid table name %q", config.TableName)
	}
	if config.BatchSize == 0 {
		config.BatchSize = 500
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, models.E(models.ErrPersistence, op, fmt.Errorf("failed to connect to database: %w", err))
	}

	h := fnv.New64a()
	h.Write([]byte(config.TableName))

	vs := &VectorStore{
		config:  config,
		pool:    pool,
		lockKey: int64(h.Sum64()),
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, models.E(models.ErrPersistence, op, err)
	}

	return vs, nil
}

func (vs *VectorStore) table(suffix string) string {
	return vs.config.TableName + "_" + suffix
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	// Enable pgvector extension
	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			generation BIGINT PRIMARY KEY,
			manifest JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`, vs.table("generations")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			generation BIGINT NOT NULL REFERENCES %s (generation) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			document_id TEXT NOT NULL,
			chunk_seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			embedding vector NOT NULL,
			PRIMARY KEY (generation, position)
		)`, vs.table("entries"), vs.table("generations")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			generation BIGINT NOT NULL
		)`, vs.table("current")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			generation BIGINT NOT NULL,
			title TEXT NOT NULL,
			handle TEXT NOT NULL,
			content_type TEXT NOT NULL,
			uploaded_by TEXT NOT NULL,
			uploaded_at TIMESTAMPTZ NOT NULL,
			manifest JSONB NOT NULL,
			PRIMARY KEY (id, generation)
		)`, vs.table("documents")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			answer TEXT NOT NULL,
			chunk_ids TEXT[] NOT NULL,
			generation BIGINT NOT NULL,
			refused BOOLEAN NOT NULL,
			caller_id TEXT NOT NULL,
			caller_role TEXT NOT NULL,
			latency_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`, vs.table("answers")),
	}
	for _, stmt := range statements {
		if _, err := vs.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (vs *VectorStore) Persist(ctx context.Context, idx *index.Index) (models.Manifest, error) {
	const op = "store.VectorStore.Persist"

	// Begin transaction
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return models.Manifest{}, vs.fail(ctx, op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	var locked bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", vs.lockKey).Scan(&locked); err != nil {
		return models.Manifest{}, vs.fail(ctx, op, err)
	}
	if !locked {
		return models.Manifest{}, models.Ef(models.ErrIngestionBusy, op, "%s is being written by another ingestion", vs.config.TableName)
	}

	var current, latest int64
	if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT COALESCE((SELECT generation FROM %s WHERE id = 1), 0)", vs.table("current"))).Scan(&current); err != nil {
		return models.Manifest{}, vs.fail(ctx, op, err)
	}
	if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT COALESCE(MAX(generation), 0) FROM %s", vs.table("generations"))).Scan(&latest); err != nil {
		return models.Manifest{}, vs.fail(ctx, op, err)
	}
	next := max(current, latest) + 1

	stamped := idx.WithGeneration(next)
	manifest := stamped.Manifest()
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return models.Manifest{}, vs.fail(ctx, op, err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (generation, manifest, created_at) VALUES ($1, $2, $3)", vs.table("generations")),
		next, manifestJSON, manifest.CreatedAt); err != nil {
		return models.Manifest{}, vs.fail(ctx, op, err)
	}

	// Insert entries in batches
	stmt := fmt.Sprintf(`
		INSERT INTO %s (generation, position, document_id, chunk_seq, content, start_offset, end_offset, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, vs.table("entries"))
	for start := 0; start < stamped.Len(); start += vs.config.BatchSize {
		end := min(start+vs.config.BatchSize, stamped.Len())
		batch := &pgx.Batch{}
		for i := start; i < end; i++ {
			c, v := stamped.Entry(i)
			batch.Queue(stmt, next, i, c.DocumentID, c.Seq, c.Text, c.Start, c.End, pgvector.NewVector(v))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return models.Manifest{}, vs.fail(ctx, op, fmt.Errorf("failed to insert entries: %w", err))
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, generation) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET generation = EXCLUDED.generation`, vs.table("current")), next); err != nil {
		return models.Manifest{}, vs.fail(ctx, op, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE generation <> $1 AND generation <> $2", vs.table("generations")),
		next, current); err != nil {
		return models.Manifest{}, vs.fail(ctx, op, err)
	}

	// Commit transaction
	if err := tx.Commit(ctx); err != nil {
		return models.Manifest{}, vs.fail(ctx, op, fmt.Errorf("failed to commit transaction: %w", err))
	}

	vs.config.Logger.Info().
		Int64("generation", next).
		Int("chunks", manifest.Count).
		Str("table", vs.config.TableName).
		Msg("index generation persisted")

	return manifest, nil
}

func (vs *VectorStore) Load(ctx context.Context) (*index.Index, error) {
	const op = "store.VectorStore.Load"

	// Repeatable read keeps the pointer and the entries on one snapshot.
	tx, err := vs.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, vs.fail(ctx, op, err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	var gen int64
	var manifestJSON []byte
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT g.generation, g.manifest
		FROM %s c JOIN %s g ON g.generation = c.generation
		WHERE c.id = 1`, vs.table("current"), vs.table("generations"))).Scan(&gen, &manifestJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.Ef(models.ErrIndexNotFound, op, "no index in %s", vs.config.TableName)
	}
	if err != nil {
		return nil, vs.fail(ctx, op, err)
	}

	var manifest models.Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, models.E(models.ErrIndexCorrupt, op, err)
	}

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT document_id, chunk_seq, content, start_offset, end_offset, embedding
		FROM %s WHERE generation = $1 ORDER BY position`, vs.table("entries")), gen)
	if err != nil {
		return nil, vs.fail(ctx, op, fmt.Errorf("failed to query entries: %w", err))
	}
	defer rows.Close()

	chunks := make([]models.TextChunk, 0, manifest.Count)
	vectors := make([][]float32, 0, manifest.Count)
	for rows.Next() {
		var c models.TextChunk
		var v pgvector.Vector
		if err := rows.Scan(&c.DocumentID, &c.Seq, &c.Text, &c.Start, &c.End, &v); err != nil {
			return nil, models.E(models.ErrIndexCorrupt, op, fmt.Errorf("failed to scan row: %w", err))
		}
		chunks = append(chunks, c)
		vectors = append(vectors, v.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, vs.fail(ctx, op, err)
	}

	return index.Restore(manifest, chunks, vectors)
}

func (vs *VectorStore) Generation(ctx context.Context) (int64, error) {
	var gen int64
	err := vs.pool.QueryRow(ctx, fmt.Sprintf("SELECT COALESCE((SELECT generation FROM %s WHERE id = 1), 0)", vs.table("current"))).Scan(&gen)
	if err != nil {
		return 0, vs.fail(ctx, "store.VectorStore.Generation", err)
	}
	return gen, nil
}

func (vs *VectorStore) SaveDocument(ctx context.Context, doc models.SourceDocument, manifest models.Manifest) error {
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshalling manifest: %w", err)
	}
	_, err = vs.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, generation, title, handle, content_type, uploaded_by, uploaded_at, manifest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id, generation) DO UPDATE SET manifest = EXCLUDED.manifest`, vs.table("documents")),
		doc.ID, manifest.Generation, sanitizeUTF8(doc.Title), sanitizeUTF8(doc.Handle()), doc.ContentType,
		doc.UploadedBy, doc.UploadedAt.UTC(), manifestJSON)
	if err != nil {
		return vs.fail(ctx, "store.VectorStore.SaveDocument", err)
	}
	return nil
}

func (vs *VectorStore) LatestDocument(ctx context.Context) (models.SourceDocument, models.Manifest, error) {
	const op = "store.VectorStore.LatestDocument"

	var (
		doc      models.SourceDocument
		manifest models.Manifest
		handle   string
		mj       []byte
	)
	err := vs.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, title, handle, content_type, uploaded_by, uploaded_at, manifest
		FROM %s ORDER BY generation DESC LIMIT 1`, vs.table("documents"))).
		Scan(&doc.ID, &doc.Title, &handle, &doc.ContentType, &doc.UploadedBy, &doc.UploadedAt, &mj)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, manifest, models.Ef(models.ErrIndexNotFound, op, "no document has been ingested")
	}
	if err != nil {
		return doc, manifest, vs.fail(ctx, op, err)
	}
	doc.Metadata = map[string]interface{}{"handle": handle}
	if err := json.Unmarshal(mj, &manifest); err != nil {
		return doc, manifest, models.E(models.ErrPersistence, op, err)
	}
	return doc, manifest, nil
}

func (vs *VectorStore) SaveAnswer(ctx context.Context, rec models.AnswerRecord) error {
	ids := rec.ChunkIDs
	if ids == nil {
		ids = []string{}
	}
	_, err := vs.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, query, answer, chunk_ids, generation, refused, caller_id, caller_role, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, vs.table("answers")),
		rec.ID, sanitizeUTF8(rec.Query), sanitizeUTF8(rec.Answer), ids, rec.Generation, rec.Refused,
		rec.CallerID, string(rec.CallerRole), rec.Latency.Milliseconds(), rec.CreatedAt.UTC())
	if err != nil {
		return vs.fail(ctx, "store.VectorStore.SaveAnswer", err)
	}
	return nil
}

func (vs *VectorStore) RecentAnswers(ctx context.Context, limit int) ([]models.AnswerRecord, error) {
	const op = "store.VectorStore.RecentAnswers"

	rows, err := vs.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, query, answer, chunk_ids, generation, refused, caller_id, caller_role, latency_ms, created_at
		FROM %s ORDER BY created_at DESC LIMIT $1`, vs.table("answers")), limit)
	if err != nil {
		return nil, vs.fail(ctx, op, err)
	}
	defer rows.Close()

	var out []models.AnswerRecord
	for rows.Next() {
		var (
			rec     models.AnswerRecord
			role    string
			latency int64
		)
		if err := rows.Scan(&rec.ID, &rec.Query, &rec.Answer, &rec.ChunkIDs, &rec.Generation, &rec.Refused,
			&rec.CallerID, &role, &latency, &rec.CreatedAt); err != nil {
			return nil, vs.fail(ctx, op, fmt.Errorf("failed to scan row: %w", err))
		}
		rec.CallerRole = models.Role(role)
		rec.Latency = time.Duration(latency) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, vs.fail(ctx, op, err)
	}
	return out, nil
}

func (vs *VectorStore) Close() error {
	if vs.pool != nil {
		vs.pool.Close()
	}
	return nil
}

func (vs *VectorStore) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return models.E(models.ErrPersistence, op, err)
}
