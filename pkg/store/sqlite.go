package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite" // SQLite driver
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/pkg/index"
	"github.com/xhad/formulary/pkg/store/migrations"
)

// SQLiteStore keeps index generations, documents and answers in one SQLite
// database. A generation is written inside a BEGIN IMMEDIATE transaction, so
// concurrent writers are excluded and readers keep their WAL snapshot.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

func NewSQLiteStore(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	const op = "store.NewSQLiteStore"

	if path == "" {
		return nil, models.Ef(models.ErrPersistence, op, "database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, models.E(models.ErrPersistence, op, fmt.Errorf("creating data directory: %w", err))
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, models.E(models.ErrPersistence, op, fmt.Errorf("opening database: %w", err))
	}

	s := &SQLiteStore{db: db, path: path, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, models.E(models.ErrPersistence, op, fmt.Errorf("running migrations: %w", err))
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	fsys, err := fs.Sub(migrations.SQLite, "sqlite")
	if err != nil {
		return err
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, formatTime(time.Now())); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// inTx runs fn on a dedicated connection between begin and COMMIT, rolling
// back on any error.
func (s *SQLiteStore) inTx(ctx context.Context, begin string, fn func(*sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, begin); err != nil {
		return err
	}
	if err := fn(conn); err != nil {
		conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}
	return nil
}

func (s *SQLiteStore) Persist(ctx context.Context, idx *index.Index) (models.Manifest, error) {
	const op = "store.SQLiteStore.Persist"

	var manifest models.Manifest
	err := s.inTx(ctx, "BEGIN IMMEDIATE", func(conn *sql.Conn) error {
		var current, latest int64
		if err := conn.QueryRowContext(ctx, "SELECT COALESCE((SELECT generation FROM index_current WHERE id = 1), 0)").Scan(&current); err != nil {
			return err
		}
		if err := conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(generation), 0) FROM index_generations").Scan(&latest); err != nil {
			return err
		}
		next := max(current, latest) + 1

		stamped := idx.WithGeneration(next)
		manifest = stamped.Manifest()
		manifestJSON, err := json.Marshal(manifest)
		if err != nil {
			return err
		}

		if _, err := conn.ExecContext(ctx, "INSERT INTO index_generations (generation, manifest, created_at) VALUES (?, ?, ?)",
			next, string(manifestJSON), formatTime(manifest.CreatedAt)); err != nil {
			return err
		}

		stmt, err := conn.PrepareContext(ctx, `
			INSERT INTO index_entries (generation, position, document_id, chunk_seq, content, start_offset, end_offset, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := 0; i < stamped.Len(); i++ {
			c, v := stamped.Entry(i)
			if _, err := stmt.ExecContext(ctx, next, i, c.DocumentID, c.Seq, c.Text, c.Start, c.End, encodeVector(v)); err != nil {
				return err
			}
		}

		if _, err := conn.ExecContext(ctx, `
			INSERT INTO index_current (id, generation) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET generation = excluded.generation`, next); err != nil {
			return err
		}

		// Keep the live generation and the one it replaced.
		if _, err := conn.ExecContext(ctx, "DELETE FROM index_entries WHERE generation NOT IN (?, ?)", next, current); err != nil {
			return err
		}
		_, err = conn.ExecContext(ctx, "DELETE FROM index_generations WHERE generation NOT IN (?, ?)", next, current)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.Manifest{}, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if isBusy(err) {
			return models.Manifest{}, models.E(models.ErrIngestionBusy, op, err)
		}
		return models.Manifest{}, models.E(models.ErrPersistence, op, err)
	}

	s.logger.Info().
		Int64("generation", manifest.Generation).
		Int("chunks", manifest.Count).
		Str("db", s.path).
		Msg("index generation persisted")

	return manifest, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*index.Index, error) {
	const op = "store.SQLiteStore.Load"

	var (
		manifest models.Manifest
		chunks   []models.TextChunk
		vectors  [][]float32
		found    bool
	)
	err := s.inTx(ctx, "BEGIN", func(conn *sql.Conn) error {
		var gen int64
		var manifestJSON string
		err := conn.QueryRowContext(ctx, `
			SELECT g.generation, g.manifest
			FROM index_current c JOIN index_generations g ON g.generation = c.generation
			WHERE c.id = 1`).Scan(&gen, &manifestJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		if err := json.Unmarshal([]byte(manifestJSON), &manifest); err != nil {
			return models.E(models.ErrIndexCorrupt, op, err)
		}

		rows, err := conn.QueryContext(ctx, `
			SELECT document_id, chunk_seq, content, start_offset, end_offset, embedding
			FROM index_entries WHERE generation = ? ORDER BY position`, gen)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c models.TextChunk
			var blob []byte
			if err := rows.Scan(&c.DocumentID, &c.Seq, &c.Text, &c.Start, &c.End, &blob); err != nil {
				return err
			}
			v, err := decodeVector(blob)
			if err != nil {
				return models.E(models.ErrIndexCorrupt, op, err)
			}
			chunks = append(chunks, c)
			vectors = append(vectors, v)
		}
		return rows.Err()
	})
	if err != nil {
		if models.KindOf(err) != nil {
			return nil, err
		}
		return nil, models.E(models.ErrPersistence, op, err)
	}
	if !found {
		return nil, models.Ef(models.ErrIndexNotFound, op, "no index in %s", s.path)
	}
	return index.Restore(manifest, chunks, vectors)
}

func (s *SQLiteStore) Generation(ctx context.Context) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE((SELECT generation FROM index_current WHERE id = 1), 0)").Scan(&gen)
	if err != nil {
		return 0, models.E(models.ErrPersistence, "store.SQLiteStore.Generation", err)
	}
	return gen, nil
}

func (s *SQLiteStore) SaveDocument(ctx context.Context, doc models.SourceDocument, manifest models.Manifest) error {
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshalling manifest: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_documents (id, generation, title, handle, content_type, uploaded_by, uploaded_at, manifest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, generation) DO UPDATE SET manifest = excluded.manifest`,
		doc.ID, manifest.Generation, sanitizeUTF8(doc.Title), sanitizeUTF8(doc.Handle()), doc.ContentType,
		doc.UploadedBy, formatTime(doc.UploadedAt), string(manifestJSON))
	if err != nil {
		return models.E(models.ErrPersistence, "store.SQLiteStore.SaveDocument", err)
	}
	return nil
}

func (s *SQLiteStore) LatestDocument(ctx context.Context) (models.SourceDocument, models.Manifest, error) {
	const op = "store.SQLiteStore.LatestDocument"

	var (
		doc                    models.SourceDocument
		manifest               models.Manifest
		handle, uploadedAt, mj string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, handle, content_type, uploaded_by, uploaded_at, manifest
		FROM source_documents ORDER BY generation DESC LIMIT 1`).
		Scan(&doc.ID, &doc.Title, &handle, &doc.ContentType, &doc.UploadedBy, &uploadedAt, &mj)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, manifest, models.Ef(models.ErrIndexNotFound, op, "no document has been ingested")
	}
	if err != nil {
		return doc, manifest, models.E(models.ErrPersistence, op, err)
	}
	doc.Metadata = map[string]interface{}{"handle": handle}
	doc.UploadedAt = parseTime(uploadedAt)
	if err := json.Unmarshal([]byte(mj), &manifest); err != nil {
		return doc, manifest, models.E(models.ErrPersistence, op, err)
	}
	return doc, manifest, nil
}

func (s *SQLiteStore) SaveAnswer(ctx context.Context, rec models.AnswerRecord) error {
	ids, err := json.Marshal(rec.ChunkIDs)
	if err != nil {
		return fmt.Errorf("marshalling chunk ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO answer_records (id, query, answer, chunk_ids, generation, refused, caller_id, caller_role, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Query, rec.Answer, string(ids), rec.Generation, rec.Refused,
		rec.CallerID, string(rec.CallerRole), rec.Latency.Milliseconds(), formatTime(rec.CreatedAt))
	if err != nil {
		return models.E(models.ErrPersistence, "store.SQLiteStore.SaveAnswer", err)
	}
	return nil
}

func (s *SQLiteStore) RecentAnswers(ctx context.Context, limit int) ([]models.AnswerRecord, error) {
	const op = "store.SQLiteStore.RecentAnswers"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, answer, chunk_ids, generation, refused, caller_id, caller_role, latency_ms, created_at
		FROM answer_records ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, models.E(models.ErrPersistence, op, err)
	}
	defer rows.Close()

	var out []models.AnswerRecord
	for rows.Next() {
		var (
			rec                  models.AnswerRecord
			ids, role, createdAt string
			latency              int64
		)
		if err := rows.Scan(&rec.ID, &rec.Query, &rec.Answer, &ids, &rec.Generation, &rec.Refused,
			&rec.CallerID, &role, &latency, &createdAt); err != nil {
			return nil, models.E(models.ErrPersistence, op, err)
		}
		if err := json.Unmarshal([]byte(ids), &rec.ChunkIDs); err != nil {
			return nil, models.E(models.ErrPersistence, op, err)
		}
		rec.CallerRole = models.Role(role)
		rec.Latency = time.Duration(latency) * time.Millisecond
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, models.E(models.ErrPersistence, op, err)
	}
	return out, nil
}

func isBusy(err error) bool {
	var e *sqlite.Error
	if errors.As(err, &e) {
		return e.Code()&0xff == sqlite3.SQLITE_BUSY || e.Code()&0xff == sqlite3.SQLITE_LOCKED
	}
	return false
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes", len(data))
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats, nil
}

// timeLayout is fixed width so timestamps stored as TEXT sort
// chronologically. RFC3339Nano drops trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	// RFC3339 also accepts rows written with the older variable-width layout.
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
