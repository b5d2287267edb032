package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/pkg/index"
)

const (
	CurrentFile = "CURRENT"
	lockFile    = "LOCK"
)

var genFile = regexp.MustCompile(`^gen-(\d+)\.json$`)

type FileStoreConfig struct {
	// LockTTL is how old a LOCK file must be before it is considered
	// abandoned by a crashed writer.
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// FileStore keeps each generation in its own gen-<n>.json file inside dir. The
// CURRENT file names the live generation and is only ever replaced by rename,
// so readers see either the old or the new generation.
type FileStore struct {
	dir    string
	config FileStoreConfig

	// beforeSwap runs after the generation file is in place and before
	// CURRENT is replaced.
	beforeSwap func() error
}

type fileIndex struct {
	Manifest models.Manifest    `json:"manifest"`
	Chunks   []models.TextChunk `json:"chunks"`
	Vectors  [][]float32        `json:"vectors"`
}

func NewFileStore(dir string, config FileStoreConfig) (*FileStore, error) {
	if dir == "" {
		return nil, models.Ef(models.ErrPersistence, "store.NewFileStore", "index directory is required")
	}
	if config.LockTTL == 0 {
		config.LockTTL = 30 * time.Minute
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.E(models.ErrPersistence, "store.NewFileStore", err)
	}
	return &FileStore{dir: dir, config: config}, nil
}

// Dir is the directory holding the generations.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Persist(ctx context.Context, idx *index.Index) (models.Manifest, error) {
	const op = "store.FileStore.Persist"

	if err := ctx.Err(); err != nil {
		return models.Manifest{}, err
	}

	unlock, err := s.lock()
	if err != nil {
		return models.Manifest{}, err
	}
	defer unlock()

	current, err := s.Generation(ctx)
	if err != nil && !errors.Is(err, models.ErrIndexCorrupt) {
		return models.Manifest{}, err
	}
	onDisk, err := s.generations()
	if err != nil {
		return models.Manifest{}, models.E(models.ErrPersistence, op, err)
	}
	next := current
	for _, g := range onDisk {
		next = max(next, g)
	}
	next++

	stamped := idx.WithGeneration(next)
	name := genName(next)
	if err := s.writeGeneration(ctx, stamped, name); err != nil {
		return models.Manifest{}, err
	}

	swapped := false
	defer func() {
		if !swapped {
			os.Remove(filepath.Join(s.dir, name))
		}
	}()

	if s.beforeSwap != nil {
		if err := s.beforeSwap(); err != nil {
			return models.Manifest{}, models.E(models.ErrPersistence, op, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return models.Manifest{}, err
	}
	if err := s.writeAtomic(CurrentFile, []byte(name+"\n")); err != nil {
		return models.Manifest{}, models.E(models.ErrPersistence, op, err)
	}
	swapped = true

	s.prune(next, current)

	s.config.Logger.Info().
		Int64("generation", next).
		Int("chunks", stamped.Len()).
		Str("dir", s.dir).
		Msg("index generation persisted")

	return stamped.Manifest(), nil
}

func (s *FileStore) Load(ctx context.Context) (*index.Index, error) {
	const op = "store.FileStore.Load"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen, err := s.Generation(ctx)
	if err != nil {
		return nil, err
	}
	if gen == 0 {
		return nil, models.Ef(models.ErrIndexNotFound, op, "no index in %s", s.dir)
	}

	f, err := os.Open(filepath.Join(s.dir, genName(gen)))
	if err != nil {
		return nil, models.E(models.ErrIndexCorrupt, op, err)
	}
	defer f.Close()

	var stored fileIndex
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&stored); err != nil {
		return nil, models.E(models.ErrIndexCorrupt, op, fmt.Errorf("%s: %w", f.Name(), err))
	}
	if stored.Manifest.Generation != gen {
		return nil, models.Ef(models.ErrIndexCorrupt, op, "%s holds generation %d", f.Name(), stored.Manifest.Generation)
	}
	return index.Restore(stored.Manifest, stored.Chunks, stored.Vectors)
}

// Generation reads the CURRENT pointer. It is 0 when nothing was persisted.
func (s *FileStore) Generation(ctx context.Context) (int64, error) {
	const op = "store.FileStore.Generation"

	data, err := os.ReadFile(filepath.Join(s.dir, CurrentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, models.E(models.ErrPersistence, op, err)
	}
	m := genFile.FindStringSubmatch(strings.TrimSpace(string(data)))
	if m == nil {
		return 0, models.Ef(models.ErrIndexCorrupt, op, "CURRENT holds %q", strings.TrimSpace(string(data)))
	}
	return strconv.ParseInt(m[1], 10, 64)
}

func (s *FileStore) writeGeneration(ctx context.Context, idx *index.Index, name string) error {
	const op = "store.FileStore.Persist"

	stored := fileIndex{
		Manifest: idx.Manifest(),
		Chunks:   make([]models.TextChunk, idx.Len()),
		Vectors:  make([][]float32, idx.Len()),
	}
	for i := range stored.Chunks {
		stored.Chunks[i], stored.Vectors[i] = idx.Entry(i)
	}

	tmp, err := os.CreateTemp(s.dir, ".gen-*.tmp")
	if err != nil {
		return models.E(models.ErrPersistence, op, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := json.NewEncoder(w).Encode(stored); err != nil {
		tmp.Close()
		return models.E(models.ErrPersistence, op, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return models.E(models.ErrPersistence, op, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return models.E(models.ErrPersistence, op, err)
	}
	if err := tmp.Close(); err != nil {
		return models.E(models.ErrPersistence, op, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return models.E(models.ErrPersistence, op, err)
	}
	return syncDir(s.dir)
}

func (s *FileStore) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return err
	}
	return syncDir(s.dir)
}

// lock takes the writer lock, replacing a LOCK file older than LockTTL.
func (s *FileStore) lock() (func(), error) {
	const op = "store.FileStore.lock"
	path := filepath.Join(s.dir, lockFile)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, models.E(models.ErrPersistence, op, err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) < s.config.LockTTL {
			return nil, models.Ef(models.ErrIngestionBusy, op, "%s is held by another writer", path)
		}
		s.config.Logger.Warn().Str("lock", path).Time("since", info.ModTime()).Msg("removing stale index lock")
		os.Remove(path)
	}
	return nil, models.Ef(models.ErrIngestionBusy, op, "%s is held by another writer", path)
}

func (s *FileStore) generations() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var gens []int64
	for _, e := range entries {
		if m := genFile.FindStringSubmatch(e.Name()); m != nil {
			if g, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				gens = append(gens, g)
			}
		}
	}
	return gens, nil
}

// prune removes every generation except the live one and the one it replaced.
func (s *FileStore) prune(live, previous int64) {
	gens, err := s.generations()
	if err != nil {
		return
	}
	for _, g := range gens {
		if g == live || g == previous {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, genName(g))); err != nil {
			s.config.Logger.Warn().Err(err).Int64("generation", g).Msg("failed to prune index generation")
		}
	}
}

func genName(gen int64) string {
	return "gen-" + strconv.FormatInt(gen, 10) + ".json"
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Best effort: some filesystems reject fsync on directories.
	d.Sync()
	return nil
}
