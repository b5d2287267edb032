// Package store persists vector index generations and the formulary records
// that go with them.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/xhad/formulary/internal/types"
	"github.com/xhad/formulary/pkg/config"
)

// Open returns the index store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.Storage, logger zerolog.Logger) (types.IndexStore, error) {
	switch cfg.Backend {
	case "file", "":
		return NewFileStore(cfg.Location, FileStoreConfig{LockTTL: cfg.LockTTL, Logger: logger})
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.Location, logger)
	case "postgres":
		return NewWithConfig(ctx, VectorStoreConfig{ConnString: cfg.Location, TableName: cfg.Table, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// OpenRecords returns the record store for cfg. Unless cfg.Records says
// otherwise it lives next to the index: in the same database for the sqlite
// and postgres backends, and in records.db inside the index directory for the
// file backend.
func OpenRecords(ctx context.Context, cfg config.Storage, logger zerolog.Logger) (types.RecordStore, error) {
	kind := cfg.Records
	if kind == "" {
		kind = cfg.Backend
	}
	switch kind {
	case "memory":
		return NewMemoryRecords(), nil
	case "file", "":
		return NewSQLiteStore(ctx, filepath.Join(cfg.Location, "records.db"), logger)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.Location, logger)
	case "postgres":
		return NewWithConfig(ctx, VectorStoreConfig{ConnString: cfg.Location, TableName: cfg.Table, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown record store %q", kind)
	}
}

func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
