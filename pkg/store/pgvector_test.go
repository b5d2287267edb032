package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// getTestConfig points at a live pgvector database. Tests are skipped unless
// FORMULARY_TEST_DATABASE_URL is set.
func getTestConfig(t *testing.T) VectorStoreConfig {
	t.Helper()
	url := os.Getenv("FORMULARY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FORMULARY_TEST_DATABASE_URL not set")
	}
	return VectorStoreConfig{
		ConnString: url,
		TableName:  fmt.Sprintf("test_formulary_%d", time.Now().UnixNano()),
		BatchSize:  7,
		Logger:     zerolog.Nop(),
	}
}

func dropTables(t *testing.T, vs *VectorStore) {
	t.Helper()
	for _, suffix := range []string{"entries", "generations", "current", "documents", "answers"} {
		_, err := vs.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+vs.table(suffix))
		require.NoError(t, err)
	}
}

func TestVectorStore(t *testing.T) {
	s, err := NewWithConfig(context.Background(), getTestConfig(t))
	require.NoError(t, err)
	defer s.Close()
	defer dropTables(t, s)

	testIndexStore(t, s)
}

func TestVectorStoreRecords(t *testing.T) {
	s, err := NewWithConfig(context.Background(), getTestConfig(t))
	require.NoError(t, err)
	defer s.Close()
	defer dropTables(t, s)

	testRecordStore(t, s)
}

func TestVectorStoreRejectsTableName(t *testing.T) {
	_, err := NewWithConfig(context.Background(), VectorStoreConfig{TableName: "docs; DROP TABLE x"})
	require.Error(t, err)
}
