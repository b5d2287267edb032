package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/pkg/pipeline"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ENV", "OLLAMA_BASE_URL", "OPENAI_API_KEY", "DATABASE_URL", "FORMULARY_INDEX_DIR", "JWT_SECRET", "PORT"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, env string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
env: ` + env + `
llm:
  provider: ollama
  base_url: "http://127.0.0.1:1"
  model: "llama3"
storage:
  backend: file
  location: "` + filepath.Join(dir, "index") + `"
log:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root := newRootCmd()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "ingest", "query", "status", "mcp"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("verbose"))
}

func TestIngestRequiresExactlyOneArg(t *testing.T) {
	_, err := execute(t, "ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestQueryRequiresQuestion(t *testing.T) {
	_, err := execute(t, "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg(s)")
}

func TestQueryFlags(t *testing.T) {
	cmd, _, err := newRootCmd().Find([]string{"query"})
	require.NoError(t, err)
	flag := cmd.Flags().Lookup("stream")
	require.NotNil(t, flag)
	assert.Equal(t, "true", flag.DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("sources"))
}

func TestStatusWithoutIndex(t *testing.T) {
	clearEnv(t)
	out, err := execute(t, "--config", writeConfig(t, "production"), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No formulary has been ingested yet.")
}

func TestQueryWithoutIndex(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "--config", writeConfig(t, "production"), "query", "--stream=false", "amoxicillin", "dose")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no formulary has been ingested yet")
}

func TestIngestMissingFile(t *testing.T) {
	clearEnv(t)
	cfg := writeConfig(t, "production")
	_, err := execute(t, "--config", cfg, "ingest", filepath.Join(t.TempDir(), "missing.pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDocumentUnreadable)
}

func TestLoadConfigSecretOnlyRequiredToServe(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "production")

	_, err := loadConfig(path, false)
	require.NoError(t, err)

	_, err = loadConfig(path, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret")

	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := loadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestDevAuthOnlyWhenRequested(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name     string
		env      string
		secret   string
		wantDev  bool
		wantWarn bool
	}{
		{name: "env omitted", env: "", secret: "", wantDev: false},
		{name: "development without secret", env: "development", wantDev: true, wantWarn: true},
		{name: "development with secret", env: "development", secret: "s3cret", wantDev: false},
		{name: "production", env: "production", secret: "s3cret", wantDev: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", tt.secret)
			cfg, err := loadConfig(writeConfig(t, tt.env), false)
			require.NoError(t, err)

			var logs bytes.Buffer
			auth := authConfig(cfg, zerolog.New(&logs))
			assert.Equal(t, tt.wantDev, auth.Dev)
			if tt.wantWarn {
				assert.Contains(t, logs.String(), "development auth enabled")
			} else {
				assert.Empty(t, logs.String())
			}
		})
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := loadConfig(writeConfig(t, "development"), false)
	require.NoError(t, err)

	p := retryPolicy(cfg)
	assert.Equal(t, cfg.Retry.MaxAttempts, p.MaxAttempts)
	assert.Equal(t, cfg.Retry.Initial, p.Delay(1))
	assert.Equal(t, 2*cfg.Retry.Initial, p.Delay(2))
}

func TestDocumentFor(t *testing.T) {
	tests := []struct {
		arg, title string
		wantPath   string
		wantURL    string
		wantTitle  string
	}{
		{arg: "/data/knmf-2024.pdf", wantPath: "/data/knmf-2024.pdf", wantTitle: "knmf-2024.pdf"},
		{arg: "knmf.pdf", title: "KNMF 2024", wantPath: "knmf.pdf", wantTitle: "KNMF 2024"},
		{arg: "https://example.org/knmf.html", wantURL: "https://example.org/knmf.html", wantTitle: "knmf.html"},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			doc := documentFor(tt.arg, tt.title)
			assert.Equal(t, tt.wantPath, doc.Path)
			assert.Equal(t, tt.wantURL, doc.URL)
			assert.Equal(t, tt.wantTitle, doc.Title)
			assert.NotEmpty(t, doc.ID)
			assert.Equal(t, models.System.Subject, doc.UploadedBy)
		})
	}
}

func TestIngestProgressOutput(t *testing.T) {
	var buf bytes.Buffer
	p := newIngestProgress(&buf)

	var obs pipeline.Observer = p
	obs.StateChanged(pipeline.StateReading)
	obs.StateChanged(pipeline.StateEmbedding)
	obs.EmbeddingProgress(2, 4)
	obs.EmbeddingProgress(4, 4)
	obs.StateChanged(pipeline.StatePersisting)
	obs.StateChanged(pipeline.StateComplete)

	out := buf.String()
	assert.Contains(t, out, "Reading...")
	assert.Contains(t, out, "Embedding chunks")
	assert.Contains(t, out, "Persisting...")
	assert.Contains(t, out, "Ingestion complete")
	assert.Nil(t, p.bar)
}
