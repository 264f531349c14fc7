package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Chunking.Size)
	assert.Equal(t, 100, cfg.Chunking.Overlap)
	assert.Equal(t, 10, cfg.Embedding.BatchSize)
	assert.Equal(t, "qdrant", cfg.VectorStore.Backend)
	assert.Equal(t, "learning_app_documents", cfg.Qdrant.Collection)
	assert.Equal(t, 4000, cfg.Retrieval.ContextChars)
	assert.Equal(t, time.Hour, cfg.Cache.EmbeddingTTL)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, int64(50<<20), cfg.Ingest.AsyncThresholdBytes)
	assert.Equal(t, 300*time.Second, cfg.Breaker.Window)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
chunking:
  size: 2048
  overlap: 200
embedding:
  model: "text-embedding-3-small"
cache:
  answer_ttl: 90s
`)
	t.Setenv("LUMINA_EMBEDDING_BATCH_SIZE", "32")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2048, cfg.Chunking.Size)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 32, cfg.Embedding.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Cache.AnswerTTL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"overlap not smaller than size", "chunking:\n  size: 100\n  overlap: 100\n"},
		{"zero batch size", "embedding:\n  batch_size: 0\n"},
		{"unknown backend", "vector_store:\n  backend: milvus\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
