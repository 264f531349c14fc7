package es

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-iq/internal/config"
	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
)

type recorded struct {
	method string
	path   string
	body   string
}

func newFakeES(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, body string)) (*Client, *[]recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recorded{method: r.Method, path: r.URL.Path, body: string(raw)})
		mu.Unlock()
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handle(w, r, string(raw))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(config.ElasticsearchConfig{Addresses: srv.URL, IndexName: "docs"}, 3, 2)
	require.NoError(t, err)
	return c, &reqs
}

func TestEnsureCollectionCreatesIndexWithVectorMapping(t *testing.T) {
	c, reqs := newFakeES(t, func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	})

	require.NoError(t, c.EnsureCollection(context.Background()))
	require.Len(t, *reqs, 2)
	create := (*reqs)[1]
	assert.Equal(t, http.MethodPut, create.method)
	assert.Equal(t, "/docs", create.path)

	var mapping struct {
		Mappings struct {
			Properties map[string]map[string]any `json:"properties"`
		} `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal([]byte(create.body), &mapping))
	vec := mapping.Mappings.Properties["vector"]
	assert.Equal(t, "dense_vector", vec["type"])
	assert.Equal(t, float64(3), vec["dims"])
	assert.Equal(t, "cosine", vec["similarity"])
	assert.Equal(t, "keyword", mapping.Mappings.Properties[model.PayloadFileHash]["type"])
}

func TestEnsureCollectionExisting(t *testing.T) {
	c, reqs := newFakeES(t, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, c.EnsureCollection(context.Background()))
	assert.Len(t, *reqs, 1)
}

func TestUpsertSendsBulkBatches(t *testing.T) {
	c, reqs := newFakeES(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"errors":false,"items":[]}`))
	})

	records := make([]model.VectorRecord, 3)
	for i := range records {
		records[i] = model.VectorRecord{
			ID:      "h:" + string(rune('0'+i)),
			Vector:  []float32{1, 0, 0},
			Text:    "t",
			Payload: map[string]any{model.PayloadFileHash: "h", model.PayloadChunkIndex: i},
		}
	}
	require.NoError(t, c.Upsert(context.Background(), records))
	require.Len(t, *reqs, 2)
	assert.Equal(t, "/_bulk", (*reqs)[0].path)
	lines := strings.Split(strings.TrimSpace((*reqs)[0].body), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"_id":"h:0"`)
	assert.Contains(t, lines[1], `"file_hash":"h"`)
}

func TestUpsertReportsItemErrors(t *testing.T) {
	c, _ := newFakeES(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"errors":true,"items":[{"index":{"status":400,"error":{"type":"mapper_parsing_exception"}}}]}`))
	})
	err := c.Upsert(context.Background(), []model.VectorRecord{{ID: "a", Vector: []float32{1, 2, 3}}})
	require.Error(t, err)
	assert.Equal(t, apperr.UpstreamError, apperr.KindOf(err))
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	c, reqs := newFakeES(t, func(w http.ResponseWriter, r *http.Request, body string) {})
	err := c.Upsert(context.Background(), []model.VectorRecord{{ID: "a", Vector: []float32{1}}})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Empty(t, *reqs)
}

func TestSearchUsesKnnFilterAndThreshold(t *testing.T) {
	c, reqs := newFakeES(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_id":"x","_score":0.95,"_source":{"record_id":"h:0","text":"alpha","file_hash":"h"}},
			{"_id":"y","_score":0.55,"_source":{"record_id":"h:1","text":"beta","file_hash":"h"}}
		]}}`))
	})

	hits, err := c.Search(context.Background(), []float32{1, 0, 0}, 2, model.ByFileHash("h"), 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "h:0", hits[0].ID)
	assert.Equal(t, "alpha", hits[0].Text)
	assert.InDelta(t, 0.9, hits[0].Score, 1e-9)
	assert.Equal(t, "h", hits[0].FileHash())

	assert.Equal(t, "/docs/_search", (*reqs)[0].path)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte((*reqs)[0].body), &body))
	knn := body["knn"].(map[string]any)
	assert.Equal(t, "vector", knn["field"])
	assert.Equal(t, float64(2), knn["k"])
	assert.Contains(t, (*reqs)[0].body, `{"term":{"file_hash":"h"}}`)
}

func TestScrollPaginatesWithSearchAfter(t *testing.T) {
	c, reqs := newFakeES(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"hits":{"hits":[{"_id":"1","_score":0,"_source":{"record_id":"h:1","text":"a"}}]}}`))
	})

	hits, next, err := c.Scroll(context.Background(), model.ByFileHash("h"), 1, "h:0")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "h:1", next)
	assert.Contains(t, (*reqs)[0].body, `"search_after":["h:0"]`)

	ok, err := c.Exists(context.Background(), model.ByFileHash("h"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteRequiresFilter(t *testing.T) {
	c, reqs := newFakeES(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"deleted":3}`))
	})
	err := c.Delete(context.Background(), nil)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Empty(t, *reqs)

	require.NoError(t, c.Delete(context.Background(), model.ByFileHash("h")))
	assert.Equal(t, "/docs/_delete_by_query", (*reqs)[0].path)
}

func TestSearchServerErrorIsUpstream(t *testing.T) {
	c, _ := newFakeES(t, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	})
	_, err := c.Search(context.Background(), []float32{1, 0, 0}, 1, nil, 0)
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
}
