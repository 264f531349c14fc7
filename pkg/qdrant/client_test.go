package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-iq/internal/config"
	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// fakeQdrant 记录收到的请求，并按路径返回预设结果。
type fakeQdrant struct {
	mu       sync.Mutex
	requests []capturedRequest
	handle   func(r capturedRequest) (int, any)
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := capturedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	status, result := http.StatusOK, any(true)
	if f.handle != nil {
		status, result = f.handle(req)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok", "time": 0.001})
}

func newTestClient(t *testing.T, f *fakeQdrant, dim, batch int) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewClient(config.QdrantConfig{URL: srv.URL, Collection: "docs", APIKey: "k", Timeout: time.Second}, dim, batch)
}

func TestUpsertBatchesAndDerivesPointIDs(t *testing.T) {
	f := &fakeQdrant{}
	c := newTestClient(t, f, 2, 2)

	records := []model.VectorRecord{
		{ID: "h:0", Vector: []float32{1, 0}, Text: "a", Payload: map[string]any{model.PayloadFileHash: "h"}},
		{ID: "h:1", Vector: []float32{0, 1}, Text: "b", Payload: map[string]any{model.PayloadFileHash: "h"}},
		{ID: "h:2", Vector: []float32{1, 1}, Text: "c", Payload: map[string]any{model.PayloadFileHash: "h"}},
	}
	require.NoError(t, c.Upsert(context.Background(), records))

	require.Len(t, f.requests, 2)
	first := f.requests[0]
	assert.Equal(t, http.MethodPut, first.Method)
	assert.Equal(t, "/collections/docs/points", first.Path)
	assert.Equal(t, "wait=true", first.Query)

	points := first.Body["points"].([]any)
	require.Len(t, points, 2)
	p0 := points[0].(map[string]any)
	assert.Equal(t, PointID("h:0"), p0["id"])
	payload := p0["payload"].(map[string]any)
	assert.Equal(t, "a", payload[model.PayloadText])
	assert.Equal(t, "h", payload[model.PayloadFileHash])
	assert.Equal(t, "h:0", payload[payloadRecordIDKey])

	assert.Len(t, f.requests[1].Body["points"].([]any), 1)
}

func TestPointIDIsDeterministic(t *testing.T) {
	assert.Equal(t, PointID("abc:1"), PointID("abc:1"))
	assert.NotEqual(t, PointID("abc:1"), PointID("abc:2"))
	assert.Equal(t, "0f1705d1-2c3f-4e40-b2f4-f855f7d3c8e8", PointID("0f1705d1-2c3f-4e40-b2f4-f855f7d3c8e8"))
}

func TestUpsertValidatesDimension(t *testing.T) {
	f := &fakeQdrant{}
	c := newTestClient(t, f, 3, 10)

	err := c.Upsert(context.Background(), []model.VectorRecord{{ID: "x", Vector: []float32{1}}})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Empty(t, f.requests)
}

func TestSearchSendsFilterAndParsesHits(t *testing.T) {
	f := &fakeQdrant{handle: func(r capturedRequest) (int, any) {
		return http.StatusOK, []map[string]any{
			{"id": PointID("h:0"), "score": 0.42, "payload": map[string]any{"text": "low", "record_id": "h:0", "file_hash": "h"}},
			{"id": PointID("h:1"), "score": 0.91, "payload": map[string]any{"text": "Shyam is a teacher.", "record_id": "h:1", "file_hash": "h"}},
		}
	}}
	c := newTestClient(t, f, 0, 0)

	hits, err := c.Search(context.Background(), []float32{0.1, 0.2}, 3, model.ByFileHash("h"), 0.2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Shyam is a teacher.", hits[0].Text)
	assert.Equal(t, "h:1", hits[0].ID)
	assert.Equal(t, "h", hits[0].FileHash())

	req := f.requests[0]
	assert.Equal(t, "/collections/docs/points/search", req.Path)
	assert.EqualValues(t, 3, req.Body["limit"])
	assert.EqualValues(t, 0.2, req.Body["score_threshold"])
	must := req.Body["filter"].(map[string]any)["must"].([]any)
	cond := must[0].(map[string]any)
	assert.Equal(t, "file_hash", cond["key"])
	assert.Equal(t, "h", cond["match"].(map[string]any)["value"])
}

func TestScrollAndExists(t *testing.T) {
	f := &fakeQdrant{handle: func(r capturedRequest) (int, any) {
		if r.Body["limit"] == float64(1) {
			return http.StatusOK, map[string]any{"points": []any{}, "next_page_offset": nil}
		}
		return http.StatusOK, map[string]any{
			"points":           []any{map[string]any{"id": 7, "payload": map[string]any{"text": "t"}}},
			"next_page_offset": "8f8c2a1e-0000-4000-8000-000000000000",
		}
	}}
	c := newTestClient(t, f, 0, 0)

	hits, next, err := c.Scroll(context.Background(), model.ByFileHash("h"), 10, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "7", hits[0].ID)
	assert.Equal(t, "8f8c2a1e-0000-4000-8000-000000000000", next)

	ok, err := c.Exists(context.Background(), model.ByFileHash("h"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRequiresFilter(t *testing.T) {
	f := &fakeQdrant{}
	c := newTestClient(t, f, 0, 0)

	assert.Error(t, c.Delete(context.Background(), nil))
	require.NoError(t, c.Delete(context.Background(), model.ByFileHash("h")))
	require.Len(t, f.requests, 1)
	assert.Equal(t, "/collections/docs/points/delete", f.requests[0].Path)
	assert.NotNil(t, f.requests[0].Body["filter"])
}

func TestEnsureCollectionCreatesWhenMissing(t *testing.T) {
	f := &fakeQdrant{handle: func(r capturedRequest) (int, any) {
		if r.Method == http.MethodGet {
			return http.StatusNotFound, nil
		}
		return http.StatusOK, true
	}}
	c := newTestClient(t, f, 1024, 0)

	require.NoError(t, c.EnsureCollection(context.Background()))
	require.Len(t, f.requests, 3)

	create := f.requests[1]
	assert.Equal(t, http.MethodPut, create.Method)
	assert.Equal(t, "/collections/docs", create.Path)
	vectors := create.Body["vectors"].(map[string]any)
	assert.Equal(t, "Cosine", vectors["distance"])
	assert.EqualValues(t, 1024, vectors["size"])

	index := f.requests[2]
	assert.Equal(t, "/collections/docs/index", index.Path)
	assert.Equal(t, "file_hash", index.Body["field_name"])
	assert.Equal(t, "keyword", index.Body["field_schema"])
}

func TestErrorClassification(t *testing.T) {
	f := &fakeQdrant{handle: func(r capturedRequest) (int, any) {
		return http.StatusServiceUnavailable, nil
	}}
	c := newTestClient(t, f, 0, 0)

	_, err := c.Search(context.Background(), []float32{1}, 1, nil, 0)
	require.Error(t, err)
	assert.Equal(t, apperr.UpstreamUnavailable, apperr.KindOf(err))

	f.handle = func(r capturedRequest) (int, any) { return http.StatusBadRequest, nil }
	_, err = c.Search(context.Background(), []float32{1}, 1, nil, 0)
	require.Error(t, err)
	assert.Equal(t, apperr.UpstreamError, apperr.KindOf(err))
}

func TestTimeoutIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	c := NewClient(config.QdrantConfig{URL: srv.URL, Collection: "docs", Timeout: 50 * time.Millisecond}, 0, 0)

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.UpstreamUnavailable, apperr.KindOf(err))
}
