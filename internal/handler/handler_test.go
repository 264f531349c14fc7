package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-iq/internal/chunker"
	"lumina-iq/internal/config"
	"lumina-iq/internal/model"
	"lumina-iq/internal/pipeline"
	"lumina-iq/internal/repository"
	"lumina-iq/internal/service"
	"lumina-iq/pkg/cache"
	"lumina-iq/pkg/llm"
	"lumina-iq/pkg/storage"
	"lumina-iq/pkg/tasks"
	"lumina-iq/pkg/token"
)

type stubPages struct{ text string }

func (p stubPages) ExtractPages(context.Context, []byte, string) ([]model.Page, error) {
	return []model.Page{{Number: 1, Text: p.text}}, nil
}

func (p stubPages) Metadata(context.Context, []byte, string) (model.DocumentMetadata, error) {
	return model.DocumentMetadata{Title: "Handbook"}, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 1}
	}
	return out, nil
}

func (stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 1}, nil
}

type stubLLM struct {
	mu    sync.Mutex
	calls int
}

func (l *stubLLM) Complete(context.Context, []llm.Message, *llm.GenerationParams) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return "The handbook covers onboarding.", nil
}

func (l *stubLLM) StreamChatMessages(_ context.Context, _ []llm.Message, _ *llm.GenerationParams, w llm.MessageWriter) error {
	for _, part := range []string{"Hello ", "there"} {
		if err := w.WriteMessage(websocket.TextMessage, []byte(part)); err != nil {
			return err
		}
	}
	return nil
}

func (l *stubLLM) Model() string { return "stub" }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	token  string
}

func newTestServer(t *testing.T, deps ...service.Dependency) *testServer {
	t.Helper()
	return newTestServerWithLLM(t, &stubLLM{}, deps...)
}

func newTestServerWithLLM(t *testing.T, chatLLM llm.Client, deps ...service.Dependency) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := cache.NewMemory(time.Hour)
	vectors := repository.NewMemoryVectorStore()
	docs := repository.NewMemoryDocumentRepository()
	jobs := repository.NewJobRepository(store, "test")
	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ch, err := chunker.New(512, 100, 100)
	require.NoError(t, err)

	processor := pipeline.NewProcessor(
		pipeline.NewIngestor(pipeline.NewExtractor(stubPages{text: "The staff handbook explains onboarding and leave policies."}), ch, stubEmbedder{}, vectors),
		docs, files, jobs,
	)
	sessions := service.NewSessionService(repository.NewSessionRepository(store, "test", time.Hour), token.NewJWTManager("secret", time.Hour), time.Hour)
	chat := service.NewChatService(stubEmbedder{}, vectors, chatLLM, cache.New(store, "test", 0),
		repository.NewConversationRepository(store, "test"), service.ChatOptionsFromConfig(config.Config{}))

	router := NewRouter(Services{
		Sessions: sessions,
		Documents: service.NewDocumentService(service.DocumentDeps{
			Docs:           docs,
			Files:          files,
			Vectors:        vectors,
			Jobs:           jobs,
			Ingester:       processor,
			Dispatcher:     tasks.NewLocalDispatcher(processor, time.Minute),
			Sessions:       sessions,
			AsyncThreshold: 1 << 20,
		}),
		Jobs:       service.NewJobService(jobs),
		Chat:       chat,
		Evaluation: service.NewEvaluationService(chat, &stubLLM{}),
		Health:     service.NewHealthService(deps...),
		Stats:      service.NewStatsService(nil, nil, nil, ""),
	}, RouterOptions{MaxConcurrentRequests: 4, QueueTimeout: time.Second, CORSOrigins: []string{"*"}, MaxUploadBytes: 1 << 20})

	ts := &testServer{router: router}
	rec := ts.do(t, http.MethodPost, "/api/session", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tok service.SessionToken
	decode(t, rec, &tok)
	ts.token = tok.Token
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) postJSON(t *testing.T, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return ts.do(t, http.MethodPost, path, b, "application/json")
}

func (ts *testServer) upload(t *testing.T, name string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return ts.do(t, http.MethodPost, "/api/pdf/upload", buf.Bytes(), mw.FormDataContentType())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func TestSessionRequired(t *testing.T) {
	ts := newTestServer(t)
	ts.token = ""
	rec := ts.do(t, http.MethodGet, "/api/pdf/info", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadInfoAndChat(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.upload(t, "handbook.pdf", []byte("%PDF-1.4 handbook"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var up service.UploadResult
	decode(t, rec, &up)
	assert.Equal(t, "handbook.pdf", up.FileName)
	assert.Equal(t, model.IngestIngested, up.Status)
	assert.Positive(t, up.Chunks)

	rec = ts.do(t, http.MethodGet, "/api/pdf/info", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info service.DocumentInfo
	decode(t, rec, &info)
	assert.Equal(t, up.FileHash, info.FileHash)

	rec = ts.postJSON(t, "/api/chat", ChatRequest{Message: "What does the handbook cover?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var answer service.Answer
	decode(t, rec, &answer)
	assert.Equal(t, "The handbook covers onboarding.", answer.Response)

	rec = ts.do(t, http.MethodGet, "/api/chat/history", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []model.ChatMessage
	decode(t, rec, &history)
	assert.Len(t, history, 2)

	rec = ts.do(t, http.MethodGet, "/api/pdf/list?limit=5", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page service.DocumentPage
	decode(t, rec, &page)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 5, page.Limit)
}

func TestUploadRejectsNonPDF(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.upload(t, "notes.txt", []byte("plain"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.upload(t, "big.pdf", bytes.Repeat([]byte("a"), 2<<20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// countingReader 记录服务端实际从请求体读取的字节数。
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func TestUploadTooLargeWithoutContentLength(t *testing.T) {
	ts := newTestServer(t)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fw, err := mw.CreateFormFile("file", "huge.pdf")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		chunk := bytes.Repeat([]byte("a"), 64<<10)
		for i := 0; i < 512; i++ { // 32 MiB
			if _, err := fw.Write(chunk); err != nil {
				return
			}
		}
		_ = mw.Close()
		_ = pw.Close()
	}()
	defer pr.Close()

	body := &countingReader{r: pr}
	req := httptest.NewRequest(http.MethodPost, "/api/pdf/upload", body)
	require.Equal(t, int64(-1), req.ContentLength)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.token)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	limit := int64(1<<20) + multipartOverhead
	assert.LessOrEqual(t, body.n.Load(), limit+64<<10, "body read past the upload limit")
}

func TestNoDocumentSelected(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/chat/generate-questions", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec, nil)
	assert.Contains(t, env.Message, "no PDF selected")

	rec = ts.postJSON(t, "/api/chat", ChatRequest{Message: "hello"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSelectUnknownFile(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.postJSON(t, "/api/pdf/select", SelectRequest{FileName: "missing.pdf"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/jobs/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, service.Dependency{
		Name: "vector_store",
		Ping: func(context.Context) error { return errors.New("connection refused") },
	})

	rec := ts.do(t, http.MethodGet, "/health/live", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report service.ReadinessReport
	decode(t, rec, &report)
	assert.Equal(t, "not_ready", report.Status)

	rec = ts.do(t, http.MethodGet, "/health/detailed", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	decode(t, rec, &report)
	assert.Contains(t, report.Dependencies, "vector_store")
}

func TestHealthDegradedWhenOptionalDependencyDown(t *testing.T) {
	ts := newTestServer(t,
		service.Dependency{Name: "vector_store", Ping: func(context.Context) error { return nil }},
		service.Dependency{
			Name:     "kv_store",
			Ping:     func(context.Context) error { return errors.New("dial tcp: connection refused") },
			Optional: true,
		},
	)

	rec := ts.do(t, http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var report service.ReadinessReport
	decode(t, rec, &report)
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "down", report.Dependencies["kv_store"].Status)
}

func TestPerformanceStats(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/health/live", nil, "")

	rec := ts.do(t, http.MethodGet, "/api/chat/performance-stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats service.PerformanceStats
	decode(t, rec, &stats)
	assert.GreaterOrEqual(t, stats.Latency.Requests, int64(2))
}

func TestStreamOverWebSocket(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.upload(t, "handbook.pdf", []byte("%PDF-1.4 handbook")).Code)

	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/stream?token=" + ts.token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"message": "greet me"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var chunks []string
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == "completion" {
			break
		}
		require.Contains(t, msg, "chunk")
		chunks = append(chunks, msg["chunk"].(string))
	}
	assert.Equal(t, "Hello there", strings.Join(chunks, ""))
}

// blockingLLM 发出一个分块后一直等待，直到调用方取消 ctx。
type blockingLLM struct {
	stubLLM
	cancelled chan error
}

func (l *blockingLLM) StreamChatMessages(ctx context.Context, _ []llm.Message, _ *llm.GenerationParams, w llm.MessageWriter) error {
	if err := w.WriteMessage(websocket.TextMessage, []byte("partial")); err != nil {
		return err
	}
	<-ctx.Done()
	l.cancelled <- ctx.Err()
	return ctx.Err()
}

func dialStream(t *testing.T, ts *testServer) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(ts.router)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/stream?token=" + ts.token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		_ = resp.Body.Close()
		_ = conn.Close()
		srv.Close()
	}
}

func TestStreamStopCancelsUpstream(t *testing.T) {
	upstream := &blockingLLM{cancelled: make(chan error, 1)}
	ts := newTestServerWithLLM(t, upstream)
	require.Equal(t, http.StatusOK, ts.upload(t, "handbook.pdf", []byte("%PDF-1.4 handbook")).Code)

	conn, closeAll := dialStream(t, ts)
	defer closeAll()

	require.NoError(t, conn.WriteJSON(map[string]string{"message": "tell me everything"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "partial", first["chunk"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "stop"}))
	select {
	case err := <-upstream.cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("upstream call was not cancelled after stop")
	}

	seen := map[string]bool{}
	for !seen["completion"] {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		typ, _ := msg["type"].(string)
		seen[typ] = true
		assert.NotContains(t, msg, "error")
	}
	assert.True(t, seen["stop"])
}

func TestStreamDisconnectCancelsUpstream(t *testing.T) {
	upstream := &blockingLLM{cancelled: make(chan error, 1)}
	ts := newTestServerWithLLM(t, upstream)
	require.Equal(t, http.StatusOK, ts.upload(t, "handbook.pdf", []byte("%PDF-1.4 handbook")).Code)

	conn, closeAll := dialStream(t, ts)
	defer closeAll()

	require.NoError(t, conn.WriteJSON(map[string]string{"message": "tell me everything"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.Close())

	select {
	case err := <-upstream.cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("upstream call was not cancelled after disconnect")
	}
}
