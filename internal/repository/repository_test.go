package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/cache"
)

func TestSessionRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(cache.NewMemory(time.Hour), "test", time.Hour)

	s := &model.Session{ID: "s1", CreatedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, got.HasDocument())

	got.Select(&model.Document{FileHash: "h", FileName: "a.pdf", TextLength: 10}, time.Now())
	require.NoError(t, repo.Save(ctx, got))

	again, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "h", again.FileHash)
	assert.Equal(t, 10, again.TextLength)
}

func TestSessionRepositoryMissingAndExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(cache.NewMemory(time.Hour), "test", time.Hour)

	_, err := repo.Get(ctx, "nope")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	old := &model.Session{ID: "old", CreatedAt: time.Now().Add(-2 * time.Hour)}
	assert.Equal(t, apperr.NotFound, apperr.KindOf(repo.Save(ctx, old)))
}

// redisDown 模拟所有请求都失败的共享后端。
type redisDown struct{ cache.Disabled }

func (redisDown) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("dial tcp 10.0.0.5:6379: i/o timeout")
}

func (redisDown) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("dial tcp 10.0.0.5:6379: i/o timeout")
}

func (redisDown) Name() string { return "redis" }

func TestSessionsSurviveSharedStoreOutage(t *testing.T) {
	ctx := context.Background()
	state := cache.NewFallback(redisDown{}, cache.NewMemory(time.Hour))
	sessions := NewSessionRepository(state, "test", time.Hour)
	jobs := NewJobRepository(state, "test")

	s := &model.Session{ID: "s1", CreatedAt: time.Now()}
	require.NoError(t, sessions.Create(ctx, s))
	got, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	_, err = sessions.Get(ctx, "unknown")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	require.NoError(t, jobs.Save(ctx, &model.Job{ID: "j1", State: model.JobRunning}))
	job, err := jobs.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, job.State)
}

func TestJobRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(cache.NewMemory(time.Hour), "test")

	_, err := repo.Get(ctx, "j1")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	require.NoError(t, repo.Save(ctx, &model.Job{ID: "j1", State: model.JobQueued, ObjectKey: "k"}))
	job, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, job.State)
}

func TestConversationRepositoryKeepsLastTwenty(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository(cache.NewMemory(time.Hour), "test")

	history, err := repo.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)

	for i := 0; i < 25; i++ {
		require.NoError(t, repo.AppendMessages(ctx, "s1", model.ChatMessage{Role: "user", Content: fmt.Sprint(i)}))
	}
	history, err = repo.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 20)
	assert.Equal(t, "5", history[0].Content)
	assert.Equal(t, "24", history[19].Content)

	other, err := repo.GetConversationHistory(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, repo.ClearConversationHistory(ctx, "s1"))
	history, err = repo.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryDocumentRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDocumentRepository()

	require.NoError(t, repo.Upsert(ctx, &model.Document{FileHash: "h1", FileName: "algebra.pdf", Title: "Linear Algebra"}))
	require.NoError(t, repo.Upsert(ctx, &model.Document{FileHash: "h2", FileName: "algebra.pdf"}))
	require.NoError(t, repo.Upsert(ctx, &model.Document{FileHash: "h3", FileName: "history.pdf"}))

	doc, err := repo.FindByFileName(ctx, "algebra.pdf")
	require.NoError(t, err)
	assert.Equal(t, "h2", doc.FileHash, "latest upload wins")

	_, err = repo.FindByHash(ctx, "missing")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	require.NoError(t, repo.Upsert(ctx, &model.Document{FileHash: "h1", FileName: "algebra.pdf", Status: "ingested", ChunkCount: 4}))
	doc, err = repo.FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, uint(1), doc.ID)
	assert.Equal(t, 4, doc.ChunkCount)

	docs, total, err := repo.List(ctx, 0, 10, "ALGEBRA")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, docs, 2)

	docs, total, err = repo.List(ctx, 2, 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, docs, 1)
}

func TestMemoryFindByFileNamePrefersLatestReupload(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDocumentRepository()

	require.NoError(t, repo.Upsert(ctx, &model.Document{FileHash: "old", FileName: "notes.pdf"}))
	time.Sleep(time.Millisecond)
	require.NoError(t, repo.Upsert(ctx, &model.Document{FileHash: "new", FileName: "notes.pdf"}))

	// 旧内容以同名再次上传，应成为该文件名的当前版本
	time.Sleep(time.Millisecond)
	again, err := repo.FindByHash(ctx, "old")
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(ctx, again))

	doc, err := repo.FindByFileName(ctx, "notes.pdf")
	require.NoError(t, err)
	assert.Equal(t, "old", doc.FileHash)
}

func dryRunDB(t *testing.T) (*gorm.DB, *[]string) {
	t.Helper()
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "lumina:lumina@tcp(127.0.0.1:3306)/lumina?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)

	var statements []string
	capture := func(tx *gorm.DB) { statements = append(statements, tx.Statement.SQL.String()) }
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:capture_query", capture))
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("test:capture_create", capture))
	return db, &statements
}

func TestFindByFileNameOrdersByUpdatedAt(t *testing.T) {
	db, statements := dryRunDB(t)
	repo := NewDocumentRepository(db)

	_, err := repo.FindByFileName(context.Background(), "notes.pdf")
	require.NoError(t, err)
	require.Len(t, *statements, 1)
	assert.Contains(t, (*statements)[0], "ORDER BY updated_at DESC, id DESC")
}

func TestUpsertRefreshesUpdatedAt(t *testing.T) {
	db, statements := dryRunDB(t)
	repo := NewDocumentRepository(db)

	stale := time.Now().Add(-24 * time.Hour)
	doc := &model.Document{FileHash: "h1", FileName: "notes.pdf", UpdatedAt: stale}
	require.NoError(t, repo.Upsert(context.Background(), doc))
	assert.True(t, doc.UpdatedAt.After(stale))
	require.Len(t, *statements, 1)
	assert.Contains(t, (*statements)[0], "ON DUPLICATE KEY UPDATE")
}

func TestMemoryVectorStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryVectorStore()
	require.NoError(t, s.Upsert(ctx, []model.VectorRecord{
		{ID: "a:0", Vector: []float32{1, 0}, Text: "x", Payload: map[string]any{model.PayloadFileHash: "a"}},
		{ID: "a:1", Vector: []float32{0, 1}, Text: "y", Payload: map[string]any{model.PayloadFileHash: "a"}},
		{ID: "b:0", Vector: []float32{1, 0}, Text: "z", Payload: map[string]any{model.PayloadFileHash: "b"}},
	}))

	hits, err := s.Search(ctx, []float32{1, 0.1}, 5, model.ByFileHash("a"), 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a:0", hits[0].ID)
	assert.Equal(t, "a", hits[0].FileHash())

	page, next, err := s.Scroll(ctx, nil, 2, "")
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, "b:0", next)
	page, next, err = s.Scroll(ctx, nil, 2, next)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Empty(t, next)

	assert.Error(t, s.Delete(ctx, nil))
	require.NoError(t, s.Delete(ctx, model.ByFileHash("a")))
	ok, err := s.Exists(ctx, model.ByFileHash("a"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Count(nil))
}
