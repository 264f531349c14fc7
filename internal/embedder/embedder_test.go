package embedder

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-iq/pkg/cache"
)

// fakeClient 根据文本内容确定性地生成向量，并记录每次调用的批次。
type fakeClient struct {
	mu      sync.Mutex
	batches [][]string
	fail    bool
}

func (f *fakeClient) Model() string { return "fake-model" }

func (f *fakeClient) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("embedding api down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var sum float32
		for _, r := range t {
			sum += float32(r)
		}
		out[i] = []float32{float32(len(t)), sum, float32(math.Pi)}
	}
	return out, nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestEmbedBatchesAndPreservesOrder(t *testing.T) {
	client := &fakeClient{}
	e := New(client, nil, Options{BatchSize: 2, Concurrency: 3})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, txt := range texts {
		assert.Equal(t, float32(len(txt)), vecs[i][0])
	}
	assert.Equal(t, 3, client.calls())
	for _, b := range client.batches {
		assert.LessOrEqual(t, len(b), 2)
	}
}

func TestEmbedDeduplicatesWithinCall(t *testing.T) {
	client := &fakeClient{}
	e := New(client, nil, Options{BatchSize: 10})

	vecs, err := e.Embed(context.Background(), []string{"same", "same", "other"})
	require.NoError(t, err)
	assert.Equal(t, vecs[0], vecs[1])
	require.Equal(t, 1, client.calls())
	assert.Len(t, client.batches[0], 2)
}

func TestEmbedCacheTransparency(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	c := cache.New(cache.NewMemory(time.Hour), "test", 0)
	e := New(client, c, Options{BatchSize: 4, TTL: time.Hour})

	first, err := e.EmbedQuery(ctx, "who is shyam")
	require.NoError(t, err)
	second, err := e.EmbedQuery(ctx, "who is shyam")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.calls(), "second request must be served from cache")
	assert.Equal(t, int64(1), e.Stats().Cache.Hits)
	assert.Equal(t, int64(1), e.Stats().APICalls)

	// 关闭缓存只改变来源，不改变向量
	uncached := New(&fakeClient{}, nil, Options{BatchSize: 4})
	third, err := uncached.EmbedQuery(ctx, "who is shyam")
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestEmbedFailureFailsWholeCall(t *testing.T) {
	c := cache.New(cache.NewMemory(time.Hour), "test", 0)
	e := New(&fakeClient{fail: true}, c, Options{BatchSize: 1, Concurrency: 2})

	vecs, err := e.Embed(context.Background(), []string{"x", "y", "z"})
	assert.Error(t, err)
	assert.Nil(t, vecs)

	var v []float32
	assert.False(t, c.GetJSON(context.Background(), e.key("x"), &v), "failed batches must not be cached")
}

func TestEmbedEmptyInput(t *testing.T) {
	client := &fakeClient{}
	e := New(client, nil, Options{})
	vecs, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Equal(t, 0, client.calls())
}
