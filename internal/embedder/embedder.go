// Package embedder 在 embedding 客户端之上实现逐条缓存、分批调用与保序返回。
package embedder

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"lumina-iq/pkg/cache"
	"lumina-iq/pkg/embedding"
	"lumina-iq/pkg/log"
)

const cacheNamespace = "emb"

// Options 控制分批与并发。
type Options struct {
	BatchSize   int
	Concurrency int
	TTL         time.Duration
}

// Embedder 对每条文本先查缓存，未命中的按 BatchSize 分批调用 API，结果按输入顺序返回。
// 任一批失败则整个调用失败。
type Embedder struct {
	client embedding.Client
	cache  *cache.Cache
	opts   Options

	apiCalls atomic.Int64
}

// New 创建 Embedder。cache 可以为 nil。
func New(client embedding.Client, c *cache.Cache, opts Options) *Embedder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if c == nil {
		c = cache.New(nil, "", 0)
	}
	return &Embedder{client: client, cache: c, opts: opts}
}

// Stats 是嵌入层的计数。
type Stats struct {
	Model    string      `json:"model"`
	APICalls int64       `json:"api_calls"`
	Cache    cache.Stats `json:"cache"`
}

// Stats 返回 API 调用次数与缓存命中统计。
func (e *Embedder) Stats() Stats {
	return Stats{Model: e.client.Model(), APICalls: e.apiCalls.Load(), Cache: e.cache.Stats()}
}

func (e *Embedder) key(text string) string {
	return e.cache.Key(cacheNamespace, e.client.Model(), text)
}

// Embed 返回与 texts 一一对应的向量。
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	// 同一次调用里重复的文本只请求一次
	missing := make(map[string][]int)
	var order []string
	for i, t := range texts {
		var v []float32
		if e.cache.GetJSON(ctx, e.key(t), &v) && len(v) > 0 {
			out[i] = v
			continue
		}
		if _, seen := missing[t]; !seen {
			order = append(order, t)
		}
		missing[t] = append(missing[t], i)
	}
	if len(order) == 0 {
		return out, nil
	}
	log.Infof("[Embedder] 缓存命中 %d/%d, 需要调用 API 的文本 %d 条", len(texts)-countMissing(missing), len(texts), len(order))

	batches := make([][]string, 0, (len(order)+e.opts.BatchSize-1)/e.opts.BatchSize)
	for start := 0; start < len(order); start += e.opts.BatchSize {
		end := start + e.opts.BatchSize
		if end > len(order) {
			end = len(order)
		}
		batches = append(batches, order[start:end])
	}

	results := make([][][]float32, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for bi, batch := range batches {
		g.Go(func() error {
			e.apiCalls.Add(1)
			vecs, err := e.client.CreateEmbeddings(gctx, batch)
			if err != nil {
				return err
			}
			results[bi] = vecs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for bi, batch := range batches {
		for j, t := range batch {
			v := results[bi][j]
			for _, idx := range missing[t] {
				out[idx] = v
			}
			e.cache.SetJSON(ctx, e.key(t), v, e.opts.TTL)
		}
	}
	return out, nil
}

// EmbedQuery 嵌入单条查询。
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func countMissing(m map[string][]int) int {
	n := 0
	for _, idx := range m {
		n += len(idx)
	}
	return n
}
