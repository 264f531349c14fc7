package repository

import (
	"context"

	"lumina-iq/internal/model"
)

// VectorStore 是向量库的统一接口，Qdrant 与 Elasticsearch 两个后端都实现它。
// 相似度为余弦相似度，由向量库计算。
type VectorStore interface {
	// EnsureCollection 创建集合（若不存在）并为 file_hash 建立 keyword 索引。
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, records []model.VectorRecord) error
	Search(ctx context.Context, vector []float32, topK int, filter model.Filter, scoreThreshold float64) ([]model.SearchHit, error)
	Delete(ctx context.Context, filter model.Filter) error
	// Scroll 按过滤条件分页列出记录，返回下一页游标，游标为空表示结束。
	Scroll(ctx context.Context, filter model.Filter, limit int, offset string) ([]model.SearchHit, string, error)
	Exists(ctx context.Context, filter model.Filter) (bool, error)
	Ping(ctx context.Context) error
	Name() string
}
