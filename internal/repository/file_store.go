package repository

import "context"

// FileStore 保存上传的 PDF 原文件，MinIO 与本地目录两种实现见 pkg/storage。
type FileStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Name() string
}
