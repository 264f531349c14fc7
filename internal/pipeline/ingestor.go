// Package pipeline 定义了文件入库的核心流程。
package pipeline

import (
	"context"
	"fmt"
	"time"

	"lumina-iq/internal/chunker"
	"lumina-iq/internal/model"
	"lumina-iq/internal/repository"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

// Embedder 是入库流程需要的向量化能力。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Ingestor 执行 hash -> 查重 -> 抽取 -> 切块 -> 向量化 -> 写入 的流水线。
type Ingestor struct {
	extractor *Extractor
	chunker   *chunker.Chunker
	embedder  Embedder
	store     repository.VectorStore
}

// NewIngestor 创建一个新的 Ingestor 实例。
func NewIngestor(extractor *Extractor, ch *chunker.Chunker, embedder Embedder, store repository.VectorStore) *Ingestor {
	return &Ingestor{extractor: extractor, chunker: ch, embedder: embedder, store: store}
}

// RecordID 是向量记录的业务 ID，同一文档同一块总是得到同一个 ID。
func RecordID(fileHash string, chunkIndex int) string {
	return fmt.Sprintf("%s:%d", fileHash, chunkIndex)
}

// Ingest 入库一份文档，终态为 ingested、skipped-duplicate 或 failed。
// 失败时 result.Err 携带错误类别，调用方据此判断是否值得重试。
func (i *Ingestor) Ingest(ctx context.Context, data []byte, fileName string) (result model.IngestResult) {
	start := time.Now()
	result.FileHash = HashContent(data)
	defer func() {
		metrics.Ingestions.WithLabelValues(string(result.Status)).Inc()
		if result.Err != nil {
			log.Errorf("[Ingestor] 文档入库失败, file: %s, hash: %s, error: %v", fileName, result.FileHash, result.Err)
			return
		}
		log.Infof("[Ingestor] 文档入库结束, file: %s, hash: %s, status: %s, chunks: %d, 耗时: %s",
			fileName, result.FileHash, result.Status, result.Chunks, time.Since(start))
	}()

	// 1. 查重：向量库中已有该哈希的记录则跳过
	exists, err := i.store.Exists(ctx, model.ByFileHash(result.FileHash))
	if err != nil {
		return failed(result, apperr.Wrap(apperr.UpstreamUnavailable, "pipeline.Ingest", err))
	}
	if exists {
		log.Infof("[Ingestor] 向量库中已存在该文档, 跳过入库, hash: %s", result.FileHash)
		result.Status = model.IngestSkippedDuplicate
		return result
	}

	// 2. 抽取文本
	doc, err := i.extractor.Extract(ctx, data, fileName)
	if err != nil {
		return failed(result, err)
	}
	result.Metadata = doc.Metadata
	result.TextLength = doc.TextLength()
	log.Infof("[Ingestor] 文本抽取成功, 页数: %d, 字符数: %d", len(doc.Pages), result.TextLength)

	// 3. 切块
	chunks := i.chunker.ChunkDocument(doc)
	if len(chunks) == 0 {
		return failed(result, apperr.New(apperr.Validation, "pipeline.Ingest", "document produced no chunks"))
	}
	log.Infof("[Ingestor] 文本分块完成, 共生成 %d 个分块", len(chunks))

	// 4. 向量化
	texts := make([]string, len(chunks))
	for j, c := range chunks {
		texts[j] = c.Text
	}
	vectors, err := i.embedder.Embed(ctx, texts)
	if err != nil {
		return failed(result, err)
	}

	// 5. 写入向量库，失败时尽力清理已写入的部分
	records := make([]model.VectorRecord, len(chunks))
	for j, c := range chunks {
		records[j] = model.VectorRecord{
			ID:     RecordID(c.FileHash, c.Index),
			Vector: vectors[j],
			Text:   c.Text,
			Payload: map[string]any{
				model.PayloadFileHash:    c.FileHash,
				model.PayloadFileName:    c.FileName,
				model.PayloadPage:        c.Page,
				model.PayloadChunkIndex:  c.Index,
				model.PayloadTotalChunks: c.TotalChunks,
			},
		}
	}
	if err := i.store.Upsert(ctx, records); err != nil {
		i.cleanup(ctx, result.FileHash)
		return failed(result, err)
	}

	result.Status = model.IngestIngested
	result.Chunks = len(chunks)
	return result
}

// cleanup 删除某个哈希下的部分向量。原请求可能已超时，因此使用独立的 context。
func (i *Ingestor) cleanup(ctx context.Context, fileHash string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := i.store.Delete(cctx, model.ByFileHash(fileHash)); err != nil {
		log.Warnf("[Ingestor] 清理部分写入的向量失败, hash: %s, error: %v", fileHash, err)
		return
	}
	log.Infof("[Ingestor] 已清理部分写入的向量, hash: %s", fileHash)
}

func failed(result model.IngestResult, err error) model.IngestResult {
	result.Status = model.IngestFailed
	result.Err = err
	return result
}
