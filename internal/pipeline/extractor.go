package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
)

// PageExtractor 是文本抽取服务（Tika）的最小接口。
type PageExtractor interface {
	ExtractPages(ctx context.Context, data []byte, fileName string) ([]model.Page, error)
	Metadata(ctx context.Context, data []byte, fileName string) (model.DocumentMetadata, error)
}

// HashContent 返回内容的 SHA-256 十六进制摘要，用作文档身份。
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Extractor 把 PDF 字节转换为逐页文本与元信息。
type Extractor struct {
	pages PageExtractor
}

func NewExtractor(pages PageExtractor) *Extractor {
	return &Extractor{pages: pages}
}

// Extract 抽取逐页文本。元信息读取失败只记日志，页数与大小由正文补齐。
func (e *Extractor) Extract(ctx context.Context, data []byte, fileName string) (*model.ExtractedDocument, error) {
	const op = "pipeline.Extract"
	if len(data) == 0 {
		return nil, apperr.New(apperr.Validation, op, "uploaded file is empty")
	}

	pages, err := e.pages.ExtractPages(ctx, data, fileName)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamError, op, err)
	}

	meta, err := e.pages.Metadata(ctx, data, fileName)
	if err != nil {
		log.Warnf("[Extractor] 读取元信息失败，使用默认值, file: %s, error: %v", fileName, err)
		meta = model.DocumentMetadata{}
	}
	if meta.Pages == 0 && len(pages) > 0 {
		meta.Pages = pages[len(pages)-1].Number
	}
	meta.FileSize = int64(len(data))

	doc := &model.ExtractedDocument{
		FileHash: HashContent(data),
		FileName: fileName,
		Pages:    pages,
		Metadata: meta,
	}
	if doc.TextLength() == 0 {
		return nil, apperr.New(apperr.Validation, op, "no extractable text found in the PDF")
	}
	return doc, nil
}
