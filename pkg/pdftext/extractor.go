// Package pdftext 在进程内解析 PDF 文本层，用于未部署 Tika 的环境。
package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/metrics"
)

// Extractor 用 ledongthuc/pdf 逐页抽取文本。扫描件没有文本层，结果为空。
type Extractor struct{}

func New() *Extractor { return &Extractor{} }

// ExtractPages 返回非空页的文本，页码从 1 开始。
func (e *Extractor) ExtractPages(ctx context.Context, data []byte, _ string) (pages []model.Page, err error) {
	const op = "pdftext.ExtractPages"
	defer observe(time.Now(), &err)

	r, err := open(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, op, err)
	}
	defer func() {
		// 畸形的内容流会让解析器 panic
		if rec := recover(); rec != nil {
			pages, err = nil, apperr.New(apperr.Validation, op, fmt.Sprintf("malformed PDF: %v", rec))
		}
	}()

	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, op, fmt.Errorf("page %d: %w", i, err))
		}
		text = collapseWhitespace(text)
		if text == "" {
			continue
		}
		pages = append(pages, model.Page{Number: i, Text: text})
	}
	return pages, nil
}

// Metadata 读取 trailer 中的 Info 字典。
func (e *Extractor) Metadata(_ context.Context, data []byte, _ string) (meta model.DocumentMetadata, err error) {
	const op = "pdftext.Metadata"
	r, err := open(data)
	if err != nil {
		return meta, apperr.Wrap(apperr.Validation, op, err)
	}
	defer func() {
		if rec := recover(); rec != nil {
			meta, err = model.DocumentMetadata{}, apperr.New(apperr.Validation, op, fmt.Sprintf("malformed PDF: %v", rec))
		}
	}()

	info := r.Trailer().Key("Info")
	meta = model.DocumentMetadata{
		Title:            info.Key("Title").Text(),
		Author:           info.Key("Author").Text(),
		Subject:          info.Key("Subject").Text(),
		Creator:          info.Key("Creator").Text(),
		Producer:         info.Key("Producer").Text(),
		CreationDate:     ParseDate(info.Key("CreationDate").Text()),
		ModificationDate: ParseDate(info.Key("ModDate").Text()),
		Pages:            r.NumPage(),
		FileSize:         int64(len(data)),
	}
	return meta, nil
}

// Ping 总是成功，解析在进程内完成。
func (e *Extractor) Ping(context.Context) error { return nil }

func open(data []byte) (*pdf.Reader, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty PDF")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pdf reader: %w", err)
	}
	return r, nil
}

// ParseDate 把 PDF 日期 (D:YYYYMMDDHHmmSS...) 转成 2006-01-02T15:04:05，无法解析时原样返回。
func ParseDate(raw string) string {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "D:")
	if len(s) >= 14 {
		if t, err := time.Parse("20060102150405", s[:14]); err == nil {
			return t.Format("2006-01-02T15:04:05")
		}
	}
	if len(s) >= 8 {
		if t, err := time.Parse("20060102", s[:8]); err == nil {
			return t.Format("2006-01-02T15:04:05")
		}
	}
	return raw
}

// collapseWhitespace 合并行内空白并去掉空行，保留换行供分块使用。
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func observe(start time.Time, errp *error) {
	metrics.UpstreamCalls.WithLabelValues("pdftext", metrics.Outcome(*errp)).Inc()
	metrics.UpstreamDuration.WithLabelValues("pdftext").Observe(time.Since(start).Seconds())
}
