// Package chunker 把文档文本切分成带重叠的定长片段。
package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"lumina-iq/internal/model"
)

// Chunker 以 rune 为单位切块。相邻两块恰好重叠 overlap 个 rune，
// 切点尽量落在空白处，末尾不足 minSize 的新增内容并入前一块。
type Chunker struct {
	size    int
	overlap int
	minSize int
}

// New 校验参数并创建 Chunker，要求 0 <= overlap < size。
func New(size, overlap, minSize int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must satisfy 0 <= overlap < size, got size=%d overlap=%d", size, overlap)
	}
	if minSize < 0 {
		minSize = 0
	}
	return &Chunker{size: size, overlap: overlap, minSize: minSize}, nil
}

// Span 是 Split 的结果，Start/End 为 rune 偏移。
type Span struct {
	Start   int
	End     int
	Overlap int
	Text    string
}

// Split 切分一段文本。空文本或纯空白返回 nil。
func (c *Chunker) Split(text string) []Span {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	n := len(runes)

	var spans []Span
	start := 0
	for {
		end := start + c.size
		if end >= n {
			end = n
		} else {
			end = c.boundary(runes, start, end)
		}
		ov := 0
		if len(spans) > 0 {
			ov = spans[len(spans)-1].End - start
		}
		spans = append(spans, Span{Start: start, End: end, Overlap: ov})
		if end == n {
			break
		}
		start = end - c.overlap
	}

	if k := len(spans); k > 1 {
		last := spans[k-1]
		if last.End-spans[k-2].End < c.minSize {
			spans[k-2].End = last.End
			spans = spans[:k-1]
		}
	}

	for i := range spans {
		spans[i].Text = string(runes[spans[i].Start:spans[i].End])
	}
	return spans
}

// boundary 在 (start+overlap, end] 内从后往前找空白，找到则在空白之后切开。
func (c *Chunker) boundary(runes []rune, start, end int) int {
	floor := start + c.overlap + 1
	for i := end - 1; i >= floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

// ChunkDocument 逐页切块，块序号在整篇文档内连续，每块带上文档哈希与页码。
func (c *Chunker) ChunkDocument(doc *model.ExtractedDocument) []model.Chunk {
	var chunks []model.Chunk
	for _, page := range doc.Pages {
		for _, s := range c.Split(page.Text) {
			chunks = append(chunks, model.Chunk{
				FileHash: doc.FileHash,
				FileName: doc.FileName,
				Page:     page.Number,
				Index:    len(chunks),
				Start:    s.Start,
				End:      s.End,
				Overlap:  s.Overlap,
				Text:     s.Text,
			})
		}
	}
	for i := range chunks {
		chunks[i].TotalChunks = len(chunks)
	}
	return chunks
}

// Reassemble 去掉每块与前一块的重叠部分后拼接，用于校验覆盖性。
func Reassemble(spans []Span) string {
	var b strings.Builder
	for _, s := range spans {
		r := []rune(s.Text)
		b.WriteString(string(r[s.Overlap:]))
	}
	return b.String()
}
