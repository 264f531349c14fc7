package model

// Chunk 是文档中一段连续文本，Start/End 为在所在页文本中的 rune 偏移（左闭右开）。
type Chunk struct {
	FileHash    string
	FileName    string
	Page        int
	Index       int
	TotalChunks int
	Start       int
	End         int
	Overlap     int // 与前一块重叠的 rune 数
	Text        string
}

// 向量库 payload 中的字段名。file_hash 上需要建立 keyword 索引才能过滤。
const (
	PayloadFileHash    = "file_hash"
	PayloadFileName    = "filename"
	PayloadPage        = "page"
	PayloadChunkIndex  = "chunk_index"
	PayloadTotalChunks = "total_chunks"
	PayloadText        = "text"
)

// VectorRecord 是写入向量库的一条记录。
type VectorRecord struct {
	ID      string
	Vector  []float32
	Text    string
	Payload map[string]any
}

// SearchHit 是一次相似度检索的命中。
type SearchHit struct {
	ID      string
	Score   float64
	Text    string
	Payload map[string]any
}

// FileHash 从 payload 中读取文档哈希。
func (h SearchHit) FileHash() string {
	s, _ := h.Payload[PayloadFileHash].(string)
	return s
}

// FileName 从 payload 中读取文件名。
func (h SearchHit) FileName() string {
	s, _ := h.Payload[PayloadFileName].(string)
	return s
}

// Filter 是等值匹配条件的合取。
type Filter map[string]any

// ByFileHash 构造按文档哈希过滤的条件。
func ByFileHash(hash string) Filter {
	if hash == "" {
		return nil
	}
	return Filter{PayloadFileHash: hash}
}
