package model

import "time"

// Session 是服务端保存的会话状态，通过会话令牌中的 ID 定位。
// 每个会话最多选中一个文档，后写者生效。
type Session struct {
	ID         string            `json:"id"`
	FileHash   string            `json:"file_hash,omitempty"`
	FileName   string            `json:"filename,omitempty"`
	SelectedAt *time.Time        `json:"selected_at,omitempty"`
	TextLength int               `json:"text_length"`
	Metadata   *DocumentMetadata `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// HasDocument 报告会话是否已选中文档。
func (s *Session) HasDocument() bool {
	return s != nil && s.FileHash != ""
}

// Select 把会话指向给定文档。
func (s *Session) Select(doc *Document, at time.Time) {
	meta := doc.Metadata()
	s.FileHash = doc.FileHash
	s.FileName = doc.FileName
	s.SelectedAt = &at
	s.TextLength = doc.TextLength
	s.Metadata = &meta
}
