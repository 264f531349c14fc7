// Package model 包含了应用的数据模型定义。
package model

import "time"

// DocumentMetadata 是从 PDF 中抽取的元信息。
type DocumentMetadata struct {
	Title            string `json:"title"`
	Author           string `json:"author"`
	Subject          string `json:"subject"`
	Creator          string `json:"creator"`
	Producer         string `json:"producer"`
	CreationDate     string `json:"creation_date"`
	ModificationDate string `json:"modification_date"`
	Pages            int    `json:"pages"`
	FileSize         int64  `json:"file_size"`
}

// Page 是单页文本，Number 从 1 开始。
type Page struct {
	Number int
	Text   string
}

// ExtractedDocument 是抽取器的输出：逐页文本、元信息与内容哈希。
type ExtractedDocument struct {
	FileHash string
	FileName string
	Pages    []Page
	Metadata DocumentMetadata
}

// TextLength 返回所有页文本的字符数之和。
func (d *ExtractedDocument) TextLength() int {
	n := 0
	for _, p := range d.Pages {
		n += len([]rune(p.Text))
	}
	return n
}

// Document 对应 documents 表，是已上传 PDF 的目录。
// 同一内容哈希只有一行；内容变化的重新上传会产生新的一行。
type Document struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	FileHash         string    `gorm:"type:char(64);uniqueIndex;not null" json:"file_hash"`
	FileName         string    `gorm:"type:varchar(255);index;not null" json:"filename"`
	ObjectKey        string    `gorm:"type:varchar(255);not null" json:"-"`
	FileSize         int64     `gorm:"not null" json:"file_size"`
	Title            string    `gorm:"type:varchar(512)" json:"title"`
	Author           string    `gorm:"type:varchar(255)" json:"author"`
	Subject          string    `gorm:"type:varchar(512)" json:"subject"`
	Creator          string    `gorm:"type:varchar(255)" json:"creator"`
	Producer         string    `gorm:"type:varchar(255)" json:"producer"`
	CreationDate     string    `gorm:"type:varchar(64)" json:"creation_date"`
	ModificationDate string    `gorm:"type:varchar(64)" json:"modification_date"`
	Pages            int       `json:"pages"`
	TextLength       int       `json:"text_length"`
	ChunkCount       int       `json:"chunk_count"`
	Status           string    `gorm:"type:varchar(32);not null;default:'pending'" json:"status"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// Metadata 把目录行还原成元信息结构。
func (d *Document) Metadata() DocumentMetadata {
	return DocumentMetadata{
		Title:            d.Title,
		Author:           d.Author,
		Subject:          d.Subject,
		Creator:          d.Creator,
		Producer:         d.Producer,
		CreationDate:     d.CreationDate,
		ModificationDate: d.ModificationDate,
		Pages:            d.Pages,
		FileSize:         d.FileSize,
	}
}

// ApplyMetadata 把抽取到的元信息写回目录行。
func (d *Document) ApplyMetadata(m DocumentMetadata) {
	d.Title = m.Title
	d.Author = m.Author
	d.Subject = m.Subject
	d.Creator = m.Creator
	d.Producer = m.Producer
	d.CreationDate = m.CreationDate
	d.ModificationDate = m.ModificationDate
	d.Pages = m.Pages
	if m.FileSize > 0 {
		d.FileSize = m.FileSize
	}
}
