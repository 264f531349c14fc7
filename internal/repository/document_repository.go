package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
)

// DocumentRepository 是已上传 PDF 的目录。
type DocumentRepository interface {
	// Upsert 按 file_hash 插入或更新一行。
	Upsert(ctx context.Context, doc *model.Document) error
	FindByHash(ctx context.Context, fileHash string) (*model.Document, error)
	// FindByFileName 返回同名文件中最近上传 (updated_at 最新) 的一份。
	FindByFileName(ctx context.Context, fileName string) (*model.Document, error)
	List(ctx context.Context, offset, limit int, search string) ([]model.Document, int64, error)
	Ping(ctx context.Context) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建基于 gorm 的实现。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Upsert(ctx context.Context, doc *model.Document) error {
	// 重复内容再次上传时 doc 来自查询结果，需要刷新 updated_at
	doc.UpdatedAt = time.Now()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "file_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_name", "object_key", "file_size", "title", "author", "subject", "creator", "producer",
			"creation_date", "modification_date", "pages", "text_length", "chunk_count", "status", "updated_at",
		}),
	}).Create(doc).Error
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "document.Upsert", err)
	}
	return nil
}

func (r *documentRepository) FindByHash(ctx context.Context, fileHash string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("file_hash = ?", fileHash).First(&doc).Error
	return r.found(&doc, err, "document.FindByHash")
}

func (r *documentRepository) FindByFileName(ctx context.Context, fileName string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("file_name = ?", fileName).Order("updated_at DESC, id DESC").First(&doc).Error
	return r.found(&doc, err, "document.FindByFileName")
}

func (r *documentRepository) found(doc *model.Document, err error, op string) (*model.Document, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, op, "document not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	return doc, nil
}

func (r *documentRepository) List(ctx context.Context, offset, limit int, search string) ([]model.Document, int64, error) {
	var (
		docs  []model.Document
		total int64
	)
	query := r.db.WithContext(ctx).Model(&model.Document{})
	if search != "" {
		like := "%" + search + "%"
		query = query.Where("file_name LIKE ? OR title LIKE ? OR author LIKE ?", like, like, like)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, apperr.Wrap(apperr.UpstreamUnavailable, "document.List", err)
	}
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&docs).Error; err != nil {
		return nil, 0, apperr.Wrap(apperr.UpstreamUnavailable, "document.List", err)
	}
	return docs, total, nil
}

func (r *documentRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// memoryDocumentRepository 是未配置 MySQL 时的进程内目录。
type memoryDocumentRepository struct {
	mu     sync.RWMutex
	nextID uint
	docs   map[string]*model.Document
}

func NewMemoryDocumentRepository() DocumentRepository {
	return &memoryDocumentRepository{docs: make(map[string]*model.Document)}
}

func (r *memoryDocumentRepository) Upsert(_ context.Context, doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if existing, ok := r.docs[doc.FileHash]; ok {
		doc.ID = existing.ID
		doc.CreatedAt = existing.CreatedAt
	} else {
		r.nextID++
		doc.ID = r.nextID
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	cp := *doc
	r.docs[doc.FileHash] = &cp
	return nil
}

func (r *memoryDocumentRepository) FindByHash(_ context.Context, fileHash string) (*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[fileHash]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "document.FindByHash", "document not found")
	}
	cp := *doc
	return &cp, nil
}

func (r *memoryDocumentRepository) FindByFileName(_ context.Context, fileName string) (*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *model.Document
	for _, doc := range r.docs {
		if doc.FileName == fileName && (best == nil || newer(doc, best)) {
			best = doc
		}
	}
	if best == nil {
		return nil, apperr.New(apperr.NotFound, "document.FindByFileName", "document not found")
	}
	cp := *best
	return &cp, nil
}

func newer(a, b *model.Document) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.ID > b.ID
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func (r *memoryDocumentRepository) List(_ context.Context, offset, limit int, search string) ([]model.Document, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	needle := strings.ToLower(search)
	var all []model.Document
	for _, doc := range r.docs {
		if needle == "" ||
			strings.Contains(strings.ToLower(doc.FileName), needle) ||
			strings.Contains(strings.ToLower(doc.Title), needle) ||
			strings.Contains(strings.ToLower(doc.Author), needle) {
			all = append(all, *doc)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := int64(len(all))
	if offset >= len(all) {
		return []model.Document{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (r *memoryDocumentRepository) Ping(context.Context) error { return nil }
