// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"lumina-iq/internal/model"
	"lumina-iq/internal/pipeline"
	"lumina-iq/internal/repository"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/tasks"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// UploadResult 是上传接口的返回体。
type UploadResult struct {
	Message    string                  `json:"message"`
	FileName   string                  `json:"filename"`
	Status     model.IngestStatus      `json:"status"`
	FileHash   string                  `json:"file_hash"`
	Metadata   *model.DocumentMetadata `json:"metadata"`
	TextLength int                     `json:"text_length"`
	Chunks     int                     `json:"chunks"`
	JobID      string                  `json:"job_id,omitempty"`
}

// DocumentInfo 描述会话当前选中的文档。
type DocumentInfo struct {
	FileName   string                  `json:"filename"`
	FileHash   string                  `json:"file_hash"`
	SelectedAt *time.Time              `json:"selected_at"`
	TextLength int                     `json:"text_length"`
	Metadata   *model.DocumentMetadata `json:"metadata"`
}

// DocumentPage 是目录分页结果。
type DocumentPage struct {
	Documents []model.Document `json:"documents"`
	Total     int64            `json:"total"`
	Offset    int              `json:"offset"`
	Limit     int              `json:"limit"`
}

// DocumentIngester 对目录中的一行执行入库，由 pipeline.Processor 实现。
type DocumentIngester interface {
	IngestDocument(ctx context.Context, doc *model.Document, data []byte) model.IngestResult
}

// DocumentService 接口定义了文档上传、选择与目录查询相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, session *model.Session, fileName string, data []byte, async bool) (*UploadResult, error)
	Select(ctx context.Context, session *model.Session, fileName string) (*DocumentInfo, error)
	Info(session *model.Session) (*DocumentInfo, error)
	Metadata(session *model.Session) (*model.DocumentMetadata, error)
	List(ctx context.Context, offset, limit int, search string) (*DocumentPage, error)
}

type documentService struct {
	docs           repository.DocumentRepository
	files          repository.FileStore
	vectors        repository.VectorStore
	jobs           repository.JobRepository
	ingester       DocumentIngester
	dispatcher     tasks.Dispatcher
	sessions       SessionService
	asyncThreshold int64
	now            func() time.Time
}

// DocumentDeps 汇总 DocumentService 的依赖。
type DocumentDeps struct {
	Docs           repository.DocumentRepository
	Files          repository.FileStore
	Vectors        repository.VectorStore
	Jobs           repository.JobRepository
	Ingester       DocumentIngester
	Dispatcher     tasks.Dispatcher
	Sessions       SessionService
	AsyncThreshold int64
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(deps DocumentDeps) DocumentService {
	return &documentService{
		docs:           deps.Docs,
		files:          deps.Files,
		vectors:        deps.Vectors,
		jobs:           deps.Jobs,
		ingester:       deps.Ingester,
		dispatcher:     deps.Dispatcher,
		sessions:       deps.Sessions,
		asyncThreshold: deps.AsyncThreshold,
		now:            time.Now,
	}
}

// ObjectKey 返回 PDF 在对象存储中的键。内容相同的文件共用一个对象。
func ObjectKey(fileHash string) string {
	return "pdfs/" + fileHash + ".pdf"
}

// Upload 保存文件、登记目录并入库，最后把文档设为会话当前文档。
// async 为 true 或文件超过阈值时改为后台任务，立即返回 job_id。
// session 为 nil 时只入库不做选择，启动时导入种子目录走这条路径。
func (s *documentService) Upload(ctx context.Context, session *model.Session, fileName string, data []byte, async bool) (*UploadResult, error) {
	const op = "document.Upload"
	fileName = filepath.Base(strings.TrimSpace(fileName))
	if !strings.EqualFold(filepath.Ext(fileName), ".pdf") {
		return nil, apperr.New(apperr.Validation, op, "only PDF files are allowed")
	}
	if len(data) == 0 {
		return nil, apperr.New(apperr.Validation, op, "uploaded file is empty")
	}

	hash := pipeline.HashContent(data)
	log.Infof("[DocumentService] 收到上传, file: %s, size: %d, hash: %s", fileName, len(data), hash)

	doc, err := s.docs.FindByHash(ctx, hash)
	switch {
	case err == nil:
		// 内容已在目录中，复用已存的对象
		log.Infof("[DocumentService] 文件内容已存在, 复用对象 %s", doc.ObjectKey)
		doc.FileName = fileName
	case apperr.Is(err, apperr.NotFound):
		doc = &model.Document{
			FileHash:  hash,
			FileName:  fileName,
			ObjectKey: ObjectKey(hash),
			FileSize:  int64(len(data)),
			Status:    pipeline.StatusPending,
		}
		if err := s.files.Put(ctx, doc.ObjectKey, data, "application/pdf"); err != nil {
			return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
		}
	default:
		return nil, err
	}
	if err := s.docs.Upsert(ctx, doc); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}

	if async || (s.asyncThreshold > 0 && int64(len(data)) > s.asyncThreshold) {
		return s.enqueue(ctx, session, doc)
	}

	result := s.ingester.IngestDocument(ctx, doc, data)
	if result.Err != nil {
		return nil, result.Err
	}
	if err := s.selectFor(ctx, session, doc); err != nil {
		return nil, err
	}

	message := "PDF uploaded and processed successfully"
	if result.Status == model.IngestSkippedDuplicate {
		message = "PDF already processed; using existing document"
	}
	meta := doc.Metadata()
	return &UploadResult{
		Message:    message,
		FileName:   doc.FileName,
		Status:     result.Status,
		FileHash:   doc.FileHash,
		Metadata:   &meta,
		TextLength: doc.TextLength,
		Chunks:     doc.ChunkCount,
	}, nil
}

func (s *documentService) enqueue(ctx context.Context, session *model.Session, doc *model.Document) (*UploadResult, error) {
	const op = "document.enqueue"
	now := s.now()
	job := &model.Job{
		ID:        uuid.NewString(),
		State:     model.JobQueued,
		FileHash:  doc.FileHash,
		FileName:  doc.FileName,
		ObjectKey: doc.ObjectKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, err
	}

	doc.Status = pipeline.StatusQueued
	if err := s.docs.Upsert(ctx, doc); err != nil {
		log.Warnf("[DocumentService] 更新目录状态失败, hash: %s, error: %v", doc.FileHash, err)
	}

	task := tasks.IngestionTask{
		JobID:     job.ID,
		FileHash:  doc.FileHash,
		FileName:  doc.FileName,
		ObjectKey: doc.ObjectKey,
		FileSize:  doc.FileSize,
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		job.State = model.JobFailed
		job.Outcome = model.IngestFailed
		job.Error = err.Error()
		job.Retryable = true
		job.UpdatedAt = s.now()
		_ = s.jobs.Save(ctx, job)
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	log.Infof("[DocumentService] 已提交后台入库任务, job: %s, file: %s", job.ID, doc.FileName)

	if err := s.selectFor(ctx, session, doc); err != nil {
		return nil, err
	}
	meta := doc.Metadata()
	return &UploadResult{
		Message:  "PDF upload accepted; processing in background",
		FileName: doc.FileName,
		Status:   model.IngestQueued,
		FileHash: doc.FileHash,
		Metadata: &meta,
		JobID:    job.ID,
	}, nil
}

func (s *documentService) selectFor(ctx context.Context, session *model.Session, doc *model.Document) error {
	if session == nil {
		return nil
	}
	return s.sessions.Select(ctx, session, doc)
}

// Select 按文件名选择已登记的文档；向量缺失时从对象存储读取原文件重新入库。
func (s *documentService) Select(ctx context.Context, session *model.Session, fileName string) (*DocumentInfo, error) {
	const op = "document.Select"
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, apperr.New(apperr.Validation, op, "filename is required")
	}
	doc, err := s.docs.FindByFileName(ctx, fileName)
	if err != nil {
		return nil, err
	}

	exists, err := s.vectors.Exists(ctx, model.ByFileHash(doc.FileHash))
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	if !exists {
		log.Infof("[DocumentService] 文档向量缺失, 重新入库, file: %s, hash: %s", doc.FileName, doc.FileHash)
		data, err := s.files.Get(ctx, doc.ObjectKey)
		if err != nil {
			return nil, err
		}
		if result := s.ingester.IngestDocument(ctx, doc, data); result.Err != nil {
			return nil, result.Err
		}
	}

	if err := s.sessions.Select(ctx, session, doc); err != nil {
		return nil, err
	}
	return s.Info(session)
}

func (s *documentService) Info(session *model.Session) (*DocumentInfo, error) {
	if !session.HasDocument() {
		return nil, errNoDocument("document.Info")
	}
	return &DocumentInfo{
		FileName:   session.FileName,
		FileHash:   session.FileHash,
		SelectedAt: session.SelectedAt,
		TextLength: session.TextLength,
		Metadata:   session.Metadata,
	}, nil
}

func (s *documentService) Metadata(session *model.Session) (*model.DocumentMetadata, error) {
	if !session.HasDocument() {
		return nil, errNoDocument("document.Metadata")
	}
	if session.Metadata == nil {
		return &model.DocumentMetadata{}, nil
	}
	return session.Metadata, nil
}

func (s *documentService) List(ctx context.Context, offset, limit int, search string) (*DocumentPage, error) {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	docs, total, err := s.docs.List(ctx, offset, limit, strings.TrimSpace(search))
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "document.List", err)
	}
	if docs == nil {
		docs = []model.Document{}
	}
	return &DocumentPage{Documents: docs, Total: total, Offset: offset, Limit: limit}, nil
}

func errNoDocument(op string) error {
	return apperr.New(apperr.NoDocument, op, "no PDF selected; upload or select a document first")
}
