package pipeline

import (
	"context"
	"time"

	"lumina-iq/internal/model"
	"lumina-iq/internal/repository"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
	"lumina-iq/pkg/tasks"
)

// 目录行的 status 取值。
const (
	StatusPending  = "pending"
	StatusQueued   = "queued"
	StatusIngested = "ingested"
	StatusFailed   = "failed"
)

// Processor 把入库结果写回文档目录，并实现 tasks.Processor 以执行后台任务。
type Processor struct {
	ingestor *Ingestor
	docs     repository.DocumentRepository
	files    repository.FileStore
	jobs     repository.JobRepository
	now      func() time.Time
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(ingestor *Ingestor, docs repository.DocumentRepository, files repository.FileStore, jobs repository.JobRepository) *Processor {
	return &Processor{ingestor: ingestor, docs: docs, files: files, jobs: jobs, now: time.Now}
}

// IngestDocument 对目录中的一行执行入库并更新该行。同步上传与后台任务共用这一路径。
func (p *Processor) IngestDocument(ctx context.Context, doc *model.Document, data []byte) model.IngestResult {
	result := p.ingestor.Ingest(ctx, data, doc.FileName)

	switch result.Status {
	case model.IngestIngested:
		doc.ApplyMetadata(result.Metadata)
		doc.TextLength = result.TextLength
		doc.ChunkCount = result.Chunks
		doc.Status = StatusIngested
	case model.IngestSkippedDuplicate:
		// 向量已存在，保留目录中已有的统计
		doc.Status = StatusIngested
	default:
		doc.Status = StatusFailed
	}
	if err := p.docs.Upsert(ctx, doc); err != nil {
		log.Warnf("[Processor] 更新文档目录失败, hash: %s, error: %v", doc.FileHash, err)
	}
	return result
}

// Process 是后台入库任务的主函数。返回的错误保留类别，消费者据此决定是否重试。
func (p *Processor) Process(ctx context.Context, task tasks.IngestionTask) error {
	log.Infof("[Processor] 开始处理入库任务, job: %s, hash: %s, file: %s", task.JobID, task.FileHash, task.FileName)

	job, err := p.jobs.Get(ctx, task.JobID)
	if err != nil {
		if !apperr.Is(err, apperr.NotFound) {
			return err
		}
		// 任务记录过期或丢失时按消息内容重建
		job = &model.Job{ID: task.JobID, FileHash: task.FileHash, FileName: task.FileName, CreatedAt: p.now()}
	}
	if job.State.Terminal() {
		log.Infof("[Processor] 任务已结束(%s), 忽略重复投递, job: %s", job.State, task.JobID)
		return nil
	}

	job.State = model.JobRunning
	job.Attempts++
	job.Error = ""
	p.saveJob(ctx, job)

	// 1. 从对象存储读取文件
	data, err := p.files.Get(ctx, task.ObjectKey)
	if err != nil {
		return p.fail(ctx, job, err)
	}

	// 2. 读取目录行，没有则按任务内容新建
	doc, err := p.docs.FindByHash(ctx, task.FileHash)
	if err != nil {
		if !apperr.Is(err, apperr.NotFound) {
			return p.fail(ctx, job, err)
		}
		doc = &model.Document{FileHash: task.FileHash, FileName: task.FileName, ObjectKey: task.ObjectKey, FileSize: int64(len(data))}
	}

	// 3. 入库
	result := p.IngestDocument(ctx, doc, data)
	if result.Err != nil {
		return p.fail(ctx, job, result.Err)
	}

	job.State = model.JobSucceeded
	job.Outcome = result.Status
	job.Chunks = doc.ChunkCount
	job.Retryable = false
	p.saveJob(ctx, job)
	log.Infof("[Processor] 入库任务完成, job: %s, outcome: %s", job.ID, job.Outcome)
	return nil
}

// fail 记录本次失败。可重试的错误让任务回到 queued，由调用方决定重投还是 Abandon。
func (p *Processor) fail(ctx context.Context, job *model.Job, err error) error {
	job.Error = apperr.Message(err)
	job.Retryable = apperr.Retryable(err)
	if job.Retryable {
		job.State = model.JobQueued
	} else {
		job.State = model.JobFailed
		job.Outcome = model.IngestFailed
	}
	p.saveJob(ctx, job)
	return err
}

// Abandon 在调用方不再重试时把任务标记为 failed。已结束的任务保持不变。
func (p *Processor) Abandon(ctx context.Context, task tasks.IngestionTask, cause error) {
	job, err := p.jobs.Get(ctx, task.JobID)
	if err != nil {
		job = &model.Job{ID: task.JobID, FileHash: task.FileHash, FileName: task.FileName, CreatedAt: p.now()}
	}
	if job.State.Terminal() {
		return
	}
	job.State = model.JobFailed
	job.Outcome = model.IngestFailed
	job.Error = apperr.Message(cause)
	job.Retryable = apperr.Retryable(cause)
	p.saveJob(ctx, job)
	log.Warnf("[Processor] 放弃重试, job: %s, attempts: %d, error: %s", job.ID, job.Attempts, job.Error)
}

func (p *Processor) saveJob(ctx context.Context, job *model.Job) {
	job.UpdatedAt = p.now()
	metrics.Jobs.WithLabelValues(string(job.State)).Inc()
	if err := p.jobs.Save(ctx, job); err != nil {
		log.Warnf("[Processor] 保存任务状态失败, job: %s, error: %v", job.ID, err)
	}
}
