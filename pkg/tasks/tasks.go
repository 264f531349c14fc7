// Package tasks defines the background ingestion task and how it is dispatched.
package tasks

import (
	"context"
	"sync"
	"time"

	"lumina-iq/pkg/log"
)

// IngestionTask represents a PDF that was stored and still has to be ingested.
type IngestionTask struct {
	JobID     string `json:"job_id"`
	FileHash  string `json:"file_hash"`
	FileName  string `json:"file_name"`
	ObjectKey string `json:"object_key"`
	FileSize  int64  `json:"file_size"`
}

// Processor defines the interface for any service that can process a task.
// This decouples the consumer from the concrete pipeline implementation.
// A retryable error from Process leaves the job queued; whoever runs the task
// calls Abandon once it stops retrying, which makes the failure final.
type Processor interface {
	Process(ctx context.Context, task IngestionTask) error
	Abandon(ctx context.Context, task IngestionTask, cause error)
}

// Dispatcher hands a task to whatever runs it in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, task IngestionTask) error
}

// LocalDispatcher 在进程内的 goroutine 中执行任务，用于没有配置 Kafka 的部署。
type LocalDispatcher struct {
	processor Processor
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewLocalDispatcher(processor Processor, timeout time.Duration) *LocalDispatcher {
	return &LocalDispatcher{processor: processor, timeout: timeout}
}

// Dispatch 立即返回，任务在后台执行，不继承请求的 context。
func (d *LocalDispatcher) Dispatch(_ context.Context, task IngestionTask) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx := context.Background()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		if err := d.processor.Process(ctx, task); err != nil {
			log.Errorf("[LocalDispatcher] 任务处理失败, job: %s, file: %s, error: %v", task.JobID, task.FileName, err)
			// 进程内执行不重试，超时后的 ctx 已不可用
			d.processor.Abandon(context.Background(), task, err)
		}
	}()
	return nil
}

// Wait 等待所有已派发的任务结束，用于优雅停机与测试。
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
