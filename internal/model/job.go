package model

import "time"

// JobState 是后台入库任务的状态。
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal 报告状态是否为终态。
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job 是一次后台入库的记录，ID 返回给调用方轮询。
type Job struct {
	ID        string       `json:"id"`
	State     JobState     `json:"state"`
	FileHash  string       `json:"file_hash"`
	FileName  string       `json:"filename"`
	ObjectKey string       `json:"-"`
	Outcome   IngestStatus `json:"outcome,omitempty"`
	Chunks    int          `json:"chunks"`
	Error     string       `json:"error,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	Attempts  int          `json:"attempts"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// IngestStatus 是入库流水线的终态。
type IngestStatus string

const (
	IngestIngested         IngestStatus = "ingested"
	IngestSkippedDuplicate IngestStatus = "skipped-duplicate"
	IngestFailed           IngestStatus = "failed"
	IngestQueued           IngestStatus = "queued"
)

// IngestResult 是一次入库的结果。Status 为 failed 时 Err 非空。
type IngestResult struct {
	Status     IngestStatus
	FileHash   string
	Chunks     int
	TextLength int
	Metadata   DocumentMetadata
	Err        error
}
