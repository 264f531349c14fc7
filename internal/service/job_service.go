package service

import (
	"context"
	"strings"

	"lumina-iq/internal/model"
	"lumina-iq/internal/repository"
	"lumina-iq/pkg/apperr"
)

// JobService 提供后台入库任务的查询。
type JobService interface {
	Get(ctx context.Context, id string) (*model.Job, error)
}

type jobService struct {
	jobs repository.JobRepository
}

func NewJobService(jobs repository.JobRepository) JobService {
	return &jobService{jobs: jobs}
}

func (s *jobService) Get(ctx context.Context, id string) (*model.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.New(apperr.Validation, "job.Get", "job id is required")
	}
	return s.jobs.Get(ctx, id)
}
