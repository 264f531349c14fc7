package repository

import (
	"context"
	"time"

	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/cache"
)

const jobTTL = 7 * 24 * time.Hour

// JobRepository 保存后台入库任务的状态。
type JobRepository interface {
	Save(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
}

type jobRepository struct {
	kv jsonKV
}

func NewJobRepository(store cache.Store, prefix string) JobRepository {
	return &jobRepository{kv: jsonKV{store: store, prefix: prefix + ":job"}}
}

func (r *jobRepository) Save(ctx context.Context, job *model.Job) error {
	if err := r.kv.set(ctx, r.kv.key(job.ID), job, jobTTL); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "job.Save", err)
	}
	return nil
}

func (r *jobRepository) Get(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	ok, err := r.kv.get(ctx, r.kv.key(id), &job)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "job.Get", err)
	}
	if !ok {
		return nil, apperr.New(apperr.NotFound, "job.Get", "job not found")
	}
	return &job, nil
}
