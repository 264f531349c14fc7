package handler

import (
	"github.com/gin-gonic/gin"

	"lumina-iq/internal/service"
)

// JobHandler 提供后台入库任务的轮询接口。
type JobHandler struct {
	jobs service.JobService
}

func NewJobHandler(jobs service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", job)
}
