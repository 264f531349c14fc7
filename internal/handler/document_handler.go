package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"lumina-iq/internal/service"
	"lumina-iq/pkg/log"
)

// multipartOverhead 是 multipart 边界与表单头部允许的额外字节。
const multipartOverhead = 1 << 20

// DocumentHandler 负责处理所有与 PDF 上传、选择和目录相关的 API 请求。
type DocumentHandler struct {
	docService     service.DocumentService
	maxUploadBytes int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。maxUploadBytes <= 0 表示不限制。
func NewDocumentHandler(docService service.DocumentService, maxUploadBytes int64) *DocumentHandler {
	return &DocumentHandler{docService: docService, maxUploadBytes: maxUploadBytes}
}

// SelectRequest 是选择文档的请求体。
type SelectRequest struct {
	FileName string `json:"filename" binding:"required"`
}

// Upload 处理 multipart 上传，表单字段为 file，?async=true 强制后台入库。
func (h *DocumentHandler) Upload(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}
	if h.maxUploadBytes > 0 {
		// 在解析表单前限制请求体，超限的分块上传不会被整体落盘
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	}
	header, err := c.FormFile("file")
	if err != nil {
		if bodyTooLarge(err) {
			h.tooLarge(c)
			return
		}
		badRequest(c, "missing multipart field \"file\"")
		return
	}
	if h.maxUploadBytes > 0 && header.Size > h.maxUploadBytes {
		h.tooLarge(c)
		return
	}
	async, _ := strconv.ParseBool(c.DefaultQuery("async", "false"))

	f, err := header.Open()
	if err != nil {
		log.Error("Upload: failed to open multipart file", err)
		badRequest(c, "failed to read uploaded file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		log.Error("Upload: failed to read multipart file", err)
		badRequest(c, "failed to read uploaded file")
		return
	}

	result, err := h.docService.Upload(c.Request.Context(), session, header.Filename, data, async)
	if err != nil {
		fail(c, err)
		return
	}
	if result.JobID != "" {
		c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": result.Message, "data": result})
		return
	}
	success(c, result.Message, result)
}

func (h *DocumentHandler) tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"code":    http.StatusRequestEntityTooLarge,
		"message": fmt.Sprintf("file exceeds the %d byte limit", h.maxUploadBytes),
		"data":    nil,
	})
}

func bodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	// 部分 multipart 错误没有用 %w 包装
	return strings.Contains(err.Error(), "request body too large")
}

// Select 选择已登记的文档作为会话当前文档。
func (h *DocumentHandler) Select(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}
	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "filename is required")
		return
	}
	info, err := h.docService.Select(c.Request.Context(), session, req.FileName)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "document selected", info)
}

// Info 返回会话当前文档。
func (h *DocumentHandler) Info(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}
	info, err := h.docService.Info(session)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", info)
}

func (h *DocumentHandler) Metadata(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}
	meta, err := h.docService.Metadata(session)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", meta)
}

// List 分页列出目录，参数 offset、limit、search。
func (h *DocumentHandler) List(c *gin.Context) {
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		badRequest(c, "offset must be an integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		badRequest(c, "limit must be an integer")
		return
	}
	page, err := h.docService.List(c.Request.Context(), offset, limit, c.Query("search"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", page)
}
