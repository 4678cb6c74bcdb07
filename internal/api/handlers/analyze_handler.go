package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/archive"
	"github.com/apk-analysis/config-analysis/internal/config"
	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/repository"
	"github.com/apk-analysis/config-analysis/internal/service"
)

// ReportDownloadName 报告下载文件名
const ReportDownloadName = "Configuration_Analysis_Report.pdf"

// errorKindInvalidRequest 请求本身不合法（未进入分析流程）
const errorKindInvalidRequest = "invalid_request"

// TaskRunner 同步执行任务
type TaskRunner interface {
	RunTask(ctx context.Context, taskID, archivePath string) error
}

// AnalyzeHandler 上传分析处理器
type AnalyzeHandler struct {
	taskService service.TaskService
	runner      TaskRunner
	cfg         config.AnalysisConfig
	logger      *logrus.Logger
}

// NewAnalyzeHandler 创建上传分析处理器
func NewAnalyzeHandler(taskService service.TaskService, runner TaskRunner, cfg config.AnalysisConfig, logger *logrus.Logger) *AnalyzeHandler {
	return &AnalyzeHandler{
		taskService: taskService,
		runner:      runner,
		cfg:         cfg,
		logger:      logger,
	}
}

// Analyze 上传项目压缩包并分析
// POST /api/analyze            同步分析，成功时直接返回 PDF 报告
// POST /api/analyze?async=true 异步分析，返回 202 和任务信息
func (h *AnalyzeHandler) Analyze(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, errorKindInvalidRequest, "no file part in the request")
		return
	}

	if file.Filename == "" || !archive.IsArchive(file.Filename) {
		respondError(c, http.StatusBadRequest, errorKindInvalidRequest, "only .zip project archives are supported")
		return
	}

	maxSize := int64(h.cfg.MaxUploadMB) * 1024 * 1024
	if maxSize > 0 && file.Size > maxSize {
		respondError(c, http.StatusRequestEntityTooLarge, errorKindInvalidRequest,
			fmt.Sprintf("file exceeds the upload limit (max %dMB)", h.cfg.MaxUploadMB))
		return
	}

	if err := os.MkdirAll(h.cfg.UploadDir, 0755); err != nil {
		h.logger.WithError(err).Error("Failed to create upload directory")
		respondError(c, http.StatusInternalServerError, string(domain.FailureKindInternal), domain.FailureKindInternal.Message())
		return
	}

	archivePath := filepath.Join(h.cfg.UploadDir, uuid.New().String()+archive.Extension)
	if err := c.SaveUploadedFile(file, archivePath); err != nil {
		h.logger.WithError(err).Error("Failed to save uploaded file")
		os.Remove(archivePath)
		respondError(c, http.StatusInternalServerError, string(domain.FailureKindInternal), domain.FailureKindInternal.Message())
		return
	}

	h.logger.WithFields(logrus.Fields{
		"filename": file.Filename,
		"size":     file.Size,
	}).Info("Project archive uploaded")

	async, _ := strconv.ParseBool(c.Query("async"))
	if async {
		h.analyzeAsync(c, file.Filename, archivePath)
		return
	}
	h.analyzeSync(c, file.Filename, archivePath)
}

func (h *AnalyzeHandler) analyzeAsync(c *gin.Context, archiveName, archivePath string) {
	task, err := h.taskService.SubmitTask(c.Request.Context(), archiveName, archivePath, domain.TaskSourceUpload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to submit task")
		os.Remove(archivePath)
		respondError(c, http.StatusInternalServerError, string(domain.FailureKindInternal), domain.FailureKindInternal.Message())
		return
	}

	c.JSON(http.StatusAccepted, taskToResponse(task))
}

func (h *AnalyzeHandler) analyzeSync(c *gin.Context, archiveName, archivePath string) {
	ctx := c.Request.Context()

	task, err := h.taskService.CreateTask(ctx, archiveName, archivePath, domain.TaskSourceUpload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to create task")
		os.Remove(archivePath)
		respondError(c, http.StatusInternalServerError, string(domain.FailureKindInternal), domain.FailureKindInternal.Message())
		return
	}

	if err := h.runner.RunTask(ctx, task.ID, archivePath); err != nil {
		kind := domain.KindOf(err)
		status := http.StatusInternalServerError
		if kind.IsInputError() {
			status = http.StatusBadRequest
		}
		c.Header("X-Task-ID", task.ID)
		respondError(c, status, string(kind), domain.PublicMessage(err))
		return
	}

	reportPath, err := h.taskService.ReportPath(ctx, task.ID)
	if err != nil {
		h.logger.WithError(err).WithField("task_id", task.ID).Error("Report missing after successful analysis")
		respondError(c, http.StatusInternalServerError, string(domain.FailureKindInternal), domain.FailureKindInternal.Message())
		return
	}

	c.Header("X-Task-ID", task.ID)
	c.FileAttachment(reportPath, ReportDownloadName)
}

// respondError 统一错误响应格式
func respondError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{
		"error": message,
		"kind":  kind,
	})
}

// isNotFound 任务不存在
func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrTaskNotFound)
}
