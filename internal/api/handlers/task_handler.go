package handlers

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/service"
)

// TaskHandler 任务处理器
type TaskHandler struct {
	taskService service.TaskService
	logger      *logrus.Logger
}

// NewTaskHandler 创建任务处理器实例
func NewTaskHandler(taskService service.TaskService, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
		logger:      logger,
	}
}

// ListTasks 获取任务列表
// GET /api/tasks?page=1&page_size=20&status=completed
func (h *TaskHandler) ListTasks(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}

	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	// 限制最大每页数量，防止过大的查询
	if pageSize > 100 {
		pageSize = 100
	}

	tasks, total, err := h.taskService.ListTasks(c.Request.Context(), page, pageSize, c.Query("status"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list tasks")
		respondError(c, http.StatusInternalServerError, string(domain.FailureKindInternal), "failed to list tasks")
		return
	}

	taskList := make([]gin.H, len(tasks))
	for i, task := range tasks {
		taskList[i] = taskToResponse(task)
	}

	totalPages := (total + int64(pageSize) - 1) / int64(pageSize)

	c.JSON(http.StatusOK, gin.H{
		"tasks":       taskList,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": totalPages,
	})
}

// GetTask 获取单个任务详情
// GET /api/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID := c.Param("id")

	task, err := h.taskService.GetTask(c.Request.Context(), taskID)
	if err != nil {
		h.respondLookupError(c, taskID, err)
		return
	}

	c.JSON(http.StatusOK, taskToResponse(task))
}

// DeleteTask 删除任务
// DELETE /api/tasks/:id
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	taskID := c.Param("id")

	if err := h.taskService.DeleteTask(c.Request.Context(), taskID); err != nil {
		h.respondLookupError(c, taskID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "task deleted",
	})
}

// GetReport 下载任务的 PDF 报告
// GET /api/tasks/:id/report
func (h *TaskHandler) GetReport(c *gin.Context) {
	taskID := c.Param("id")

	reportPath, err := h.taskService.ReportPath(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, service.ErrReportNotReady) {
			respondError(c, http.StatusConflict, "report_not_ready", err.Error())
			return
		}
		h.respondLookupError(c, taskID, err)
		return
	}

	if _, err := os.Stat(reportPath); err != nil {
		h.logger.WithError(err).WithField("task_id", taskID).Error("Report file missing")
		respondError(c, http.StatusNotFound, "report_missing", "report file no longer exists")
		return
	}

	c.FileAttachment(reportPath, ReportDownloadName)
}

// GetSystemStats 获取系统统计信息
// GET /api/tasks/stats
func (h *TaskHandler) GetSystemStats(c *gin.Context) {
	statusCounts, total, err := h.taskService.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status counts")
		respondError(c, http.StatusInternalServerError, string(domain.FailureKindInternal), "failed to get statistics")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_tasks":      total,
		"status_breakdown": statusCounts,
	})
}

func (h *TaskHandler) respondLookupError(c *gin.Context, taskID string, err error) {
	if isNotFound(err) {
		respondError(c, http.StatusNotFound, "not_found", "task not found")
		return
	}
	h.logger.WithError(err).WithField("task_id", taskID).Error("Task lookup failed")
	respondError(c, http.StatusInternalServerError, string(domain.FailureKindInternal), domain.FailureKindInternal.Message())
}

// taskToResponse 将 Task 模型转换为响应格式
func taskToResponse(task *domain.Task) gin.H {
	response := gin.H{
		"id":           task.ID,
		"archive_name": task.ArchiveName,
		"source":       task.Source,
		"status":       task.Status,
		"created_at":   task.CreatedAt,
		"started_at":   task.StartedAt,
		"completed_at": task.CompletedAt,
		"has_report":   task.HasReport(),
	}

	if task.FailureKind != domain.FailureKindNone {
		response["failure_kind"] = task.FailureKind
		response["error_message"] = task.ErrorMessage
	}
	if task.HasReport() {
		response["report_url"] = "/api/tasks/" + task.ID + "/report"
	}
	if task.StartedAt != nil && task.CompletedAt != nil {
		response["duration_ms"] = task.CompletedAt.Sub(*task.StartedAt).Milliseconds()
	}

	return response
}
