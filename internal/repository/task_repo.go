package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/config-analysis/internal/domain"
)

// ErrTaskNotFound 任务不存在
var ErrTaskNotFound = errors.New("task not found")

type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	ListWithPagination(ctx context.Context, page int, pageSize int, statusFilter string) ([]*domain.Task, int64, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, reportPath string) error
	MarkFailed(ctx context.Context, id string, kind domain.FailureKind, errorMessage string) error
	// 检查是否存在最近创建的同名压缩包任务（防止重复创建）
	HasRecentTaskForArchive(ctx context.Context, archiveName string, withinSeconds int) (bool, error)
	// 获取各状态任务数量统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// 获取所有排队中的任务（不分页）
	ListQueuedTasks(ctx context.Context) ([]*domain.Task, error)
	// 将所有 running 任务标记为失败（服务重启后调用）
	FailInterrupted(ctx context.Context, errorMessage string) (int64, error)
}

type taskRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTaskRepository(db *gorm.DB, logger *logrus.Logger) TaskRepository {
	return &taskRepo{
		db:     db,
		logger: logger,
	}
}

func (r *taskRepo) Create(ctx context.Context, task *domain.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusQueued
	}
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepo) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) ListWithPagination(ctx context.Context, page int, pageSize int, statusFilter string) ([]*domain.Task, int64, error) {
	var tasks []*domain.Task
	var total int64

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	// 计数和查询各自使用新的语句，避免条件串用
	query := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&domain.Task{})
		if statusFilter != "" {
			q = q.Where("status = ?", statusFilter)
		}
		return q
	}

	// 先统计总数
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 计算偏移量
	offset := (page - 1) * pageSize

	err := query().
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&tasks).Error

	return tasks, total, err
}

func (r *taskRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&domain.Task{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}

	r.logger.WithField("task_id", id).Info("Deleted analysis task")
	return nil
}

func (r *taskRepo) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	updates := map[string]interface{}{
		"status": status,
	}

	if status.IsFinal() {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}

	return r.updates(ctx, id, updates)
}

// MarkRunning 标记任务开始执行
func (r *taskRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.updates(ctx, id, map[string]interface{}{
		"status":        domain.TaskStatusRunning,
		"started_at":    &now,
		"failure_kind":  domain.FailureKindNone,
		"error_message": "",
	})
}

// MarkCompleted 标记任务完成并记录报告位置
func (r *taskRepo) MarkCompleted(ctx context.Context, id string, reportPath string) error {
	now := time.Now().UTC()
	return r.updates(ctx, id, map[string]interface{}{
		"status":       domain.TaskStatusCompleted,
		"report_path":  reportPath,
		"completed_at": &now,
	})
}

// MarkFailed 更新任务失败信息（包含失败类型）
// 同时将任务状态设置为 failed
func (r *taskRepo) MarkFailed(ctx context.Context, id string, kind domain.FailureKind, errorMessage string) error {
	now := time.Now().UTC()
	err := r.updates(ctx, id, map[string]interface{}{
		"status":        domain.TaskStatusFailed,
		"failure_kind":  kind,
		"error_message": errorMessage,
		"completed_at":  &now,
	})
	if err != nil {
		r.logger.WithError(err).WithField("task_id", id).Error("Failed to update task failure")
	}
	return err
}

func (r *taskRepo) updates(ctx context.Context, id string, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// HasRecentTaskForArchive 检查是否存在最近创建的同名压缩包任务
// 用于防止收件目录监控重复创建任务（大文件复制触发多次事件）
func (r *taskRepo) HasRecentTaskForArchive(ctx context.Context, archiveName string, withinSeconds int) (bool, error) {
	var count int64
	cutoffTime := time.Now().UTC().Add(-time.Duration(withinSeconds) * time.Second)

	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("archive_name = ? AND created_at > ?", archiveName, cutoffTime).
		Count(&count).Error

	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"archive_name":   archiveName,
			"within_seconds": withinSeconds,
		}).Error("Failed to check recent task for archive")
		return false, err
	}

	if count > 0 {
		r.logger.WithFields(logrus.Fields{
			"archive_name":   archiveName,
			"recent_count":   count,
			"within_seconds": withinSeconds,
		}).Warn("Found recent task for same archive, skipping duplicate creation")
	}

	return count > 0, nil
}

// GetStatusCounts 获取各状态任务数量统计（使用数据库聚合查询）
// 返回: statusCounts map, totalCount, error
func (r *taskRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount
	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error

	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	statusCounts := map[string]int64{
		string(domain.TaskStatusQueued):    0,
		string(domain.TaskStatusRunning):   0,
		string(domain.TaskStatusCompleted): 0,
		string(domain.TaskStatusFailed):    0,
	}

	var total int64
	for _, sc := range results {
		statusCounts[sc.Status] = sc.Count
		total += sc.Count
	}

	return statusCounts, total, nil
}

// ListQueuedTasks 获取所有排队中的任务，按创建时间先后
func (r *taskRepo) ListQueuedTasks(ctx context.Context) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.TaskStatusQueued).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// FailInterrupted 将因服务重启而中断的 running 任务标记为失败
// queued 任务不受影响，由调用方重新分发
func (r *taskRepo) FailInterrupted(ctx context.Context, errorMessage string) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("status = ?", domain.TaskStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusFailed,
			"failure_kind":  domain.FailureKindInternal,
			"error_message": errorMessage,
			"completed_at":  &now,
		})
	if result.Error != nil {
		r.logger.WithError(result.Error).Error("Failed to mark interrupted tasks")
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
