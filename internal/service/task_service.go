package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/repository"
)

// recentWindowSeconds 收件目录重复事件的去重时间窗口
const recentWindowSeconds = 60

// interruptedMessage 服务重启时中断任务的失败信息
const interruptedMessage = "analysis interrupted by service restart"

var (
	// ErrDuplicateTask 同名压缩包最近已创建过任务
	ErrDuplicateTask = errors.New("a task for this archive was created recently")

	// ErrReportNotReady 任务尚未生成报告
	ErrReportNotReady = errors.New("report is not available for this task")
)

// Dispatcher 任务分发（本地 worker 池或 RabbitMQ）
type Dispatcher interface {
	Dispatch(ctx context.Context, task *domain.Task, archivePath string) error
}

// TaskService 任务服务接口
type TaskService interface {
	// 创建任务
	CreateTask(ctx context.Context, archiveName, archivePath string, source domain.TaskSource) (*domain.Task, error)

	// 创建任务并分发执行
	SubmitTask(ctx context.Context, archiveName, archivePath string, source domain.TaskSource) (*domain.Task, error)

	// 获取任务
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 获取任务列表（分页）
	ListTasks(ctx context.Context, page int, pageSize int, status string) ([]*domain.Task, int64, error)

	// 删除任务（同时删除报告文件）
	DeleteTask(ctx context.Context, taskID string) error

	// 获取报告文件路径
	ReportPath(ctx context.Context, taskID string) (string, error)

	// 获取任务状态统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)

	// 服务启动时恢复任务：中断的任务标记失败，排队的任务重新分发
	RecoverTasks(ctx context.Context) (resumed int, err error)
}

type taskService struct {
	taskRepo   repository.TaskRepository
	dispatcher Dispatcher
	logger     *logrus.Logger
}

// NewTaskService 创建任务服务实例
func NewTaskService(taskRepo repository.TaskRepository, dispatcher Dispatcher, logger *logrus.Logger) TaskService {
	return &taskService{
		taskRepo:   taskRepo,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (s *taskService) CreateTask(ctx context.Context, archiveName, archivePath string, source domain.TaskSource) (*domain.Task, error) {
	// 收件目录的大文件复制会触发多次事件，只对该来源去重
	if source == domain.TaskSourceInbox {
		hasRecent, err := s.taskRepo.HasRecentTaskForArchive(ctx, archiveName, recentWindowSeconds)
		if err != nil {
			s.logger.WithError(err).WithField("archive_name", archiveName).Warn("Failed to check recent task, continuing anyway")
		} else if hasRecent {
			return nil, ErrDuplicateTask
		}
	}

	task := &domain.Task{
		ID:          uuid.New().String(),
		ArchiveName: archiveName,
		ArchivePath: archivePath,
		Source:      source,
		Status:      domain.TaskStatusQueued,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.taskRepo.Create(ctx, task); err != nil {
		s.logger.WithError(err).Error("Failed to create task")
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":      task.ID,
		"archive_name": archiveName,
		"source":       source,
	}).Info("Task created successfully")
	return task, nil
}

func (s *taskService) SubmitTask(ctx context.Context, archiveName, archivePath string, source domain.TaskSource) (*domain.Task, error) {
	task, err := s.CreateTask(ctx, archiveName, archivePath, source)
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.Dispatch(ctx, task, task.ArchivePath); err != nil {
		s.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to dispatch task")
		if markErr := s.taskRepo.MarkFailed(ctx, task.ID, domain.FailureKindInternal, "task could not be dispatched"); markErr != nil {
			s.logger.WithError(markErr).WithField("task_id", task.ID).Error("Failed to mark undispatched task")
		}
		return nil, fmt.Errorf("failed to dispatch task: %w", err)
	}

	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		if !errors.Is(err, repository.ErrTaskNotFound) {
			s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to get task")
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, page int, pageSize int, status string) ([]*domain.Task, int64, error) {
	tasks, total, err := s.taskRepo.ListWithPagination(ctx, page, pageSize, status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tasks with pagination")
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, total, nil
}

func (s *taskService) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	if err := s.taskRepo.Delete(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to delete task")
		return fmt.Errorf("failed to delete task: %w", err)
	}

	if task.ReportPath != "" {
		if err := os.Remove(task.ReportPath); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("report_path", task.ReportPath).Warn("Failed to remove report file")
		}
	}

	s.logger.WithField("task_id", taskID).Info("Task deleted successfully")
	return nil
}

func (s *taskService) ReportPath(ctx context.Context, taskID string) (string, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !task.HasReport() {
		return "", ErrReportNotReady
	}
	return task.ReportPath, nil
}

func (s *taskService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.taskRepo.GetStatusCounts(ctx)
}

func (s *taskService) RecoverTasks(ctx context.Context) (int, error) {
	interrupted, err := s.taskRepo.FailInterrupted(ctx, interruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted tasks: %w", err)
	}
	if interrupted > 0 {
		s.logger.WithField("count", interrupted).Warn("Marked interrupted tasks as failed")
	}

	queued, err := s.taskRepo.ListQueuedTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued tasks: %w", err)
	}

	resumed := 0
	for _, task := range queued {
		log := s.logger.WithField("task_id", task.ID)

		if _, statErr := os.Stat(task.ArchivePath); task.ArchivePath == "" || statErr != nil {
			log.Warn("Archive of queued task is gone, marking failed")
			if err := s.taskRepo.MarkFailed(ctx, task.ID, domain.FailureKindInternal, "uploaded archive is no longer available"); err != nil {
				log.WithError(err).Error("Failed to mark queued task")
			}
			continue
		}

		if err := s.dispatcher.Dispatch(ctx, task, task.ArchivePath); err != nil {
			log.WithError(err).Error("Failed to re-dispatch queued task")
			continue
		}
		resumed++
	}

	s.logger.WithFields(logrus.Fields{
		"queued":  len(queued),
		"resumed": resumed,
	}).Info("Queued tasks recovered")

	return resumed, nil
}
