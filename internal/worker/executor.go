package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/analysis"
	"github.com/apk-analysis/config-analysis/internal/archive"
	"github.com/apk-analysis/config-analysis/internal/config"
	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/middleware"
	"github.com/apk-analysis/config-analysis/internal/repository"
)

// ProjectAnalyzer 在解压后的项目目录上执行分析并写出报告
type ProjectAnalyzer interface {
	Run(ctx context.Context, projectDir, outPath string) (*analysis.Result, error)
}

// TaskBroadcaster 任务状态广播接口（用于实时推送到前端）
type TaskBroadcaster interface {
	BroadcastTask(task *domain.Task)
}

// Executor 执行单个分析任务：解压、分析、渲染报告、更新任务状态
type Executor struct {
	taskRepo    repository.TaskRepository
	analyzer    ProjectAnalyzer
	cfg         config.AnalysisConfig
	timeout     time.Duration
	metrics     *middleware.PrometheusMetrics
	broadcaster TaskBroadcaster
	logger      *logrus.Logger
}

// NewExecutor 创建任务执行器
// metrics 和 broadcaster 可以为 nil
func NewExecutor(
	taskRepo repository.TaskRepository,
	analyzer ProjectAnalyzer,
	cfg config.AnalysisConfig,
	timeout time.Duration,
	metrics *middleware.PrometheusMetrics,
	broadcaster TaskBroadcaster,
	logger *logrus.Logger,
) *Executor {
	return &Executor{
		taskRepo:    taskRepo,
		analyzer:    analyzer,
		cfg:         cfg,
		timeout:     timeout,
		metrics:     metrics,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// ExecuteTask 执行任务，返回分析错误（任务状态已在内部更新）
func (e *Executor) ExecuteTask(ctx context.Context, taskID, archivePath string) error {
	startTime := time.Now()
	log := e.logger.WithFields(logrus.Fields{
		"task_id":      taskID,
		"archive_path": archivePath,
	})
	log.Info("Starting task execution")

	// 任务状态更新不受执行超时影响
	ledgerCtx := context.WithoutCancel(ctx)

	// 任何返回路径都清理工作目录和压缩包
	workDir := filepath.Join(e.cfg.WorkDir, taskID)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.WithError(err).Warn("Failed to clean up work directory")
		}
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("Failed to remove processed archive")
		}
	}()

	if _, err := e.taskRepo.FindByID(ledgerCtx, taskID); err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	if err := e.taskRepo.MarkRunning(ledgerCtx, taskID); err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordTaskStarted()
	}
	e.broadcast(ledgerCtx, taskID)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	count, err := archive.Extract(archivePath, workDir)
	if err != nil {
		return e.failTask(ledgerCtx, taskID, startTime, err)
	}
	log.WithField("files", count).Debug("Archive extracted")

	reportPath := e.cfg.ReportPath(taskID)
	result, err := e.analyzer.Run(ctx, workDir, reportPath)
	if err != nil {
		return e.failTask(ledgerCtx, taskID, startTime, err)
	}

	if err := e.taskRepo.MarkCompleted(ledgerCtx, taskID, reportPath); err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}

	duration := time.Since(startTime)
	if e.metrics != nil {
		e.metrics.RecordTaskCompleted(duration)
		e.metrics.RecordVerdict(result.Verdict.IsSecure(), result.Duration)
		e.metrics.SetModelLoaded(true)
	}
	e.broadcast(ledgerCtx, taskID)

	log.WithFields(logrus.Fields{
		"verdict":     result.Verdict.String(),
		"report_path": reportPath,
		"duration_ms": duration.Milliseconds(),
	}).Info("Task completed")

	return nil
}

// failTask 记录失败类型并返回原始错误
func (e *Executor) failTask(ctx context.Context, taskID string, startTime time.Time, cause error) error {
	kind := domain.KindOf(cause)
	message := domain.PublicMessage(cause)

	e.logger.WithError(cause).WithFields(logrus.Fields{
		"task_id":      taskID,
		"failure_kind": kind,
	}).Error("Task failed")

	if err := e.taskRepo.MarkFailed(ctx, taskID, kind, message); err != nil {
		e.logger.WithError(err).WithField("task_id", taskID).Error("Failed to record task failure")
	}

	if e.metrics != nil {
		e.metrics.RecordTaskFailed(time.Since(startTime))
		e.metrics.RecordFailure(string(kind))
		if kind == domain.FailureKindModelLoad {
			e.metrics.SetModelLoaded(false)
		}
	}
	e.broadcast(ctx, taskID)

	return cause
}

func (e *Executor) broadcast(ctx context.Context, taskID string) {
	if e.broadcaster == nil {
		return
	}
	task, err := e.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		e.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to load task for broadcast")
		return
	}
	e.broadcaster.BroadcastTask(task)
}
