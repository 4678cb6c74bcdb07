package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/middleware"
)

var (
	// ErrQueueFull 任务队列已满
	ErrQueueFull = errors.New("task queue is full")

	// ErrPoolStopped Worker 池已停止
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// TaskExecutor 任务执行接口
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, taskID, archivePath string) error
}

// Pool Worker 池
type Pool struct {
	workers  int
	taskChan chan *Task
	executor TaskExecutor
	metrics  *middleware.PrometheusMetrics
	logger   *logrus.Logger
	wg       sync.WaitGroup

	mu       sync.RWMutex
	stopped  bool
	stopCh   chan struct{} // Stop 开始时关闭，唤醒阻塞在队列上的提交者
	stopOnce sync.Once
}

// Task 任务
type Task struct {
	ID          string
	ArchivePath string
	resultCh    chan error // 用于同步等待任务完成
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, executor TaskExecutor, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		stopCh:   make(chan struct{}),
		executor: executor,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.updateStats()
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
				return
			}
			p.updateStats()

			p.logger.WithFields(logrus.Fields{
				"worker_id":    id,
				"task_id":      task.ID,
				"archive_path": task.ArchivePath,
			}).Info("Processing task")

			err := p.executor.ExecuteTask(ctx, task.ID, task.ArchivePath)
			if err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"worker_id": id,
					"task_id":   task.ID,
				}).Warn("Task execution failed")
			}

			// 如果有结果通道，发送结果
			if task.resultCh != nil {
				task.resultCh <- err
				close(task.resultCh)
			}
		}
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- task:
		p.logger.WithField("task_id", task.ID).Debug("Task submitted to pool")
		p.updateStats()
		return nil
	default:
		return ErrQueueFull
	}
}

// Dispatch 实现 service.Dispatcher
func (p *Pool) Dispatch(_ context.Context, task *domain.Task, archivePath string) error {
	return p.Submit(&Task{ID: task.ID, ArchivePath: archivePath})
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) error {
	// 创建结果通道
	task.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
		p.logger.WithField("task_id", task.ID).Debug("Task submitted to pool (sync)")
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	case <-p.stopCh:
		p.mu.RUnlock()
		return ErrPoolStopped
	}

	// 等待结果
	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池，等待已提交的任务完成
func (p *Pool) Stop() {
	// 先让阻塞的 SubmitAndWait 释放读锁
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}

// Size Worker 数量
func (p *Pool) Size() int {
	return p.workers
}

func (p *Pool) updateStats() {
	if p.metrics != nil {
		p.metrics.UpdateWorkerPoolStats(p.workers, len(p.taskChan))
	}
}

// RunTask 同步执行任务（HTTP 同步分析使用）
func (p *Pool) RunTask(ctx context.Context, taskID, archivePath string) error {
	return p.SubmitAndWait(ctx, &Task{ID: taskID, ArchivePath: archivePath})
}
