package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/analysis"
	"github.com/apk-analysis/config-analysis/internal/api"
	"github.com/apk-analysis/config-analysis/internal/api/handlers"
	"github.com/apk-analysis/config-analysis/internal/classifier"
	"github.com/apk-analysis/config-analysis/internal/config"
	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/middleware"
	"github.com/apk-analysis/config-analysis/internal/queue"
	"github.com/apk-analysis/config-analysis/internal/render"
	"github.com/apk-analysis/config-analysis/internal/repository"
	"github.com/apk-analysis/config-analysis/internal/service"
	"github.com/apk-analysis/config-analysis/internal/watcher"
	"github.com/apk-analysis/config-analysis/internal/worker"
)

var (
	Version   = api.Version
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	flag.Parse()

	// 1. 打印版本信息
	fmt.Printf("Android Configuration Analysis Service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载 .env 和配置
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting configuration analysis service %s", Version)
	logger.Infof("Config loaded from: %s", *configPath)

	for _, dir := range []string{cfg.Analysis.UploadDir, cfg.Analysis.WorkDir, cfg.Analysis.ReportDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 5. 初始化指标和模型（模型在首次分析时加载）
	promMetrics := middleware.NewPrometheusMetrics(logger, "")
	model := classifier.NewLazyModel(cfg.Analysis.ModelPath, logger)
	promMetrics.SetModelLoaded(false)
	analyzer := analysis.NewAnalyzer(model, render.NewPDF(), logger)

	// 6. 任务事件推送（WebSocket）
	taskEvents := handlers.NewTaskEventHandler(logger)
	taskEvents.Start(rootCtx)

	// 7. 初始化 Worker Pool
	taskRepo := repository.NewTaskRepository(db, logger)
	timeout := time.Duration(cfg.Worker.TimeoutSec) * time.Second
	executor := worker.NewExecutor(taskRepo, analyzer, cfg.Analysis, timeout, promMetrics, taskEvents, logger)
	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, executor, promMetrics, logger)
	workerPool.Start(rootCtx)
	logger.Infof("Worker pool started with %d workers", workerPool.Size())

	// 8. 选择任务分发方式：RabbitMQ 或本地 Worker Pool
	var dispatcher service.Dispatcher = workerPool
	var consumer *queue.Consumer
	var mq *queue.RabbitMQ
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(rootCtx, cfg.RabbitMQ, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}

		// 数据库是任务的唯一真实来源，启动时清空残留消息后由 RecoverTasks 重新投递
		if purged, err := mq.PurgeQueue(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue")
		} else if purged > 0 {
			logger.WithField("purged_count", purged).Info("Cleared stale messages from queue")
		}

		dispatcher = queue.NewProducer(mq, logger)
		consumer = queue.NewConsumer(mq, createTaskHandler(workerPool, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		logger.Infof("Task consumer started with %d workers", cfg.Worker.Concurrency)
	}

	// 9. 初始化任务服务并恢复上次运行遗留的任务
	taskService := &meteredTaskService{
		TaskService: service.NewTaskService(taskRepo, dispatcher, logger),
		metrics:     promMetrics,
	}
	if resumed, err := taskService.RecoverTasks(rootCtx); err != nil {
		logger.WithError(err).Warn("Failed to recover tasks from previous run")
	} else if resumed > 0 {
		logger.WithField("resumed", resumed).Info("Queued tasks resumed")
	}

	// 10. 收件目录监控
	var fileWatcher *watcher.FileWatcher
	if cfg.Analysis.WatchInbox {
		if err := os.MkdirAll(cfg.Analysis.InboxDir, 0755); err != nil {
			logger.Fatalf("Failed to create inbox directory: %v", err)
		}
		fileWatcher, err = watcher.NewFileWatcher(cfg.Analysis.InboxDir, cfg.Analysis.InboxGlob, createFileHandler(taskService, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fileWatcher.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("Watching inbox %s for %s", fileWatcher.GetWatchDir(), cfg.Analysis.InboxGlob)
	}

	// 11. 初始化路由
	router := api.SetupRouter(cfg, logger, taskService, workerPool, promMetrics, taskEvents, model)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // 大文件上传
		WriteTimeout: timeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// 12. 启动 HTTP Server
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 13. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 14. 优雅关闭 (30秒超时)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	if fileWatcher != nil {
		if err := fileWatcher.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop file watcher")
		}
	}
	if consumer != nil {
		consumer.Stop()
	}
	workerPool.Stop()
	rootCancel()
	if mq != nil {
		if err := mq.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close RabbitMQ connection")
		}
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// createTaskHandler 创建任务处理器 (从 RabbitMQ 消息提交到 Worker Pool)
// Worker Pool 已停止或上下文取消时消息重新入队，分析失败的消息直接丢弃
func createTaskHandler(workerPool *worker.Pool, logger *logrus.Logger) queue.TaskHandler {
	return func(ctx context.Context, msg *queue.TaskMessage) error {
		logger.WithFields(logrus.Fields{
			"task_id":      msg.TaskID,
			"archive_name": msg.ArchiveName,
		}).Info("Received task from RabbitMQ, submitting to worker pool")

		task := &worker.Task{
			ID:          msg.TaskID,
			ArchivePath: msg.ArchivePath,
		}

		if err := workerPool.SubmitAndWait(ctx, task); err != nil {
			if errors.Is(err, worker.ErrPoolStopped) || errors.Is(err, context.Canceled) {
				return queue.Requeue(err)
			}
			return err
		}

		logger.WithField("task_id", msg.TaskID).Info("Task completed successfully")
		return nil
	}
}

// createFileHandler 创建收件目录文件处理器
func createFileHandler(taskService service.TaskService, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		fileName := filepath.Base(filePath)
		logger.WithFields(logrus.Fields{
			"file_path": filePath,
			"file_name": fileName,
		}).Info("New project archive detected")

		task, err := taskService.SubmitTask(ctx, fileName, filePath, domain.TaskSourceInbox)
		if errors.Is(err, service.ErrDuplicateTask) {
			logger.WithField("file_name", fileName).Debug("Duplicate inbox event ignored")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to submit task: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"task_id":      task.ID,
			"archive_name": fileName,
		}).Info("Task created from inbox")
		return nil
	}
}

// meteredTaskService 记录任务创建指标
type meteredTaskService struct {
	service.TaskService
	metrics *middleware.PrometheusMetrics
}

func (s *meteredTaskService) CreateTask(ctx context.Context, archiveName, archivePath string, source domain.TaskSource) (*domain.Task, error) {
	task, err := s.TaskService.CreateTask(ctx, archiveName, archivePath, source)
	if err == nil {
		s.metrics.RecordTaskCreated()
	}
	return task, err
}

func (s *meteredTaskService) SubmitTask(ctx context.Context, archiveName, archivePath string, source domain.TaskSource) (*domain.Task, error) {
	task, err := s.TaskService.SubmitTask(ctx, archiveName, archivePath, source)
	if err == nil {
		s.metrics.RecordTaskCreated()
	}
	return task, err
}
