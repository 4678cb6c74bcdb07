package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/domain"
)

// TaskMessage 任务消息
type TaskMessage struct {
	TaskID      string `json:"task_id"`
	ArchiveName string `json:"archive_name"`
	ArchivePath string `json:"archive_path"`
}

// Producer 消息生产者
type Producer struct {
	publisher Publisher
	logger    *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(publisher Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		publisher: publisher,
		logger:    logger,
	}
}

// PublishTask 发布任务消息
func (p *Producer) PublishTask(ctx context.Context, msg *TaskMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.publisher.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("task_id", msg.TaskID).Error("Failed to publish task")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"task_id":      msg.TaskID,
		"archive_name": msg.ArchiveName,
	}).Info("Task published to queue")

	return nil
}

// Dispatch 实现 service.Dispatcher，将任务投递到 RabbitMQ
func (p *Producer) Dispatch(ctx context.Context, task *domain.Task, archivePath string) error {
	return p.PublishTask(ctx, &TaskMessage{
		TaskID:      task.ID,
		ArchiveName: task.ArchiveName,
		ArchivePath: archivePath,
	})
}

// GetQueueSize 获取队列大小
func (p *Producer) GetQueueSize() (int, error) {
	messageCount, _, err := p.publisher.GetQueueStats()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return messageCount, nil
}
