package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsFinal 是否为终态
func (s TaskStatus) IsFinal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskSource 任务来源
type TaskSource string

const (
	TaskSourceUpload TaskSource = "upload" // HTTP 上传
	TaskSourceInbox  TaskSource = "inbox"  // 收件目录监控
)

// Task 分析任务表
// 只记录任务状态和报告位置，特征和判定结果不落库
type Task struct {
	ID           string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ArchiveName  string      `gorm:"type:varchar(255);not null;index:idx_archive_name" json:"archive_name"`
	Source       TaskSource  `gorm:"type:varchar(20);default:'upload'" json:"source"`
	Status       TaskStatus  `gorm:"type:varchar(20);not null;default:'queued'" json:"status"`
	FailureKind  FailureKind `gorm:"type:varchar(40);default:''" json:"failure_kind,omitempty"`
	ErrorMessage string      `gorm:"type:text" json:"error_message,omitempty"`
	ArchivePath  string      `gorm:"type:varchar(500)" json:"-"`
	ReportPath   string      `gorm:"type:varchar(500)" json:"-"`
	CreatedAt    time.Time   `gorm:"not null" json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

func (Task) TableName() string {
	return "analysis_tasks"
}

// HasReport 任务是否已生成报告
func (t *Task) HasReport() bool {
	return t.Status == TaskStatusCompleted && t.ReportPath != ""
}
