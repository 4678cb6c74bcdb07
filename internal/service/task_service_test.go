package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/repository"
)

// MockTaskRepository Mock Repository
type MockTaskRepository struct {
	mock.Mock
}

func (m *MockTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskRepository) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskRepository) ListWithPagination(ctx context.Context, page int, pageSize int, statusFilter string) ([]*domain.Task, int64, error) {
	args := m.Called(ctx, page, pageSize, statusFilter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Task), args.Get(1).(int64), args.Error(2)
}

func (m *MockTaskRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockTaskRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockTaskRepository) MarkRunning(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockTaskRepository) MarkCompleted(ctx context.Context, id string, reportPath string) error {
	args := m.Called(ctx, id, reportPath)
	return args.Error(0)
}

func (m *MockTaskRepository) MarkFailed(ctx context.Context, id string, kind domain.FailureKind, errorMessage string) error {
	args := m.Called(ctx, id, kind, errorMessage)
	return args.Error(0)
}

func (m *MockTaskRepository) HasRecentTaskForArchive(ctx context.Context, archiveName string, withinSeconds int) (bool, error) {
	args := m.Called(ctx, archiveName, withinSeconds)
	return args.Bool(0), args.Error(1)
}

func (m *MockTaskRepository) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockTaskRepository) FailInterrupted(ctx context.Context, errorMessage string) (int64, error) {
	args := m.Called(ctx, errorMessage)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockTaskRepository) ListQueuedTasks(ctx context.Context) ([]*domain.Task, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Task), args.Error(1)
}

// MockDispatcher Mock 分发器
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, task *domain.Task, archivePath string) error {
	args := m.Called(ctx, task, archivePath)
	return args.Error(0)
}

func newTestService() (*MockTaskRepository, *MockDispatcher, TaskService) {
	mockRepo := new(MockTaskRepository)
	mockDispatcher := new(MockDispatcher)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return mockRepo, mockDispatcher, NewTaskService(mockRepo, mockDispatcher, logger)
}

// TestTaskService_CreateTask 测试创建任务
func TestTaskService_CreateTask(t *testing.T) {
	mockRepo, _, service := newTestService()
	ctx := context.Background()

	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.Task")).Return(nil)

	task, err := service.CreateTask(ctx, "project.zip", "/uploads/project.zip", domain.TaskSourceUpload)

	require.NoError(t, err)
	assert.NotEmpty(t, task.ID, "Task ID should not be empty")
	assert.Equal(t, "project.zip", task.ArchiveName)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Equal(t, domain.TaskSourceUpload, task.Source)
	assert.Equal(t, "/uploads/project.zip", task.ArchivePath)

	// 上传来源不做去重检查
	mockRepo.AssertNotCalled(t, "HasRecentTaskForArchive", mock.Anything, mock.Anything, mock.Anything)
	mockRepo.AssertExpectations(t)
}

// TestTaskService_CreateTask_Error 测试创建任务失败
func TestTaskService_CreateTask_Error(t *testing.T) {
	mockRepo, _, service := newTestService()
	ctx := context.Background()

	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.Task")).Return(errors.New("database error"))

	task, err := service.CreateTask(ctx, "project.zip", "/uploads/project.zip", domain.TaskSourceUpload)

	assert.Error(t, err)
	assert.Nil(t, task)
	mockRepo.AssertExpectations(t)
}

// TestTaskService_CreateTask_InboxDuplicate 收件目录重复事件被拦截
func TestTaskService_CreateTask_InboxDuplicate(t *testing.T) {
	mockRepo, _, service := newTestService()
	ctx := context.Background()

	mockRepo.On("HasRecentTaskForArchive", ctx, "project.zip", recentWindowSeconds).Return(true, nil)

	task, err := service.CreateTask(ctx, "project.zip", "/inbox/project.zip", domain.TaskSourceInbox)

	assert.ErrorIs(t, err, ErrDuplicateTask)
	assert.Nil(t, task)
	mockRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// TestTaskService_SubmitTask 创建并分发任务
func TestTaskService_SubmitTask(t *testing.T) {
	mockRepo, mockDispatcher, service := newTestService()
	ctx := context.Background()

	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.Task")).Return(nil)
	mockDispatcher.On("Dispatch", ctx, mock.AnythingOfType("*domain.Task"), "/uploads/project.zip").Return(nil)

	task, err := service.SubmitTask(ctx, "project.zip", "/uploads/project.zip", domain.TaskSourceUpload)

	require.NoError(t, err)
	assert.Equal(t, "project.zip", task.ArchiveName)
	mockRepo.AssertExpectations(t)
	mockDispatcher.AssertExpectations(t)
}

// TestTaskService_SubmitTask_DispatchError 分发失败时任务标记为失败
func TestTaskService_SubmitTask_DispatchError(t *testing.T) {
	mockRepo, mockDispatcher, service := newTestService()
	ctx := context.Background()

	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.Task")).Return(nil)
	mockDispatcher.On("Dispatch", ctx, mock.Anything, mock.Anything).Return(errors.New("task queue is full"))
	mockRepo.On("MarkFailed", ctx, mock.AnythingOfType("string"), domain.FailureKindInternal, mock.AnythingOfType("string")).Return(nil)

	task, err := service.SubmitTask(ctx, "project.zip", "/uploads/project.zip", domain.TaskSourceUpload)

	assert.Error(t, err)
	assert.Nil(t, task)
	mockRepo.AssertExpectations(t)
}

// TestTaskService_GetTask 测试获取任务
func TestTaskService_GetTask(t *testing.T) {
	mockRepo, _, service := newTestService()
	ctx := context.Background()

	expected := &domain.Task{ID: "task-001", ArchiveName: "project.zip", Status: domain.TaskStatusRunning}
	mockRepo.On("FindByID", ctx, "task-001").Return(expected, nil)
	mockRepo.On("FindByID", ctx, "missing").Return(nil, repository.ErrTaskNotFound)

	task, err := service.GetTask(ctx, "task-001")
	require.NoError(t, err)
	assert.Equal(t, expected, task)

	_, err = service.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

// TestTaskService_ListTasks 测试分页列表
func TestTaskService_ListTasks(t *testing.T) {
	mockRepo, _, service := newTestService()
	ctx := context.Background()

	tasks := []*domain.Task{{ID: "a"}, {ID: "b"}}
	mockRepo.On("ListWithPagination", ctx, 1, 20, "completed").Return(tasks, int64(2), nil)

	got, total, err := service.ListTasks(ctx, 1, 20, "completed")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, got, 2)
}

// TestTaskService_DeleteTask 删除任务同时删除报告文件
func TestTaskService_DeleteTask(t *testing.T) {
	mockRepo, _, service := newTestService()
	ctx := context.Background()

	reportPath := filepath.Join(t.TempDir(), "task-001.pdf")
	require.NoError(t, os.WriteFile(reportPath, []byte("%PDF-1.3"), 0644))

	mockRepo.On("FindByID", ctx, "task-001").Return(&domain.Task{
		ID: "task-001", Status: domain.TaskStatusCompleted, ReportPath: reportPath,
	}, nil)
	mockRepo.On("Delete", ctx, "task-001").Return(nil)

	require.NoError(t, service.DeleteTask(ctx, "task-001"))

	_, err := os.Stat(reportPath)
	assert.True(t, os.IsNotExist(err))
	mockRepo.AssertExpectations(t)
}

// TestTaskService_ReportPath 只有已完成的任务才有报告
func TestTaskService_ReportPath(t *testing.T) {
	mockRepo, _, service := newTestService()
	ctx := context.Background()

	mockRepo.On("FindByID", ctx, "done").Return(&domain.Task{
		ID: "done", Status: domain.TaskStatusCompleted, ReportPath: "/reports/done.pdf",
	}, nil)
	mockRepo.On("FindByID", ctx, "running").Return(&domain.Task{
		ID: "running", Status: domain.TaskStatusRunning,
	}, nil)

	path, err := service.ReportPath(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, "/reports/done.pdf", path)

	_, err = service.ReportPath(ctx, "running")
	assert.ErrorIs(t, err, ErrReportNotReady)
}

// TestTaskService_RecoverTasks 重启恢复：排队任务重新分发，缺失压缩包的任务标记失败
func TestTaskService_RecoverTasks(t *testing.T) {
	mockRepo, mockDispatcher, service := newTestService()
	ctx := context.Background()

	archivePath := filepath.Join(t.TempDir(), "queued.zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("PK"), 0644))

	present := &domain.Task{ID: "present", Status: domain.TaskStatusQueued, ArchivePath: archivePath}
	gone := &domain.Task{ID: "gone", Status: domain.TaskStatusQueued, ArchivePath: filepath.Join(t.TempDir(), "gone.zip")}

	mockRepo.On("FailInterrupted", ctx, interruptedMessage).Return(int64(2), nil)
	mockRepo.On("ListQueuedTasks", ctx).Return([]*domain.Task{present, gone}, nil)
	mockRepo.On("MarkFailed", ctx, "gone", domain.FailureKindInternal, mock.AnythingOfType("string")).Return(nil)
	mockDispatcher.On("Dispatch", ctx, present, archivePath).Return(nil)

	resumed, err := service.RecoverTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	mockRepo.AssertExpectations(t)
	mockDispatcher.AssertExpectations(t)
	mockDispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
}
