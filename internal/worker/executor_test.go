package worker

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/apk-analysis/config-analysis/internal/analysis"
	"github.com/apk-analysis/config-analysis/internal/classifier"
	"github.com/apk-analysis/config-analysis/internal/config"
	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/middleware"
	"github.com/apk-analysis/config-analysis/internal/render"
	"github.com/apk-analysis/config-analysis/internal/repository"
)

const projectManifest = `<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.app">
    <uses-sdk android:minSdkVersion="19" android:targetSdkVersion="33" />
    <uses-permission android:name="android.permission.INTERNET" />
    <application>
        <activity android:name=".MainActivity" />
    </application>
</manifest>`

const projectGradle = `dependencies {
    implementation 'com.squareup.okhttp3:okhttp:4.12.0'
}
`

// recordingBroadcaster 记录广播过的任务状态
type recordingBroadcaster struct {
	mu       sync.Mutex
	statuses []domain.TaskStatus
}

func (b *recordingBroadcaster) BroadcastTask(task *domain.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, task.Status)
}

type executorFixture struct {
	repo        repository.TaskRepository
	cfg         config.AnalysisConfig
	metrics     *middleware.PrometheusMetrics
	broadcaster *recordingBroadcaster
}

func setupExecutor(t *testing.T, verdict classifier.Verdict) (*Executor, *executorFixture) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.AutoMigrate(db, testLogger()))

	root := t.TempDir()
	fx := &executorFixture{
		repo: repository.NewTaskRepository(db, testLogger()),
		cfg: config.AnalysisConfig{
			WorkDir:   filepath.Join(root, "work"),
			ReportDir: filepath.Join(root, "reports"),
		},
		metrics:     middleware.NewPrometheusMetrics(testLogger(), "test"),
		broadcaster: &recordingBroadcaster{},
	}

	analyzer := analysis.NewAnalyzer(classifier.Fixed(verdict), render.Text{}, testLogger())
	executor := NewExecutor(fx.repo, analyzer, fx.cfg, time.Minute, fx.metrics, fx.broadcaster, testLogger())
	return executor, fx
}

func writeArchive(t *testing.T, files map[string]string) string {
	path := filepath.Join(t.TempDir(), "project.zip")
	out, err := os.Create(path)
	require.NoError(t, err)

	zw := zip.NewWriter(out)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	return path
}

func createTask(t *testing.T, repo repository.TaskRepository, id string) {
	require.NoError(t, repo.Create(context.Background(), &domain.Task{
		ID:          id,
		ArchiveName: "project.zip",
		Source:      domain.TaskSourceUpload,
		Status:      domain.TaskStatusQueued,
		CreatedAt:   time.Now(),
	}))
}

func TestExecutor_ExecuteTask_Success(t *testing.T) {
	executor, fx := setupExecutor(t, classifier.VerdictInsecure)
	createTask(t, fx.repo, "task-ok")

	archivePath := writeArchive(t, map[string]string{
		"MyApp/app/src/main/AndroidManifest.xml": projectManifest,
		"MyApp/app/build.gradle":                 projectGradle,
	})

	require.NoError(t, executor.ExecuteTask(context.Background(), "task-ok", archivePath))

	task, err := fx.repo.FindByID(context.Background(), "task-ok")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, fx.cfg.ReportPath("task-ok"), task.ReportPath)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.CompletedAt)

	content, err := os.ReadFile(task.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Status: Insecure")
	assert.Contains(t, string(content), "Minimum SDK Version: 19")

	// 工作目录和上传文件被清理
	_, err = os.Stat(filepath.Join(fx.cfg.WorkDir, "task-ok"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(archivePath)
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []domain.TaskStatus{domain.TaskStatusRunning, domain.TaskStatusCompleted}, fx.broadcaster.statuses)

	count, err := testutil.GatherAndCount(fx.metrics.Registry(), "test_verdicts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestExecutor_ExecuteTask_MissingGradle(t *testing.T) {
	executor, fx := setupExecutor(t, classifier.VerdictSecure)
	createTask(t, fx.repo, "task-missing")

	archivePath := writeArchive(t, map[string]string{
		"MyApp/app/src/main/AndroidManifest.xml": projectManifest,
	})

	err := executor.ExecuteTask(context.Background(), "task-missing", archivePath)
	require.Error(t, err)
	assert.Equal(t, domain.FailureKindRequiredFileMissing, domain.KindOf(err))

	task, err := fx.repo.FindByID(context.Background(), "task-missing")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, domain.FailureKindRequiredFileMissing, task.FailureKind)
	assert.True(t, strings.Contains(task.ErrorMessage, "build.gradle"), task.ErrorMessage)
	assert.Empty(t, task.ReportPath)

	_, err = os.Stat(fx.cfg.ReportPath("task-missing"))
	assert.True(t, os.IsNotExist(err), "no report is written for a failed analysis")
	assert.Equal(t, []domain.TaskStatus{domain.TaskStatusRunning, domain.TaskStatusFailed}, fx.broadcaster.statuses)
}

func TestExecutor_ExecuteTask_BadArchive(t *testing.T) {
	executor, fx := setupExecutor(t, classifier.VerdictSecure)
	createTask(t, fx.repo, "task-bad")

	archivePath := filepath.Join(t.TempDir(), "project.zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("not a zip"), 0644))

	err := executor.ExecuteTask(context.Background(), "task-bad", archivePath)
	require.Error(t, err)

	task, err := fx.repo.FindByID(context.Background(), "task-bad")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, domain.FailureKindInternal, task.FailureKind)
	assert.Equal(t, domain.FailureKindInternal.Message(), task.ErrorMessage)
}

func TestExecutor_ExecuteTask_UnknownTask(t *testing.T) {
	executor, _ := setupExecutor(t, classifier.VerdictSecure)

	err := executor.ExecuteTask(context.Background(), "missing", "/nonexistent.zip")
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

// TestExecutor_ExecuteTask_UnknownTaskCleansUp 任务记录不存在时也删除已接收的压缩包
func TestExecutor_ExecuteTask_UnknownTaskCleansUp(t *testing.T) {
	executor, fx := setupExecutor(t, classifier.VerdictSecure)
	archivePath := writeArchive(t, map[string]string{
		"app/AndroidManifest.xml": projectManifest,
		"app/build.gradle":        projectGradle,
	})

	err := executor.ExecuteTask(context.Background(), "orphan", archivePath)
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)

	assert.NoFileExists(t, archivePath)
	assert.NoDirExists(t, filepath.Join(fx.cfg.WorkDir, "orphan"))
}
