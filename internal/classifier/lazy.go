package classifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/config-analysis/internal/features"
	"github.com/sirupsen/logrus"
)

// LazyModel 进程级模型缓存
// 首次 Predict 时加载模型，加载成功后只读；加载失败不缓存，下次请求重新加载
type LazyModel struct {
	path   string
	logger *logrus.Logger
	load   func(path string) (*Forest, error)

	mu    sync.Mutex
	model atomic.Pointer[Forest]
}

// NewLazyModel 创建延迟加载的模型
func NewLazyModel(path string, logger *logrus.Logger) *LazyModel {
	return &LazyModel{
		path:   path,
		logger: logger,
		load:   LoadForest,
	}
}

// Model 获取模型（并发首次访问时只加载一次）
func (l *LazyModel) Model() (*Forest, error) {
	if m := l.model.Load(); m != nil {
		return m, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if m := l.model.Load(); m != nil {
		return m, nil
	}

	startTime := time.Now()
	m, err := l.load(l.path)
	if err != nil {
		l.logger.WithError(err).WithField("model_path", l.path).Error("Failed to load security model")
		return nil, err
	}
	l.model.Store(m)

	l.logger.WithFields(logrus.Fields{
		"model_path":  l.path,
		"trees":       len(m.Trees),
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Info("Security model loaded")

	return m, nil
}

// Predict 实现 Classifier
func (l *LazyModel) Predict(ctx context.Context, vec features.Vector) (Verdict, error) {
	m, err := l.Model()
	if err != nil {
		return VerdictInsecure, err
	}
	return m.Predict(ctx, vec)
}

// Loaded 模型是否已加载
func (l *LazyModel) Loaded() bool {
	return l.model.Load() != nil
}

// Reset 丢弃已加载的模型（测试用）
func (l *LazyModel) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.model.Store(nil)
}
