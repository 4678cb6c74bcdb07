package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testConfig(attempts int) *Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Config{
		Operation:       "connect",
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Strategy:        StrategyFixed,
		Logger:          logger,
	}
}

// TestDo_SuccessAfterRetries 失败若干次后成功
func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(5), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

// TestDo_MaxAttemptsReached 达到最大次数后返回最后一次错误
func TestDo_MaxAttemptsReached(t *testing.T) {
	cause := errors.New("connection refused")
	attempts := 0
	err := Do(context.Background(), testConfig(3), func(ctx context.Context) error {
		attempts++
		return cause
	})

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts)
}

// TestDo_Permanent 不可重试错误立即返回
func TestDo_Permanent(t *testing.T) {
	cause := errors.New("access refused")
	attempts := 0
	err := Do(context.Background(), testConfig(5), func(ctx context.Context) error {
		attempts++
		return Permanent(cause)
	})

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, attempts)
}

// TestDo_ContextCanceled 上下文取消时停止重试
func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, testConfig(5), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}

func TestNextInterval(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, initial, NextInterval(StrategyFixed, initial, max, 4))
	assert.Equal(t, 300*time.Millisecond, NextInterval(StrategyLinear, initial, max, 3))
	assert.Equal(t, 400*time.Millisecond, NextInterval(StrategyExponential, initial, max, 3))
	assert.Equal(t, max, NextInterval(StrategyExponential, initial, max, 10))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("temporary")))
	assert.False(t, IsRetryable(Permanent(errors.New("bad credentials"))))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.Nil(t, Permanent(nil))
}
