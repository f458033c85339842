package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBackoffRetryer_Success(t *testing.T) {
	logger := zap.NewNop()
	policy := &Policy{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}

	retryer := NewBackoffRetryer(policy, logger)
	ctx := context.Background()

	callCount := 0
	err := retryer.Do(ctx, func() error {
		callCount++
		return nil // 第一次就成功
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "应该只调用一次")
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	logger := zap.NewNop()
	policy := &Policy{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}

	retryer := NewBackoffRetryer(policy, logger)
	ctx := context.Background()

	callCount := 0
	testErr := errors.New("temporary error")

	err := retryer.Do(ctx, func() error {
		callCount++
		if callCount < 3 {
			return testErr // 前两次失败
		}
		return nil // 第三次成功
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount, "应该调用三次")
}

func TestBackoffRetryer_MaxRetriesExceeded(t *testing.T) {
	logger := zap.NewNop()
	policy := &Policy{
		MaxRetries:   2,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}

	retryer := NewBackoffRetryer(policy, logger)
	ctx := context.Background()

	callCount := 0
	testErr := errors.New("persistent error")

	err := retryer.Do(ctx, func() error {
		callCount++
		return testErr
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, testErr)
	assert.Equal(t, 3, callCount, "初始调用 + 2 次重试")
}

func TestBackoffRetryer_NonRetryableError(t *testing.T) {
	logger := zap.NewNop()
	retryableErr := errors.New("retryable")
	fatalErr := errors.New("fatal")

	policy := &Policy{
		MaxRetries:      3,
		InitialDelay:    10 * time.Millisecond,
		Multiplier:      2.0,
		RetryableErrors: []error{retryableErr},
	}

	retryer := NewBackoffRetryer(policy, logger)

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return fatalErr
	})

	assert.ErrorIs(t, err, fatalErr)
	assert.Equal(t, 1, callCount, "不可重试错误不应触发重试")
}

func TestBackoffRetryer_ContextCancelled(t *testing.T) {
	logger := zap.NewNop()
	policy := &Policy{
		MaxRetries:   5,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2.0,
	}

	retryer := NewBackoffRetryer(policy, logger)
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	testErr := errors.New("boom")

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := retryer.Do(ctx, func() error {
		callCount++
		return testErr
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithResultTyped(t *testing.T) {
	logger := zap.NewNop()
	retryer := NewBackoffRetryer(&Policy{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
	}, logger)

	val, err := DoWithResultTyped[int](retryer, context.Background(), func() (int, error) {
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestWrapRetryable(t *testing.T) {
	base := errors.New("base")
	wrapped := WrapRetryable(base)

	assert.True(t, IsRetryableError(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Nil(t, WrapRetryable(nil))
}
