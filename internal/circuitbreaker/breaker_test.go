package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(&Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     300 * time.Second,
	}, zap.NewNop())
	b.now = func() time.Time { return current }
	return b, &current
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	// 前 4 次失败仍处于关闭状态
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Record(false)
		assert.Equal(t, StateClosed, b.State())
	}

	// 第 5 次失败触发熔断
	require.NoError(t, b.Allow())
	b.Record(false)
	assert.Equal(t, StateOpen, b.State())

	// 打开状态直接拒绝
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Record(false)
	}
	require.NoError(t, b.Allow())
	b.Record(true) // 成功清零计数

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Record(false)
	}
	assert.Equal(t, StateClosed, b.State(), "连续计数被成功打断后不应熔断")
}

func TestBreaker_HalfOpenProbeAndRecovery(t *testing.T) {
	b, clock := newTestBreaker(t)

	// 触发熔断
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow())
		b.Record(false)
	}
	require.Equal(t, StateOpen, b.State())

	// reset_timeout 未到，仍然拒绝
	*clock = clock.Add(299 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// reset_timeout 到达后放行一个探测
	*clock = clock.Add(2 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// 探测执行中，其他请求被拒绝
	assert.ErrorIs(t, b.Allow(), ErrProbeInFlight)

	// 第一次探测成功：仍为半开（success_threshold=2）
	b.Record(true)
	assert.Equal(t, StateHalfOpen, b.State())

	// 第二次探测成功：恢复关闭
	require.NoError(t, b.Allow())
	b.Record(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow())
		b.Record(false)
	}

	*clock = clock.Add(301 * time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// 探测失败 → 重新打开，计时器重置
	b.Record(false)
	assert.Equal(t, StateOpen, b.State())

	*clock = clock.Add(200 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "计时器应从探测失败时刻重新计算")

	*clock = clock.Add(101 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow())
		b.Record(false)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}
