package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int

	// SuccessThreshold 半开状态下连续成功次数阈值（恢复关闭）
	SuccessThreshold int

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration

	// OnStateChange 状态变更回调
	OnStateChange func(from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     300 * time.Second,
	}
}

// 错误定义
var (
	// ErrCircuitOpen 熔断器打开，调用被直接拒绝
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrProbeInFlight 半开状态下已有探测请求在执行
	ErrProbeInFlight = errors.New("circuit breaker probe in flight")
)

// Breaker 按端点维护的熔断器
// 状态机：closed --连续失败达阈值--> open --reset_timeout--> half_open
// half_open 一次只放行一个探测请求；连续成功达 SuccessThreshold 后关闭，
// 任一失败立即重新打开并重置计时器。
type Breaker struct {
	config *Config
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int       // closed 状态下的连续失败次数
	successCount    int       // half_open 状态下的连续成功次数
	lastFailureTime time.Time // 最后失败时间
	probeInFlight   bool      // half_open 状态下是否有探测在执行

	now func() time.Time // 测试注入
}

// New 创建熔断器
func New(config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	// 参数校验
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 300 * time.Second
	}

	return &Breaker{
		config: config,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow 调用前检查；返回 nil 表示放行。
// 调用方必须在调用结束后调用 Record(success)。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		// 检查是否可以进入半开状态
		if b.now().Sub(b.lastFailureTime) >= b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			b.successCount = 0
			b.probeInFlight = true
			b.logger.Info("熔断器进入半开状态，放行探测请求")
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		// 半开状态，一次只允许一个探测
		if b.probeInFlight {
			return ErrProbeInFlight
		}
		b.probeInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

// Record 记录调用结果
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// onSuccess 处理成功调用
func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.logger.Info("熔断器恢复正常",
				zap.Int("probe_successes", b.successCount),
			)
			b.setState(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}

	case StateOpen:
		b.logger.Warn("熔断器打开状态收到成功响应")
	}
}

// onFailure 处理失败调用
func (b *Breaker) onFailure() {
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("熔断器打开",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// 半开状态，失败后重新打开（计时器重置）
		b.logger.Warn("熔断器探测失败，重新打开")
		b.setState(StateOpen)
		b.successCount = 0

	case StateOpen:
		// open 状态下的失败只刷新计时器
	}
}

// setState 设置状态并触发回调
func (b *Breaker) setState(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false

	b.logger.Info("熔断器已重置",
		zap.String("from_state", oldState.String()),
	)

	if b.config.OnStateChange != nil && oldState != StateClosed {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}
