package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/internal/circuitbreaker"
	"github.com/agenttrace/agenttrace/types"
)

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// NumWorkers worker 数
	NumWorkers int
	// QueueSize 队列容量
	QueueSize int
	// BreakerFailureThreshold 熔断失败阈值
	BreakerFailureThreshold int
	// BreakerSuccessThreshold 熔断恢复成功阈值
	BreakerSuccessThreshold int
	// BreakerResetTimeout 熔断恢复等待
	BreakerResetTimeout time.Duration
	// GracePeriod 优雅关闭宽限期
	GracePeriod time.Duration
	// StateDir 关闭时持久化在途状态的目录
	StateDir string
}

// DefaultOrchestratorConfig 返回默认配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		NumWorkers:              3,
		QueueSize:               256,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerResetTimeout:     300 * time.Second,
		GracePeriod:             30 * time.Second,
	}
}

// Orchestrator drains the submission queue through a worker pool, gating
// every agent by its endpoint's circuit breaker and multicasting progress.
type Orchestrator struct {
	cfg         OrchestratorConfig
	executorCfg ExecutorConfig
	validator   *Validator
	quota       *QuotaStore
	queue       *Queue
	benchmark   *Benchmark
	locals      *LocalAgentRegistry
	metrics     Metrics
	logger      *zap.Logger

	breakersMu sync.Mutex
	breakers   map[string]*circuitbreaker.Breaker

	progressMu sync.RWMutex
	progress   []func(ExecutionProgress)

	resultsMu sync.RWMutex
	results   map[string]*BenchmarkExecution

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  sync.WaitGroup
	stopped bool
	stopMu  sync.Mutex
}

// NewOrchestrator creates and starts the orchestrator's worker pool.
func NewOrchestrator(
	cfg OrchestratorConfig,
	executorCfg ExecutorConfig,
	validator *Validator,
	quota *QuotaStore,
	benchmark *Benchmark,
	locals *LocalAgentRegistry,
	m Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 3
	}
	if m == nil {
		m = nopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		executorCfg: executorCfg,
		validator:   validator,
		quota:       quota,
		queue:       NewQueue(cfg.QueueSize),
		benchmark:   benchmark,
		locals:      locals,
		metrics:     m,
		logger:      logger.With(zap.String("component", "orchestrator")),
		breakers:    make(map[string]*circuitbreaker.Breaker),
		results:     make(map[string]*BenchmarkExecution),
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	return o
}

// OnProgress 注册进度回调
func (o *Orchestrator) OnProgress(fn func(ExecutionProgress)) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	o.progress = append(o.progress, fn)
}

func (o *Orchestrator) notifyProgress(p ExecutionProgress) {
	o.progressMu.RLock()
	subs := o.progress
	o.progressMu.RUnlock()
	for _, fn := range subs {
		fn(p)
	}
}

// Submit 校验并入队一个提交。校验失败返回结果但不入队；
// 接受时消费配额并分配 submission_id。
func (o *Orchestrator) Submit(ctx context.Context, sub *Submission) (*ValidationResult, error) {
	result := o.validator.Validate(ctx, sub)
	if !result.Valid {
		o.metrics.RecordSubmission("rejected")
		return result, nil
	}

	if o.quota != nil {
		if err := o.quota.Accept(sub.SubmittedBy); err != nil {
			o.metrics.RecordSubmission("rejected")
			return result, err
		}
	}

	if sub.SubmissionID == "" {
		sub.SubmissionID = uuid.NewString()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}

	if err := o.queue.Enqueue(sub); err != nil {
		o.metrics.RecordSubmission("rejected")
		return result, err
	}

	o.metrics.RecordSubmission("accepted")
	o.logger.Info("submission accepted",
		zap.String("submission_id", sub.SubmissionID),
		zap.String("agent", sub.AgentName),
	)
	return result, nil
}

// breakerFor 返回端点的熔断器
func (o *Orchestrator) breakerFor(endpoint AgentEndpoint) *circuitbreaker.Breaker {
	key := endpoint.Key()
	o.breakersMu.Lock()
	defer o.breakersMu.Unlock()

	b, ok := o.breakers[key]
	if !ok {
		b = circuitbreaker.New(&circuitbreaker.Config{
			FailureThreshold: o.cfg.BreakerFailureThreshold,
			SuccessThreshold: o.cfg.BreakerSuccessThreshold,
			ResetTimeout:     o.cfg.BreakerResetTimeout,
			OnStateChange: func(from, to circuitbreaker.State) {
				o.metrics.RecordBreakerTransition(key, from.String(), to.String())
			},
		}, o.logger)
		o.breakers[key] = b
	}
	return b
}

// isStopping 报告编排器是否已进入停止流程
func (o *Orchestrator) isStopping() bool {
	o.stopMu.Lock()
	defer o.stopMu.Unlock()
	return o.stopped
}

// worker 从队列拉取提交并执行。停止流程开始后不再领取新提交，
// 留在队列中的提交由 Stop 持久化。
func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if o.isStopping() {
			return
		}
		sub := o.queue.Dequeue()
		if sub == nil {
			select {
			case <-o.ctx.Done():
				return
			case <-o.queue.Wait():
			case <-ticker.C:
			}
			continue
		}
		o.active.Add(1)
		o.execute(sub)
		o.active.Done()
	}
}

// execute 执行一个提交：熔断检查 → 构造 invoker → 跑基准。
func (o *Orchestrator) execute(sub *Submission) {
	breaker := o.breakerFor(sub.Endpoint)
	if err := breaker.Allow(); err != nil {
		// circuit_open 是一等提交状态，客户端据此退避。
		o.metrics.RecordSubmission("circuit_open")
		o.storeResult(&BenchmarkExecution{
			SubmissionID: sub.SubmissionID,
			Benchmark:    o.benchmark.Name,
			Status:       "circuit_open",
			ErrorMessage: types.NewError(types.ErrCircuitOpen, "endpoint circuit open").Error(),
			StartedAt:    time.Now().UTC(),
			FinishedAt:   time.Now().UTC(),
		})
		o.logger.Warn("submission rejected by circuit breaker",
			zap.String("submission_id", sub.SubmissionID),
			zap.String("endpoint", sub.Endpoint.Key()),
		)
		return
	}

	invoker, err := NewInvoker(sub.Endpoint, o.locals, o.logger)
	if err != nil {
		breaker.Record(false)
		o.storeResult(&BenchmarkExecution{
			SubmissionID: sub.SubmissionID,
			Benchmark:    o.benchmark.Name,
			Status:       "failed",
			ErrorMessage: err.Error(),
			StartedAt:    time.Now().UTC(),
			FinishedAt:   time.Now().UTC(),
		})
		return
	}

	recorder := NewExecutionRecorder()
	executor := NewTaskExecutor(o.executorCfg, invoker, recorder, o.metrics, o.logger)

	total := o.totalTasks(sub.Categories)
	completed := 0

	exec := executor.ExecuteBenchmark(o.ctx, sub.SubmissionID, o.benchmark, sub.Categories, func(task TaskExecution) {
		completed++
		breaker.Record(task.Status == "ok" || task.Status == "resource_exceeded")
		o.notifyProgress(ExecutionProgress{
			SubmissionID:  sub.SubmissionID,
			Completed:     completed,
			Total:         total,
			CurrentTask:   task.TaskID,
			StatusMessage: task.Status,
		})
	})

	o.storeResult(&exec)
	o.logger.Info("submission executed",
		zap.String("submission_id", sub.SubmissionID),
		zap.String("status", exec.Status),
		zap.Float64("overall_score", exec.OverallScore),
	)
}

func (o *Orchestrator) totalTasks(categories []string) int {
	total := 0
	for _, id := range categories {
		if cat := o.benchmark.CategoryByID(id); cat != nil {
			total += len(cat.Tasks)
		}
	}
	return total
}

func (o *Orchestrator) storeResult(exec *BenchmarkExecution) {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()
	o.results[exec.SubmissionID] = exec
}

// Result 返回提交的执行结果
func (o *Orchestrator) Result(submissionID string) (*BenchmarkExecution, bool) {
	o.resultsMu.RLock()
	defer o.resultsMu.RUnlock()
	exec, ok := o.results[submissionID]
	return exec, ok
}

// QueueDepth 返回排队中的提交数
func (o *Orchestrator) QueueDepth() int {
	return o.queue.Len()
}

// Stop shuts the orchestrator down. graceful=true stops intake, lets
// active executions finish within the grace period, and persists the
// still-queued submissions; graceful=false cancels active executions
// immediately.
func (o *Orchestrator) Stop(graceful bool) error {
	o.stopMu.Lock()
	if o.stopped {
		o.stopMu.Unlock()
		return nil
	}
	o.stopped = true
	o.stopMu.Unlock()

	o.queue.Close()

	if !graceful {
		o.cancel()
		o.wg.Wait()
		return nil
	}

	// Let active executions finish within the grace period, then cancel.
	grace := o.cfg.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	activeDone := make(chan struct{})
	go func() {
		o.active.Wait()
		close(activeDone)
	}()
	select {
	case <-activeDone:
	case <-time.After(grace):
		o.logger.Warn("grace period expired, cancelling active executions")
	}

	o.cancel()
	o.wg.Wait()

	return o.persistQueued()
}

// persistQueued 将仍在排队的提交写入状态目录
func (o *Orchestrator) persistQueued() error {
	if o.cfg.StateDir == "" {
		return nil
	}

	var pending []*Submission
	for {
		sub := o.queue.Dequeue()
		if sub == nil {
			break
		}
		pending = append(pending, sub)
	}
	if len(pending) == 0 {
		return nil
	}

	if err := os.MkdirAll(o.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pending submissions: %w", err)
	}
	path := filepath.Join(o.cfg.StateDir, fmt.Sprintf("pending-%d.json", time.Now().Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist pending submissions: %w", err)
	}

	o.logger.Info("persisted queued submissions",
		zap.Int("count", len(pending)),
		zap.String("path", path),
	)
	return nil
}

// RestoreQueued 重新入队先前持久化的提交
func (o *Orchestrator) RestoreQueued(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pending submissions: %w", err)
	}
	var pending []*Submission
	if err := json.Unmarshal(data, &pending); err != nil {
		return 0, fmt.Errorf("decode pending submissions: %w", err)
	}

	restored := 0
	for _, sub := range pending {
		if err := o.queue.Enqueue(sub); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}
