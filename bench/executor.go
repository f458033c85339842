package bench

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agenttrace/agenttrace/internal/tokenizer"
	"github.com/agenttrace/agenttrace/types"
)

// taskPassThreshold 任务判定通过的最低分
const taskPassThreshold = 0.5

// ExecutorConfig 任务执行器配置
type ExecutorConfig struct {
	// MaxRetries 瞬态错误的最大重试次数（默认 2 → 最多 3 次尝试）
	MaxRetries int
	// RetryBaseDelay 重试基准延迟，第 n 次重试等待 base·2^n
	RetryBaseDelay time.Duration
	// TaskConcurrency 类别内任务并发上限
	TaskConcurrency int
	// DefaultTimeLimit 任务未指定时的时间限制
	DefaultTimeLimit time.Duration
	// DefaultTokenBudget 任务未指定时的 token 预算（0 表示不限）
	DefaultTokenBudget int
	// DefaultTokenizer 任务未指定时使用的 tokenizer 名称
	DefaultTokenizer string
}

// DefaultExecutorConfig 返回默认配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries:       2,
		RetryBaseDelay:   time.Second,
		TaskConcurrency:  3,
		DefaultTimeLimit: 60 * time.Second,
		DefaultTokenizer: "cl100k_base",
	}
}

// Metrics is the subset of the internal collector the executor reports to.
type Metrics interface {
	RecordTaskExecution(status string)
	RecordSubmission(outcome string)
	RecordBreakerTransition(endpoint, from, to string)
}

type nopMetrics struct{}

func (nopMetrics) RecordTaskExecution(string)                 {}
func (nopMetrics) RecordSubmission(string)                    {}
func (nopMetrics) RecordBreakerTransition(string, string, string) {}

// TaskExecutor runs benchmark tasks against one agent.
type TaskExecutor struct {
	cfg      ExecutorConfig
	invoker  AgentInvoker
	recorder *ExecutionRecorder
	metrics  Metrics
	logger   *zap.Logger

	sleep func(time.Duration) // 测试注入
}

// NewTaskExecutor creates a task executor. recorder and metrics may be nil.
func NewTaskExecutor(cfg ExecutorConfig, invoker AgentInvoker, recorder *ExecutionRecorder, m Metrics, logger *zap.Logger) *TaskExecutor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.TaskConcurrency <= 0 {
		cfg.TaskConcurrency = 3
	}
	if cfg.DefaultTimeLimit <= 0 {
		cfg.DefaultTimeLimit = 60 * time.Second
	}
	if cfg.DefaultTokenizer == "" {
		cfg.DefaultTokenizer = "cl100k_base"
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &TaskExecutor{
		cfg:      cfg,
		invoker:  invoker,
		recorder: recorder,
		metrics:  m,
		logger:   logger.With(zap.String("component", "task_executor")),
		sleep:    time.Sleep,
	}
}

// ExecuteTask 执行单个任务：注入限时与预算，统计双向 token，
// 按任务标准评分。预算违规不重试，直接判 0 分。
func (e *TaskExecutor) ExecuteTask(ctx context.Context, task Task) TaskExecution {
	exec := TaskExecution{
		TaskID:    task.TaskID,
		Prompt:    task.Prompt,
		StartedAt: time.Now().UTC(),
	}
	defer func() { exec.FinishedAt = time.Now().UTC() }()

	timeLimit := e.cfg.DefaultTimeLimit
	if task.TimeLimitSeconds > 0 {
		timeLimit = time.Duration(task.TimeLimitSeconds) * time.Second
	}
	budget := e.cfg.DefaultTokenBudget
	if task.TokenBudget > 0 {
		budget = task.TokenBudget
	}

	// Tokenizer selection is recorded so runs stay comparable.
	tokName := task.Metadata["tokenizer"]
	if tokName == "" {
		tokName = e.cfg.DefaultTokenizer
	}
	tok := tokenizer.GetOrEstimator(tokName)
	exec.Tokenizer = tok.Name()

	if err := sanitizePrompt(task.Prompt); err != nil {
		exec.Status = "agent_error"
		exec.ErrorMessage = err.Error()
		e.metrics.RecordTaskExecution(exec.Status)
		return exec
	}

	result, attempts, err := e.invokeWithRetry(ctx, task.Prompt, timeLimit)
	exec.Attempts = attempts
	if err != nil {
		exec.Status = statusFromError(err)
		exec.ErrorMessage = err.Error()
		e.metrics.RecordTaskExecution(exec.Status)
		return exec
	}

	exec.Output = result.Output
	exec.Usage.WallSeconds = result.Duration.Seconds()
	exec.Usage.ToolCalls = len(result.ToolCalls)
	exec.Usage.APICalls = attempts

	// Prefer the agent's own accounting; fall back to local counting with
	// the selected tokenizer.
	exec.Usage.InputTokens = result.InputTokens
	if exec.Usage.InputTokens == 0 {
		if n, countErr := tok.CountTokens(task.Prompt); countErr == nil {
			exec.Usage.InputTokens = n
		}
	}
	exec.Usage.OutputTokens = result.OutputTokens
	if exec.Usage.OutputTokens == 0 {
		if n, countErr := tok.CountTokens(result.Output); countErr == nil {
			exec.Usage.OutputTokens = n
		}
	}

	// Budget gates: strictly-over fails; exactly-met passes. No retry.
	tokensTotal := exec.Usage.InputTokens + exec.Usage.OutputTokens
	if (budget > 0 && tokensTotal > budget) || result.Duration > timeLimit {
		exec.Status = "resource_exceeded"
		exec.ResourceExceeded = true
		exec.Score = 0
		exec.Passed = false
		e.metrics.RecordTaskExecution(exec.Status)
		return exec
	}

	exec.Score, exec.CriterionScores = scoreOutput(result.Output, task.Criteria)
	exec.Passed = exec.Score >= taskPassThreshold
	exec.Status = "ok"
	e.metrics.RecordTaskExecution(exec.Status)
	return exec
}

// invokeWithRetry 对瞬态错误按 2^attempt 退避重试
func (e *TaskExecutor) invokeWithRetry(ctx context.Context, prompt string, timeout time.Duration) (*InvokeResult, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt))
			e.logger.Debug("重试 agent 调用",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, attempts, types.NewError(types.ErrAgentTimeout, "cancelled during retry backoff").WithCause(ctx.Err())
			default:
				e.sleep(delay)
			}
		}

		attempts++
		start := time.Now()
		result, err := e.invoker.Invoke(ctx, prompt, nil, timeout)
		if e.recorder != nil {
			e.recorder.RecordInvocation(prompt, result, time.Since(start), attempts, err)
		}
		if err == nil {
			return result, attempts, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			return nil, attempts, err
		}
	}
	return nil, attempts, lastErr
}

// statusFromError 将调用错误映射为执行状态
func statusFromError(err error) string {
	switch types.GetErrorCode(err) {
	case types.ErrAgentTimeout:
		return "agent_timeout"
	case types.ErrAgentUnreachable:
		return "agent_unreachable"
	default:
		return "agent_error"
	}
}

// scoreOutput 按任务标准加权评分
func scoreOutput(output string, criteria []EvalCriterion) (float64, map[string]float64) {
	if len(criteria) == 0 {
		// No criteria: any non-empty output passes fully.
		if strings.TrimSpace(output) == "" {
			return 0, nil
		}
		return 1, nil
	}

	lower := strings.ToLower(output)
	scores := make(map[string]float64, len(criteria))
	var weightedSum, weightTotal float64

	for _, c := range criteria {
		weight := c.Weight
		if weight <= 0 {
			weight = 1.0
		}

		score := 1.0
		if c.MinLength > 0 && len(output) < c.MinLength {
			score = 0
		}
		for _, banned := range c.ForbiddenKeywords {
			if strings.Contains(lower, strings.ToLower(banned)) {
				score = 0
				break
			}
		}
		if score > 0 && len(c.RequiredKeywords) > 0 {
			matched := 0
			for _, kw := range c.RequiredKeywords {
				if strings.Contains(lower, strings.ToLower(kw)) {
					matched++
				}
			}
			score = float64(matched) / float64(len(c.RequiredKeywords))
		}

		scores[c.Name] = score
		weightedSum += weight * score
		weightTotal += weight
	}

	return weightedSum / weightTotal, scores
}

// OrderTasks 返回确定性任务顺序: sort by SHA-256(submission_id || task_id)。
// 同一提交的两次执行看到相同顺序。
func OrderTasks(submissionID string, tasks []Task) []Task {
	type keyed struct {
		task Task
		key  string
	}
	keyedTasks := make([]keyed, len(tasks))
	for i, task := range tasks {
		sum := sha256.Sum256([]byte(submissionID + task.TaskID))
		keyedTasks[i] = keyed{task: task, key: hex.EncodeToString(sum[:])}
	}
	sort.Slice(keyedTasks, func(i, j int) bool {
		return keyedTasks[i].key < keyedTasks[j].key
	})

	out := make([]Task, len(tasks))
	for i, k := range keyedTasks {
		out[i] = k.task
	}
	return out
}

// ExecuteCategory 执行一个类别：确定性顺序 + 有界并发。
// onTask 在每个任务完成后按完成顺序回调。
func (e *TaskExecutor) ExecuteCategory(ctx context.Context, submissionID string, category Category, onTask func(TaskExecution)) CategoryExecution {
	exec := CategoryExecution{
		CategoryID: category.CategoryID,
		StartedAt:  time.Now().UTC(),
	}
	defer func() { exec.FinishedAt = time.Now().UTC() }()

	ordered := OrderTasks(submissionID, category.Tasks)
	results := make([]TaskExecution, len(ordered))

	sem := semaphore.NewWeighted(int64(e.cfg.TaskConcurrency))
	done := make(chan int, len(ordered))

	for i, task := range ordered {
		go func(idx int, tk Task) {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[idx] = TaskExecution{
					TaskID:       tk.TaskID,
					Status:       "agent_error",
					ErrorMessage: err.Error(),
					StartedAt:    time.Now().UTC(),
					FinishedAt:   time.Now().UTC(),
				}
				done <- idx
				return
			}
			results[idx] = e.ExecuteTask(ctx, tk)
			sem.Release(1)
			done <- idx
		}(i, task)
	}

	for range ordered {
		idx := <-done
		if onTask != nil {
			onTask(results[idx])
		}
	}

	// Results keep the deterministic task order regardless of completion
	// order.
	exec.Tasks = results

	var scoreSum float64
	for _, t := range exec.Tasks {
		scoreSum += t.Score
		exec.Usage.Add(t.Usage)
	}
	if len(exec.Tasks) > 0 {
		exec.Score = scoreSum / float64(len(exec.Tasks))
	}
	return exec
}

// ExecuteBenchmark 顺序执行各类别并按权重合成总分
func (e *TaskExecutor) ExecuteBenchmark(ctx context.Context, submissionID string, benchmark *Benchmark, categories []string, onTask func(TaskExecution)) BenchmarkExecution {
	exec := BenchmarkExecution{
		SubmissionID: submissionID,
		Benchmark:    benchmark.Name,
		Environment:  CaptureEnvironment(submissionID, benchmark.Version),
		StartedAt:    time.Now().UTC(),
	}
	defer func() { exec.FinishedAt = time.Now().UTC() }()

	var weightedSum, weightTotal float64
	for _, categoryID := range categories {
		category := benchmark.CategoryByID(categoryID)
		if category == nil {
			e.logger.Warn("跳过未知类别", zap.String("category", categoryID))
			continue
		}

		catExec := e.ExecuteCategory(ctx, submissionID, *category, onTask)
		exec.Categories = append(exec.Categories, catExec)
		exec.Usage.Add(catExec.Usage)

		weight := category.Weight
		if weight <= 0 {
			weight = 1.0
		}
		weightedSum += weight * catExec.Score
		weightTotal += weight

		if ctx.Err() != nil {
			exec.Status = "cancelled"
			exec.ErrorMessage = ctx.Err().Error()
			return exec
		}
	}

	if weightTotal > 0 {
		exec.OverallScore = weightedSum / weightTotal
	}
	exec.Status = "completed"
	return exec
}
