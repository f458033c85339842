package bench

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// EnvironmentSnapshot 固定一次执行的环境，用于复现比对
type EnvironmentSnapshot struct {
	Runtime          string            `json:"runtime"`
	RuntimeVersion   string            `json:"runtime_version"`
	OS               string            `json:"os"`
	Arch             string            `json:"arch"`
	CoreDependencies map[string]string `json:"core_dependencies,omitempty"`
	BenchmarkVersion string            `json:"benchmark_version"`
	Seed             uint64            `json:"seed"`
	StartedAt        time.Time         `json:"started_at"`
}

// DeriveSeed 从提交 ID 派生随机种子: SHA-256(submission_id) 的前 8 字节。
func DeriveSeed(submissionID string) uint64 {
	sum := sha256.Sum256([]byte(submissionID))
	return binary.BigEndian.Uint64(sum[:8])
}

// coreDependencyPrefixes 快照中记录的核心依赖
var coreDependencyPrefixes = []string{
	"github.com/pkoukk/tiktoken-go",
	"go.uber.org/zap",
	"golang.org/x/sync",
}

// CaptureEnvironment 捕获当前环境快照
func CaptureEnvironment(submissionID, benchmarkVersion string) EnvironmentSnapshot {
	snapshot := EnvironmentSnapshot{
		Runtime:          "go",
		RuntimeVersion:   runtime.Version(),
		OS:               runtime.GOOS,
		Arch:             runtime.GOARCH,
		BenchmarkVersion: benchmarkVersion,
		Seed:             DeriveSeed(submissionID),
		StartedAt:        time.Now().UTC(),
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		deps := make(map[string]string)
		for _, dep := range info.Deps {
			for _, prefix := range coreDependencyPrefixes {
				if dep.Path == prefix {
					deps[dep.Path] = dep.Version
				}
			}
		}
		if len(deps) > 0 {
			snapshot.CoreDependencies = deps
		}
	}
	return snapshot
}

// RecordedInvocation 一次 agent 调用的录制
type RecordedInvocation struct {
	Prompt   string        `json:"prompt"`
	Response string        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Attempt  int           `json:"attempt"`
	At       time.Time     `json:"at"`
}

// RecordedToolCall 一次工具调用的录制
type RecordedToolCall struct {
	Name     string          `json:"name"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Duration float64         `json:"duration"`
	At       time.Time       `json:"at"`
}

// ExecutionRecorder 按时间序录制全部 agent 调用与工具调用，
// 可序列化为 trace 文件用于回放。
type ExecutionRecorder struct {
	mu          sync.Mutex
	invocations []RecordedInvocation
	toolCalls   []RecordedToolCall
}

// NewExecutionRecorder 创建录制器
func NewExecutionRecorder() *ExecutionRecorder {
	return &ExecutionRecorder{}
}

// RecordInvocation 录制一次 agent 调用（含失败的尝试）
func (r *ExecutionRecorder) RecordInvocation(prompt string, result *InvokeResult, duration time.Duration, attempt int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := RecordedInvocation{
		Prompt:   prompt,
		Duration: duration,
		Attempt:  attempt,
		At:       time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if result != nil {
		rec.Response = result.Output
		for _, call := range result.ToolCalls {
			r.toolCalls = append(r.toolCalls, RecordedToolCall{
				Name:     call.Name,
				Params:   call.Params,
				Result:   call.Result,
				Duration: call.Duration,
				At:       time.Now().UTC(),
			})
		}
	}
	r.invocations = append(r.invocations, rec)
}

// Invocations 返回时间序的调用录制
func (r *ExecutionRecorder) Invocations() []RecordedInvocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedInvocation, len(r.invocations))
	copy(out, r.invocations)
	return out
}

// ToolCalls 返回时间序的工具调用录制
func (r *ExecutionRecorder) ToolCalls() []RecordedToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedToolCall, len(r.toolCalls))
	copy(out, r.toolCalls)
	return out
}

// traceFile 录制文件格式
type traceFile struct {
	Invocations []RecordedInvocation `json:"invocations"`
	ToolCalls   []RecordedToolCall   `json:"tool_calls"`
}

// WriteTraceFile 将录制序列化到文件
func (r *ExecutionRecorder) WriteTraceFile(path string) error {
	r.mu.Lock()
	payload := traceFile{Invocations: r.invocations, ToolCalls: r.toolCalls}
	r.mu.Unlock()

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trace file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadTraceFile 读取录制文件
func LoadTraceFile(path string) (*ExecutionRecorder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace file: %w", err)
	}
	var payload traceFile
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode trace file: %w", err)
	}
	return &ExecutionRecorder{
		invocations: payload.Invocations,
		toolCalls:   payload.ToolCalls,
	}, nil
}

// ReproducibilityReport 两次执行的复现比对结果
type ReproducibilityReport struct {
	Reproducible    bool     `json:"reproducible"`
	OrderingMatches bool     `json:"ordering_matches"`
	PromptsMatch    bool     `json:"prompts_match"`
	ScoresMatch     bool     `json:"scores_match"`
	Differences     []string `json:"differences,omitempty"`
}

// VerifyReproducibility 比较两次基准执行：任务顺序一致、提示词一致、
// 分数在容差内相等。
func VerifyReproducibility(a, b *BenchmarkExecution, scoreTolerance float64) *ReproducibilityReport {
	report := &ReproducibilityReport{
		OrderingMatches: true,
		PromptsMatch:    true,
		ScoresMatch:     true,
	}

	aTasks := flattenTasks(a)
	bTasks := flattenTasks(b)

	if len(aTasks) != len(bTasks) {
		report.OrderingMatches = false
		report.Differences = append(report.Differences,
			fmt.Sprintf("task count differs: %d vs %d", len(aTasks), len(bTasks)))
	} else {
		for i := range aTasks {
			if aTasks[i].TaskID != bTasks[i].TaskID {
				report.OrderingMatches = false
				report.Differences = append(report.Differences,
					fmt.Sprintf("position %d: task %s vs %s", i, aTasks[i].TaskID, bTasks[i].TaskID))
				continue
			}
			if aTasks[i].Prompt != bTasks[i].Prompt {
				report.PromptsMatch = false
				report.Differences = append(report.Differences,
					fmt.Sprintf("task %s: prompts differ", aTasks[i].TaskID))
			}
			if math.Abs(aTasks[i].Score-bTasks[i].Score) > scoreTolerance {
				report.ScoresMatch = false
				report.Differences = append(report.Differences,
					fmt.Sprintf("task %s: score %.4f vs %.4f", aTasks[i].TaskID, aTasks[i].Score, bTasks[i].Score))
			}
		}
	}

	if math.Abs(a.OverallScore-b.OverallScore) > scoreTolerance {
		report.ScoresMatch = false
		report.Differences = append(report.Differences,
			fmt.Sprintf("overall score %.4f vs %.4f", a.OverallScore, b.OverallScore))
	}

	report.Reproducible = report.OrderingMatches && report.PromptsMatch && report.ScoresMatch
	return report
}

// flattenTasks 按类别顺序展平任务执行记录
func flattenTasks(exec *BenchmarkExecution) []TaskExecution {
	var out []TaskExecution
	categories := make([]CategoryExecution, len(exec.Categories))
	copy(categories, exec.Categories)
	sort.Slice(categories, func(i, j int) bool {
		return categories[i].CategoryID < categories[j].CategoryID
	})
	for _, cat := range categories {
		out = append(out, cat.Tasks...)
	}
	return out
}
