package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/types"
)

const (
	// maxPromptBytes 超过即拒绝调用
	maxPromptBytes = 100 << 10 // 100KB
	// maxOutputBytes 超过即截断
	maxOutputBytes = 50 << 10 // 50KB
)

// ToolCall 一次 agent 工具调用记录
type ToolCall struct {
	Name     string          `json:"name"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Duration float64         `json:"duration"`
	Error    string          `json:"error,omitempty"`
}

// InvokeResult agent 调用结果
type InvokeResult struct {
	Output       string        `json:"output"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	Duration     time.Duration `json:"duration"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
}

// AgentInvoker 调用被测 agent
type AgentInvoker interface {
	// Invoke 以给定超时调用 agent。输入超过 100KB 直接拒绝；
	// 输出超过 50KB 截断。
	Invoke(ctx context.Context, prompt string, config map[string]any, timeout time.Duration) (*InvokeResult, error)
}

// sanitizePrompt 校验输入尺寸
func sanitizePrompt(prompt string) error {
	if len(prompt) > maxPromptBytes {
		return types.Errorf(types.ErrValidation, "prompt exceeds %d bytes", maxPromptBytes)
	}
	return nil
}

// truncateOutput 截断超长输出
func truncateOutput(output string) string {
	if len(output) <= maxOutputBytes {
		return output
	}
	return output[:maxOutputBytes]
}

// NewInvoker 按端点类型构造 invoker
func NewInvoker(endpoint AgentEndpoint, locals *LocalAgentRegistry, logger *zap.Logger) (AgentInvoker, error) {
	switch endpoint.Kind {
	case EndpointHTTP:
		return NewHTTPAgent(endpoint, logger), nil
	case EndpointLocal:
		if locals == nil {
			return nil, types.NewError(types.ErrValidation, "no local agent registry configured")
		}
		return locals.Invoker(endpoint)
	case EndpointGRPC:
		return &grpcReservedAgent{}, nil
	default:
		return nil, types.Errorf(types.ErrValidation, "unsupported endpoint kind %q", endpoint.Kind)
	}
}

// --- HTTP agent ---

// httpAgentRequest agent 端点契约的请求体
type httpAgentRequest struct {
	Prompt   string            `json:"prompt"`
	Config   map[string]any    `json:"config,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// httpAgentResponse agent 端点契约的响应体
type httpAgentResponse struct {
	Output    string     `json:"output"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// HTTPAgent 通过 HTTP POST 调用远端 agent
type HTTPAgent struct {
	endpoint AgentEndpoint
	logger   *zap.Logger
}

// NewHTTPAgent 创建 HTTP agent invoker
func NewHTTPAgent(endpoint AgentEndpoint, logger *zap.Logger) *HTTPAgent {
	return &HTTPAgent{
		endpoint: endpoint,
		logger:   logger.With(zap.String("component", "http_agent")),
	}
}

// Invoke 实现 AgentInvoker.Invoke
func (a *HTTPAgent) Invoke(ctx context.Context, prompt string, config map[string]any, timeout time.Duration) (*InvokeResult, error) {
	if err := sanitizePrompt(prompt); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(httpAgentRequest{Prompt: prompt, Config: config})
	if err != nil {
		return nil, types.NewError(types.ErrAgent, "encode agent request").WithCause(err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrAgent, "build agent request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	a.applyAuth(req)

	start := time.Now()
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, types.NewError(types.ErrAgentTimeout, "agent timed out").WithCause(err)
		}
		return nil, types.NewError(types.ErrAgentUnreachable, "agent unreachable").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := types.Errorf(types.ErrAgent, "agent returned %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			e = e.WithRetryable(true)
		}
		return nil, e
	}

	var body httpAgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewError(types.ErrAgent, "malformed agent response").WithCause(err)
	}

	return &InvokeResult{
		Output:       truncateOutput(body.Output),
		ToolCalls:    body.ToolCalls,
		Duration:     elapsed,
		InputTokens:  body.Usage.InputTokens,
		OutputTokens: body.Usage.OutputTokens,
	}, nil
}

func (a *HTTPAgent) applyAuth(req *http.Request) {
	auth := a.endpoint.Auth
	if auth == nil {
		return
	}
	switch auth.Scheme {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.Token)
	}
}

// --- Local agent ---

// LocalFunc 进程内 agent 函数
type LocalFunc func(ctx context.Context, prompt string, config map[string]any) (string, []ToolCall, error)

// LocalAgentRegistry 进程内 agent 函数注册表；实现 LocalResolver。
type LocalAgentRegistry struct {
	mu    sync.RWMutex
	funcs map[string]LocalFunc
}

// NewLocalAgentRegistry 创建注册表
func NewLocalAgentRegistry() *LocalAgentRegistry {
	return &LocalAgentRegistry{funcs: make(map[string]LocalFunc)}
}

// Register 注册 module.function
func (r *LocalAgentRegistry) Register(module, function string, fn LocalFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[module+"."+function] = fn
}

// Resolve 实现 LocalResolver
func (r *LocalAgentRegistry) Resolve(module, function string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[module+"."+function]
	return ok
}

// Invoker 返回指向注册函数的 invoker
func (r *LocalAgentRegistry) Invoker(endpoint AgentEndpoint) (AgentInvoker, error) {
	r.mu.RLock()
	fn, ok := r.funcs[endpoint.Module+"."+endpoint.Function]
	r.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "cannot resolve %s.%s", endpoint.Module, endpoint.Function)
	}
	return &localAgent{fn: fn}, nil
}

// localAgent 进程内调用。超时时通知调用方，但函数本身无法被抢占，
// 可能泄漏直到返回。
type localAgent struct {
	fn LocalFunc
}

type localOutcome struct {
	output string
	calls  []ToolCall
	err    error
}

func (a *localAgent) Invoke(ctx context.Context, prompt string, config map[string]any, timeout time.Duration) (*InvokeResult, error) {
	if err := sanitizePrompt(prompt); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan localOutcome, 1)
	go func() {
		output, calls, err := a.fn(ctx, prompt, config)
		done <- localOutcome{output: output, calls: calls, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, types.NewError(types.ErrAgentTimeout, "local agent timed out (function may still be running)").
			WithCause(ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, types.NewError(types.ErrAgent, "local agent failed").WithCause(out.err)
		}
		return &InvokeResult{
			Output:    truncateOutput(out.output),
			ToolCalls: out.calls,
			Duration:  time.Since(start),
		}, nil
	}
}

// grpcReservedAgent kind=grpc 预留占位
type grpcReservedAgent struct{}

func (g *grpcReservedAgent) Invoke(ctx context.Context, prompt string, config map[string]any, timeout time.Duration) (*InvokeResult, error) {
	return nil, types.NewError(types.ErrAgentUnreachable, "grpc endpoints are reserved and not yet served")
}
