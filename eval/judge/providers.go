package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agenttrace/agenttrace/types"
)

// completion 是 provider 返回的原始补全
type completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// provider 抽象一个 judge 后端
type provider interface {
	Name() string
	Complete(ctx context.Context, cfg Config, prompt, system string) (*completion, error)
}

// newProvider 按名称构造 provider
func newProvider(name string) (provider, error) {
	switch name {
	case "openai":
		return &openaiProvider{}, nil
	case "anthropic":
		return &anthropicProvider{}, nil
	case "together":
		return &togetherProvider{}, nil
	default:
		return nil, fmt.Errorf("unsupported judge provider: %s", name)
	}
}

// mapHTTPError 将 HTTP 状态码映射为结构化错误
func mapHTTPError(status int, body string, providerName string) error {
	msg := fmt.Sprintf("%s returned %d: %s", providerName, status, truncate(body, 256))
	e := types.NewError(types.ErrJudge, msg).WithHTTPStatus(status)
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		e = e.WithRetryable(true)
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func readBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(data)
}

func postJSON(ctx context.Context, cfg Config, url string, headers map[string]string, payload any, out any, providerName string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return types.NewError(types.ErrJudge, "encode request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return types.NewError(types.ErrJudge, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return types.NewError(types.ErrJudge, "request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return mapHTTPError(resp.StatusCode, readBody(resp.Body), providerName)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewError(types.ErrJudge, "decode response").WithCause(err).WithRetryable(true)
	}
	return nil
}

// --- OpenAI (chat completions) ---

type openaiProvider struct{}

func (p *openaiProvider) Name() string { return "openai" }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *openaiProvider) Complete(ctx context.Context, cfg Config, prompt, system string) (*completion, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com"
	}

	var messages []openaiMessage
	if system != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: system})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: prompt})

	var out openaiResponse
	err := postJSON(ctx, cfg,
		strings.TrimRight(base, "/")+"/v1/chat/completions",
		map[string]string{"Authorization": "Bearer " + cfg.APIKey},
		openaiRequest{Model: cfg.Model, Messages: messages, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens},
		&out, p.Name())
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, types.NewError(types.ErrJudge, "openai returned no choices").WithRetryable(true)
	}
	return &completion{
		Text:             out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

// --- Anthropic (messages) ---

type anthropicProvider struct{}

func (p *anthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *anthropicProvider) Complete(ctx context.Context, cfg Config, prompt, system string) (*completion, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var out anthropicResponse
	err := postJSON(ctx, cfg,
		strings.TrimRight(base, "/")+"/v1/messages",
		map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": "2023-06-01",
		},
		anthropicRequest{
			Model:       cfg.Model,
			System:      system,
			Messages:    []openaiMessage{{Role: "user", Content: prompt}},
			Temperature: cfg.Temperature,
			MaxTokens:   maxTokens,
		},
		&out, p.Name())
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, types.NewError(types.ErrJudge, "anthropic returned no text content").WithRetryable(true)
	}
	return &completion{
		Text:             text.String(),
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
	}, nil
}

// --- Together (OpenAI 兼容) ---

type togetherProvider struct{}

func (p *togetherProvider) Name() string { return "together" }

func (p *togetherProvider) Complete(ctx context.Context, cfg Config, prompt, system string) (*completion, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.together.xyz"
	}

	var messages []openaiMessage
	if system != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: system})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: prompt})

	var out openaiResponse
	err := postJSON(ctx, cfg,
		strings.TrimRight(base, "/")+"/v1/chat/completions",
		map[string]string{"Authorization": "Bearer " + cfg.APIKey},
		openaiRequest{Model: cfg.Model, Messages: messages, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens},
		&out, p.Name())
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, types.NewError(types.ErrJudge, "together returned no choices").WithRetryable(true)
	}
	return &completion{
		Text:             out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}
