package judge

import (
	"sync"

	"go.uber.org/zap"
)

// ModelPrice 模型价格
type ModelPrice struct {
	Provider    string
	Model       string
	PriceInput  float64 // USD per 1K tokens
	PriceOutput float64 // USD per 1K tokens
}

// CostTracker 成本追踪器：按模型价格表累计 judge 调用成本，
// 超过告警阈值时记录一次告警日志。
type CostTracker struct {
	mu     sync.Mutex
	prices map[string]ModelPrice // key: provider:model

	totalCost    float64
	totalInput   int
	totalOutput  int
	requestCount int

	warnThreshold float64
	warned        bool
	logger        *zap.Logger
}

// NewCostTracker 创建成本追踪器
func NewCostTracker(warnThreshold float64, logger *zap.Logger) *CostTracker {
	t := &CostTracker{
		prices:        make(map[string]ModelPrice),
		warnThreshold: warnThreshold,
		logger:        logger,
	}
	t.loadDefaultPrices()
	return t
}

// loadDefaultPrices 加载默认价格（可被 SetPrice 覆盖）
func (t *CostTracker) loadDefaultPrices() {
	defaults := []ModelPrice{
		// OpenAI
		{Provider: "openai", Model: "gpt-4o", PriceInput: 0.005, PriceOutput: 0.015},
		{Provider: "openai", Model: "gpt-4o-mini", PriceInput: 0.00015, PriceOutput: 0.0006},
		{Provider: "openai", Model: "gpt-4-turbo", PriceInput: 0.01, PriceOutput: 0.03},
		// Anthropic
		{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", PriceInput: 0.003, PriceOutput: 0.015},
		{Provider: "anthropic", Model: "claude-3-5-haiku-20241022", PriceInput: 0.0008, PriceOutput: 0.004},
		{Provider: "anthropic", Model: "claude-3-opus-20240229", PriceInput: 0.015, PriceOutput: 0.075},
		// Together
		{Provider: "together", Model: "meta-llama/Llama-3.3-70B-Instruct-Turbo", PriceInput: 0.00088, PriceOutput: 0.00088},
		{Provider: "together", Model: "Qwen/Qwen2.5-72B-Instruct-Turbo", PriceInput: 0.0012, PriceOutput: 0.0012},
	}
	for _, p := range defaults {
		t.prices[p.Provider+":"+p.Model] = p
	}
}

// SetPrice 设置模型价格
func (t *CostTracker) SetPrice(provider, model string, priceInput, priceOutput float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[provider+":"+model] = ModelPrice{
		Provider:    provider,
		Model:       model,
		PriceInput:  priceInput,
		PriceOutput: priceOutput,
	}
}

// Track 追踪一次请求的成本，返回本次成本
func (t *CostTracker) Track(provider, model string, tokensInput, tokensOutput int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cost float64
	if price, ok := t.prices[provider+":"+model]; ok {
		cost = float64(tokensInput)/1000*price.PriceInput +
			float64(tokensOutput)/1000*price.PriceOutput
	}

	t.totalCost += cost
	t.totalInput += tokensInput
	t.totalOutput += tokensOutput
	t.requestCount++

	if !t.warned && t.warnThreshold > 0 && t.totalCost >= t.warnThreshold {
		t.warned = true
		if t.logger != nil {
			t.logger.Warn("judge cost crossed warn threshold",
				zap.Float64("total_cost_usd", t.totalCost),
				zap.Float64("threshold_usd", t.warnThreshold),
				zap.Int("requests", t.requestCount),
			)
		}
	}

	return cost
}

// CostSummary 成本汇总
type CostSummary struct {
	TotalCost    float64 `json:"total_cost"`
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	RequestCount int     `json:"request_count"`
}

// Summary 获取成本汇总
func (t *CostTracker) Summary() CostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return CostSummary{
		TotalCost:    t.totalCost,
		TokensInput:  t.totalInput,
		TokensOutput: t.totalOutput,
		RequestCount: t.requestCount,
	}
}

// Reset 重置统计
func (t *CostTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalCost = 0
	t.totalInput = 0
	t.totalOutput = 0
	t.requestCount = 0
	t.warned = false
}
