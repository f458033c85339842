package judge

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agenttrace/agenttrace/internal/retry"
	"github.com/agenttrace/agenttrace/types"
)

// Metrics is the subset of the internal collector the judge client reports
// to. A nil Metrics drops all observations.
type Metrics interface {
	RecordJudgeRequest(provider, model, status string, promptTokens, completionTokens int, cost float64)
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

type nopMetrics struct{}

func (nopMetrics) RecordJudgeRequest(string, string, string, int, int, float64) {}
func (nopMetrics) RecordCacheHit(string)                                        {}
func (nopMetrics) RecordCacheMiss(string)                                       {}

// Client judge 客户端：缓存 → 信号量 → 重试 → 解析 → 成本
type Client struct {
	cfg      Config
	provider provider
	cache    *responseCache
	cost     *CostTracker
	sem      *semaphore.Weighted
	retryer  retry.Retryer
	metrics  Metrics
	logger   *zap.Logger
}

// NewClient creates a judge client. rdb enables the redis cache level and
// may be nil; metrics may be nil.
func NewClient(cfg Config, rdb *redis.Client, m Metrics, logger *zap.Logger) (*Client, error) {
	p, err := newProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if m == nil {
		m = nopMetrics{}
	}

	logger = logger.With(zap.String("component", "judge"))
	c := &Client{
		cfg:      cfg,
		provider: p,
		cost:     NewCostTracker(cfg.CostWarnThreshold, logger),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		metrics:  m,
		logger:   logger,
	}
	if cfg.CacheEnabled {
		c.cache = newResponseCache(rdb, 1000, cfg.CacheTTL, logger)
	}

	c.retryer = retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}, logger)
	return c, nil
}

// Judge 执行一次评审。相同请求在 TTL 内命中缓存时返回相同的分数和理由，
// 且不消耗 token。
func (c *Client) Judge(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, types.NewError(types.ErrValidation, "judge prompt required")
	}

	key := CacheKey(c.cfg.Provider, c.cfg.Model, req.Prompt, req.System, c.cfg.Temperature)
	useCache := c.cache != nil && !req.NoCache

	if useCache {
		if resp, err := c.cache.Get(ctx, key); err == nil {
			c.metrics.RecordCacheHit("judge")
			resp.Cached = true
			return resp, nil
		}
		c.metrics.RecordCacheMiss("judge")
	}

	// 并发上限
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, types.NewError(types.ErrJudge, "acquire judge slot").WithCause(err)
	}
	defer c.sem.Release(1)

	var comp *completion
	var permanentErr error
	err := c.retryer.Do(ctx, func() error {
		var callErr error
		comp, callErr = c.provider.Complete(ctx, c.cfg, req.Prompt, req.System)
		if callErr != nil && !types.IsRetryable(callErr) {
			// 不可重试错误：停止重试，直接穿透
			permanentErr = callErr
			return nil
		}
		return callErr
	})
	if permanentErr != nil {
		err = permanentErr
	}
	if err != nil {
		c.metrics.RecordJudgeRequest(c.cfg.Provider, c.cfg.Model, "error", 0, 0, 0)
		return nil, err
	}

	verdict, err := parseVerdict(comp.Text, c.cfg.ExpectedMaxScore)
	if err != nil {
		c.metrics.RecordJudgeRequest(c.cfg.Provider, c.cfg.Model, "parse_error", comp.PromptTokens, comp.CompletionTokens, 0)
		return nil, types.NewError(types.ErrJudge, "unparseable judge output").WithCause(err)
	}

	cost := c.cost.Track(c.cfg.Provider, c.cfg.Model, comp.PromptTokens, comp.CompletionTokens)
	c.metrics.RecordJudgeRequest(c.cfg.Provider, c.cfg.Model, "ok", comp.PromptTokens, comp.CompletionTokens, cost)

	resp := &Response{
		Score:      verdict.Score,
		Reasoning:  verdict.Reasoning,
		Confidence: verdict.Confidence,
		Raw:        comp.Text,
		TokenUsage: TokenUsage{
			PromptTokens:     comp.PromptTokens,
			CompletionTokens: comp.CompletionTokens,
		},
	}

	if useCache {
		c.cache.Set(ctx, key, resp)
	}
	return resp, nil
}

// CostSummary 返回累计成本
func (c *Client) CostSummary() CostSummary {
	return c.cost.Summary()
}
