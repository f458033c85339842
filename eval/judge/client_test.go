package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/internal/retry"
	"github.com/agenttrace/agenttrace/types"
)

// newJudgeServer serves an OpenAI-shaped completion endpoint.
func newJudgeServer(t *testing.T, reply string, failures *atomic.Int32, failStatus int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures != nil && failures.Load() > 0 {
			failures.Add(-1)
			w.WriteHeader(failStatus)
			return
		}
		resp := openaiResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message openaiMessage `json:"message"`
		}{Message: openaiMessage{Role: "assistant", Content: reply}})
		resp.Usage.PromptTokens = 100
		resp.Usage.CompletionTokens = 20
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(t *testing.T, baseURL string, rdb *redis.Client) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.APIKey = "test-key"
	cfg.MaxRetries = 2
	c, err := NewClient(cfg, rdb, nil, zap.NewNop())
	require.NoError(t, err)
	// Fast retry schedule for tests.
	c.retryer = retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}, zap.NewNop())
	return c
}

func TestClient_JudgeParsesAndTracksCost(t *testing.T) {
	srv := newJudgeServer(t, `{"score": 0.8, "reasoning": "good"}`, nil, 0)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	resp, err := c.Judge(context.Background(), Request{Prompt: "rate this"})
	require.NoError(t, err)

	assert.InDelta(t, 0.8, resp.Score, 1e-9)
	assert.Equal(t, "good", resp.Reasoning)
	assert.Equal(t, 100, resp.TokenUsage.PromptTokens)
	assert.Equal(t, 20, resp.TokenUsage.CompletionTokens)
	assert.False(t, resp.Cached)

	summary := c.CostSummary()
	assert.Equal(t, 1, summary.RequestCount)
	assert.Greater(t, summary.TotalCost, 0.0)
}

// Cache law: identical requests within TTL return identical score and
// reasoning and do not increment token counters.
func TestClient_CacheIdempotence(t *testing.T) {
	srv := newJudgeServer(t, `{"score": 0.8, "reasoning": "good"}`, nil, 0)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	first, err := c.Judge(ctx, Request{Prompt: "rate this"})
	require.NoError(t, err)
	second, err := c.Judge(ctx, Request{Prompt: "rate   this"}) // whitespace-normalized to same key
	require.NoError(t, err)

	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Reasoning, second.Reasoning)
	assert.True(t, second.Cached)

	summary := c.CostSummary()
	assert.Equal(t, 1, summary.RequestCount, "cache hit must not call the provider")
	assert.Equal(t, 100, summary.TokensInput, "token counters unchanged by cache hits")
}

func TestClient_NoCacheBypass(t *testing.T) {
	srv := newJudgeServer(t, `{"score": 0.8, "reasoning": "good"}`, nil, 0)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	_, err := c.Judge(ctx, Request{Prompt: "rate this"})
	require.NoError(t, err)
	_, err = c.Judge(ctx, Request{Prompt: "rate this", NoCache: true})
	require.NoError(t, err)

	assert.Equal(t, 2, c.CostSummary().RequestCount)
}

func TestClient_RedisL2Cache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	srv := newJudgeServer(t, `{"score": 0.7, "reasoning": "ok"}`, nil, 0)
	defer srv.Close()

	c1 := newTestClient(t, srv.URL, rdb)
	ctx := context.Background()

	_, err := c1.Judge(ctx, Request{Prompt: "rate this"})
	require.NoError(t, err)

	// A second client (fresh local cache) hits the redis level.
	c2 := newTestClient(t, srv.URL, rdb)
	resp, err := c2.Judge(ctx, Request{Prompt: "rate this"})
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, 0, c2.CostSummary().RequestCount)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	srv := newJudgeServer(t, `{"score": 0.9, "reasoning": "fine"}`, &failures, http.StatusServiceUnavailable)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	resp, err := c.Judge(context.Background(), Request{Prompt: "rate this"})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, resp.Score, 1e-9)
}

func TestClient_PermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Judge(context.Background(), Request{Prompt: "rate this"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx (non-429) is not retried")
	assert.Equal(t, types.ErrJudge, types.GetErrorCode(err))
}

func TestClient_EmptyPromptRejected(t *testing.T) {
	c := newTestClient(t, "http://unused", nil)
	_, err := c.Judge(context.Background(), Request{})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestClient_UnsupportedProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider = "homebrew"
	_, err := NewClient(cfg, nil, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestCostTracker_WarnOnce(t *testing.T) {
	tr := NewCostTracker(0.0001, zap.NewNop())
	tr.Track("openai", "gpt-4o", 100000, 100000)
	tr.Track("openai", "gpt-4o", 100, 100)
	s := tr.Summary()
	assert.Equal(t, 2, s.RequestCount)
	assert.Greater(t, s.TotalCost, 0.0001)

	tr.Reset()
	assert.Equal(t, 0, tr.Summary().RequestCount)
}
