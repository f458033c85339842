package bench

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/types"
)

func agentServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPAgent_Invoke(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req httpAgentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "solve this", req.Prompt)

		json.NewEncoder(w).Encode(map[string]any{
			"output": "solved",
			"tool_calls": []map[string]any{
				{"name": "calculator", "duration": 0.1},
			},
			"usage": map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	})

	agent := NewHTTPAgent(AgentEndpoint{
		Kind: EndpointHTTP, URL: srv.URL,
		Auth: &EndpointAuth{Scheme: AuthBearer, Token: "secret"},
	}, zap.NewNop())

	result, err := agent.Invoke(context.Background(), "solve this", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "solved", result.Output)
	assert.Len(t, result.ToolCalls, 1)
	assert.Equal(t, 10, result.InputTokens)
	assert.Equal(t, 5, result.OutputTokens)
}

func TestHTTPAgent_ErrorClassification(t *testing.T) {
	t.Run("non-2xx is agent_error", func(t *testing.T) {
		srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		})
		agent := NewHTTPAgent(AgentEndpoint{Kind: EndpointHTTP, URL: srv.URL}, zap.NewNop())
		_, err := agent.Invoke(context.Background(), "p", nil, time.Second)
		assert.Equal(t, types.ErrAgent, types.GetErrorCode(err))
		assert.False(t, types.IsRetryable(err))
	})

	t.Run("5xx is retryable agent_error", func(t *testing.T) {
		srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		agent := NewHTTPAgent(AgentEndpoint{Kind: EndpointHTTP, URL: srv.URL}, zap.NewNop())
		_, err := agent.Invoke(context.Background(), "p", nil, time.Second)
		assert.Equal(t, types.ErrAgent, types.GetErrorCode(err))
		assert.True(t, types.IsRetryable(err))
	})

	t.Run("malformed JSON is agent_error", func(t *testing.T) {
		srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		})
		agent := NewHTTPAgent(AgentEndpoint{Kind: EndpointHTTP, URL: srv.URL}, zap.NewNop())
		_, err := agent.Invoke(context.Background(), "p", nil, time.Second)
		assert.Equal(t, types.ErrAgent, types.GetErrorCode(err))
	})

	t.Run("connection refused is agent_unreachable", func(t *testing.T) {
		agent := NewHTTPAgent(AgentEndpoint{Kind: EndpointHTTP, URL: "http://127.0.0.1:1"}, zap.NewNop())
		_, err := agent.Invoke(context.Background(), "p", nil, time.Second)
		assert.Equal(t, types.ErrAgentUnreachable, types.GetErrorCode(err))
	})

	t.Run("slow agent is agent_timeout", func(t *testing.T) {
		srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		})
		agent := NewHTTPAgent(AgentEndpoint{Kind: EndpointHTTP, URL: srv.URL}, zap.NewNop())
		_, err := agent.Invoke(context.Background(), "p", nil, 50*time.Millisecond)
		assert.Equal(t, types.ErrAgentTimeout, types.GetErrorCode(err))
	})
}

func TestHTTPAgent_InputSizeLimit(t *testing.T) {
	agent := NewHTTPAgent(AgentEndpoint{Kind: EndpointHTTP, URL: "http://unused"}, zap.NewNop())
	huge := strings.Repeat("x", maxPromptBytes+1)
	_, err := agent.Invoke(context.Background(), huge, nil, time.Second)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestHTTPAgent_OutputTruncated(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"output": strings.Repeat("y", maxOutputBytes+1000),
		})
	})
	agent := NewHTTPAgent(AgentEndpoint{Kind: EndpointHTTP, URL: srv.URL}, zap.NewNop())
	result, err := agent.Invoke(context.Background(), "p", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, result.Output, maxOutputBytes)
}

func TestLocalAgent_Invoke(t *testing.T) {
	locals := NewLocalAgentRegistry()
	locals.Register("demo", "echo", func(ctx context.Context, prompt string, config map[string]any) (string, []ToolCall, error) {
		return "echo: " + prompt, []ToolCall{{Name: "noop"}}, nil
	})

	invoker, err := locals.Invoker(AgentEndpoint{Kind: EndpointLocal, Module: "demo", Function: "echo"})
	require.NoError(t, err)

	result, err := invoker.Invoke(context.Background(), "hi", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", result.Output)
	assert.Len(t, result.ToolCalls, 1)
}

func TestLocalAgent_Timeout(t *testing.T) {
	locals := NewLocalAgentRegistry()
	locals.Register("demo", "slow", func(ctx context.Context, prompt string, config map[string]any) (string, []ToolCall, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return "", nil, ctx.Err()
	})

	invoker, err := locals.Invoker(AgentEndpoint{Kind: EndpointLocal, Module: "demo", Function: "slow"})
	require.NoError(t, err)

	start := time.Now()
	_, err = invoker.Invoke(context.Background(), "hi", nil, 50*time.Millisecond)
	assert.Equal(t, types.ErrAgentTimeout, types.GetErrorCode(err))
	assert.Less(t, time.Since(start), time.Second, "caller notified without waiting the function out")
}

func TestNewInvoker_GRPCReserved(t *testing.T) {
	invoker, err := NewInvoker(AgentEndpoint{Kind: EndpointGRPC, URL: "https://grpc.example.com"}, nil, zap.NewNop())
	require.NoError(t, err)
	_, err = invoker.Invoke(context.Background(), "p", nil, time.Second)
	assert.Equal(t, types.ErrAgentUnreachable, types.GetErrorCode(err))
}
