package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agenttrace/agenttrace/trace"
)

// HTTPSinkConfig configures the batched HTTP sink.
type HTTPSinkConfig struct {
	// Endpoint 接收批次的 URL
	Endpoint string
	// APIKey 为空时不携带认证头
	APIKey string
	// Project 可选项目标识，随批次头部发送
	Project string
	// Timeout 单次请求超时
	Timeout time.Duration
}

// HTTPSink posts span batches as JSON to a collector endpoint.
type HTTPSink struct {
	cfg    HTTPSinkConfig
	client *http.Client
}

// httpBatch is the wire envelope for one exported batch.
type httpBatch struct {
	Project string        `json:"project,omitempty"`
	Spans   []*trace.Span `json:"spans"`
}

// NewHTTPSink creates an HTTP sink.
func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Export(ctx context.Context, batch []*trace.Span) Result {
	payload, err := json.Marshal(httpBatch{Project: s.cfg.Project, Spans: batch})
	if err != nil {
		return Permanent(fmt.Errorf("encode batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("post batch: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Ok()
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Transient(fmt.Errorf("collector returned %d", resp.StatusCode))
	default:
		return Permanent(fmt.Errorf("collector rejected batch with %d", resp.StatusCode))
	}
}
