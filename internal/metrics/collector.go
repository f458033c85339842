package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 导出管道指标
	spansEmitted       *prometheus.CounterVec
	spansDropped       *prometheus.CounterVec
	batchesExported    *prometheus.CounterVec
	batchRetries       *prometheus.CounterVec
	deadLetteredSpans  prometheus.Counter
	exportQueueDepth   prometheus.Gauge
	exportBatchLatency *prometheus.HistogramVec

	// 审计指标
	auditEventsCaptured *prometheus.CounterVec
	auditEventsDeduped  prometheus.Counter
	auditCaptureErrors  *prometheus.CounterVec
	chainVerifications  *prometheus.CounterVec
	checkpointsCreated  *prometheus.CounterVec

	// 评估指标
	evaluatorRuns      *prometheus.CounterVec
	evaluatorDuration  *prometheus.HistogramVec
	judgeRequestsTotal *prometheus.CounterVec
	judgeTokensUsed    *prometheus.CounterVec
	judgeCost          *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 编排器指标
	submissionsTotal   *prometheus.CounterVec
	executionsTotal    *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec

	// 查询/导出 API 指标
	exportJobsTotal   *prometheus.CounterVec
	streamSubscribers prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// reg 为 nil 时使用 prometheus.DefaultRegisterer（进程级单例，测试传独立 registry）
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 导出管道指标
	c.spansEmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_emitted_total",
			Help:      "Total number of spans accepted by the export pipeline",
		},
		[]string{"kind"},
	)

	c.spansDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_dropped_total",
			Help:      "Total number of spans dropped before export",
		},
		[]string{"reason"}, // queue_full, invalid_parent, sampled_out, shutdown
	)

	c.batchesExported = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_batches_total",
			Help:      "Total number of exported batches by sink and outcome",
		},
		[]string{"sink", "outcome"}, // success, transient_failure, permanent_failure
	)

	c.batchRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_batch_retries_total",
			Help:      "Total number of export batch retries",
		},
		[]string{"sink"},
	)

	c.deadLetteredSpans = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deadlettered_spans_total",
			Help:      "Total number of spans written to the dead-letter store",
		},
	)

	c.exportQueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "export_queue_depth",
			Help:      "Current depth of the export queue",
		},
	)

	c.exportBatchLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_batch_duration_seconds",
			Help:      "Sink export duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"sink"},
	)

	// 审计指标
	c.auditEventsCaptured = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_captured_total",
			Help:      "Total number of audit events durably chained",
		},
		[]string{"organization", "category"},
	)

	c.auditEventsDeduped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_deduplicated_total",
			Help:      "Total number of audit events suppressed by the dedup window",
		},
	)

	c.auditCaptureErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_capture_errors_total",
			Help:      "Total number of audit capture failures",
		},
		[]string{"kind"}, // storage, encode
	)

	c.chainVerifications = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_chain_verifications_total",
			Help:      "Total number of chain verification runs by result",
		},
		[]string{"result"}, // valid, invalid
	)

	c.checkpointsCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_checkpoints_total",
			Help:      "Total number of checkpoints created",
		},
		[]string{"status"}, // sealed, pending_timestamp
	)

	// 评估指标
	c.evaluatorRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluator_runs_total",
			Help:      "Total number of evaluator executions",
		},
		[]string{"evaluator", "status"}, // ok, error, timeout
	)

	c.evaluatorDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluator_duration_seconds",
			Help:      "Evaluator execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"evaluator"},
	)

	c.judgeRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judge_requests_total",
			Help:      "Total number of judge requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.judgeTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judge_tokens_used_total",
			Help:      "Total number of judge tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.judgeCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judge_cost_total",
			Help:      "Total judge cost in USD",
		},
		[]string{"provider", "model"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 编排器指标
	c.submissionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Total number of submissions by outcome",
		},
		[]string{"outcome"}, // accepted, rejected, circuit_open
	)

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_total",
			Help:      "Total number of task executions by status",
		},
		[]string{"status"}, // ok, agent_error, agent_timeout, resource_exceeded
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"endpoint", "from_state", "to_state"},
	)

	// 查询/导出 API 指标
	c.exportJobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_export_jobs_total",
			Help:      "Total number of export jobs by terminal status",
		},
		[]string{"status", "format"},
	)

	c.streamSubscribers = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_stream_subscribers",
			Help:      "Current number of live audit stream subscribers",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 📤 导出管道指标记录
// =============================================================================

// RecordSpanEmitted 记录 span 进入导出队列
func (c *Collector) RecordSpanEmitted(kind string) {
	c.spansEmitted.WithLabelValues(kind).Inc()
}

// RecordSpanDropped 记录 span 被丢弃
func (c *Collector) RecordSpanDropped(reason string) {
	c.spansDropped.WithLabelValues(reason).Inc()
}

// RecordBatchExport 记录一次批次导出
func (c *Collector) RecordBatchExport(sink, outcome string, duration time.Duration) {
	c.batchesExported.WithLabelValues(sink, outcome).Inc()
	c.exportBatchLatency.WithLabelValues(sink).Observe(duration.Seconds())
}

// RecordBatchRetry 记录批次重试
func (c *Collector) RecordBatchRetry(sink string) {
	c.batchRetries.WithLabelValues(sink).Inc()
}

// RecordDeadLettered 记录死信 span 数量
func (c *Collector) RecordDeadLettered(count int) {
	c.deadLetteredSpans.Add(float64(count))
}

// SetExportQueueDepth 更新导出队列深度
func (c *Collector) SetExportQueueDepth(depth int) {
	c.exportQueueDepth.Set(float64(depth))
}

// =============================================================================
// 🔏 审计指标记录
// =============================================================================

// RecordAuditEventCaptured 记录审计事件落盘
func (c *Collector) RecordAuditEventCaptured(organization, category string) {
	c.auditEventsCaptured.WithLabelValues(organization, category).Inc()
}

// RecordAuditEventDeduped 记录审计事件去重
func (c *Collector) RecordAuditEventDeduped() {
	c.auditEventsDeduped.Inc()
}

// RecordAuditCaptureError 记录审计写入失败
func (c *Collector) RecordAuditCaptureError(kind string) {
	c.auditCaptureErrors.WithLabelValues(kind).Inc()
}

// RecordChainVerification 记录链校验结果
func (c *Collector) RecordChainVerification(valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	c.chainVerifications.WithLabelValues(result).Inc()
}

// RecordCheckpoint 记录检查点创建
func (c *Collector) RecordCheckpoint(status string) {
	c.checkpointsCreated.WithLabelValues(status).Inc()
}

// =============================================================================
// 🧪 评估指标记录
// =============================================================================

// RecordEvaluatorRun 记录评估器执行
func (c *Collector) RecordEvaluatorRun(evaluator, status string, duration time.Duration) {
	c.evaluatorRuns.WithLabelValues(evaluator, status).Inc()
	c.evaluatorDuration.WithLabelValues(evaluator).Observe(duration.Seconds())
}

// RecordJudgeRequest 记录 judge 请求
func (c *Collector) RecordJudgeRequest(provider, model, status string, promptTokens, completionTokens int, cost float64) {
	c.judgeRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.judgeTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.judgeTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	c.judgeCost.WithLabelValues(provider, model).Add(cost)
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🧰 编排器指标记录
// =============================================================================

// RecordSubmission 记录提交结果
func (c *Collector) RecordSubmission(outcome string) {
	c.submissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordTaskExecution 记录任务执行结果
func (c *Collector) RecordTaskExecution(status string) {
	c.executionsTotal.WithLabelValues(status).Inc()
}

// RecordBreakerTransition 记录熔断器状态转换
func (c *Collector) RecordBreakerTransition(endpoint, from, to string) {
	c.breakerTransitions.WithLabelValues(endpoint, from, to).Inc()
}

// =============================================================================
// 📦 查询/导出 API 指标记录
// =============================================================================

// RecordExportJob 记录导出任务进入终态
func (c *Collector) RecordExportJob(status, format string) {
	c.exportJobsTotal.WithLabelValues(status, format).Inc()
}

// AddStreamSubscriber 流订阅者数 +1
func (c *Collector) AddStreamSubscriber() {
	c.streamSubscribers.Inc()
}

// RemoveStreamSubscriber 流订阅者数 -1
func (c *Collector) RemoveStreamSubscriber() {
	c.streamSubscribers.Dec()
}

// statusCode 将 HTTP 状态码分桶为字符串标签
func statusCode(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
