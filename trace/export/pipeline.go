package export

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/internal/retry"
	"github.com/agenttrace/agenttrace/trace"
)

// Mode selects the pipeline scheduling model.
type Mode string

const (
	// ModeDisabled 不启动 worker，所有 span 直接丢弃
	ModeDisabled Mode = "disabled"
	// ModeSync 单 worker 顺序导出
	ModeSync Mode = "sync"
	// ModeAsync N 个 worker 并行导出
	ModeAsync Mode = "async"
)

// PipelineConfig 导出管道配置
type PipelineConfig struct {
	Mode            Mode
	Workers         int           // async 模式下的 worker 数
	QueueSize       int           // 总队列容量（按 worker 均分）
	BatchSize       int           // 批次大小上限
	BatchInterval   time.Duration // 批次时间上限
	MaxRetries      int           // 单批次最大重试次数
	RetryBaseDelay  time.Duration // 重试初始延迟（默认 1s）
	SampleRate      float64       // 头部采样率
	ShutdownTimeout time.Duration // Shutdown 默认排空超时
}

// DefaultPipelineConfig 返回默认管道配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Mode:            ModeAsync,
		Workers:         2,
		QueueSize:       2048,
		BatchSize:       100,
		BatchInterval:   5 * time.Second,
		MaxRetries:      3,
		SampleRate:      1.0,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Pipeline is the async span export pipeline. Emit never blocks the caller
// and never returns an error; overflow follows the drop-oldest policy.
type Pipeline struct {
	cfg        PipelineConfig
	sink       Sink
	sampler    *Sampler
	deadLetter *DeadLetter
	metrics    Metrics
	logger     *zap.Logger

	// Spans are routed to a worker by trace_id so one trace's spans stay in
	// creation order within that worker's batches.
	queues  []chan *trace.Span
	wg      sync.WaitGroup
	stopped atomic.Bool
	depth   atomic.Int64
}

// NewPipeline creates and starts the pipeline.
func NewPipeline(cfg PipelineConfig, sink Sink, deadLetter *DeadLetter, m Metrics, logger *zap.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if m == nil {
		m = nopMetrics{}
	}

	workers := 0
	switch cfg.Mode {
	case ModeSync:
		workers = 1
	case ModeAsync:
		workers = cfg.Workers
		if workers < 1 {
			workers = 1
		}
	case ModeDisabled:
		workers = 0
	}

	p := &Pipeline{
		cfg:        cfg,
		sink:       sink,
		sampler:    NewSampler(cfg.SampleRate),
		deadLetter: deadLetter,
		metrics:    m,
		logger:     logger.With(zap.String("component", "export_pipeline")),
	}

	if workers > 0 {
		perQueue := cfg.QueueSize / workers
		if perQueue < 1 {
			perQueue = 1
		}
		p.queues = make([]chan *trace.Span, workers)
		for i := range p.queues {
			p.queues[i] = make(chan *trace.Span, perQueue)
			p.wg.Add(1)
			go p.worker(i)
		}
	}

	return p
}

// Emit enqueues a closed span for export. Non-blocking; emission failures
// are counted, never surfaced to the caller.
func (p *Pipeline) Emit(span *trace.Span) {
	// Emission must never raise: a send racing Shutdown's queue close is
	// absorbed here and counted as a shutdown drop.
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordSpanDropped("shutdown")
		}
	}()

	if span == nil {
		return
	}
	if p.stopped.Load() || len(p.queues) == 0 {
		p.metrics.RecordSpanDropped("shutdown")
		return
	}
	if err := trace.Validate(span); err != nil {
		p.metrics.RecordSpanDropped("invalid_parent")
		p.logger.Debug("dropping invalid span", zap.Error(err))
		return
	}
	if !p.sampler.Sample(span) {
		p.metrics.RecordSpanDropped("sampled_out")
		return
	}

	q := p.queues[p.route(span.TraceID)]
	p.metrics.RecordSpanEmitted(string(span.Kind))

	select {
	case q <- span:
		p.metrics.SetExportQueueDepth(int(p.depth.Add(1)))
		return
	default:
	}

	// Queue full: drop the oldest entry to make room for the new one.
	select {
	case <-q:
		p.metrics.RecordSpanDropped("queue_full")
		p.depth.Add(-1)
	default:
	}
	select {
	case q <- span:
		p.metrics.SetExportQueueDepth(int(p.depth.Add(1)))
	default:
		p.metrics.RecordSpanDropped("queue_full")
	}
}

// route maps a trace to a worker queue.
func (p *Pipeline) route(traceID string) int {
	h := fnv.New32a()
	h.Write([]byte(traceID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// worker drains its queue, batching by size and interval.
func (p *Pipeline) worker(idx int) {
	defer p.wg.Done()

	q := p.queues[idx]
	batch := make([]*trace.Span, 0, p.cfg.BatchSize)
	timer := time.NewTimer(p.cfg.BatchInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.deliver(batch)
		batch = make([]*trace.Span, 0, p.cfg.BatchSize)
	}

	for {
		select {
		case span, ok := <-q:
			if !ok {
				flush()
				return
			}
			p.metrics.SetExportQueueDepth(int(p.depth.Add(-1)))
			batch = append(batch, span)
			if len(batch) >= p.cfg.BatchSize {
				flush()
				timer.Reset(p.cfg.BatchInterval)
			}

		case <-timer.C:
			flush()
			timer.Reset(p.cfg.BatchInterval)
		}
	}
}

// deliver drives one batch through the sink's retry schedule.
func (p *Pipeline) deliver(batch []*trace.Span) {
	base := p.cfg.RetryBaseDelay
	if base <= 0 {
		base = 1 * time.Second
	}
	retryer := retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   p.cfg.MaxRetries,
		InitialDelay: base,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		OnRetry: func(int, error, time.Duration) {
			p.metrics.RecordBatchRetry(p.sink.Name())
		},
	}, p.logger)

	var permanent bool
	err := retryer.Do(context.Background(), func() error {
		start := time.Now()
		res := p.sink.Export(context.Background(), batch)
		p.metrics.RecordBatchExport(p.sink.Name(), res.Outcome.String(), time.Since(start))

		switch res.Outcome {
		case Success:
			return nil
		case TransientFailure:
			return res.Err
		default:
			permanent = true
			return nil // stop retrying; dead-letter below
		}
	})

	switch {
	case permanent:
		p.dead("permanent_failure", batch)
	case err != nil:
		p.dead("retries_exhausted", batch)
	}
}

func (p *Pipeline) dead(reason string, batch []*trace.Span) {
	p.metrics.RecordDeadLettered(len(batch))
	if p.deadLetter != nil {
		p.deadLetter.Write(p.sink.Name(), reason, batch)
		return
	}
	p.logger.Error("batch lost: no dead-letter store configured",
		zap.String("reason", reason), zap.Int("spans", len(batch)))
}

// Shutdown stops accepting spans, drains the queues, flushes partial
// batches, and joins the workers. If ctx expires first, the spans still
// queued are written to the dead letter.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p.stopped.Swap(true) {
		return nil
	}
	for _, q := range p.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Deadline passed: salvage whatever is still queued.
		var remaining []*trace.Span
		for _, q := range p.queues {
			remaining = append(remaining, drainNonBlocking(q)...)
		}
		if len(remaining) > 0 {
			p.dead("shutdown_timeout", remaining)
		}
		p.logger.Warn("export pipeline shutdown timed out",
			zap.Int("dead_lettered", len(remaining)))
		return ctx.Err()
	}
}

// drainNonBlocking empties a closed or idle channel without blocking.
func drainNonBlocking(q chan *trace.Span) []*trace.Span {
	var out []*trace.Span
	for {
		select {
		case span, ok := <-q:
			if !ok {
				return out
			}
			out = append(out, span)
		default:
			return out
		}
	}
}
