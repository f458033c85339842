package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agenttrace/agenttrace/api/handlers"
	"github.com/agenttrace/agenttrace/audit"
	auditindex "github.com/agenttrace/agenttrace/audit/index"
	auditquery "github.com/agenttrace/agenttrace/audit/query"
	"github.com/agenttrace/agenttrace/bench"
	"github.com/agenttrace/agenttrace/config"
	"github.com/agenttrace/agenttrace/eval"
	"github.com/agenttrace/agenttrace/eval/builtin"
	"github.com/agenttrace/agenttrace/eval/judge"
	"github.com/agenttrace/agenttrace/internal/metrics"
	"github.com/agenttrace/agenttrace/internal/telemetry"
	"github.com/agenttrace/agenttrace/internal/tokenizer"
	"github.com/agenttrace/agenttrace/trace"
	"github.com/agenttrace/agenttrace/trace/export"
)

// =============================================================================
// 🧩 服务装配
// =============================================================================

// Server wires the EAIC components together and runs the HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	collector *metrics.Collector

	auditSvc *audit.Service
	index    *auditindex.Store
	querySvc *auditquery.Service
	exports  *auditquery.ExportManager
	bus      *auditquery.Bus

	tracer   *trace.Tracer
	pipeline *export.Pipeline

	judgeClient  *judge.Client
	evalRunner   *eval.Runner
	orchestrator *bench.Orchestrator

	httpServer    *http.Server
	metricsServer *http.Server
}

// NewServer builds every component. Storage initialization failures are
// returned so serve can exit with the storage error code.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		otel:      otelProviders,
		collector: metrics.NewCollector("agenttrace", nil, logger),
	}

	// --- C3: audit log ---
	storage, err := openAuditStorage(cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("audit storage: %w", err)
	}
	s.auditSvc = audit.NewService(audit.ServiceConfig{
		BatchSize:              cfg.Audit.BatchSize,
		BatchInterval:          cfg.Audit.BatchInterval,
		DedupWindow:            cfg.Audit.DedupWindow,
		AllowedSkew:            cfg.Audit.AllowedSkew,
		PendingTimestampPolicy: cfg.Audit.PendingTimestampPolicy,
		PendingTimestampGrace:  cfg.Audit.PendingTimestampGrace,
	}, storage, nil, s.collector, logger)

	// --- C6: index, query, exports, stream ---
	s.index, err = auditindex.Open(auditindex.Config{
		Driver: cfg.Index.Driver,
		DSN:    cfg.Index.DSN(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("audit index: %w", err)
	}
	s.querySvc = auditquery.NewService(s.index, s.auditSvc, logger)

	s.exports, err = auditquery.NewExportManager(s.index, s.auditSvc, cfg.Index.ExportDir, s.collector, logger)
	if err != nil {
		return nil, fmt.Errorf("export manager: %w", err)
	}
	s.bus = auditquery.NewBus(s.collector, logger)

	// 链提交后镜像到索引并推送到流
	s.auditSvc.OnCommit(func(event *audit.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.index.InsertEvent(ctx, event); err != nil {
			logger.Warn("index mirror failed",
				zap.String("event_id", event.EventID), zap.Error(err))
		}
		s.bus.Publish(event)
	})

	// --- C2: export pipeline; C1: tracer ---
	sink, deadLetter, err := buildSinks(cfg, s.auditSvc, s.collector, logger)
	if err != nil {
		return nil, fmt.Errorf("export sinks: %w", err)
	}
	s.pipeline = export.NewPipeline(export.PipelineConfig{
		Mode:            export.Mode(cfg.Export.Mode),
		Workers:         cfg.Export.Workers,
		QueueSize:       cfg.Export.QueueSize,
		BatchSize:       cfg.Export.BatchSize,
		BatchInterval:   cfg.Export.BatchInterval,
		MaxRetries:      cfg.Export.MaxRetries,
		SampleRate:      cfg.Export.SampleRate,
		ShutdownTimeout: cfg.Export.ShutdownTimeout,
	}, sink, deadLetter, s.collector, logger)
	s.tracer = trace.NewTracer(s.pipeline, s.collector, logger)

	// --- C4: judge + evaluator runtime ---
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}
	s.judgeClient, err = judge.NewClient(judgeConfig(cfg.Judge), rdb, s.collector, logger)
	if err != nil {
		return nil, fmt.Errorf("judge client: %w", err)
	}

	registry := eval.InitRegistry()
	if err := builtin.RegisterAll(registry, s.judgeClient); err != nil {
		return nil, fmt.Errorf("register evaluators: %w", err)
	}
	s.evalRunner = eval.NewRunner(eval.RunnerConfig{
		MaxConcurrency:     cfg.Eval.MaxConcurrency,
		TimeoutPerTrace:    cfg.Eval.TimeoutPerTrace,
		ContinueOnError:    cfg.Eval.ContinueOnError,
		RequiredEvaluators: cfg.Eval.RequiredEvaluators,
	}, registry, s.collector, logger)

	// --- C5: submission orchestrator (benchmark suite optional) ---
	tokenizer.RegisterDefaults()
	if cfg.Orchestrator.BenchmarkPath != "" {
		benchmark, err := loadBenchmark(cfg.Orchestrator.BenchmarkPath)
		if err != nil {
			return nil, fmt.Errorf("load benchmark: %w", err)
		}
		quota := bench.NewQuotaStore(bench.DefaultQuotaConfig())
		validator := bench.NewValidator(bench.ValidatorConfig{
			KnownCategories: benchmarkCategories(benchmark),
		}, quota, nil, logger)

		s.orchestrator = bench.NewOrchestrator(bench.OrchestratorConfig{
			NumWorkers:              cfg.Orchestrator.NumWorkers,
			QueueSize:               cfg.Orchestrator.QueueSize,
			BreakerFailureThreshold: cfg.Orchestrator.BreakerFailureThreshold,
			BreakerSuccessThreshold: cfg.Orchestrator.BreakerSuccessThreshold,
			BreakerResetTimeout:     cfg.Orchestrator.BreakerResetTimeout,
			GracePeriod:             cfg.Orchestrator.GracePeriod,
			StateDir:                cfg.Orchestrator.StateDir,
		}, bench.ExecutorConfig{
			TaskConcurrency: cfg.Orchestrator.TaskConcurrency,
		}, validator, quota, benchmark, nil, s.collector, logger)
	}

	return s, nil
}

// openAuditStorage 按配置构造审计存储后端
func openAuditStorage(cfg config.AuditConfig, logger *zap.Logger) (audit.Storage, error) {
	switch cfg.StorageBackend {
	case "local":
		return audit.NewLocalStorage(cfg.StoragePath, logger)
	case "objectstore":
		return audit.NewS3Storage(context.Background(), audit.S3StorageConfig{
			Bucket:        cfg.Bucket,
			Region:        cfg.Region,
			RetentionDays: cfg.RetentionDays,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported audit backend: %s", cfg.StorageBackend)
	}
}

// buildSinks 组装 composite sink: console/file/http/audit
func buildSinks(cfg *config.Config, auditSvc *audit.Service, collector *metrics.Collector, logger *zap.Logger) (export.Sink, *export.DeadLetter, error) {
	deadLetter, err := export.NewDeadLetter(cfg.Export.DeadLetterDir, logger)
	if err != nil {
		return nil, nil, err
	}

	var children []export.Sink
	if cfg.Export.Console {
		children = append(children, export.NewConsoleSink(nil))
	}
	if cfg.Export.FileDir != "" {
		fileSink, err := export.NewFileSink(cfg.Export.FileDir)
		if err != nil {
			return nil, nil, err
		}
		children = append(children, fileSink)
	}
	if cfg.Export.HTTPEndpoint != "" {
		children = append(children, export.NewHTTPSink(export.HTTPSinkConfig{
			Endpoint: cfg.Export.HTTPEndpoint,
			APIKey:   cfg.Export.APIKey,
			Project:  cfg.Export.Project,
		}))
	}
	// 安全敏感 span 进入审计链
	children = append(children, export.NewAuditSink(func(ctx context.Context, span *trace.Span) error {
		_, err := auditSvc.CaptureSync(ctx, audit.CaptureRequestFromSpan(span, orgForSpan(span), cfg.Export.Project))
		return err
	}, nil))

	if len(children) == 1 {
		return children[0], deadLetter, nil
	}
	return export.NewCompositeSink(children, nil, deadLetter, collector, logger), deadLetter, nil
}

// orgForSpan 从 span 属性提取组织；缺省落入 default 组织
func orgForSpan(span *trace.Span) string {
	if org, ok := span.Attributes["organization_id"].(string); ok && org != "" {
		return org
	}
	return "default"
}

func judgeConfig(cfg config.JudgeConfig) judge.Config {
	jc := judge.Config{
		Provider:          cfg.Provider,
		Model:             cfg.Model,
		Temperature:       cfg.Temperature,
		MaxTokens:         cfg.MaxTokens,
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.MaxRetries,
		MaxConcurrency:    cfg.MaxConcurrency,
		CacheEnabled:      cfg.Cache,
		CacheTTL:          cfg.CacheTTL,
		ExpectedMaxScore:  cfg.ExpectedMaxScore,
		CostWarnThreshold: cfg.CostWarnThreshold,
	}
	switch cfg.Provider {
	case "openai":
		jc.APIKey = cfg.OpenAIAPIKey
	case "anthropic":
		jc.APIKey = cfg.AnthropicAPIKey
	case "together":
		jc.APIKey = cfg.TogetherAPIKey
	}
	return jc
}

// loadBenchmark 读取基准套件定义
func loadBenchmark(path string) (*bench.Benchmark, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var benchmark bench.Benchmark
	if err := yaml.Unmarshal(data, &benchmark); err != nil {
		return nil, err
	}
	return &benchmark, nil
}

func benchmarkCategories(b *bench.Benchmark) []string {
	out := make([]string, 0, len(b.Categories))
	for _, c := range b.Categories {
		out = append(out, c.CategoryID)
	}
	return out
}

// =============================================================================
// 🚀 启动与关闭
// =============================================================================

// Start 启动 HTTP 服务与 metrics 服务
func (s *Server) Start() error {
	limiter := auditquery.NewRateLimiter()
	authenticator := auditquery.NewAuthenticator(s.cfg.Server.JWTSecret)

	auditHandler := handlers.NewAuditHandler(
		s.querySvc, s.auditSvc, s.exports, s.bus, limiter, authenticator, s.logger)

	mux := http.NewServeMux()
	auditHandler.Register(mux)

	handler := ChainMiddleware(mux,
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		MetricsMiddleware(s.collector),
	)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		Handler: metricsMux,
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.Int("port", s.cfg.Server.HTTPPort))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	go func() {
		s.logger.Info("metrics server listening", zap.Int("port", s.cfg.Server.MetricsPort))
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// WaitForShutdown 阻塞直到收到信号，然后按依赖顺序优雅关闭。
// 返回非 nil 表示排空超时（退出码 4）。
func (s *Server) WaitForShutdown() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 停止接收外部请求
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown", zap.Error(err))
	}
	s.metricsServer.Shutdown(ctx)

	// 2. 冲刷未关闭 span 并排空导出管道
	s.tracer.Shutdown()
	var drainErr error
	if err := s.pipeline.Shutdown(ctx); err != nil {
		drainErr = err
	}

	// 3. 停止编排器（优雅）
	if s.orchestrator != nil {
		if err := s.orchestrator.Stop(true); err != nil {
			s.logger.Warn("orchestrator stop", zap.Error(err))
		}
	}

	// 4. 导出任务与审计链收尾
	s.exports.Close()
	s.auditSvc.Close()

	// 5. 遥测
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown", zap.Error(err))
	}

	return drainErr
}
