// =============================================================================
// AgentTrace 主入口
// =============================================================================
// 评估、审计与摄取核心（EAIC）服务入口点
//
// 使用方法:
//
//	agenttrace serve                          # 启动服务
//	agenttrace serve --config config.yaml     # 指定配置文件
//	agenttrace serve --audit-backend local    # 覆盖审计后端
//	agenttrace version                        # 显示版本信息
//	agenttrace health                         # 健康检查
//
// 退出码: 0 正常; 2 配置错误; 3 存储初始化失败; 4 优雅关闭超时
// =============================================================================

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agenttrace/agenttrace/config"
	"github.com/agenttrace/agenttrace/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK              = 0
	exitConfigError     = 2
	exitStorageError    = 3
	exitShutdownTimeout = 4
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	exportURL := fs.String("export-url", "", "Span export collector URL")
	auditBackend := fs.String("audit-backend", "", "Audit storage backend (local, objectstore)")
	auditBucket := fs.String("audit-bucket", "", "Audit object-store bucket")
	workers := fs.Int("workers", 0, "Export pipeline worker count")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfigError
	}

	// 命令行覆盖
	if *exportURL != "" {
		cfg.Export.HTTPEndpoint = *exportURL
	}
	if *auditBackend != "" {
		cfg.Audit.StorageBackend = *auditBackend
	}
	if *auditBucket != "" {
		cfg.Audit.Bucket = *auditBucket
	}
	if *workers > 0 {
		cfg.Export.Workers = *workers
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return exitConfigError
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting AgentTrace EAIC",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// Initialize OpenTelemetry
	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	server, err := NewServer(cfg, logger, otelProviders)
	if err != nil {
		logger.Error("Failed to initialize storage", zap.Error(err))
		return exitStorageError
	}

	if err := server.Start(); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		return exitStorageError
	}

	// 等待关闭信号
	if err := server.WaitForShutdown(); err != nil {
		logger.Error("Graceful shutdown timed out", zap.Error(err))
		return exitShutdownTimeout
	}

	logger.Info("AgentTrace stopped")
	return exitOK
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/v1/audit/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("AgentTrace %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`AgentTrace - AI Agent Observability Platform

Usage:
  agenttrace <command> [options]

Commands:
  serve     Start the evaluation, audit, and ingestion core
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>          Path to configuration file (YAML)
  --export-url <url>       Span export collector URL
  --audit-backend <kind>   Audit storage backend: local, objectstore
  --audit-bucket <name>    Object-store bucket for audit events
  --workers <n>            Export pipeline worker count

Examples:
  agenttrace serve
  agenttrace serve --config /etc/agenttrace/config.yaml
  agenttrace serve --audit-backend objectstore --audit-bucket compliance-audit
  agenttrace health --addr http://localhost:8080
  agenttrace version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
