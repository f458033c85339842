// =============================================================================
// 📦 AgentTrace 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Export:       DefaultExportConfig(),
		Audit:        DefaultAuditConfig(),
		Index:        DefaultIndexConfig(),
		Judge:        DefaultJudgeConfig(),
		Eval:         DefaultEvalConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Redis:        DefaultRedisConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultExportConfig 返回默认导出管道配置
func DefaultExportConfig() ExportConfig {
	return ExportConfig{
		Mode:            "async",
		Workers:         2,
		QueueSize:       2048,
		BatchSize:       100,
		BatchInterval:   5 * time.Second,
		MaxRetries:      3,
		SampleRate:      1.0,
		Console:         false,
		DeadLetterDir:   "_deadletter",
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultAuditConfig 返回默认审计配置
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		StorageBackend:         "local",
		StoragePath:            "./audit-log",
		RetentionDays:          2557, // 7 年
		BatchSize:              100,
		BatchInterval:          5 * time.Second,
		DedupWindow:            60 * time.Second,
		AllowedSkew:            5 * time.Minute,
		PendingTimestampPolicy: "warn",
		PendingTimestampGrace:  72 * time.Hour,
	}
}

// DefaultIndexConfig 返回默认索引配置
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Driver:    "sqlite",
		Path:      "./agenttrace-index.db",
		Host:      "localhost",
		Port:      5432,
		User:      "agenttrace",
		Name:      "agenttrace",
		SSLMode:   "disable",
		ExportDir: "./audit-exports",
	}
}

// DefaultJudgeConfig 返回默认 judge 配置
func DefaultJudgeConfig() JudgeConfig {
	return JudgeConfig{
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Temperature:       0.0,
		MaxTokens:         1024,
		Timeout:           60 * time.Second,
		MaxRetries:        3,
		MaxConcurrency:    10,
		Cache:             true,
		CacheTTL:          1 * time.Hour,
		ExpectedMaxScore:  0, // 0 表示自动探测 1..5 / 1..10
		CostWarnThreshold: 10.0,
	}
}

// DefaultEvalConfig 返回默认评估配置
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MaxConcurrency:  4,
		TimeoutPerTrace: 2 * time.Minute,
		ContinueOnError: true,
	}
}

// DefaultOrchestratorConfig 返回默认编排器配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		NumWorkers:              3,
		QueueSize:               256,
		TaskConcurrency:         3,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerResetTimeout:     300 * time.Second,
		GracePeriod:             30 * time.Second,
		StateDir:                "./orchestrator-state",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  false,
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
		PoolSize: 10,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agenttrace",
		SampleRate:   1.0,
	}
}
