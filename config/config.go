// =============================================================================
// 📦 AgentTrace 配置结构
// =============================================================================
// EAIC 全量配置树：服务器、导出管道、审计日志、评估运行时、提交编排器、
// 查询索引、日志与遥测
// =============================================================================
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config 是 AgentTrace EAIC 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Export span 导出管道配置
	Export ExportConfig `yaml:"export" env:"EXPORT"`

	// Audit 审计日志配置
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`

	// Index 审计查询索引配置
	Index IndexConfig `yaml:"index" env:"INDEX"`

	// Judge judge 客户端配置
	Judge JudgeConfig `yaml:"judge" env:"JUDGE"`

	// Eval 评估运行器配置
	Eval EvalConfig `yaml:"eval" env:"EVAL"`

	// Orchestrator 提交编排器配置
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Redis 缓存配置（judge 二级缓存，可选）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// JWT 签名密钥（能力令牌校验）
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// ExportConfig span 导出管道配置
type ExportConfig struct {
	// 模式: disabled, sync, async
	Mode string `yaml:"mode" env:"MODE"`
	// 异步模式下的 worker 数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 队列容量
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 批次大小
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// 批次间隔
	BatchInterval time.Duration `yaml:"batch_interval" env:"BATCH_INTERVAL"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 采样率 [0,1]
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// HTTP sink 端点
	HTTPEndpoint string `yaml:"http_endpoint" env:"URL"`
	// HTTP sink API key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 项目标识
	Project string `yaml:"project" env:"PROJECT"`
	// 文件 sink 目录（为空禁用）
	FileDir string `yaml:"file_dir" env:"FILE_DIR"`
	// 是否启用控制台 sink
	Console bool `yaml:"console" env:"CONSOLE"`
	// 死信目录
	DeadLetterDir string `yaml:"dead_letter_dir" env:"DEAD_LETTER_DIR"`
	// 关闭排空超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	// 存储后端: local, objectstore
	StorageBackend string `yaml:"storage_backend" env:"STORAGE_BACKEND"`
	// 本地存储根目录
	StoragePath string `yaml:"storage_path" env:"STORAGE_PATH"`
	// 对象存储桶
	Bucket string `yaml:"bucket" env:"BUCKET"`
	// 对象存储区域
	Region string `yaml:"region" env:"REGION"`
	// 保留期（天）
	RetentionDays int `yaml:"retention_days" env:"RETENTION_DAYS"`
	// 批次大小
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// 批次间隔
	BatchInterval time.Duration `yaml:"batch_interval" env:"BATCH_INTERVAL"`
	// 去重窗口
	DedupWindow time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
	// 时间戳偏移容忍
	AllowedSkew time.Duration `yaml:"allowed_skew" env:"ALLOWED_SKEW"`
	// TSA 地址（为空则检查点保持 pending_timestamp）
	TSAEndpoint string `yaml:"tsa_endpoint" env:"TSA_ENDPOINT"`
	// pending_timestamp 检查点超过宽限期后的校验策略: warn, fail, ignore
	PendingTimestampPolicy string `yaml:"pending_timestamp_policy" env:"PENDING_TIMESTAMP_POLICY"`
	// pending_timestamp 宽限期
	PendingTimestampGrace time.Duration `yaml:"pending_timestamp_grace" env:"PENDING_TIMESTAMP_GRACE"`
}

// IndexConfig 审计查询索引配置
type IndexConfig struct {
	// 驱动类型: sqlite, postgres
	Driver string `yaml:"driver" env:"DRIVER"`
	// sqlite 数据库路径
	Path string `yaml:"path" env:"PATH"`
	// postgres 主机
	Host string `yaml:"host" env:"HOST"`
	// postgres 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 导出产物目录
	ExportDir string `yaml:"export_dir" env:"EXPORT_DIR"`
}

// JudgeConfig judge 客户端配置
type JudgeConfig struct {
	// 提供商: openai, anthropic, together
	Provider string `yaml:"provider" env:"PROVIDER"`
	// 模型
	Model string `yaml:"model" env:"MODEL"`
	// 温度
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 最大输出 token 数
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 并发上限
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 是否启用缓存
	Cache bool `yaml:"cache" env:"CACHE"`
	// 缓存 TTL
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// 评分满分（judge 返回 1..N 时的归一化基准）
	ExpectedMaxScore float64 `yaml:"expected_max_score" env:"EXPECTED_MAX_SCORE"`
	// 成本告警阈值（USD）
	CostWarnThreshold float64 `yaml:"cost_warn_threshold" env:"COST_WARN_THRESHOLD"`
	// API keys（通常来自裸环境变量）
	OpenAIAPIKey    string `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	TogetherAPIKey  string `yaml:"together_api_key" env:"TOGETHER_API_KEY"`
}

// EvalConfig 评估运行器配置
type EvalConfig struct {
	// 单 trace 内评估器并发上限
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 单 trace 超时
	TimeoutPerTrace time.Duration `yaml:"timeout_per_trace" env:"TIMEOUT_PER_TRACE"`
	// 评估器出错是否继续
	ContinueOnError bool `yaml:"continue_on_error" env:"CONTINUE_ON_ERROR"`
	// 必须通过的评估器
	RequiredEvaluators []string `yaml:"required_evaluators" env:"REQUIRED_EVALUATORS"`
}

// OrchestratorConfig 提交编排器配置
type OrchestratorConfig struct {
	// worker 数
	NumWorkers int `yaml:"num_workers" env:"NUM_WORKERS"`
	// 队列容量
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 类别内任务并发
	TaskConcurrency int `yaml:"task_concurrency" env:"TASK_CONCURRENCY"`
	// 熔断失败阈值
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" env:"BREAKER_FAILURE_THRESHOLD"`
	// 熔断恢复成功阈值
	BreakerSuccessThreshold int `yaml:"breaker_success_threshold" env:"BREAKER_SUCCESS_THRESHOLD"`
	// 熔断恢复等待
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
	// 优雅关闭宽限期
	GracePeriod time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
	// 状态持久化目录
	StateDir string `yaml:"state_dir" env:"STATE_DIR"`
	// 基准套件定义文件（YAML；为空则不启动编排器）
	BenchmarkPath string `yaml:"benchmark_path" env:"BENCHMARK_PATH"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用（judge 二级缓存）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	switch c.Export.Mode {
	case "disabled", "sync", "async":
	default:
		errs = append(errs, fmt.Sprintf("invalid export mode: %s", c.Export.Mode))
	}
	if c.Export.SampleRate < 0 || c.Export.SampleRate > 1 {
		errs = append(errs, "export sample_rate must be in [0,1]")
	}

	switch c.Audit.StorageBackend {
	case "local", "objectstore":
	default:
		errs = append(errs, fmt.Sprintf("invalid audit storage backend: %s", c.Audit.StorageBackend))
	}
	if c.Audit.StorageBackend == "local" && c.Audit.StoragePath == "" {
		errs = append(errs, "audit storage_path required for local backend")
	}
	if c.Audit.StorageBackend == "objectstore" && c.Audit.Bucket == "" {
		errs = append(errs, "audit bucket required for objectstore backend")
	}
	switch c.Audit.PendingTimestampPolicy {
	case "warn", "fail", "ignore":
	default:
		errs = append(errs, fmt.Sprintf("invalid pending_timestamp_policy: %s", c.Audit.PendingTimestampPolicy))
	}

	switch c.Index.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("invalid index driver: %s", c.Index.Driver))
	}

	if c.Judge.Temperature < 0 || c.Judge.Temperature > 2 {
		errs = append(errs, "judge temperature must be between 0 and 2")
	}
	if c.Judge.MaxConcurrency <= 0 {
		errs = append(errs, "judge max_concurrency must be positive")
	}

	if c.Orchestrator.NumWorkers <= 0 {
		errs = append(errs, "orchestrator num_workers must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回索引数据库连接字符串
func (d *IndexConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Path
	default:
		return ""
	}
}
