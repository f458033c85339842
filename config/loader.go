// =============================================================================
// 📦 AgentTrace 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTTRACE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → AGENTTRACE_* 环境变量 → 裸环境变量
// （AUDIT_STORAGE_BACKEND、JUDGE_PROVIDER、OPENAI_API_KEY 等约定名）
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTTRACE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从 AGENTTRACE_* 环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 裸环境变量兼容层
	applyWellKnownEnv(cfg)

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// wellKnownEnv 将 §外部接口 约定的裸环境变量映射到配置树
var wellKnownEnv = []struct {
	name  string
	apply func(cfg *Config, value string)
}{
	{"AGENTTRACE_API_KEY", func(c *Config, v string) { c.Export.APIKey = v }},
	{"AGENTTRACE_PROJECT", func(c *Config, v string) { c.Export.Project = v }},
	{"AGENTTRACE_EXPORT_URL", func(c *Config, v string) { c.Export.HTTPEndpoint = v }},
	{"AUDIT_STORAGE_BACKEND", func(c *Config, v string) { c.Audit.StorageBackend = v }},
	{"AUDIT_STORAGE_PATH", func(c *Config, v string) { c.Audit.StoragePath = v }},
	{"AUDIT_BUCKET", func(c *Config, v string) { c.Audit.Bucket = v }},
	{"AUDIT_RETENTION_DAYS", func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Audit.RetentionDays = n
		}
	}},
	{"AUDIT_BATCH_SIZE", func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Audit.BatchSize = n
		}
	}},
	{"AUDIT_BATCH_INTERVAL", func(c *Config, v string) {
		if d, err := time.ParseDuration(v); err == nil {
			c.Audit.BatchInterval = d
		}
	}},
	{"JUDGE_PROVIDER", func(c *Config, v string) { c.Judge.Provider = v }},
	{"JUDGE_MODEL", func(c *Config, v string) { c.Judge.Model = v }},
	{"JUDGE_TEMPERATURE", func(c *Config, v string) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Judge.Temperature = f
		}
	}},
	{"JUDGE_MAX_TOKENS", func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Judge.MaxTokens = n
		}
	}},
	{"JUDGE_TIMEOUT", func(c *Config, v string) {
		if d, err := time.ParseDuration(v); err == nil {
			c.Judge.Timeout = d
		}
	}},
	{"JUDGE_MAX_RETRIES", func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Judge.MaxRetries = n
		}
	}},
	{"JUDGE_CACHE", func(c *Config, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Judge.Cache = b
		}
	}},
	{"OPENAI_API_KEY", func(c *Config, v string) { c.Judge.OpenAIAPIKey = v }},
	{"ANTHROPIC_API_KEY", func(c *Config, v string) { c.Judge.AnthropicAPIKey = v }},
	{"TOGETHER_API_KEY", func(c *Config, v string) { c.Judge.TogetherAPIKey = v }},
}

// applyWellKnownEnv 应用裸环境变量兼容层
func applyWellKnownEnv(cfg *Config) {
	for _, e := range wellKnownEnv {
		if v := os.Getenv(e.name); v != "" {
			e.apply(cfg, v)
		}
	}
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}
