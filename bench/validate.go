package bench

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ValidationResult 提交校验结果
type ValidationResult struct {
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	ChecksPerformed []string `json:"checks_performed"`
}

var (
	// RFC 5322 的常用简化形式
	emailRe  = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)
	semverRe = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?$`)
)

// LocalResolver 判定 local 端点的 module.function 是否可解析。
// 进程内函数注册表由服务端装配时注入。
type LocalResolver interface {
	Resolve(module, function string) bool
}

// ValidatorConfig 校验器配置
type ValidatorConfig struct {
	// KnownCategories 合法类别集合
	KnownCategories []string
	// ReachabilityTimeout 端点可达性探测超时
	ReachabilityTimeout time.Duration
	// SkipReachability 跳过网络探测（离线校验）
	SkipReachability bool
}

// Validator 按固定顺序执行提交检查
type Validator struct {
	cfg      ValidatorConfig
	quota    *QuotaStore
	resolver LocalResolver
	client   *http.Client
	logger   *zap.Logger

	categories map[string]bool
}

// NewValidator 创建校验器。resolver 可为 nil（local 端点将校验失败）。
func NewValidator(cfg ValidatorConfig, quota *QuotaStore, resolver LocalResolver, logger *zap.Logger) *Validator {
	if cfg.ReachabilityTimeout <= 0 {
		cfg.ReachabilityTimeout = 5 * time.Second
	}
	categories := make(map[string]bool, len(cfg.KnownCategories))
	for _, c := range cfg.KnownCategories {
		categories[c] = true
	}
	return &Validator{
		cfg:        cfg,
		quota:      quota,
		resolver:   resolver,
		client:     &http.Client{Timeout: cfg.ReachabilityTimeout},
		logger:     logger.With(zap.String("component", "submission_validator")),
		categories: categories,
	}
}

// Validate 按顺序执行所有检查并汇总结果
func (v *Validator) Validate(ctx context.Context, sub *Submission) *ValidationResult {
	result := &ValidationResult{Valid: true}

	check := func(name string, fn func() (errMsg, warnMsg string)) {
		result.ChecksPerformed = append(result.ChecksPerformed, name)
		errMsg, warnMsg := fn()
		if errMsg != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", name, errMsg))
			result.Valid = false
		}
		if warnMsg != "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", name, warnMsg))
		}
	}

	check("required_fields", func() (string, string) {
		var missing []string
		if sub.AgentName == "" {
			missing = append(missing, "agent_name")
		}
		if sub.AgentVersion == "" {
			missing = append(missing, "agent_version")
		}
		if sub.ContactEmail == "" {
			missing = append(missing, "contact_email")
		}
		if sub.SubmittedBy == "" {
			missing = append(missing, "submitted_by")
		}
		if len(sub.Categories) == 0 {
			missing = append(missing, "categories")
		}
		if len(missing) > 0 {
			return "missing " + strings.Join(missing, ", "), ""
		}
		return "", ""
	})

	check("terms_accepted", func() (string, string) {
		if !sub.TermsAccepted {
			return "terms must be accepted", ""
		}
		return "", ""
	})

	check("quota", func() (string, string) {
		if v.quota == nil {
			return "", ""
		}
		if err := v.quota.Check(sub.SubmittedBy); err != nil {
			return err.Error(), ""
		}
		return "", ""
	})

	check("endpoint_reachable", func() (string, string) {
		return v.checkReachable(ctx, sub.Endpoint), ""
	})

	check("categories_valid", func() (string, string) {
		var unknown []string
		for _, c := range sub.Categories {
			if !v.categories[c] {
				unknown = append(unknown, c)
			}
		}
		if len(unknown) > 0 {
			return "unknown categories: " + strings.Join(unknown, ", "), ""
		}
		return "", ""
	})

	check("endpoint_type", func() (string, string) {
		switch sub.Endpoint.Kind {
		case EndpointHTTP, EndpointLocal, EndpointGRPC:
			return "", ""
		default:
			return fmt.Sprintf("unsupported endpoint kind %q", sub.Endpoint.Kind), ""
		}
	})

	check("authentication", func() (string, string) {
		auth := sub.Endpoint.Auth
		if auth == nil {
			return "", ""
		}
		if sub.Endpoint.Kind == EndpointLocal {
			return "local endpoints do not take authentication", ""
		}
		switch auth.Scheme {
		case AuthBearer, AuthAPIKey:
			if auth.Token == "" {
				return "auth token required for scheme " + string(auth.Scheme), ""
			}
			return "", ""
		case AuthNone:
			return "", ""
		default:
			return fmt.Sprintf("unsupported auth scheme %q", auth.Scheme), ""
		}
	})

	check("email_valid", func() (string, string) {
		if sub.ContactEmail != "" && !emailRe.MatchString(sub.ContactEmail) {
			return "contact_email is not a valid address", ""
		}
		return "", ""
	})

	check("version_format", func() (string, string) {
		if sub.AgentVersion != "" && !semverRe.MatchString(sub.AgentVersion) {
			return "", "agent_version is not semver"
		}
		return "", ""
	})

	check("organization", func() (string, string) {
		if sub.Organization != "" && !sub.OrgVerified {
			return "", "organization is not verified"
		}
		return "", ""
	})

	return result
}

// checkReachable 对端点做轻量可达性探测:
// HTTP 先 HEAD 再退化到 POST ping；local 解析 module.function。
func (v *Validator) checkReachable(ctx context.Context, endpoint AgentEndpoint) string {
	switch endpoint.Kind {
	case EndpointHTTP, EndpointGRPC:
		if endpoint.URL == "" {
			return "endpoint url required"
		}
		if !strings.HasPrefix(endpoint.URL, "http://") && !strings.HasPrefix(endpoint.URL, "https://") {
			return "endpoint url must be http(s)"
		}
		if v.cfg.SkipReachability {
			return ""
		}

		ctx, cancel := context.WithTimeout(ctx, v.cfg.ReachabilityTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint.URL, nil)
		if err != nil {
			return "invalid endpoint url"
		}
		resp, err := v.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return "" // any non-5xx response proves reachability
			}
		}

		// Some agents reject HEAD; a POST ping is the fallback.
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, strings.NewReader(`{"ping":true}`))
		if err != nil {
			return "invalid endpoint url"
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err = v.client.Do(req)
		if err != nil {
			return "endpoint unreachable: " + err.Error()
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Sprintf("endpoint returned %d", resp.StatusCode)
		}
		return ""

	case EndpointLocal:
		if endpoint.Module == "" || endpoint.Function == "" {
			return "local endpoint requires module and function"
		}
		if v.resolver == nil || !v.resolver.Resolve(endpoint.Module, endpoint.Function) {
			return fmt.Sprintf("cannot resolve %s.%s", endpoint.Module, endpoint.Function)
		}
		return ""

	default:
		return "" // endpoint_type check reports unsupported kinds
	}
}
