package bench

import (
	"time"
)

// EndpointKind 提交的 agent 接入方式
type EndpointKind string

const (
	EndpointHTTP  EndpointKind = "http"
	EndpointLocal EndpointKind = "local"
	// EndpointGRPC 预留：校验接受，执行时报 agent_unreachable
	EndpointGRPC EndpointKind = "grpc"
)

// AuthScheme 端点认证方式
type AuthScheme string

const (
	AuthNone   AuthScheme = ""
	AuthBearer AuthScheme = "bearer"
	AuthAPIKey AuthScheme = "api_key"
)

// EndpointAuth 端点认证配置
type EndpointAuth struct {
	Scheme AuthScheme `json:"scheme"`
	Token  string     `json:"token,omitempty"`
	Header string     `json:"header,omitempty"` // api_key 模式的头名，默认 X-API-Key
}

// AgentEndpoint 提交的 agent 端点
type AgentEndpoint struct {
	Kind     EndpointKind  `json:"kind"`
	URL      string        `json:"url,omitempty"`      // http / grpc
	Module   string        `json:"module,omitempty"`   // local
	Function string        `json:"function,omitempty"` // local
	Auth     *EndpointAuth `json:"auth,omitempty"`
}

// Key 返回端点的熔断器键
func (e AgentEndpoint) Key() string {
	switch e.Kind {
	case EndpointLocal:
		return "local:" + e.Module + "." + e.Function
	default:
		return string(e.Kind) + ":" + e.URL
	}
}

// Submission 一次评测提交
type Submission struct {
	SubmissionID  string        `json:"submission_id"`
	AgentName     string        `json:"agent_name"`
	AgentVersion  string        `json:"agent_version"`
	ContactEmail  string        `json:"contact_email"`
	Endpoint      AgentEndpoint `json:"endpoint"`
	Categories    []string      `json:"categories"`
	TermsAccepted bool          `json:"terms_accepted"`
	SubmittedBy   string        `json:"submitted_by"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	Organization  string        `json:"organization,omitempty"`
	OrgVerified   bool          `json:"org_verified,omitempty"`
}

// EvalCriterion 任务输出的一条评分标准
type EvalCriterion struct {
	Name string `json:"name"`
	// Weight 权重（默认 1.0）
	Weight float64 `json:"weight,omitempty"`
	// RequiredKeywords 输出中必须出现的关键词（命中比例计分）
	RequiredKeywords []string `json:"required_keywords,omitempty"`
	// ForbiddenKeywords 出现即扣为 0 的关键词
	ForbiddenKeywords []string `json:"forbidden_keywords,omitempty"`
	// MinLength 最小输出长度
	MinLength int `json:"min_length,omitempty"`
}

// Task 基准中的一个任务
type Task struct {
	TaskID           string            `json:"task_id"`
	Prompt           string            `json:"prompt"`
	TimeLimitSeconds int               `json:"time_limit_seconds"`
	TokenBudget      int               `json:"token_budget"`
	Criteria         []EvalCriterion   `json:"criteria"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Category 一组任务
type Category struct {
	CategoryID string  `json:"category_id"`
	Name       string  `json:"name"`
	Weight     float64 `json:"weight"` // 基准总分权重，默认 1.0
	Tasks      []Task  `json:"tasks"`
}

// Benchmark 完整基准套件
type Benchmark struct {
	Name       string     `json:"name"`
	Version    string     `json:"version"`
	Categories []Category `json:"categories"`
}

// CategoryByID 按 ID 查找类别
func (b *Benchmark) CategoryByID(id string) *Category {
	for i := range b.Categories {
		if b.Categories[i].CategoryID == id {
			return &b.Categories[i]
		}
	}
	return nil
}

// ResourceUsage 一次执行的资源消耗
type ResourceUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	WallSeconds  float64 `json:"wall_seconds"`
	ToolCalls    int     `json:"tool_calls"`
	APICalls     int     `json:"api_calls"`
}

// Add 累加资源消耗
func (r *ResourceUsage) Add(other ResourceUsage) {
	r.InputTokens += other.InputTokens
	r.OutputTokens += other.OutputTokens
	r.WallSeconds += other.WallSeconds
	r.ToolCalls += other.ToolCalls
	r.APICalls += other.APICalls
}

// TaskExecution 一个任务的执行记录
type TaskExecution struct {
	TaskID           string            `json:"task_id"`
	Prompt           string            `json:"prompt"`
	Output           string            `json:"output"`
	Score            float64           `json:"score"`
	Passed           bool              `json:"passed"`
	Status           string            `json:"status"` // ok|agent_error|agent_timeout|agent_unreachable|resource_exceeded
	ErrorMessage     string            `json:"error_message,omitempty"`
	ResourceExceeded bool              `json:"resource_exceeded,omitempty"`
	Attempts         int               `json:"attempts"`
	Tokenizer        string            `json:"tokenizer"`
	Usage            ResourceUsage     `json:"usage"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
	CriterionScores  map[string]float64 `json:"criterion_scores,omitempty"`
}

// CategoryExecution 一个类别的执行记录
type CategoryExecution struct {
	CategoryID string          `json:"category_id"`
	Tasks      []TaskExecution `json:"tasks"`
	Score      float64         `json:"score"` // 任务平均分
	Usage      ResourceUsage   `json:"usage"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// BenchmarkExecution 一次完整基准执行记录
type BenchmarkExecution struct {
	SubmissionID string              `json:"submission_id"`
	Benchmark    string              `json:"benchmark"`
	Categories   []CategoryExecution `json:"categories"`
	OverallScore float64             `json:"overall_score"` // 类别加权
	Usage        ResourceUsage       `json:"usage"`
	Environment  EnvironmentSnapshot `json:"environment"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
	Status       string              `json:"status"` // completed|failed|cancelled|circuit_open
	ErrorMessage string              `json:"error_message,omitempty"`
}

// ExecutionProgress 执行进度通知
type ExecutionProgress struct {
	SubmissionID  string `json:"submission_id"`
	Completed     int    `json:"completed"`
	Total         int    `json:"total"`
	CurrentTask   string `json:"current_task"`
	StatusMessage string `json:"status_message"`
}
