package query

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agenttrace/agenttrace/types"
)

// EndpointClass 限流端点类别
type EndpointClass string

const (
	ClassQuery  EndpointClass = "query"  // 60/min
	ClassExport EndpointClass = "export" // 10/min
	ClassStream EndpointClass = "stream" // 5/min 连接
)

// classLimits 每类端点的速率（次/分钟）
var classLimits = map[EndpointClass]int{
	ClassQuery:  60,
	ClassExport: 10,
	ClassStream: 5,
}

// RateLimiter 按认证主体维护令牌桶
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter // key: principal|class
}

// NewRateLimiter 创建限流器
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (r *RateLimiter) limiter(principal string, class EndpointClass) *rate.Limiter {
	key := principal + "|" + string(class)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.buckets[key]
	if !ok {
		perMinute := classLimits[class]
		if perMinute <= 0 {
			perMinute = 60
		}
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		r.buckets[key] = l
	}
	return l
}

// Allow 消耗一个令牌；超限返回带 Retry-After 提示的结构化错误。
func (r *RateLimiter) Allow(principal string, class EndpointClass) error {
	l := r.limiter(principal, class)
	if l.Allow() {
		return nil
	}

	// The reservation tells us how long until a token frees up.
	res := l.Reserve()
	delay := res.Delay()
	res.Cancel()

	retryAfter := int(delay.Seconds()) + 1
	return types.NewError(types.ErrRateLimited, "rate limit exceeded for "+string(class)+" endpoints").
		WithHTTPStatus(429).
		WithRetryAfter(retryAfter)
}
