package bench

import (
	"sync"
	"time"

	"github.com/agenttrace/agenttrace/types"
)

// QuotaConfig 提交配额
type QuotaConfig struct {
	// MaxPerDay 24 小时滚动窗口内的最大接受数
	MaxPerDay int
	// MaxPerWeek 7 天滚动窗口内的最大接受数
	MaxPerWeek int
	// MinGap 相邻两次接受之间的最小间隔
	MinGap time.Duration
}

// DefaultQuotaConfig 返回默认配额
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		MaxPerDay:  5,
		MaxPerWeek: 20,
		MinGap:     time.Hour,
	}
}

// submitterState 单个提交者的滚动窗口
type submitterState struct {
	mu      sync.Mutex
	accepts []time.Time // 按时间升序
}

// QuotaStore 按提交者维护滚动计数
type QuotaStore struct {
	cfg QuotaConfig

	mu         sync.Mutex
	submitters map[string]*submitterState

	now func() time.Time
}

// NewQuotaStore 创建配额存储
func NewQuotaStore(cfg QuotaConfig) *QuotaStore {
	if cfg.MaxPerDay <= 0 {
		cfg.MaxPerDay = 5
	}
	if cfg.MaxPerWeek <= 0 {
		cfg.MaxPerWeek = 20
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = time.Hour
	}
	return &QuotaStore{
		cfg:        cfg,
		submitters: make(map[string]*submitterState),
		now:        time.Now,
	}
}

func (q *QuotaStore) state(submitter string) *submitterState {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.submitters[submitter]
	if !ok {
		s = &submitterState{}
		q.submitters[submitter] = s
	}
	return s
}

// Check 校验配额但不消费
func (q *QuotaStore) Check(submitter string) error {
	return q.check(submitter, false)
}

// Accept 校验并消费一次配额。成功后计数严格递增。
func (q *QuotaStore) Accept(submitter string) error {
	return q.check(submitter, true)
}

func (q *QuotaStore) check(submitter string, consume bool) error {
	s := q.state(submitter)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := q.now()
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	// 清理一周前的记录
	trimmed := s.accepts[:0]
	for _, ts := range s.accepts {
		if ts.After(weekAgo) {
			trimmed = append(trimmed, ts)
		}
	}
	s.accepts = trimmed

	var day int
	for _, ts := range s.accepts {
		if ts.After(dayAgo) {
			day++
		}
	}

	if len(s.accepts) > 0 {
		last := s.accepts[len(s.accepts)-1]
		if gap := now.Sub(last); gap < q.cfg.MinGap {
			retryAfter := int((q.cfg.MinGap - gap).Seconds()) + 1
			return types.NewError(types.ErrQuotaExceeded, "minimum gap between submissions not met").
				WithHTTPStatus(429).WithRetryAfter(retryAfter)
		}
	}
	if day >= q.cfg.MaxPerDay {
		return types.NewError(types.ErrQuotaExceeded, "daily submission quota reached").
			WithHTTPStatus(429).WithRetryAfter(3600)
	}
	if len(s.accepts) >= q.cfg.MaxPerWeek {
		return types.NewError(types.ErrQuotaExceeded, "weekly submission quota reached").
			WithHTTPStatus(429).WithRetryAfter(24 * 3600)
	}

	if consume {
		s.accepts = append(s.accepts, now)
	}
	return nil
}
