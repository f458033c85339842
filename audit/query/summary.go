package query

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/agenttrace/agenttrace/audit"
	"github.com/agenttrace/agenttrace/audit/index"
	"github.com/agenttrace/agenttrace/types"
)

// SummaryAnomaly 聚合异常
type SummaryAnomaly struct {
	Kind   string  `json:"kind"` // day_spike|actor_share|critical_burst
	Key    string  `json:"key"`  // day 或 actor_id
	Count  int64   `json:"count"`
	Zscore float64 `json:"zscore,omitempty"`
	Detail string  `json:"detail"`
}

// Summary 聚合结果
type Summary struct {
	Total        int64              `json:"total"`
	ByCategory   map[string]int64   `json:"by_category"`
	ByDay        map[string]int64   `json:"by_day"`
	TopActors    []index.BucketCount `json:"top_actors"`
	TopResources []index.BucketCount `json:"top_resources"`
	Anomalies    []SummaryAnomaly   `json:"anomalies,omitempty"`
}

// defaultCriticalBurstThreshold 单日 critical 事件数超过此值视为异常（可配置）
const defaultCriticalBurstThreshold = 25

// SummaryOptions 聚合选项
type SummaryOptions struct {
	// CriticalBurstThreshold 0 使用默认值
	CriticalBurstThreshold int64
}

// Summary 统计 (组织, 时间范围) 的总量、分类计数、按日桶、top 操作者与
// 资源，并运行尖峰/份额/critical 突发三类异常检测。
func (s *Service) Summary(ctx context.Context, org string, from, to time.Time, opts SummaryOptions) (*Summary, error) {
	if org == "" {
		return nil, types.NewError(types.ErrValidation, "organization_id required")
	}
	if from.IsZero() || to.IsZero() {
		return nil, types.NewError(types.ErrValidation, "time range required")
	}

	filter := index.Filter{OrganizationID: org, From: from, To: to}

	total, err := s.index.Count(ctx, filter)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "summary count failed").WithCause(err)
	}

	summary := &Summary{
		Total:      total,
		ByCategory: make(map[string]int64),
		ByDay:      make(map[string]int64),
	}
	if total == 0 {
		return summary, nil
	}

	byCategory, err := s.index.CountBy(ctx, filter, "category", 0)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "summary aggregation failed").WithCause(err)
	}
	for _, b := range byCategory {
		summary.ByCategory[b.Key] = b.Count
	}

	byDay, err := s.index.CountBy(ctx, filter, "day", 0)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "summary aggregation failed").WithCause(err)
	}
	for _, b := range byDay {
		summary.ByDay[b.Key] = b.Count
	}

	summary.TopActors, err = s.index.CountBy(ctx, filter, "actor_id", 10)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "summary aggregation failed").WithCause(err)
	}
	summary.TopResources, err = s.index.CountBy(ctx, filter, "resource_id", 10)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "summary aggregation failed").WithCause(err)
	}

	s.detectDaySpikes(summary)
	s.detectActorAnomalies(summary, total)
	if err := s.detectCriticalBursts(ctx, filter, opts, summary); err != nil {
		return nil, err
	}

	return summary, nil
}

// detectDaySpikes 日级尖峰: count > mean + 3σ
func (s *Service) detectDaySpikes(summary *Summary) {
	if len(summary.ByDay) < 2 {
		return
	}

	counts := make([]float64, 0, len(summary.ByDay))
	for _, c := range summary.ByDay {
		counts = append(counts, float64(c))
	}
	mean, sigma := meanStd(counts)
	if sigma == 0 {
		return
	}

	days := make([]string, 0, len(summary.ByDay))
	for day := range summary.ByDay {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		count := float64(summary.ByDay[day])
		if count > mean+3*sigma {
			summary.Anomalies = append(summary.Anomalies, SummaryAnomaly{
				Kind:   "day_spike",
				Key:    day,
				Count:  summary.ByDay[day],
				Zscore: (count - mean) / sigma,
				Detail: "daily event count exceeds mean + 3 sigma over the window",
			})
		}
	}
}

// detectActorAnomalies 操作者份额异常: share > mean + 2σ
func (s *Service) detectActorAnomalies(summary *Summary, total int64) {
	if len(summary.TopActors) < 3 || total == 0 {
		return
	}

	shares := make([]float64, len(summary.TopActors))
	for i, actor := range summary.TopActors {
		shares[i] = float64(actor.Count) / float64(total)
	}
	mean, sigma := meanStd(shares)
	if sigma == 0 {
		return
	}

	for i, actor := range summary.TopActors {
		if shares[i] > mean+2*sigma {
			summary.Anomalies = append(summary.Anomalies, SummaryAnomaly{
				Kind:   "actor_share",
				Key:    actor.Key,
				Count:  actor.Count,
				Zscore: (shares[i] - mean) / sigma,
				Detail: "actor's share of events exceeds mean + 2 sigma",
			})
		}
	}
}

// detectCriticalBursts critical 事件按日突发检测
func (s *Service) detectCriticalBursts(ctx context.Context, filter index.Filter, opts SummaryOptions, summary *Summary) error {
	threshold := opts.CriticalBurstThreshold
	if threshold <= 0 {
		threshold = defaultCriticalBurstThreshold
	}

	criticalFilter := filter
	criticalFilter.Severity = string(audit.SeverityCritical)
	byDay, err := s.index.CountBy(ctx, criticalFilter, "day", 0)
	if err != nil {
		return types.NewError(types.ErrStorage, "critical burst aggregation failed").WithCause(err)
	}

	for _, bucket := range byDay {
		if bucket.Count > threshold {
			summary.Anomalies = append(summary.Anomalies, SummaryAnomaly{
				Kind:   "critical_burst",
				Key:    bucket.Key,
				Count:  bucket.Count,
				Detail: "critical-severity events exceed the configured burst threshold",
			})
		}
	}
	return nil
}

func meanStd(values []float64) (float64, float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// ActorActivity 操作者活动画像
type ActorActivity struct {
	ActorID      string              `json:"actor_id"`
	Total        int64               `json:"total"`
	ByCategory   map[string]int64    `json:"by_category"`
	ByAction     map[string]int64    `json:"by_action"`
	FirstEventAt *time.Time          `json:"first_event_at,omitempty"`
	LastEventAt  *time.Time          `json:"last_event_at,omitempty"`
	TopResources []index.BucketCount `json:"top_resources"`
	Timeline     map[string]int64    `json:"timeline"` // day → count
	Events       []*audit.Event      `json:"events"`
}

// maxActivityLimit 事件列表上限
const maxActivityLimit = 10000

// ActorActivity 汇总一个操作者在时间范围内的活动
func (s *Service) ActorActivity(ctx context.Context, org, actorID string, from, to time.Time, limit int) (*ActorActivity, error) {
	if org == "" || actorID == "" {
		return nil, types.NewError(types.ErrValidation, "organization_id and actor_id required")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}

	filter := index.Filter{
		OrganizationID: org,
		From:           from,
		To:             to,
		ActorID:        actorID,
		Limit:          limit,
	}

	activity := &ActorActivity{
		ActorID:    actorID,
		ByCategory: make(map[string]int64),
		ByAction:   make(map[string]int64),
		Timeline:   make(map[string]int64),
	}

	var err error
	activity.Total, err = s.index.Count(ctx, filter)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "activity count failed").WithCause(err)
	}
	if activity.Total == 0 {
		return activity, nil
	}

	for column, dest := range map[string]map[string]int64{
		"category": activity.ByCategory,
		"action":   activity.ByAction,
		"day":      activity.Timeline,
	} {
		buckets, err := s.index.CountBy(ctx, filter, column, 0)
		if err != nil {
			return nil, types.NewError(types.ErrStorage, "activity aggregation failed").WithCause(err)
		}
		for _, b := range buckets {
			dest[b.Key] = b.Count
		}
	}

	activity.TopResources, err = s.index.CountBy(ctx, filter, "resource_id", 10)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "activity aggregation failed").WithCause(err)
	}

	events, _, err := s.index.Query(ctx, filter)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "activity query failed").WithCause(err)
	}
	activity.Events = events

	if len(events) > 0 {
		// Query order is newest-first.
		last := events[0].Timestamp
		first := events[len(events)-1].Timestamp
		activity.LastEventAt = &last
		activity.FirstEventAt = &first
	}
	return activity, nil
}
