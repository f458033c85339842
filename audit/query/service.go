package query

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit"
	"github.com/agenttrace/agenttrace/audit/index"
	"github.com/agenttrace/agenttrace/types"
)

// QueryRequest 查询参数。OrganizationID 与时间范围必填。
type QueryRequest struct {
	OrganizationID string
	From           time.Time
	To             time.Time
	ActorID        string
	ActorType      string
	EventCategory  string
	EventType      string
	ResourceType   string
	ResourceID     string
	Action         string
	Severity       string
	Limit          int
	Cursor         string
}

// QueryMetadata 查询元数据
type QueryMetadata struct {
	TimeRangeMS    int64    `json:"time_range_ms"`
	FiltersApplied []string `json:"filters_applied"`
}

// QueryResponse 查询结果
type QueryResponse struct {
	Events        []*audit.Event `json:"events"`
	NextCursor    string         `json:"next_cursor,omitempty"`
	QueryMetadata QueryMetadata  `json:"query_metadata"`
}

// ContextResponse 事件上下文窗口
type ContextResponse struct {
	Event       *audit.Event   `json:"event"`
	Before      []*audit.Event `json:"before,omitempty"`
	After       []*audit.Event `json:"after,omitempty"`
	ChainStatus string         `json:"chain_status"` // valid|invalid|unverified
}

// Verifier C3 的链校验入口
type Verifier interface {
	VerifyChain(ctx context.Context, org string, from, to time.Time) (*audit.VerificationReport, error)
}

// Service 审计查询服务
type Service struct {
	index    *index.Store
	verifier Verifier
	logger   *zap.Logger
}

// NewService creates the query service. verifier may be nil (context
// windows then report chain_status=unverified).
func NewService(idx *index.Store, verifier Verifier, logger *zap.Logger) *Service {
	return &Service{
		index:    idx,
		verifier: verifier,
		logger:   logger.With(zap.String("component", "audit_query")),
	}
}

// QueryEvents 过滤查询 + 游标分页
func (s *Service) QueryEvents(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if req.OrganizationID == "" {
		return nil, types.NewError(types.ErrValidation, "organization_id required")
	}
	if req.From.IsZero() || req.To.IsZero() {
		return nil, types.NewError(types.ErrValidation, "time range required")
	}
	if req.To.Before(req.From) {
		return nil, types.NewError(types.ErrValidation, "time range end precedes start")
	}

	filter := index.Filter{
		OrganizationID: req.OrganizationID,
		From:           req.From,
		To:             req.To,
		ActorID:        req.ActorID,
		ActorType:      req.ActorType,
		Category:       req.EventCategory,
		EventType:      req.EventType,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Action:         req.Action,
		Severity:       req.Severity,
		Limit:          req.Limit,
	}

	cursor, err := DecodeCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	if cursor != nil {
		filter.CursorTS = &cursor.LastTS
		filter.CursorEventID = cursor.LastEventID
	}

	start := time.Now()
	events, hasMore, err := s.index.Query(ctx, filter)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "index query failed").WithCause(err)
	}

	resp := &QueryResponse{
		Events: events,
		QueryMetadata: QueryMetadata{
			TimeRangeMS:    time.Since(start).Milliseconds(),
			FiltersApplied: filter.AppliedFilters(),
		},
	}
	if hasMore && len(events) > 0 {
		last := events[len(events)-1]
		resp.NextCursor = Cursor{LastTS: last.Timestamp, LastEventID: last.EventID}.Encode()
	}
	return resp, nil
}

// GetEvent 读取单个事件
func (s *Service) GetEvent(ctx context.Context, org, eventID string) (*audit.Event, error) {
	event, err := s.index.GetByID(ctx, org, eventID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, types.NewError(types.ErrNotFound, "event not found").WithHTTPStatus(404)
		}
		return nil, types.NewError(types.ErrStorage, "index read failed").WithCause(err)
	}
	return event, nil
}

// GetWithContext 返回事件及其同 (组织, 日) 链内的前后窗口，并附带
// 窗口的链校验状态。
func (s *Service) GetWithContext(ctx context.Context, org, eventID string, before, after int) (*ContextResponse, error) {
	if before < 0 || after < 0 {
		return nil, types.NewError(types.ErrValidation, "window sizes must be non-negative")
	}
	if before > 100 {
		before = 100
	}
	if after > 100 {
		after = 100
	}

	center, preceding, succeeding, err := s.index.Window(ctx, org, eventID, before, after)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, types.NewError(types.ErrNotFound, "event not found").WithHTTPStatus(404)
		}
		return nil, types.NewError(types.ErrStorage, "index window failed").WithCause(err)
	}

	resp := &ContextResponse{
		Event:       center,
		Before:      preceding,
		After:       succeeding,
		ChainStatus: "unverified",
	}

	if s.verifier != nil {
		from := center.Timestamp
		if len(preceding) > 0 {
			from = preceding[0].Timestamp
		}
		to := center.Timestamp
		if len(succeeding) > 0 {
			to = succeeding[len(succeeding)-1].Timestamp
		}

		report, err := s.verifier.VerifyChain(ctx, org, from, to)
		if err != nil {
			s.logger.Warn("window chain verification failed", zap.Error(err))
		} else if report.Valid {
			resp.ChainStatus = "valid"
		} else {
			resp.ChainStatus = "invalid"
		}
	}
	return resp, nil
}
