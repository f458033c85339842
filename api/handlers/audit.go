package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit"
	"github.com/agenttrace/agenttrace/audit/query"
	"github.com/agenttrace/agenttrace/types"
)

// =============================================================================
// 🔏 审计查询 Handler
// =============================================================================

// AuditHandler C6 审计查询与导出 API
type AuditHandler struct {
	query   *query.Service
	service *audit.Service
	exports *query.ExportManager
	bus     *query.Bus
	limiter *query.RateLimiter
	auth    *query.Authenticator
	logger  *zap.Logger
}

// NewAuditHandler 创建审计 API 处理器
func NewAuditHandler(
	querySvc *query.Service,
	auditSvc *audit.Service,
	exports *query.ExportManager,
	bus *query.Bus,
	limiter *query.RateLimiter,
	auth *query.Authenticator,
	logger *zap.Logger,
) *AuditHandler {
	return &AuditHandler{
		query:   querySvc,
		service: auditSvc,
		exports: exports,
		bus:     bus,
		limiter: limiter,
		auth:    auth,
		logger:  logger.With(zap.String("component", "audit_api")),
	}
}

// Register 注册全部审计路由
func (h *AuditHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/audit/events", h.handleQueryEvents)
	mux.HandleFunc("GET /v1/audit/events/{id}", h.handleGetEvent)
	mux.HandleFunc("GET /v1/audit/events/{id}/context", h.handleGetEventContext)
	mux.HandleFunc("GET /v1/audit/summary", h.handleSummary)
	mux.HandleFunc("GET /v1/audit/actors/{id}/activity", h.handleActorActivity)
	mux.HandleFunc("POST /v1/audit/export", h.handleCreateExport)
	mux.HandleFunc("GET /v1/audit/export/{id}", h.handleGetExport)
	mux.HandleFunc("GET /v1/audit/export/{id}/download", h.handleDownloadExport)
	mux.HandleFunc("GET /v1/audit/stream", h.handleStream)
	mux.HandleFunc("GET /v1/audit/verify", h.handleVerify)
	mux.HandleFunc("GET /v1/audit/checkpoints/{date}", h.handleGetCheckpoint)
	mux.HandleFunc("POST /v1/audit/merkle-proof/{event_id}", h.handleGenerateProof)
	mux.HandleFunc("POST /v1/audit/merkle-proof/verify", h.handleVerifyProof)
	mux.HandleFunc("GET /v1/audit/health", h.handleHealth)
}

// authorize 认证 + 能力 + 限流；失败时已写响应并返回 nil。
func (h *AuditHandler) authorize(w http.ResponseWriter, r *http.Request, cap query.Capability, class query.EndpointClass) *query.Principal {
	principal, err := h.auth.Authenticate(r.Header.Get("Authorization"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return nil
	}
	if err := query.Require(principal, cap); err != nil {
		WriteAnyError(w, err, h.logger)
		return nil
	}
	if err := h.limiter.Allow(principal.ID, class); err != nil {
		WriteAnyError(w, err, h.logger)
		return nil
	}
	return principal
}

// selfAudit C6 调用自身也写入审计日志
func (h *AuditHandler) selfAudit(r *http.Request, principal *query.Principal, org, eventType, resourceType, resourceID string) {
	if h.service == nil || org == "" {
		return
	}
	action := audit.ActionRead
	if eventType == "audit_log.exported" {
		action = audit.ActionExport
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	// 不等待落盘，尽力记录
	go func() {
		defer cancel()
		h.service.Capture(ctx, audit.CaptureRequest{
			OrganizationID: org,
			Actor:          audit.Actor{Type: audit.ActorUser, ID: principal.ID, IP: r.RemoteAddr},
			Classification: audit.Classification{
				Category: audit.CategoryAdmin,
				Type:     eventType,
				Severity: audit.SeverityInfo,
			},
			Resource: audit.Resource{Type: resourceType, ID: resourceID},
			Action:   action,
		})
	}()
}

// handleQueryEvents GET /v1/audit/events
func (h *AuditHandler) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapRead, query.ClassQuery)
	if principal == nil {
		return
	}

	req := query.QueryRequest{
		OrganizationID: r.URL.Query().Get("organization_id"),
		ActorID:        r.URL.Query().Get("actor_id"),
		ActorType:      r.URL.Query().Get("actor_type"),
		EventCategory:  r.URL.Query().Get("event_category"),
		EventType:      r.URL.Query().Get("event_type"),
		ResourceType:   r.URL.Query().Get("resource_type"),
		ResourceID:     r.URL.Query().Get("resource_id"),
		Action:         r.URL.Query().Get("action"),
		Severity:       r.URL.Query().Get("severity"),
		Limit:          ParseIntParam(r, "limit", 100),
		Cursor:         r.URL.Query().Get("cursor"),
	}
	if from, ok := ParseTimeParam(r, "from"); ok {
		req.From = from
	}
	if to, ok := ParseTimeParam(r, "to"); ok {
		req.To = to
	}

	resp, err := h.query.QueryEvents(r.Context(), req)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	h.selfAudit(r, principal, req.OrganizationID, "audit_log.viewed", "audit_query", "events")
	WriteSuccess(w, resp)
}

// handleGetEvent GET /v1/audit/events/{id}
func (h *AuditHandler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapRead, query.ClassQuery)
	if principal == nil {
		return
	}

	org := r.URL.Query().Get("organization_id")
	eventID := r.PathValue("id")

	event, err := h.query.GetEvent(r.Context(), org, eventID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	h.selfAudit(r, principal, org, "audit_log.viewed", "audit_event", eventID)
	WriteSuccess(w, event)
}

// handleGetEventContext GET /v1/audit/events/{id}/context
func (h *AuditHandler) handleGetEventContext(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapRead, query.ClassQuery)
	if principal == nil {
		return
	}

	org := r.URL.Query().Get("organization_id")
	eventID := r.PathValue("id")
	before := ParseIntParam(r, "before", 5)
	after := ParseIntParam(r, "after", 5)

	resp, err := h.query.GetWithContext(r.Context(), org, eventID, before, after)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	h.selfAudit(r, principal, org, "audit_log.viewed", "audit_event", eventID)
	WriteSuccess(w, resp)
}

// handleSummary GET /v1/audit/summary
func (h *AuditHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapRead, query.ClassQuery)
	if principal == nil {
		return
	}

	org := r.URL.Query().Get("organization_id")
	from, _ := ParseTimeParam(r, "from")
	to, _ := ParseTimeParam(r, "to")

	summary, err := h.query.Summary(r.Context(), org, from, to, query.SummaryOptions{
		CriticalBurstThreshold: int64(ParseIntParam(r, "critical_burst_threshold", 0)),
	})
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	h.selfAudit(r, principal, org, "audit_log.viewed", "audit_summary", org)
	WriteSuccess(w, summary)
}

// handleActorActivity GET /v1/audit/actors/{id}/activity
func (h *AuditHandler) handleActorActivity(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapRead, query.ClassQuery)
	if principal == nil {
		return
	}

	org := r.URL.Query().Get("organization_id")
	actorID := r.PathValue("id")
	from, _ := ParseTimeParam(r, "from")
	to, _ := ParseTimeParam(r, "to")
	limit := ParseIntParam(r, "limit", 100)

	activity, err := h.query.ActorActivity(r.Context(), org, actorID, from, to, limit)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	h.selfAudit(r, principal, org, "audit_log.viewed", "actor_activity", actorID)
	WriteSuccess(w, activity)
}

// handleVerify GET /v1/audit/verify
func (h *AuditHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapAdmin, query.ClassQuery)
	if principal == nil {
		return
	}

	org := r.URL.Query().Get("organization_id")
	from, _ := ParseTimeParam(r, "from")
	to, _ := ParseTimeParam(r, "to")
	if org == "" || from.IsZero() || to.IsZero() {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
			"organization_id, from, and to are required", h.logger)
		return
	}

	report, err := h.service.VerifyChain(r.Context(), org, from, to)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	h.selfAudit(r, principal, org, "audit_log.viewed", "chain_verification", org)
	WriteSuccess(w, report)
}

// handleGetCheckpoint GET /v1/audit/checkpoints/{date}
func (h *AuditHandler) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapRead, query.ClassQuery)
	if principal == nil {
		return
	}

	org := r.URL.Query().Get("organization_id")
	date := r.PathValue("date")

	cp, err := h.service.GetCheckpoint(r.Context(), org, date)
	if err != nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "checkpoint not found", h.logger)
		return
	}

	h.selfAudit(r, principal, org, "audit_log.viewed", "checkpoint", date)
	WriteSuccess(w, cp)
}

// proofVerifyRequest POST /v1/audit/merkle-proof/verify 请求体
type proofVerifyRequest struct {
	Event    *audit.Event       `json:"event"`
	Proof    *audit.MerkleProof `json:"proof"`
	RootHash string             `json:"root_hash"`
}

// handleGenerateProof POST /v1/audit/merkle-proof/{event_id}
func (h *AuditHandler) handleGenerateProof(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapRead, query.ClassQuery)
	if principal == nil {
		return
	}

	org := r.URL.Query().Get("organization_id")
	eventID := r.PathValue("event_id")

	proof, err := h.service.GenerateProof(r.Context(), org, eventID)
	if err != nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, err.Error(), h.logger)
		return
	}

	h.selfAudit(r, principal, org, "audit_log.viewed", "merkle_proof", eventID)
	WriteSuccess(w, proof)
}

// handleVerifyProof POST /v1/audit/merkle-proof/verify
func (h *AuditHandler) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapRead, query.ClassQuery)
	if principal == nil {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req proofVerifyRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Event == nil || req.Proof == nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
			"event and proof are required", h.logger)
		return
	}

	valid := audit.VerifyEventProof(req.Event, req.Proof, req.RootHash)
	WriteSuccess(w, map[string]bool{"valid": valid})
}
