package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/agenttrace/agenttrace/audit/index"
	"github.com/agenttrace/agenttrace/audit/query"
	"github.com/agenttrace/agenttrace/types"
)

// =============================================================================
// 📦 导出 Handler
// =============================================================================

// exportCreateRequest POST /v1/audit/export 请求体
type exportCreateRequest struct {
	OrganizationID      string              `json:"organization_id"`
	From                time.Time           `json:"from"`
	To                  time.Time           `json:"to"`
	Format              string              `json:"format"`
	Filters             *query.QueryRequest `json:"filters,omitempty"`
	IncludeVerification bool                `json:"include_verification,omitempty"`
	EncryptionPublicKey string              `json:"encryption_public_key,omitempty"`
}

// exportStatusResponse 任务状态响应
type exportStatusResponse struct {
	ExportID     string     `json:"export_id"`
	Status       string     `json:"status"`
	Format       string     `json:"format"`
	EventCount   int        `json:"event_count,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func exportStatus(job *index.ExportJob) exportStatusResponse {
	return exportStatusResponse{
		ExportID:     job.ExportID,
		Status:       string(job.Status),
		Format:       job.Format,
		EventCount:   job.EventCount,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
		ExpiresAt:    job.ExpiresAt,
	}
}

// handleCreateExport POST /v1/audit/export
func (h *AuditHandler) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapExport, query.ClassExport)
	if principal == nil {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req exportCreateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	job, err := h.exports.Create(r.Context(), query.ExportRequest{
		OrganizationID:      req.OrganizationID,
		From:                req.From,
		To:                  req.To,
		Format:              query.ExportFormat(req.Format),
		Filters:             req.Filters,
		IncludeVerification: req.IncludeVerification,
		EncryptionPublicKey: req.EncryptionPublicKey,
		RequestedBy:         principal.ID,
	})
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	h.selfAudit(r, principal, req.OrganizationID, "audit_log.exported", "audit_export", job.ExportID)
	WriteJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Data:      exportStatus(job),
		Timestamp: time.Now(),
	})
}

// handleGetExport GET /v1/audit/export/{id}
func (h *AuditHandler) handleGetExport(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapExport, query.ClassQuery)
	if principal == nil {
		return
	}

	job, err := h.exports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, exportStatus(job))
}

// handleDownloadExport GET /v1/audit/export/{id}/download
func (h *AuditHandler) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapExport, query.ClassQuery)
	if principal == nil {
		return
	}

	job, err := h.exports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	if job.Status != index.ExportCompleted || job.FilePath == "" {
		WriteErrorMessage(w, http.StatusConflict, types.ErrValidation,
			"export is not completed", h.logger)
		return
	}
	if job.ExpiresAt != nil && time.Now().UTC().After(*job.ExpiresAt) {
		WriteErrorMessage(w, http.StatusGone, types.ErrNotFound,
			"export artifact expired", h.logger)
		return
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound,
			"export artifact missing", h.logger)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-export-"+job.ExportID+"."+job.Format+"\"")
	http.ServeContent(w, r, job.FilePath, job.CreatedAt, f)

	h.selfAudit(r, principal, job.OrganizationID, "audit_log.exported", "audit_export", job.ExportID)
}
