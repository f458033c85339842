// Package index mirrors chained audit events into a relational store for
// browsing: filtered queries with cursor pagination, aggregation, and the
// export job table. The WORM store remains the source of truth; the index
// is rebuildable from it.
package index

import (
	"encoding/json"
	"time"

	"github.com/agenttrace/agenttrace/audit"
)

// EventRecord 事件索引行。过滤列拍平，完整事件保留为 JSON。
type EventRecord struct {
	EventID        string    `gorm:"primaryKey;column:event_id"`
	Sequence       uint64    `gorm:"column:sequence"`
	Timestamp      time.Time `gorm:"column:timestamp;index:idx_org_ts"`
	OrganizationID string    `gorm:"column:organization_id;index:idx_org_ts"`
	ProjectID      string    `gorm:"column:project_id"`
	ActorType      string    `gorm:"column:actor_type"`
	ActorID        string    `gorm:"column:actor_id;index"`
	Category       string    `gorm:"column:category"`
	EventType      string    `gorm:"column:event_type"`
	Severity       string    `gorm:"column:severity"`
	ResourceType   string    `gorm:"column:resource_type"`
	ResourceID     string    `gorm:"column:resource_id;index"`
	Action         string    `gorm:"column:action"`
	Hash           string    `gorm:"column:hash"`
	PreviousHash   string    `gorm:"column:previous_hash"`
	Day            string    `gorm:"column:day;index"`
	Payload        []byte    `gorm:"column:payload"` // 完整事件 JSON
}

// TableName 指定表名
func (EventRecord) TableName() string { return "audit_events" }

// recordFromEvent 将链上事件映射为索引行
func recordFromEvent(e *audit.Event) (*EventRecord, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &EventRecord{
		EventID:        e.EventID,
		Sequence:       e.Sequence,
		Timestamp:      e.Timestamp.UTC(),
		OrganizationID: e.OrganizationID,
		ProjectID:      e.ProjectID,
		ActorType:      string(e.Actor.Type),
		ActorID:        e.Actor.ID,
		Category:       string(e.Classification.Category),
		EventType:      e.Classification.Type,
		Severity:       string(e.Classification.Severity),
		ResourceType:   e.Resource.Type,
		ResourceID:     e.Resource.ID,
		Action:         string(e.Action),
		Hash:           e.Hash,
		PreviousHash:   e.PreviousHash,
		Day:            e.Date(),
		Payload:        payload,
	}, nil
}

// Event 解码回完整事件
func (r *EventRecord) Event() (*audit.Event, error) {
	var e audit.Event
	if err := json.Unmarshal(r.Payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ExportStatus 导出任务状态
type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// ExportJob 导出任务行。状态转移必须走 TransitionExport 以保证原子性。
type ExportJob struct {
	ExportID            string       `gorm:"primaryKey;column:export_id"`
	OrganizationID      string       `gorm:"column:organization_id;index"`
	RequestedBy         string       `gorm:"column:requested_by"`
	Format              string       `gorm:"column:format"`
	From                time.Time    `gorm:"column:from_ts"`
	To                  time.Time    `gorm:"column:to_ts"`
	FiltersJSON         []byte       `gorm:"column:filters"`
	IncludeVerification bool         `gorm:"column:include_verification"`
	Encrypted           bool         `gorm:"column:encrypted"`
	Status              ExportStatus `gorm:"column:status;index"`
	ErrorMessage        string       `gorm:"column:error_message"`
	FilePath            string       `gorm:"column:file_path"`
	EventCount          int          `gorm:"column:event_count"`
	CreatedAt           time.Time    `gorm:"column:created_at"`
	CompletedAt         *time.Time   `gorm:"column:completed_at"`
	ExpiresAt           *time.Time   `gorm:"column:expires_at"`
}

// TableName 指定表名
func (ExportJob) TableName() string { return "audit_export_jobs" }
