package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agenttrace/agenttrace/audit/canonical"
)

// ActorType 操作者类型
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorService ActorType = "service"
	ActorSystem  ActorType = "system"
)

// Category 事件类别
type Category string

const (
	CategoryAuth   Category = "auth"
	CategoryData   Category = "data"
	CategoryConfig Category = "config"
	CategoryAdmin  Category = "admin"
	CategoryEval   Category = "eval"
)

// Severity 事件严重级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Action 资源操作
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
)

// Actor 事件的操作者
type Actor struct {
	Type      ActorType `json:"type"`
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Classification 事件分类
type Classification struct {
	Category Category `json:"category"`
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
}

// Resource 事件作用的资源
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ZeroHash 创世事件的 previous_hash（32 字节全零，hex 编码）
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event 审计事件。Hash/PreviousHash 为 SHA-256 的 hex 编码（64 字符）。
// Sequence 为 (组织, 日) 内单调递增的序号，用于篡改检测中的缺号识别。
type Event struct {
	EventID        string          `json:"event_id"`
	Sequence       uint64          `json:"sequence"`
	Timestamp      time.Time       `json:"timestamp"`
	OrganizationID string          `json:"organization_id"`
	ProjectID      string          `json:"project_id,omitempty"`
	Actor          Actor           `json:"actor"`
	Classification Classification  `json:"classification"`
	Resource       Resource        `json:"resource"`
	Action         Action          `json:"action"`
	PreviousState  json.RawMessage `json:"previous_state,omitempty"`
	NewState       json.RawMessage `json:"new_state,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Hash           string          `json:"hash"`
	PreviousHash   string          `json:"previous_hash"`
}

// Date returns the event's UTC calendar date (yyyy-mm-dd).
func (e *Event) Date() string {
	return e.Timestamp.UTC().Format("2006-01-02")
}

// CanonicalBytes returns the canonical encoding of the event with the hash
// field excluded.
func (e *Event) CanonicalBytes() ([]byte, error) {
	shadow := *e
	shadow.Hash = ""

	raw, err := canonical.Marshal(&shadow)
	if err != nil {
		return nil, err
	}

	// The canonical encoder drops empty-string fields only if tagged
	// omitempty; hash is not, so strip it at the generic level instead of
	// special-casing tags.
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	delete(generic, "hash")
	return canonical.Marshal(generic)
}

// ComputeHash returns hex(SHA-256(canonical_bytes(event) || previous_hash)).
func (e *Event) ComputeHash() (string, error) {
	canon, err := e.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("canonical encode event %s: %w", e.EventID, err)
	}
	prev, err := hex.DecodeString(e.PreviousHash)
	if err != nil {
		return "", fmt.Errorf("decode previous_hash of %s: %w", e.EventID, err)
	}

	h := sha256.New()
	h.Write(canon)
	h.Write(prev)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal computes and stores the event hash. The previous hash must already
// be set.
func (e *Event) Seal() error {
	sum, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = sum
	return nil
}

// Validate checks the structural invariants of an event.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event missing event_id")
	}
	if e.OrganizationID == "" {
		return fmt.Errorf("event %s missing organization_id", e.EventID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s missing timestamp", e.EventID)
	}
	switch e.Actor.Type {
	case ActorUser, ActorService, ActorSystem:
	default:
		return fmt.Errorf("event %s has invalid actor type %q", e.EventID, e.Actor.Type)
	}
	switch e.Classification.Category {
	case CategoryAuth, CategoryData, CategoryConfig, CategoryAdmin, CategoryEval:
	default:
		return fmt.Errorf("event %s has invalid category %q", e.EventID, e.Classification.Category)
	}
	switch e.Classification.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("event %s has invalid severity %q", e.EventID, e.Classification.Severity)
	}
	switch e.Action {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionExport:
	default:
		return fmt.Errorf("event %s has invalid action %q", e.EventID, e.Action)
	}
	return nil
}

// LeafHash returns the event hash as raw bytes for Merkle construction.
func (e *Event) LeafHash() ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(e.Hash)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("event %s has malformed hash", e.EventID)
	}
	copy(out[:], raw)
	return out, nil
}
