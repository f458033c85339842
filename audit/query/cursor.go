// Package query implements the audit query and export API: cursor
// pagination over the index, windowed event context with chain
// verification, aggregation with anomaly detection, async export jobs,
// the live stream bus, rate limiting, and capability auth.
package query

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/agenttrace/agenttrace/types"
)

// Cursor 无状态分页游标。排序为 (timestamp DESC, event_id DESC)，
// 下一页谓词为 (timestamp, event_id) < (LastTS, LastEventID)。
type Cursor struct {
	LastTS      time.Time `json:"last_ts"`
	LastEventID string    `json:"last_event_id"`
}

// Encode 序列化为 base64(JSON)
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor 解析游标；可独立解码，无服务端状态。
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "malformed cursor").WithCause(err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, types.NewError(types.ErrValidation, "malformed cursor").WithCause(err)
	}
	if c.LastTS.IsZero() || c.LastEventID == "" {
		return nil, types.NewError(types.ErrValidation, "incomplete cursor")
	}
	return &c, nil
}
