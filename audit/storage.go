package audit

import (
	"context"
	"errors"
	"time"
)

// Storage errors.
var (
	// ErrAlreadyExists 写入目标已存在（WORM 保护）
	ErrAlreadyExists = errors.New("audit object already exists")
	// ErrNotFound 读取目标不存在
	ErrNotFound = errors.New("audit object not found")
)

// Storage is the write-once audit store. Implementations must reject
// overwrites of existing events and render written objects immutable.
type Storage interface {
	// WriteEvent persists a sealed event. Fails with ErrAlreadyExists if an
	// event with the same (org, date, event_id) was written before.
	WriteEvent(ctx context.Context, event *Event) error

	// GetEvent loads one event by organization and event ID.
	GetEvent(ctx context.Context, org, eventID string) (*Event, error)

	// ListEvents returns the organization's events with timestamps in
	// [from, to], sorted by (timestamp, event_id).
	ListEvents(ctx context.Context, org string, from, to time.Time) ([]*Event, error)

	// LastEvent returns the most recently chained event of the
	// organization, or ErrNotFound for an empty chain.
	LastEvent(ctx context.Context, org string) (*Event, error)

	// WriteCheckpoint persists a checkpoint document. Checkpoints marked
	// pending_timestamp may be rewritten once when their token arrives.
	WriteCheckpoint(ctx context.Context, cp *Checkpoint) error

	// GetCheckpoint loads the checkpoint for (org, date yyyy-mm-dd).
	GetCheckpoint(ctx context.Context, org, date string) (*Checkpoint, error)

	// ListCheckpointDates returns the dates (yyyy-mm-dd, ascending) that
	// have checkpoints for the organization.
	ListCheckpointDates(ctx context.Context, org string) ([]string, error)
}
