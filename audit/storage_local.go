package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit/canonical"
)

// LocalStorage 本地 WORM 存储
//
// 目录布局:
//
//	<root>/<org_id>/<yyyy>/<mm>/<dd>/<event_id>.json
//	<root>/<org_id>/checkpoints/<yyyy-mm-dd>.json
//
// 事件文件以 O_EXCL 创建（已存在则失败），写入后 chmod 0444。
type LocalStorage struct {
	root   string
	logger *zap.Logger
}

// NewLocalStorage creates the local backend rooted at root.
func NewLocalStorage(root string, logger *zap.Logger) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create audit root: %w", err)
	}
	return &LocalStorage{
		root:   root,
		logger: logger.With(zap.String("component", "audit_storage_local")),
	}, nil
}

func (s *LocalStorage) eventPath(org string, ts time.Time, eventID string) string {
	t := ts.UTC()
	return filepath.Join(s.root, org,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		eventID+".json",
	)
}

func (s *LocalStorage) checkpointPath(org, date string) string {
	return filepath.Join(s.root, org, "checkpoints", date+".json")
}

// WriteEvent 实现 Storage.WriteEvent
func (s *LocalStorage) WriteEvent(ctx context.Context, event *Event) error {
	path := s.eventPath(event.OrganizationID, event.Timestamp, event.EventID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create event dir: %w", err)
	}

	data, err := canonical.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.EventID, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("event %s: %w", event.EventID, ErrAlreadyExists)
		}
		return fmt.Errorf("create event file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path) // partial write is not durable; remove so retry can recreate
		return fmt.Errorf("write event file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync event file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close event file: %w", err)
	}

	// WORM: read-only once durable.
	if err := os.Chmod(path, 0o444); err != nil {
		s.logger.Warn("failed to set event file read-only",
			zap.String("path", path), zap.Error(err))
	}
	return nil
}

// GetEvent 实现 Storage.GetEvent（按日期目录回溯扫描）
func (s *LocalStorage) GetEvent(ctx context.Context, org, eventID string) (*Event, error) {
	var found *Event
	err := s.walkEvents(org, func(path string) error {
		if strings.TrimSuffix(filepath.Base(path), ".json") != eventID {
			return nil
		}
		e, err := s.readEventFile(path)
		if err != nil {
			return err
		}
		found = e
		return filepath.SkipAll
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return found, nil
}

// ListEvents 实现 Storage.ListEvents
func (s *LocalStorage) ListEvents(ctx context.Context, org string, from, to time.Time) ([]*Event, error) {
	var events []*Event
	err := s.walkEvents(org, func(path string) error {
		e, err := s.readEventFile(path)
		if err != nil {
			return err
		}
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			return nil
		}
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].EventID < events[j].EventID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// LastEvent 实现 Storage.LastEvent
func (s *LocalStorage) LastEvent(ctx context.Context, org string) (*Event, error) {
	events, err := s.ListEvents(ctx, org, time.Time{}, time.Now().UTC().Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	// The chain tail is the event with the highest (day, sequence).
	last := events[0]
	for _, e := range events[1:] {
		if e.Date() > last.Date() || (e.Date() == last.Date() && e.Sequence > last.Sequence) {
			last = e
		}
	}
	return last, nil
}

// walkEvents visits every event file of the organization in path order.
func (s *LocalStorage) walkEvents(org string, visit func(path string) error) error {
	orgDir := filepath.Join(s.root, org)
	if _, err := os.Stat(orgDir); os.IsNotExist(err) {
		return nil
	}

	return filepath.WalkDir(orgDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "checkpoints" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".json") {
			return nil
		}
		return visit(path)
	})
}

func (s *LocalStorage) readEventFile(path string) (*Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event file %s: %w", path, err)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event file %s: %w", path, err)
	}
	return &e, nil
}

// WriteCheckpoint 实现 Storage.WriteCheckpoint
// pending_timestamp 的检查点允许被补签后的版本覆盖一次。
func (s *LocalStorage) WriteCheckpoint(ctx context.Context, cp *Checkpoint) error {
	path := s.checkpointPath(cp.OrganizationID, cp.Date)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	if existing, err := s.GetCheckpoint(ctx, cp.OrganizationID, cp.Date); err == nil {
		if !existing.PendingTimestamp {
			return fmt.Errorf("checkpoint %s/%s: %w", cp.OrganizationID, cp.Date, ErrAlreadyExists)
		}
		// Upgrading a pending checkpoint: make the file writable again.
		if err := os.Chmod(path, 0o644); err != nil {
			return fmt.Errorf("unlock pending checkpoint: %w", err)
		}
	}

	data, err := canonical.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Chmod(path, 0o444); err != nil {
		s.logger.Warn("failed to set checkpoint read-only",
			zap.String("path", path), zap.Error(err))
	}
	return nil
}

// GetCheckpoint 实现 Storage.GetCheckpoint
func (s *LocalStorage) GetCheckpoint(ctx context.Context, org, date string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(org, date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %s/%s: %w", org, date, ErrNotFound)
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// ListCheckpointDates 实现 Storage.ListCheckpointDates
func (s *LocalStorage) ListCheckpointDates(ctx context.Context, org string) ([]string, error) {
	dir := filepath.Join(s.root, org, "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var dates []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		dates = append(dates, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(dates)
	return dates, nil
}
