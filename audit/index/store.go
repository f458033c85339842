package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agenttrace/agenttrace/audit"
)

// ErrConflict 状态转移与当前状态不符
var ErrConflict = errors.New("export job status conflict")

// ErrNotFound 索引中不存在
var ErrNotFound = errors.New("not found in index")

// Config 索引存储配置
type Config struct {
	// Driver: sqlite, postgres
	Driver string
	// DSN 连接串（sqlite 为文件路径，:memory: 用于测试）
	DSN string
}

// Store 审计查询索引
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open 打开索引数据库并迁移表结构
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported index driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	if err := db.AutoMigrate(&EventRecord{}, &ExportJob{}); err != nil {
		return nil, fmt.Errorf("migrate index schema: %w", err)
	}

	logger.Info("audit index opened", zap.String("driver", cfg.Driver))
	return &Store{db: db, logger: logger.With(zap.String("component", "audit_index"))}, nil
}

// InsertEvent 写入一条事件镜像。重复 event_id 幂等跳过。
func (s *Store) InsertEvent(ctx context.Context, e *audit.Event) error {
	record, err := recordFromEvent(e)
	if err != nil {
		return fmt.Errorf("encode index record: %w", err)
	}
	err = s.db.WithContext(ctx).Create(record).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// Filter 查询过滤条件。From/To 为必填时间范围。
type Filter struct {
	OrganizationID string
	From           time.Time
	To             time.Time
	ActorID        string
	ActorType      string
	Category       string
	EventType      string
	ResourceType   string
	ResourceID     string
	Action         string
	Severity       string

	// Limit 默认 100，上限 1000
	Limit int
	// 游标谓词: (timestamp, event_id) < (CursorTS, CursorEventID)
	CursorTS      *time.Time
	CursorEventID string
}

// AppliedFilters 返回生效的过滤器名（查询元数据）
func (f *Filter) AppliedFilters() []string {
	applied := []string{"time_range"}
	add := func(name, v string) {
		if v != "" {
			applied = append(applied, name)
		}
	}
	add("actor_id", f.ActorID)
	add("actor_type", f.ActorType)
	add("event_category", f.Category)
	add("event_type", f.EventType)
	add("resource_type", f.ResourceType)
	add("resource_id", f.ResourceID)
	add("action", f.Action)
	add("severity", f.Severity)
	return applied
}

func (f *Filter) normalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return 100
	case f.Limit > 1000:
		return 1000
	default:
		return f.Limit
	}
}

func (s *Store) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&EventRecord{}).
		Where("organization_id = ?", f.OrganizationID).
		Where("timestamp >= ? AND timestamp <= ?", f.From.UTC(), f.To.UTC())

	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.ActorType != "" {
		q = q.Where("actor_type = ?", f.ActorType)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.ResourceType != "" {
		q = q.Where("resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		q = q.Where("resource_id = ?", f.ResourceID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	return q
}

// Query 执行过滤查询，按 (timestamp DESC, event_id DESC) 排序，
// 返回最多 limit+1 条以便调用方判断是否还有下一页。
func (s *Store) Query(ctx context.Context, f Filter) ([]*audit.Event, bool, error) {
	limit := f.normalizedLimit()
	q := s.filtered(ctx, f)

	if f.CursorTS != nil {
		q = q.Where(
			"(timestamp < ?) OR (timestamp = ? AND event_id < ?)",
			f.CursorTS.UTC(), f.CursorTS.UTC(), f.CursorEventID,
		)
	}

	var records []EventRecord
	if err := q.Order("timestamp DESC").Order("event_id DESC").Limit(limit + 1).Find(&records).Error; err != nil {
		return nil, false, fmt.Errorf("index query: %w", err)
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	events := make([]*audit.Event, 0, len(records))
	for i := range records {
		e, err := records[i].Event()
		if err != nil {
			return nil, false, fmt.Errorf("decode index record %s: %w", records[i].EventID, err)
		}
		events = append(events, e)
	}
	return events, hasMore, nil
}

// Count 统计过滤命中数
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	var count int64
	err := s.filtered(ctx, f).Count(&count).Error
	return count, err
}

// GetByID 按事件 ID 读取
func (s *Store) GetByID(ctx context.Context, org, eventID string) (*audit.Event, error) {
	var record EventRecord
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND event_id = ?", org, eventID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record.Event()
}

// Window 返回事件在同 (组织, 日) 链内前 before 条与后 after 条。
func (s *Store) Window(ctx context.Context, org, eventID string, before, after int) (center *audit.Event, preceding, succeeding []*audit.Event, err error) {
	center, err = s.GetByID(ctx, org, eventID)
	if err != nil {
		return nil, nil, nil, err
	}
	day := center.Date()

	var prevRecords []EventRecord
	err = s.db.WithContext(ctx).
		Where("organization_id = ? AND day = ? AND sequence < ?", org, day, center.Sequence).
		Order("sequence DESC").Limit(before).Find(&prevRecords).Error
	if err != nil {
		return nil, nil, nil, err
	}
	// Reverse into chain order.
	for i := len(prevRecords) - 1; i >= 0; i-- {
		e, decErr := prevRecords[i].Event()
		if decErr != nil {
			return nil, nil, nil, decErr
		}
		preceding = append(preceding, e)
	}

	var nextRecords []EventRecord
	err = s.db.WithContext(ctx).
		Where("organization_id = ? AND day = ? AND sequence > ?", org, day, center.Sequence).
		Order("sequence ASC").Limit(after).Find(&nextRecords).Error
	if err != nil {
		return nil, nil, nil, err
	}
	for i := range nextRecords {
		e, decErr := nextRecords[i].Event()
		if decErr != nil {
			return nil, nil, nil, decErr
		}
		succeeding = append(succeeding, e)
	}
	return center, preceding, succeeding, nil
}

// BucketCount 聚合桶
type BucketCount struct {
	Key   string `gorm:"column:key"`
	Count int64  `gorm:"column:count"`
}

// CountBy 按列聚合（category/action/actor_id/resource_id/day）
func (s *Store) CountBy(ctx context.Context, f Filter, column string, limit int) ([]BucketCount, error) {
	switch column {
	case "category", "action", "actor_id", "resource_id", "day", "severity", "event_type":
	default:
		return nil, fmt.Errorf("unsupported aggregation column: %s", column)
	}

	q := s.filtered(ctx, f).
		Select(column + " AS key, COUNT(*) AS count").
		Group(column).
		Order("count DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []BucketCount
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("aggregate by %s: %w", column, err)
	}
	return out, nil
}

// --- Export jobs ---

// CreateExport 新建导出任务（pending）
func (s *Store) CreateExport(ctx context.Context, job *ExportJob) error {
	if job.Status == "" {
		job.Status = ExportPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// GetExport 读取导出任务
func (s *Store) GetExport(ctx context.Context, exportID string) (*ExportJob, error) {
	var job ExportJob
	err := s.db.WithContext(ctx).Where("export_id = ?", exportID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// NextPendingExport 原子领取一个 pending 任务并置为 processing
func (s *Store) NextPendingExport(ctx context.Context) (*ExportJob, error) {
	var job ExportJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ?", ExportPending).Order("created_at ASC").First(&job).Error; err != nil {
			return err
		}
		result := tx.Model(&ExportJob{}).
			Where("export_id = ? AND status = ?", job.ExportID, ExportPending).
			Update("status", ExportProcessing)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}
		job.Status = ExportProcessing
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// TransitionExport 原子状态转移: 仅当当前状态为 from 时更新。
func (s *Store) TransitionExport(ctx context.Context, exportID string, from, to ExportStatus, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to

	result := s.db.WithContext(ctx).Model(&ExportJob{}).
		Where("export_id = ? AND status = ?", exportID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ExpiredExports 返回已过期的完成任务
func (s *Store) ExpiredExports(ctx context.Context, now time.Time) ([]ExportJob, error) {
	var jobs []ExportJob
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", ExportCompleted, now.UTC()).
		Find(&jobs).Error
	return jobs, err
}
