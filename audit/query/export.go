package query

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/csv"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit"
	"github.com/agenttrace/agenttrace/audit/index"
	"github.com/agenttrace/agenttrace/types"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatJSON    ExportFormat = "json"  // 单个 JSON 数组
	FormatJSONL   ExportFormat = "jsonl" // 每行一个对象
	FormatCSV     ExportFormat = "csv"
	FormatParquet ExportFormat = "parquet"
)

// exportTTL 完成产物的保留时间
const exportTTL = 24 * time.Hour

// ExportRequest 创建导出任务的请求
type ExportRequest struct {
	OrganizationID      string
	From                time.Time
	To                  time.Time
	Format              ExportFormat
	Filters             *QueryRequest // 可选附加过滤
	IncludeVerification bool
	// EncryptionPublicKey PEM 编码的 RSA 公钥；非空时产物加密
	EncryptionPublicKey string
	RequestedBy         string
}

// ExportMetrics is the subset of the internal collector the export worker
// reports to.
type ExportMetrics interface {
	RecordExportJob(status, format string)
}

type nopExportMetrics struct{}

func (nopExportMetrics) RecordExportJob(string, string) {}

// CheckpointReader 读取某 (组织, 日) 的检查点（include_verification 用）
type CheckpointReader interface {
	GetCheckpoint(ctx context.Context, org, date string) (*audit.Checkpoint, error)
}

// ExportManager 异步导出任务管理器
type ExportManager struct {
	store       *index.Store
	checkpoints CheckpointReader
	dir         string
	metrics     ExportMetrics
	logger      *zap.Logger

	wg     sync.WaitGroup
	stop   chan struct{}
	wake   chan struct{}
	closed sync.Once
}

// NewExportManager creates the manager and starts its background worker.
// checkpoints and metrics may be nil.
func NewExportManager(store *index.Store, checkpoints CheckpointReader, dir string, m ExportMetrics, logger *zap.Logger) (*ExportManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	if m == nil {
		m = nopExportMetrics{}
	}

	e := &ExportManager{
		store:       store,
		checkpoints: checkpoints,
		dir:         dir,
		metrics:     m,
		logger:      logger.With(zap.String("component", "audit_export")),
		stop:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
	}
	e.wg.Add(1)
	go e.worker()
	return e, nil
}

// Create 创建导出任务并唤醒 worker
func (e *ExportManager) Create(ctx context.Context, req ExportRequest) (*index.ExportJob, error) {
	if req.OrganizationID == "" {
		return nil, types.NewError(types.ErrValidation, "organization_id required")
	}
	if req.From.IsZero() || req.To.IsZero() {
		return nil, types.NewError(types.ErrValidation, "time range required")
	}
	switch req.Format {
	case FormatJSON, FormatJSONL, FormatCSV, FormatParquet:
	default:
		return nil, types.Errorf(types.ErrValidation, "unsupported export format %q", req.Format)
	}
	if req.EncryptionPublicKey != "" {
		if _, err := parseRSAPublicKey(req.EncryptionPublicKey); err != nil {
			return nil, types.NewError(types.ErrValidation, "invalid encryption public key").WithCause(err)
		}
	}

	job := &index.ExportJob{
		ExportID:            uuid.NewString(),
		OrganizationID:      req.OrganizationID,
		RequestedBy:         req.RequestedBy,
		Format:              string(req.Format),
		From:                req.From.UTC(),
		To:                  req.To.UTC(),
		IncludeVerification: req.IncludeVerification,
		Encrypted:           req.EncryptionPublicKey != "",
		Status:              index.ExportPending,
		CreatedAt:           time.Now().UTC(),
	}
	if req.Filters != nil {
		data, err := json.Marshal(req.Filters)
		if err != nil {
			return nil, types.NewError(types.ErrValidation, "unencodable filters").WithCause(err)
		}
		job.FiltersJSON = data
	}
	if req.EncryptionPublicKey != "" {
		// The key travels with the job so the worker can encrypt.
		job.FiltersJSON = appendKeyToFilters(job.FiltersJSON, req.EncryptionPublicKey)
	}

	if err := e.store.CreateExport(ctx, job); err != nil {
		return nil, types.NewError(types.ErrStorage, "create export job").WithCause(err)
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// jobEnvelope FiltersJSON 的实际载荷
type jobEnvelope struct {
	Filters   *QueryRequest `json:"filters,omitempty"`
	PublicKey string        `json:"public_key,omitempty"`
}

func appendKeyToFilters(existing []byte, publicKey string) []byte {
	var env jobEnvelope
	if len(existing) > 0 {
		// existing may be a bare QueryRequest from the first marshal.
		var qr QueryRequest
		if err := json.Unmarshal(existing, &qr); err == nil {
			env.Filters = &qr
		}
	}
	env.PublicKey = publicKey
	data, _ := json.Marshal(env)
	return data
}

func decodeEnvelope(data []byte) jobEnvelope {
	var env jobEnvelope
	if len(data) == 0 {
		return env
	}
	if err := json.Unmarshal(data, &env); err == nil && (env.Filters != nil || env.PublicKey != "") {
		return env
	}
	var qr QueryRequest
	if err := json.Unmarshal(data, &qr); err == nil {
		env.Filters = &qr
	}
	return env
}

// Get 读取导出任务状态
func (e *ExportManager) Get(ctx context.Context, exportID string) (*index.ExportJob, error) {
	job, err := e.store.GetExport(ctx, exportID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, types.NewError(types.ErrNotFound, "export not found").WithHTTPStatus(404)
		}
		return nil, types.NewError(types.ErrStorage, "read export job").WithCause(err)
	}
	return job, nil
}

// worker 轮询 pending 任务并处理；同时清理过期产物。
func (e *ExportManager) worker() {
	defer e.wg.Done()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		case <-ticker.C:
		}

		for {
			job, err := e.store.NextPendingExport(context.Background())
			if err != nil {
				if !errors.Is(err, index.ErrNotFound) {
					e.logger.Error("claim export job failed", zap.Error(err))
				}
				break
			}
			e.process(job)
		}
		e.sweepExpired()
	}
}

// process 执行一个已领取的任务: processing → completed|failed
func (e *ExportManager) process(job *index.ExportJob) {
	ctx := context.Background()
	env := decodeEnvelope(job.FiltersJSON)

	filter := index.Filter{
		OrganizationID: job.OrganizationID,
		From:           job.From,
		To:             job.To,
		Limit:          1000,
	}
	if env.Filters != nil {
		filter.ActorID = env.Filters.ActorID
		filter.ActorType = env.Filters.ActorType
		filter.Category = env.Filters.EventCategory
		filter.EventType = env.Filters.EventType
		filter.ResourceType = env.Filters.ResourceType
		filter.ResourceID = env.Filters.ResourceID
		filter.Action = env.Filters.Action
		filter.Severity = env.Filters.Severity
	}

	events, err := e.collectAll(ctx, filter)
	if err == nil {
		err = e.writeArtifact(ctx, job, env, events)
	}

	if err != nil {
		e.logger.Error("export job failed",
			zap.String("export_id", job.ExportID), zap.Error(err))
		e.metrics.RecordExportJob("failed", job.Format)
		if terr := e.store.TransitionExport(ctx, job.ExportID, index.ExportProcessing, index.ExportFailed, map[string]any{
			"error_message": err.Error(),
		}); terr != nil {
			e.logger.Error("export status transition failed", zap.Error(terr))
		}
		return
	}

	e.metrics.RecordExportJob("completed", job.Format)
}

// collectAll 游标遍历全部命中事件（升序返回）
func (e *ExportManager) collectAll(ctx context.Context, filter index.Filter) ([]*audit.Event, error) {
	var all []*audit.Event
	for {
		page, hasMore, err := e.store.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if !hasMore || len(page) == 0 {
			break
		}
		last := page[len(page)-1]
		ts := last.Timestamp
		filter.CursorTS = &ts
		filter.CursorEventID = last.EventID
	}

	// Query returns newest-first; exports are chain order.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// writeArtifact 生成产物文件并完成状态转移
func (e *ExportManager) writeArtifact(ctx context.Context, job *index.ExportJob, env jobEnvelope, events []*audit.Event) error {
	checkpointHashes := map[string]string{}
	if job.IncludeVerification && e.checkpoints != nil {
		days := map[string]bool{}
		for _, ev := range events {
			days[ev.Date()] = true
		}
		for day := range days {
			if cp, err := e.checkpoints.GetCheckpoint(ctx, job.OrganizationID, day); err == nil {
				checkpointHashes[day] = cp.CheckpointHash
			}
		}
	}

	path := filepath.Join(e.dir, fmt.Sprintf("export-%s.%s", job.ExportID, job.Format))
	var data []byte
	var err error
	switch ExportFormat(job.Format) {
	case FormatJSON:
		data, err = formatJSON(events, false)
	case FormatJSONL:
		data, err = formatJSON(events, true)
	case FormatCSV:
		data, err = formatCSV(events, job.IncludeVerification, checkpointHashes)
	case FormatParquet:
		data, err = formatParquet(events, job.IncludeVerification, checkpointHashes)
	default:
		err = fmt.Errorf("unsupported format %s", job.Format)
	}
	if err != nil {
		return err
	}

	if env.PublicKey != "" {
		data, err = encryptArtifact(data, env.PublicKey)
		if err != nil {
			return fmt.Errorf("encrypt artifact: %w", err)
		}
		path += ".enc"
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}

	now := time.Now().UTC()
	expires := now.Add(exportTTL)
	return e.store.TransitionExport(ctx, job.ExportID, index.ExportProcessing, index.ExportCompleted, map[string]any{
		"file_path":    path,
		"event_count":  len(events),
		"completed_at": &now,
		"expires_at":   &expires,
	})
}

// sweepExpired 删除过期产物
func (e *ExportManager) sweepExpired() {
	ctx := context.Background()
	jobs, err := e.store.ExpiredExports(ctx, time.Now().UTC())
	if err != nil {
		e.logger.Warn("expired export scan failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		if job.FilePath != "" {
			os.Remove(job.FilePath)
		}
		if err := e.store.TransitionExport(ctx, job.ExportID, index.ExportCompleted, index.ExportFailed, map[string]any{
			"error_message": "artifact expired",
			"file_path":     "",
		}); err != nil && !errors.Is(err, index.ErrConflict) {
			e.logger.Warn("expire transition failed", zap.Error(err))
		}
	}
}

// Close 停止 worker
func (e *ExportManager) Close() {
	e.closed.Do(func() {
		close(e.stop)
		e.wg.Wait()
	})
}

// --- formats ---

func formatJSON(events []*audit.Event, lines bool) ([]byte, error) {
	if lines {
		var buf []byte
		for _, ev := range events {
			line, err := json.Marshal(ev)
			if err != nil {
				return nil, err
			}
			buf = append(buf, line...)
			buf = append(buf, '\n')
		}
		return buf, nil
	}
	return json.MarshalIndent(events, "", "  ")
}

// csvColumns 扁平化点路径表头
func csvColumns(includeVerification bool) []string {
	cols := []string{
		"event_id", "sequence", "timestamp", "organization_id", "project_id",
		"actor.type", "actor.id", "actor.email", "actor.ip", "actor.user_agent",
		"classification.category", "classification.type", "classification.severity",
		"resource.type", "resource.id", "resource.name",
		"action", "previous_state", "new_state", "request_id", "session_id",
	}
	if includeVerification {
		cols = append(cols, "hash", "previous_hash", "checkpoint_hash")
	}
	return cols
}

func csvRow(ev *audit.Event, includeVerification bool, checkpointHashes map[string]string) []string {
	row := []string{
		ev.EventID,
		strconv.FormatUint(ev.Sequence, 10),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.OrganizationID,
		ev.ProjectID,
		string(ev.Actor.Type), ev.Actor.ID, ev.Actor.Email, ev.Actor.IP, ev.Actor.UserAgent,
		string(ev.Classification.Category), ev.Classification.Type, string(ev.Classification.Severity),
		ev.Resource.Type, ev.Resource.ID, ev.Resource.Name,
		string(ev.Action),
		string(ev.PreviousState), // nested JSON re-encoded as a JSON string
		string(ev.NewState),
		ev.RequestID,
		ev.SessionID,
	}
	if includeVerification {
		row = append(row, ev.Hash, ev.PreviousHash, checkpointHashes[ev.Date()])
	}
	return row
}

func formatCSV(events []*audit.Event, includeVerification bool, checkpointHashes map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvColumns(includeVerification)); err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := w.Write(csvRow(ev, includeVerification, checkpointHashes)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// parquetEvent 列式导出行。嵌套字段编码为逻辑组或 JSON 字符串。
type parquetEvent struct {
	EventID        string `parquet:"event_id"`
	Sequence       int64  `parquet:"sequence"`
	Timestamp      int64  `parquet:"timestamp,timestamp(microsecond)"`
	OrganizationID string `parquet:"organization_id"`
	ProjectID      string `parquet:"project_id,optional"`
	Actor          struct {
		Type      string `parquet:"type"`
		ID        string `parquet:"id"`
		Email     string `parquet:"email,optional"`
		IP        string `parquet:"ip,optional"`
		UserAgent string `parquet:"user_agent,optional"`
	} `parquet:"actor"`
	Classification struct {
		Category string `parquet:"category"`
		Type     string `parquet:"type"`
		Severity string `parquet:"severity"`
	} `parquet:"classification"`
	Resource struct {
		Type string `parquet:"type"`
		ID   string `parquet:"id"`
		Name string `parquet:"name,optional"`
	} `parquet:"resource"`
	Action         string `parquet:"action"`
	PreviousState  string `parquet:"previous_state,optional"`
	NewState       string `parquet:"new_state,optional"`
	RequestID      string `parquet:"request_id,optional"`
	SessionID      string `parquet:"session_id,optional"`
	Hash           string `parquet:"hash,optional"`
	PreviousHash   string `parquet:"previous_hash,optional"`
	CheckpointHash string `parquet:"checkpoint_hash,optional"`
}

func formatParquet(events []*audit.Event, includeVerification bool, checkpointHashes map[string]string) ([]byte, error) {
	rows := make([]parquetEvent, 0, len(events))
	for _, ev := range events {
		var row parquetEvent
		row.EventID = ev.EventID
		row.Sequence = int64(ev.Sequence)
		row.Timestamp = ev.Timestamp.UTC().UnixMicro()
		row.OrganizationID = ev.OrganizationID
		row.ProjectID = ev.ProjectID
		row.Actor.Type = string(ev.Actor.Type)
		row.Actor.ID = ev.Actor.ID
		row.Actor.Email = ev.Actor.Email
		row.Actor.IP = ev.Actor.IP
		row.Actor.UserAgent = ev.Actor.UserAgent
		row.Classification.Category = string(ev.Classification.Category)
		row.Classification.Type = ev.Classification.Type
		row.Classification.Severity = string(ev.Classification.Severity)
		row.Resource.Type = ev.Resource.Type
		row.Resource.ID = ev.Resource.ID
		row.Resource.Name = ev.Resource.Name
		row.Action = string(ev.Action)
		row.PreviousState = string(ev.PreviousState)
		row.NewState = string(ev.NewState)
		row.RequestID = ev.RequestID
		row.SessionID = ev.SessionID
		if includeVerification {
			row.Hash = ev.Hash
			row.PreviousHash = ev.PreviousHash
			row.CheckpointHash = checkpointHashes[ev.Date()]
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[parquetEvent](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// --- encryption ---

func parseRSAPublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}

// encryptedArtifact 混合加密信封: RSA-OAEP 包裹的 AES-256-GCM 密钥
type encryptedArtifact struct {
	Algorithm    string `json:"algorithm"` // rsa-oaep-sha256+aes-256-gcm
	EncryptedKey []byte `json:"encrypted_key"`
	Nonce        []byte `json:"nonce"`
	Ciphertext   []byte `json:"ciphertext"`
}

func encryptArtifact(plaintext []byte, publicKeyPEM string) ([]byte, error) {
	pub, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	encryptedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, err
	}

	return json.Marshal(encryptedArtifact{
		Algorithm:    "rsa-oaep-sha256+aes-256-gcm",
		EncryptedKey: encryptedKey,
		Nonce:        nonce,
		Ciphertext:   ciphertext,
	})
}
