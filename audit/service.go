package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Metrics is the subset of the internal collector the audit service
// reports to. A nil Metrics drops all observations.
type Metrics interface {
	RecordAuditEventCaptured(organization, category string)
	RecordAuditEventDeduped()
	RecordAuditCaptureError(kind string)
	RecordChainVerification(valid bool)
	RecordCheckpoint(status string)
}

type nopMetrics struct{}

func (nopMetrics) RecordAuditEventCaptured(string, string) {}
func (nopMetrics) RecordAuditEventDeduped()                {}
func (nopMetrics) RecordAuditCaptureError(string)          {}
func (nopMetrics) RecordChainVerification(bool)            {}
func (nopMetrics) RecordCheckpoint(string)                 {}

// ServiceConfig 审计服务配置
type ServiceConfig struct {
	// BatchSize 刷写批次大小
	BatchSize int
	// BatchInterval 刷写间隔
	BatchInterval time.Duration
	// DedupWindow 去重窗口（0 禁用去重）
	DedupWindow time.Duration
	// QueueSize 待刷写队列容量
	QueueSize int
	// AllowedSkew 链校验允许的时间戳回拨
	AllowedSkew time.Duration
	// PendingTimestampPolicy 对超过宽限期仍无 TSA 令牌的检查点的校验策略:
	// warn（默认）、fail、ignore
	PendingTimestampPolicy string
	// PendingTimestampGrace pending_timestamp 宽限期
	PendingTimestampGrace time.Duration
}

// DefaultServiceConfig 返回默认配置
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BatchSize:     100,
		BatchInterval: 5 * time.Second,
		DedupWindow:   60 * time.Second,
		QueueSize:     4096,
		AllowedSkew:   5 * time.Minute,

		PendingTimestampPolicy: "warn",
		PendingTimestampGrace:  72 * time.Hour,
	}
}

// CaptureRequest 捕获一条审计事件的请求
type CaptureRequest struct {
	OrganizationID string
	ProjectID      string
	Actor          Actor
	Classification Classification
	Resource       Resource
	Action         Action
	PreviousState  json.RawMessage
	NewState       json.RawMessage
	RequestID      string
	SessionID      string
	// Timestamp 为零值时取服务当前时间
	Timestamp time.Time
}

// CaptureResult 捕获结果：事件已持久化并接入链，或被去重，或失败。
type CaptureResult struct {
	Event        *Event
	Deduplicated bool
	Err          error
}

// pendingCapture 队列中的待处理请求
type pendingCapture struct {
	req    CaptureRequest
	result chan CaptureResult
}

// orgChain 单个组织的链状态
// lastHash/sequence 仅在持有 mu 时访问；首次使用时从存储尾部恢复。
type orgChain struct {
	mu        sync.Mutex
	recovered bool
	lastHash  string
	lastDate  string
	nextSeq   uint64
}

// Service 审计日志服务：批量刷写、窗口去重、按组织串行化的哈希链。
type Service struct {
	cfg     ServiceConfig
	storage Storage
	tsa     TimestampAuthority
	metrics Metrics
	logger  *zap.Logger

	queue chan *pendingCapture
	wg    sync.WaitGroup
	stop  chan struct{}

	orgsMu sync.Mutex
	orgs   map[string]*orgChain

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	subMu       sync.RWMutex
	subscribers []func(*Event)

	entropyMu sync.Mutex
	entropy   *rand.Rand

	now func() time.Time
}

// NewService creates and starts the audit service. tsa and metrics may be
// nil.
func NewService(cfg ServiceConfig, storage Storage, tsa TimestampAuthority, m Metrics, logger *zap.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.AllowedSkew <= 0 {
		cfg.AllowedSkew = 5 * time.Minute
	}
	if m == nil {
		m = nopMetrics{}
	}

	s := &Service{
		cfg:     cfg,
		storage: storage,
		tsa:     tsa,
		metrics: m,
		logger:  logger.With(zap.String("component", "audit")),
		queue:   make(chan *pendingCapture, cfg.QueueSize),
		stop:    make(chan struct{}),
		orgs:    make(map[string]*orgChain),
		dedup:   make(map[string]time.Time),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}

	s.wg.Add(1)
	go s.flusher()
	return s
}

// OnCommit registers a callback invoked after an event is durable and
// chained. Used by the query index mirror and the live stream bus.
func (s *Service) OnCommit(fn func(*Event)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Capture enqueues an event for durable capture. The returned channel
// resolves once the event is written and chained (or deduplicated/failed).
func (s *Service) Capture(ctx context.Context, req CaptureRequest) <-chan CaptureResult {
	result := make(chan CaptureResult, 1)

	if req.OrganizationID == "" {
		result <- CaptureResult{Err: fmt.Errorf("capture: organization_id required")}
		return result
	}

	select {
	case <-s.stop:
		result <- CaptureResult{Err: fmt.Errorf("capture: audit service stopped")}
	case <-ctx.Done():
		result <- CaptureResult{Err: ctx.Err()}
	case s.queue <- &pendingCapture{req: req, result: result}:
	}
	return result
}

// CaptureSync captures an event and waits for durability.
func (s *Service) CaptureSync(ctx context.Context, req CaptureRequest) (*Event, error) {
	select {
	case res := <-s.Capture(ctx, req):
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flusher collects capture requests into batches by size and interval.
func (s *Service) flusher() {
	defer s.wg.Done()

	batch := make([]*pendingCapture, 0, s.cfg.BatchSize)
	timer := time.NewTimer(s.cfg.BatchInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.processBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case pending := <-s.queue:
			batch = append(batch, pending)
			if len(batch) >= s.cfg.BatchSize {
				flush()
				timer.Reset(s.cfg.BatchInterval)
			}

		case <-timer.C:
			flush()
			timer.Reset(s.cfg.BatchInterval)

		case <-s.stop:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case pending := <-s.queue:
					batch = append(batch, pending)
				default:
					flush()
					return
				}
			}
		}
	}
}

// processBatch commits requests in arrival order, per-organization chains
// advancing under their own locks.
func (s *Service) processBatch(batch []*pendingCapture) {
	for _, pending := range batch {
		if s.isDuplicate(pending.req) {
			s.metrics.RecordAuditEventDeduped()
			pending.result <- CaptureResult{Deduplicated: true}
			continue
		}
		event, err := s.commit(pending.req)
		if err != nil {
			s.metrics.RecordAuditCaptureError("storage")
			pending.result <- CaptureResult{Err: err}
			continue
		}
		s.metrics.RecordAuditEventCaptured(event.OrganizationID, string(event.Classification.Category))
		pending.result <- CaptureResult{Event: event}
		s.notify(event)
	}
}

// dedupKey hashes the identity of a capture inside its coarse time window.
func (s *Service) dedupKey(req CaptureRequest, ts time.Time) string {
	window := int64(s.cfg.DedupWindow / time.Second)
	if window < 1 {
		window = 1
	}
	coarse := ts.Unix() / window
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d",
		req.OrganizationID, req.Actor.ID, req.Classification.Type,
		req.Resource.ID, req.Action, coarse)
	return hex.EncodeToString(h.Sum(nil))
}

// isDuplicate applies the dedup window and records the new key.
func (s *Service) isDuplicate(req CaptureRequest) bool {
	if s.cfg.DedupWindow <= 0 {
		return false
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	key := s.dedupKey(req, ts.UTC())

	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()

	now := s.now()
	// Periodic sweep of expired entries.
	if len(s.dedup) > 4096 {
		for k, seen := range s.dedup {
			if now.Sub(seen) > s.cfg.DedupWindow {
				delete(s.dedup, k)
			}
		}
	}

	if seen, ok := s.dedup[key]; ok && now.Sub(seen) <= s.cfg.DedupWindow {
		return true
	}
	s.dedup[key] = now
	return false
}

// org returns the chain state for an organization.
func (s *Service) org(orgID string) *orgChain {
	s.orgsMu.Lock()
	defer s.orgsMu.Unlock()
	chain, ok := s.orgs[orgID]
	if !ok {
		chain = &orgChain{}
		s.orgs[orgID] = chain
	}
	return chain
}

// commit assigns identity, sequence, and hash, then writes the event.
// last_hash moves only after the storage ack, so a failed write leaves the
// chain untouched and the retry reuses the same previous_hash.
func (s *Service) commit(req CaptureRequest) (*Event, error) {
	chain := s.org(req.OrganizationID)
	chain.mu.Lock()
	defer chain.mu.Unlock()

	if !chain.recovered {
		if err := s.recoverChain(req.OrganizationID, chain); err != nil {
			return nil, fmt.Errorf("recover chain for %s: %w", req.OrganizationID, err)
		}
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()

	event := &Event{
		EventID:        s.newEventID(ts),
		Timestamp:      ts,
		OrganizationID: req.OrganizationID,
		ProjectID:      req.ProjectID,
		Actor:          req.Actor,
		Classification: req.Classification,
		Resource:       req.Resource,
		Action:         req.Action,
		PreviousState:  req.PreviousState,
		NewState:       req.NewState,
		RequestID:      req.RequestID,
		SessionID:      req.SessionID,
	}

	date := event.Date()
	if date != chain.lastDate {
		chain.nextSeq = 0
	}
	event.Sequence = chain.nextSeq

	if chain.lastHash == "" {
		event.PreviousHash = ZeroHash
	} else {
		event.PreviousHash = chain.lastHash
	}

	if err := event.Validate(); err != nil {
		s.metrics.RecordAuditCaptureError("encode")
		return nil, err
	}
	if err := event.Seal(); err != nil {
		s.metrics.RecordAuditCaptureError("encode")
		return nil, err
	}

	if err := s.storage.WriteEvent(context.Background(), event); err != nil {
		return nil, fmt.Errorf("write event: %w", err)
	}

	// Storage acknowledged: advance the chain.
	chain.lastHash = event.Hash
	chain.lastDate = date
	chain.nextSeq = event.Sequence + 1
	return event, nil
}

// recoverChain loads the chain tail from storage on first use.
func (s *Service) recoverChain(orgID string, chain *orgChain) error {
	last, err := s.storage.LastEvent(context.Background(), orgID)
	switch {
	case err == nil:
		chain.lastHash = last.Hash
		chain.lastDate = last.Date()
		chain.nextSeq = last.Sequence + 1
	case errors.Is(err, ErrNotFound):
		// Fresh organization: genesis.
	default:
		return err
	}
	chain.recovered = true
	return nil
}

// newEventID mints a ULID at the event timestamp: lexicographic order
// tracks time order, which the tamper heuristics rely on.
func (s *Service) newEventID(ts time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), s.entropy).String()
}

// notify fans the committed event out to subscribers.
func (s *Service) notify(event *Event) {
	s.subMu.RLock()
	subs := s.subscribers
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(event)
	}
}

// GetEvent loads one event.
func (s *Service) GetEvent(ctx context.Context, org, eventID string) (*Event, error) {
	return s.storage.GetEvent(ctx, org, eventID)
}

// QueryEvents returns the organization's events in [from, to], ordered by
// (timestamp, event_id).
func (s *Service) QueryEvents(ctx context.Context, org string, from, to time.Time) ([]*Event, error) {
	return s.storage.ListEvents(ctx, org, from, to)
}

// GenerateProof builds the Merkle inclusion proof for an event within its
// day's tree.
func (s *Service) GenerateProof(ctx context.Context, org, eventID string) (*MerkleProof, error) {
	event, err := s.storage.GetEvent(ctx, org, eventID)
	if err != nil {
		return nil, err
	}

	day := event.Timestamp.UTC().Truncate(24 * time.Hour)
	events, err := s.storage.ListEvents(ctx, org, day, day.Add(24*time.Hour-time.Nanosecond))
	if err != nil {
		return nil, err
	}

	tree, err := NewMerkleTree(events)
	if err != nil {
		return nil, err
	}
	return tree.GenerateProof(event.Hash)
}

// Close stops intake, flushes the queue, and joins the flusher.
func (s *Service) Close() {
	select {
	case <-s.stop:
		return
	default:
	}
	close(s.stop)
	s.wg.Wait()
}
