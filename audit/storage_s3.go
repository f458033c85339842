package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit/canonical"
)

// s3API is the slice of the S3 client the object-store backend uses.
// Narrowed for tests.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObjectLockConfiguration(ctx context.Context, in *s3.GetObjectLockConfigurationInput, opts ...func(*s3.Options)) (*s3.GetObjectLockConfigurationOutput, error)
}

// S3StorageConfig 对象存储后端配置
type S3StorageConfig struct {
	Bucket string
	Region string
	// RetentionDays Object-Lock 合规保留期（默认 7 年）
	RetentionDays int
}

// S3Storage 对象存储 WORM 后端
//
// 事件以合规模式 Object-Lock 写入；首次写入前校验桶已启用 Object-Lock，
// 未启用则 fail-fast。键布局与本地后端一致。
type S3Storage struct {
	cfg    S3StorageConfig
	client s3API
	logger *zap.Logger

	lockVerified bool
}

// NewS3Storage builds the backend with a real S3 client and verifies the
// bucket's Object-Lock configuration up front.
func NewS3Storage(ctx context.Context, cfg S3StorageConfig, logger *zap.Logger) (*S3Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3StorageWithClient(ctx, cfg, s3.NewFromConfig(awsCfg), logger)
}

func newS3StorageWithClient(ctx context.Context, cfg S3StorageConfig, client s3API, logger *zap.Logger) (*S3Storage, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 2557 // 7 years
	}
	s := &S3Storage{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "audit_storage_s3")),
	}
	if err := s.verifyObjectLock(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// verifyObjectLock fails fast when the bucket cannot enforce WORM.
func (s *S3Storage) verifyObjectLock(ctx context.Context) error {
	out, err := s.client.GetObjectLockConfiguration(ctx, &s3.GetObjectLockConfigurationInput{
		Bucket: aws.String(s.cfg.Bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s: object lock configuration unavailable: %w", s.cfg.Bucket, err)
	}
	if out.ObjectLockConfiguration == nil ||
		out.ObjectLockConfiguration.ObjectLockEnabled != s3types.ObjectLockEnabledEnabled {
		return fmt.Errorf("bucket %s: object lock not enabled, refusing to write audit events", s.cfg.Bucket)
	}
	s.lockVerified = true
	return nil
}

func (s *S3Storage) eventKey(org string, ts time.Time, eventID string) string {
	t := ts.UTC()
	return path.Join(org,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		eventID+".json",
	)
}

func (s *S3Storage) checkpointKey(org, date string) string {
	return path.Join(org, "checkpoints", date+".json")
}

// WriteEvent 实现 Storage.WriteEvent
func (s *S3Storage) WriteEvent(ctx context.Context, event *Event) error {
	if !s.lockVerified {
		return fmt.Errorf("bucket %s: object lock not verified", s.cfg.Bucket)
	}

	data, err := canonical.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.EventID, err)
	}

	retainUntil := time.Now().UTC().AddDate(0, 0, s.cfg.RetentionDays)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:                    aws.String(s.cfg.Bucket),
		Key:                       aws.String(s.eventKey(event.OrganizationID, event.Timestamp, event.EventID)),
		Body:                      bytes.NewReader(data),
		ContentType:               aws.String("application/json"),
		IfNoneMatch:               aws.String("*"),
		ObjectLockMode:            s3types.ObjectLockModeCompliance,
		ObjectLockRetainUntilDate: aws.Time(retainUntil),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("event %s: %w", event.EventID, ErrAlreadyExists)
		}
		return fmt.Errorf("put event %s: %w", event.EventID, err)
	}
	return nil
}

// isPreconditionFailed detects the If-None-Match rejection.
func isPreconditionFailed(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}
	return false
}

// GetEvent 实现 Storage.GetEvent
func (s *S3Storage) GetEvent(ctx context.Context, org, eventID string) (*Event, error) {
	keys, err := s.listEventKeys(ctx, org)
	if err != nil {
		return nil, err
	}
	suffix := "/" + eventID + ".json"
	for _, key := range keys {
		if strings.HasSuffix(key, suffix) {
			return s.readEventObject(ctx, key)
		}
	}
	return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
}

// ListEvents 实现 Storage.ListEvents
func (s *S3Storage) ListEvents(ctx context.Context, org string, from, to time.Time) ([]*Event, error) {
	keys, err := s.listEventKeys(ctx, org)
	if err != nil {
		return nil, err
	}

	var events []*Event
	for _, key := range keys {
		e, err := s.readEventObject(ctx, key)
		if err != nil {
			return nil, err
		}
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		events = append(events, e)
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
func (s *S3Storage) LastEvent(ctx context.Context, org string) (*Event, error) {
	events, err := s.ListEvents(ctx, org, time.Time{}, time.Now().UTC().Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	last := events[0]
	for _, e := range events[1:] {
		if e.Date() > last.Date() || (e.Date() == last.Date() && e.Sequence > last.Sequence) {
			last = e
		}
	}
	return last, nil
}

// listEventKeys pages through the organization's event objects.
func (s *S3Storage) listEventKeys(ctx context.Context, org string) ([]string, error) {
	var keys []string
	var token *string
	checkpointPrefix := org + "/checkpoints/"

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(org + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list events for %s: %w", org, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasPrefix(key, checkpointPrefix) || !strings.HasSuffix(key, ".json") {
				continue
			}
			keys = append(keys, key)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (s *S3Storage) readEventObject(ctx context.Context, key string) (*Event, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode object %s: %w", key, err)
	}
	return &e, nil
}

// WriteCheckpoint 实现 Storage.WriteCheckpoint
func (s *S3Storage) WriteCheckpoint(ctx context.Context, cp *Checkpoint) error {
	data, err := canonical.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.checkpointKey(cp.OrganizationID, cp.Date)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	// Sealed checkpoints are write-once; pending ones may be upgraded.
	if existing, err := s.GetCheckpoint(ctx, cp.OrganizationID, cp.Date); err == nil && !existing.PendingTimestamp {
		return fmt.Errorf("checkpoint %s/%s: %w", cp.OrganizationID, cp.Date, ErrAlreadyExists)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint 实现 Storage.GetCheckpoint
func (s *S3Storage) GetCheckpoint(ctx context.Context, org, date string) (*Checkpoint, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.checkpointKey(org, date)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("checkpoint %s/%s: %w", org, date, ErrNotFound)
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// ListCheckpointDates 实现 Storage.ListCheckpointDates
func (s *S3Storage) ListCheckpointDates(ctx context.Context, org string) ([]string, error) {
	var dates []string
	var token *string
	prefix := org + "/checkpoints/"

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		for _, obj := range out.Contents {
			name := path.Base(aws.ToString(obj.Key))
			if strings.HasSuffix(name, ".json") {
				dates = append(dates, strings.TrimSuffix(name, ".json"))
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(dates)
	return dates, nil
}
