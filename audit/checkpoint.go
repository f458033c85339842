package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit/canonical"
)

// TimestampToken is an opaque RFC 3161 token plus the identity of the TSA
// that issued it.
type TimestampToken struct {
	Token []byte `json:"token"`
	TSA   string `json:"tsa"`
}

// TimestampAuthority obtains trusted timestamps. The network transport is
// an external collaborator; implementations are injected.
type TimestampAuthority interface {
	// Stamp returns a token over the given digest.
	Stamp(ctx context.Context, digest [32]byte) (*TimestampToken, error)
}

// Checkpoint summarizes one day of one organization's audit events.
// Checkpoints form their own hash chain per organization.
type Checkpoint struct {
	OrganizationID         string          `json:"organization_id"`
	Date                   string          `json:"date"` // yyyy-mm-dd
	MerkleRoot             string          `json:"merkle_root"`
	EventCount             int             `json:"event_count"`
	FirstEventHash         string          `json:"first_event_hash"`
	LastEventHash          string          `json:"last_event_hash"`
	PreviousCheckpointHash string          `json:"previous_checkpoint_hash"`
	TimestampToken         *TimestampToken `json:"timestamp_token,omitempty"`
	PendingTimestamp       bool            `json:"pending_timestamp,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	CheckpointHash         string          `json:"checkpoint_hash"`
}

// CanonicalBytes returns the canonical encoding of the checkpoint with the
// checkpoint_hash field excluded.
func (c *Checkpoint) CanonicalBytes() ([]byte, error) {
	raw, err := canonical.Marshal(c)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	delete(generic, "checkpoint_hash")
	return canonical.Marshal(generic)
}

// Seal computes and stores the checkpoint hash.
func (c *Checkpoint) Seal() error {
	canon, err := c.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("canonical encode checkpoint %s/%s: %w", c.OrganizationID, c.Date, err)
	}
	sum := sha256.Sum256(canon)
	c.CheckpointHash = hex.EncodeToString(sum[:])
	return nil
}

// TSADigest is the digest the TSA signs: SHA-256(merkle_root || org || date).
func (c *Checkpoint) TSADigest() [32]byte {
	h := sha256.New()
	h.Write([]byte(c.MerkleRoot))
	h.Write([]byte(c.OrganizationID))
	h.Write([]byte(c.Date))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CreateCheckpoint builds, seals, and persists the checkpoint for
// (org, date). TSA failure does not fail the checkpoint: it is persisted
// with pending_timestamp=true and upgraded later by RetryPendingTimestamps.
func (s *Service) CreateCheckpoint(ctx context.Context, org, date string) (*Checkpoint, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint date %q: %w", date, err)
	}

	from := day
	to := day.Add(24*time.Hour - time.Nanosecond)
	events, err := s.storage.ListEvents(ctx, org, from, to)
	if err != nil {
		return nil, fmt.Errorf("list events for checkpoint: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no events for %s on %s", org, date)
	}

	tree, err := NewMerkleTree(events)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		OrganizationID: org,
		Date:           date,
		MerkleRoot:     tree.Root(),
		EventCount:     len(events),
		FirstEventHash: events[0].Hash,
		LastEventHash:  events[len(events)-1].Hash,
		CreatedAt:      s.now().UTC(),
	}

	// Chain to the latest prior checkpoint, if any.
	prev, err := s.previousCheckpoint(ctx, org, date)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		cp.PreviousCheckpointHash = prev.CheckpointHash
	} else {
		cp.PreviousCheckpointHash = ZeroHash
	}

	// Trusted timestamp; failure degrades to pending_timestamp.
	if s.tsa != nil {
		token, err := s.tsa.Stamp(ctx, cp.TSADigest())
		if err != nil {
			s.logger.Warn("TSA stamp failed, checkpoint pending timestamp",
				zap.String("org", org), zap.String("date", date), zap.Error(err))
			cp.PendingTimestamp = true
		} else {
			cp.TimestampToken = token
		}
	} else {
		cp.PendingTimestamp = true
	}

	if err := cp.Seal(); err != nil {
		return nil, err
	}
	if err := s.storage.WriteCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}

	status := "sealed"
	if cp.PendingTimestamp {
		status = "pending_timestamp"
	}
	s.metrics.RecordCheckpoint(status)
	s.logger.Info("checkpoint created",
		zap.String("org", org),
		zap.String("date", date),
		zap.Int("events", cp.EventCount),
		zap.Bool("pending_timestamp", cp.PendingTimestamp),
	)
	return cp, nil
}

// previousCheckpoint finds the newest checkpoint strictly before date.
func (s *Service) previousCheckpoint(ctx context.Context, org, date string) (*Checkpoint, error) {
	dates, err := s.storage.ListCheckpointDates(ctx, org)
	if err != nil {
		return nil, err
	}
	var prevDate string
	for _, d := range dates {
		if d < date && d > prevDate {
			prevDate = d
		}
	}
	if prevDate == "" {
		return nil, nil
	}
	return s.storage.GetCheckpoint(ctx, org, prevDate)
}

// GetCheckpoint loads a checkpoint document.
func (s *Service) GetCheckpoint(ctx context.Context, org, date string) (*Checkpoint, error) {
	return s.storage.GetCheckpoint(ctx, org, date)
}

// RetryPendingTimestamps attempts to obtain tokens for checkpoints stuck in
// pending_timestamp. Upgrading re-seals and rewrites the document.
func (s *Service) RetryPendingTimestamps(ctx context.Context, org string) (int, error) {
	if s.tsa == nil {
		return 0, errors.New("no timestamp authority configured")
	}

	dates, err := s.storage.ListCheckpointDates(ctx, org)
	if err != nil {
		return 0, err
	}

	upgraded := 0
	for _, date := range dates {
		cp, err := s.storage.GetCheckpoint(ctx, org, date)
		if err != nil {
			return upgraded, err
		}
		if !cp.PendingTimestamp {
			continue
		}

		token, err := s.tsa.Stamp(ctx, cp.TSADigest())
		if err != nil {
			s.logger.Warn("TSA retry failed",
				zap.String("org", org), zap.String("date", date), zap.Error(err))
			continue
		}

		cp.TimestampToken = token
		cp.PendingTimestamp = false
		if err := cp.Seal(); err != nil {
			return upgraded, err
		}
		if err := s.storage.WriteCheckpoint(ctx, cp); err != nil {
			return upgraded, fmt.Errorf("rewrite upgraded checkpoint: %w", err)
		}
		upgraded++
	}
	return upgraded, nil
}
