package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AnomalyKind classifies a tamper heuristic finding.
type AnomalyKind string

const (
	// AnomalySequenceGap 同一 (组织, 日) 内的序号缺口
	AnomalySequenceGap AnomalyKind = "sequence_gap"
	// AnomalyTimestampSkew 时间戳回拨超出允许偏移
	AnomalyTimestampSkew AnomalyKind = "timestamp_skew"
	// AnomalyIsolatedMismatch 孤立哈希不匹配（严重度随链位置上升）
	AnomalyIsolatedMismatch AnomalyKind = "isolated_mismatch"
	// AnomalyPendingCheckpoint 检查点超过宽限期仍缺少 TSA 令牌
	AnomalyPendingCheckpoint AnomalyKind = "pending_checkpoint"
)

// Anomaly is one tamper heuristic finding.
type Anomaly struct {
	Kind     AnomalyKind `json:"kind"`
	EventID  string      `json:"event_id,omitempty"`
	Date     string      `json:"date,omitempty"`
	Severity Severity    `json:"severity"`
	Detail   string      `json:"detail"`
}

// VerificationReport is the result of a chain verification run.
type VerificationReport struct {
	OrganizationID string    `json:"organization_id"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Total          int       `json:"total"`
	Valid          bool      `json:"valid"`
	HashMismatches []string  `json:"hash_mismatches,omitempty"`
	BrokenLinks    []string  `json:"broken_links,omitempty"`
	Anomalies      []Anomaly `json:"anomalies,omitempty"`
}

// VerifyChain re-derives every hash and chain link of the organization's
// events in [from, to] and reports mismatches plus tamper heuristics.
// Integrity failures are surfaced, never auto-healed.
func (s *Service) VerifyChain(ctx context.Context, org string, from, to time.Time) (*VerificationReport, error) {
	events, err := s.storage.ListEvents(ctx, org, from, to)
	if err != nil {
		return nil, fmt.Errorf("verify chain: list events: %w", err)
	}

	report := &VerificationReport{
		OrganizationID: org,
		From:           from,
		To:             to,
		Total:          len(events),
		Valid:          true,
	}

	mismatched := make(map[string]bool, len(events))

	// Pass 1: recompute every event hash from its canonical bytes.
	recomputed := make([]string, len(events))
	for i, e := range events {
		sum, err := e.ComputeHash()
		if err != nil {
			return nil, fmt.Errorf("verify chain: recompute %s: %w", e.EventID, err)
		}
		recomputed[i] = sum
		if sum != e.Hash {
			report.HashMismatches = append(report.HashMismatches, e.EventID)
			mismatched[e.EventID] = true
		}
	}

	// Pass 2: chain links. A link is broken when the stored previous_hash
	// disagrees with the predecessor's recomputed hash.
	for i, e := range events {
		if i == 0 {
			// The first event of the window is only fully checkable when it
			// is the organization's genesis.
			if e.Sequence == 0 && e.PreviousHash != ZeroHash && isGenesisWindow(from) {
				report.BrokenLinks = append(report.BrokenLinks, e.EventID)
			}
			continue
		}
		if e.PreviousHash != recomputed[i-1] {
			report.BrokenLinks = append(report.BrokenLinks, e.EventID)
		}
	}

	// Pass 3: tamper heuristics.
	s.detectAnomalies(events, mismatched, report)
	s.checkPendingCheckpoints(ctx, org, events, report)

	report.Valid = len(report.HashMismatches) == 0 && len(report.BrokenLinks) == 0 &&
		!hasFailingAnomaly(report.Anomalies, s.cfg.PendingTimestampPolicy)
	s.metrics.RecordChainVerification(report.Valid)

	if !report.Valid {
		s.logger.Error("chain verification failed",
			zap.String("org", org),
			zap.Int("total", report.Total),
			zap.Int("hash_mismatches", len(report.HashMismatches)),
			zap.Int("broken_links", len(report.BrokenLinks)),
		)
	}
	return report, nil
}

// isGenesisWindow reports whether the window plausibly starts at the chain
// origin (epoch or zero start time).
func isGenesisWindow(from time.Time) bool {
	return from.IsZero() || from.Unix() <= 0
}

// detectAnomalies applies the sequence, skew, and isolation heuristics.
func (s *Service) detectAnomalies(events []*Event, mismatched map[string]bool, report *VerificationReport) {
	// Sequence gaps within each (org, day).
	var prev *Event
	for _, e := range events {
		if prev != nil && prev.Date() == e.Date() && e.Sequence > prev.Sequence+1 {
			report.Anomalies = append(report.Anomalies, Anomaly{
				Kind:     AnomalySequenceGap,
				EventID:  e.EventID,
				Date:     e.Date(),
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("sequence jumped from %d to %d", prev.Sequence, e.Sequence),
			})
		}
		prev = e
	}

	// Timestamp regressions beyond the allowed skew.
	for i := 1; i < len(events); i++ {
		gap := events[i-1].Timestamp.Sub(events[i].Timestamp)
		if gap > s.cfg.AllowedSkew {
			report.Anomalies = append(report.Anomalies, Anomaly{
				Kind:     AnomalyTimestampSkew,
				EventID:  events[i].EventID,
				Severity: SeverityWarning,
				Detail:   fmt.Sprintf("timestamp regressed %s beyond allowed skew %s", gap, s.cfg.AllowedSkew),
			})
		}
	}

	// Isolated mismatches: a single corrupted event whose neighbors are
	// clean. Severity grows with how much of the chain sits downstream.
	total := len(events)
	for i, e := range events {
		if !mismatched[e.EventID] {
			continue
		}
		prevClean := i == 0 || !mismatched[events[i-1].EventID]
		nextClean := i == total-1 || !mismatched[events[i+1].EventID]
		if !prevClean || !nextClean {
			continue
		}

		severity := SeverityInfo
		switch pos := float64(i) / float64(total); {
		case pos < 0.34:
			severity = SeverityCritical
		case pos < 0.67:
			severity = SeverityWarning
		}
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:     AnomalyIsolatedMismatch,
			EventID:  e.EventID,
			Severity: severity,
			Detail:   fmt.Sprintf("isolated hash mismatch at chain position %d of %d", i+1, total),
		})
	}
}

// checkPendingCheckpoints applies the pending-timestamp policy to the days
// covered by the window.
func (s *Service) checkPendingCheckpoints(ctx context.Context, org string, events []*Event, report *VerificationReport) {
	if s.cfg.PendingTimestampPolicy == "ignore" {
		return
	}

	days := make(map[string]bool)
	for _, e := range events {
		days[e.Date()] = true
	}

	for date := range days {
		cp, err := s.storage.GetCheckpoint(ctx, org, date)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // day not yet checkpointed
			}
			s.logger.Warn("checkpoint read failed during verification",
				zap.String("org", org), zap.String("date", date), zap.Error(err))
			continue
		}
		if !cp.PendingTimestamp {
			continue
		}
		if s.now().Sub(cp.CreatedAt) <= s.cfg.PendingTimestampGrace {
			continue
		}

		severity := SeverityWarning
		if s.cfg.PendingTimestampPolicy == "fail" {
			severity = SeverityCritical
		}
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:     AnomalyPendingCheckpoint,
			Date:     date,
			Severity: severity,
			Detail:   fmt.Sprintf("checkpoint for %s lacks a timestamp token beyond the %s grace period", date, s.cfg.PendingTimestampGrace),
		})
	}
}

// hasFailingAnomaly reports whether anomalies invalidate the chain under
// the configured policy. Only the fail policy escalates pending
// checkpoints; heuristic findings alone never flip validity (mismatches
// and broken links already do).
func hasFailingAnomaly(anomalies []Anomaly, policy string) bool {
	if policy != "fail" {
		return false
	}
	for _, a := range anomalies {
		if a.Kind == AnomalyPendingCheckpoint && a.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// VerifyEventProof checks a Merkle inclusion proof for an event against a
// root hash.
func VerifyEventProof(event *Event, proof *MerkleProof, rootHash string) bool {
	if event == nil {
		return false
	}
	return VerifyProof(event.Hash, proof, rootHash)
}
