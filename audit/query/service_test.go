package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit"
	"github.com/agenttrace/agenttrace/audit/index"
	"github.com/agenttrace/agenttrace/types"
)

func newTestIndex(t *testing.T) *index.Store {
	t.Helper()
	store, err := index.Open(index.Config{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	return store
}

func seedChain(t *testing.T, store *index.Store, org string, n int, base time.Time) []*audit.Event {
	t.Helper()
	prev := audit.ZeroHash
	events := make([]*audit.Event, n)
	for i := 0; i < n; i++ {
		e := &audit.Event{
			EventID:        fmt.Sprintf("evt-%03d", i),
			Sequence:       uint64(i),
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			OrganizationID: org,
			Actor:          audit.Actor{Type: audit.ActorUser, ID: fmt.Sprintf("u%d", i%3)},
			Classification: audit.Classification{
				Category: audit.CategoryAuth,
				Type:     "user.login",
				Severity: audit.SeverityInfo,
			},
			Resource:     audit.Resource{Type: "session", ID: fmt.Sprintf("s%d", i%2)},
			Action:       audit.ActionCreate,
			PreviousHash: prev,
		}
		require.NoError(t, e.Seal())
		prev = e.Hash
		require.NoError(t, store.InsertEvent(context.Background(), e))
		events[i] = e
	}
	return events
}

func TestQueryEvents_PaginationEndToEnd(t *testing.T) {
	store := newTestIndex(t)
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	events := seedChain(t, store, "org-1", 25, base)
	svc := NewService(store, nil, zap.NewNop())
	ctx := context.Background()

	req := QueryRequest{
		OrganizationID: "org-1",
		From:           events[0].Timestamp,
		To:             events[24].Timestamp,
		Limit:          10,
	}

	var collected []string
	for {
		resp, err := svc.QueryEvents(ctx, req)
		require.NoError(t, err)
		for _, e := range resp.Events {
			collected = append(collected, e.EventID)
		}
		assert.Contains(t, resp.QueryMetadata.FiltersApplied, "time_range")
		if resp.NextCursor == "" {
			break
		}
		req.Cursor = resp.NextCursor
	}

	require.Len(t, collected, 25, "pagination covers every event exactly once")
	assert.Equal(t, "evt-024", collected[0], "newest first")
	assert.Equal(t, "evt-000", collected[24])
}

func TestQueryEvents_Validation(t *testing.T) {
	svc := NewService(newTestIndex(t), nil, zap.NewNop())
	ctx := context.Background()

	_, err := svc.QueryEvents(ctx, QueryRequest{From: time.Now(), To: time.Now()})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = svc.QueryEvents(ctx, QueryRequest{OrganizationID: "o"})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err), "time range is required")

	now := time.Now()
	_, err = svc.QueryEvents(ctx, QueryRequest{OrganizationID: "o", From: now, To: now.Add(-time.Hour)})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = svc.QueryEvents(ctx, QueryRequest{OrganizationID: "o", From: now.Add(-time.Hour), To: now, Cursor: "garbage"})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

// staticVerifier reports a fixed validity.
type staticVerifier struct{ valid bool }

func (s *staticVerifier) VerifyChain(ctx context.Context, org string, from, to time.Time) (*audit.VerificationReport, error) {
	return &audit.VerificationReport{Valid: s.valid}, nil
}

func TestGetWithContext(t *testing.T) {
	store := newTestIndex(t)
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	seedChain(t, store, "org-1", 9, base)
	svc := NewService(store, &staticVerifier{valid: true}, zap.NewNop())
	ctx := context.Background()

	resp, err := svc.GetWithContext(ctx, "org-1", "evt-004", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "evt-004", resp.Event.EventID)
	require.Len(t, resp.Before, 2)
	require.Len(t, resp.After, 3)
	assert.Equal(t, "evt-002", resp.Before[0].EventID)
	assert.Equal(t, "evt-007", resp.After[2].EventID)
	assert.Equal(t, "valid", resp.ChainStatus)

	// Invalid chain reflected in the window status.
	svcBad := NewService(store, &staticVerifier{valid: false}, zap.NewNop())
	resp, err = svcBad.GetWithContext(ctx, "org-1", "evt-004", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "invalid", resp.ChainStatus)

	_, err = svc.GetWithContext(ctx, "org-1", "ghost", 1, 1)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestSummary_CountsAndAnomalies(t *testing.T) {
	store := newTestIndex(t)
	svc := NewService(store, nil, zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Five quiet days then one huge spike day, dominated by one actor.
	seq := 0
	insert := func(day int, actor string, severity audit.Severity, count int) {
		for i := 0; i < count; i++ {
			e := &audit.Event{
				EventID:        fmt.Sprintf("evt-%04d", seq),
				Sequence:       uint64(seq),
				Timestamp:      base.AddDate(0, 0, day).Add(time.Duration(i) * time.Second),
				OrganizationID: "org-1",
				Actor:          audit.Actor{Type: audit.ActorUser, ID: actor},
				Classification: audit.Classification{
					Category: audit.CategoryData,
					Type:     "trace.read",
					Severity: severity,
				},
				Resource:     audit.Resource{Type: "trace", ID: "tr-1"},
				Action:       audit.ActionRead,
				PreviousHash: audit.ZeroHash,
			}
			require.NoError(t, e.Seal())
			require.NoError(t, store.InsertEvent(ctx, e))
			seq++
		}
	}

	for day := 0; day < 5; day++ {
		insert(day, "alice", audit.SeverityInfo, 2)
		insert(day, "bob", audit.SeverityInfo, 2)
		insert(day, "carol", audit.SeverityInfo, 2)
	}
	insert(5, "mallory", audit.SeverityCritical, 60)

	summary, err := svc.Summary(ctx, "org-1", base, base.AddDate(0, 0, 7), SummaryOptions{CriticalBurstThreshold: 30})
	require.NoError(t, err)

	assert.Equal(t, int64(90), summary.Total)
	assert.Equal(t, int64(90), summary.ByCategory["data"])
	assert.Len(t, summary.ByDay, 6)
	require.NotEmpty(t, summary.TopActors)
	assert.Equal(t, "mallory", summary.TopActors[0].Key)

	kinds := map[string]bool{}
	for _, a := range summary.Anomalies {
		kinds[a.Kind] = true
	}
	assert.True(t, kinds["day_spike"], "spike day flagged: %+v", summary.Anomalies)
	assert.True(t, kinds["actor_share"], "dominant actor flagged")
	assert.True(t, kinds["critical_burst"], "critical burst flagged")
}

func TestSummary_EmptyWindow(t *testing.T) {
	svc := NewService(newTestIndex(t), nil, zap.NewNop())
	summary, err := svc.Summary(context.Background(), "org-1",
		time.Now().Add(-time.Hour), time.Now(), SummaryOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Empty(t, summary.Anomalies)
}

func TestActorActivity(t *testing.T) {
	store := newTestIndex(t)
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	events := seedChain(t, store, "org-1", 9, base)
	svc := NewService(store, nil, zap.NewNop())

	activity, err := svc.ActorActivity(context.Background(), "org-1", "u1", events[0].Timestamp, events[8].Timestamp, 100)
	require.NoError(t, err)

	assert.Equal(t, int64(3), activity.Total)
	assert.Equal(t, int64(3), activity.ByCategory["auth"])
	assert.Equal(t, int64(3), activity.ByAction["create"])
	assert.Len(t, activity.Events, 3)
	require.NotNil(t, activity.FirstEventAt)
	require.NotNil(t, activity.LastEventAt)
	assert.True(t, activity.FirstEventAt.Before(*activity.LastEventAt))
	assert.NotEmpty(t, activity.Timeline)
}
