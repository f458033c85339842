package index

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	return store
}

func indexEvent(i int, org string, ts time.Time) *audit.Event {
	e := &audit.Event{
		EventID:        fmt.Sprintf("evt-%03d", i),
		Sequence:       uint64(i),
		Timestamp:      ts,
		OrganizationID: org,
		Actor:          audit.Actor{Type: audit.ActorUser, ID: fmt.Sprintf("u%d", i%3)},
		Classification: audit.Classification{
			Category: audit.CategoryAuth,
			Type:     "user.login",
			Severity: audit.SeverityInfo,
		},
		Resource:     audit.Resource{Type: "session", ID: fmt.Sprintf("s%d", i%2)},
		Action:       audit.ActionCreate,
		PreviousHash: audit.ZeroHash,
	}
	e.Seal()
	return e
}

func seedEvents(t *testing.T, store *Store, org string, n int) []*audit.Event {
	t.Helper()
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	events := make([]*audit.Event, n)
	for i := 0; i < n; i++ {
		e := indexEvent(i, org, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.InsertEvent(context.Background(), e))
		events[i] = e
	}
	return events
}

func TestStore_QueryOrderingAndCursor(t *testing.T) {
	store := newTestStore(t)
	events := seedEvents(t, store, "org-1", 10)
	ctx := context.Background()

	filter := Filter{
		OrganizationID: "org-1",
		From:           events[0].Timestamp,
		To:             events[9].Timestamp,
		Limit:          4,
	}

	page1, hasMore, err := store.Query(ctx, filter)
	require.NoError(t, err)
	require.Len(t, page1, 4)
	assert.True(t, hasMore)
	// (timestamp DESC, event_id DESC): newest first.
	assert.Equal(t, "evt-009", page1[0].EventID)
	assert.Equal(t, "evt-006", page1[3].EventID)

	// Page 2 via cursor predicate.
	lastTS := page1[3].Timestamp
	filter.CursorTS = &lastTS
	filter.CursorEventID = page1[3].EventID
	page2, hasMore, err := store.Query(ctx, filter)
	require.NoError(t, err)
	require.Len(t, page2, 4)
	assert.True(t, hasMore)
	assert.Equal(t, "evt-005", page2[0].EventID)

	// Final page.
	lastTS = page2[3].Timestamp
	filter.CursorTS = &lastTS
	filter.CursorEventID = page2[3].EventID
	page3, hasMore, err := store.Query(ctx, filter)
	require.NoError(t, err)
	require.Len(t, page3, 2)
	assert.False(t, hasMore)
	assert.Equal(t, "evt-000", page3[1].EventID)
}

func TestStore_Filters(t *testing.T) {
	store := newTestStore(t)
	events := seedEvents(t, store, "org-1", 9)
	ctx := context.Background()

	base := Filter{
		OrganizationID: "org-1",
		From:           events[0].Timestamp,
		To:             events[8].Timestamp,
	}

	byActor := base
	byActor.ActorID = "u1"
	got, _, err := store.Query(ctx, byActor)
	require.NoError(t, err)
	assert.Len(t, got, 3, "u1 owns every third event")

	byResource := base
	byResource.ResourceID = "s0"
	got, _, err = store.Query(ctx, byResource)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	otherOrg := base
	otherOrg.OrganizationID = "org-2"
	got, _, err = store.Query(ctx, otherOrg)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_InsertIdempotent(t *testing.T) {
	store := newTestStore(t)
	e := indexEvent(1, "org-1", time.Now().UTC())

	require.NoError(t, store.InsertEvent(context.Background(), e))
	assert.NoError(t, store.InsertEvent(context.Background(), e), "duplicate insert is a no-op")
}

func TestStore_Window(t *testing.T) {
	store := newTestStore(t)
	seedEvents(t, store, "org-1", 7)
	ctx := context.Background()

	center, before, after, err := store.Window(ctx, "org-1", "evt-003", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, "evt-003", center.EventID)
	require.Len(t, before, 2)
	assert.Equal(t, "evt-001", before[0].EventID, "preceding events in chain order")
	assert.Equal(t, "evt-002", before[1].EventID)
	require.Len(t, after, 2)
	assert.Equal(t, "evt-004", after[0].EventID)
	assert.Equal(t, "evt-005", after[1].EventID)

	// Clipped at the chain edge.
	_, before, after, err = store.Window(ctx, "org-1", "evt-000", 3, 1)
	require.NoError(t, err)
	assert.Empty(t, before)
	assert.Len(t, after, 1)

	_, _, _, err = store.Window(ctx, "org-1", "ghost", 1, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CountBy(t *testing.T) {
	store := newTestStore(t)
	events := seedEvents(t, store, "org-1", 9)
	ctx := context.Background()

	filter := Filter{
		OrganizationID: "org-1",
		From:           events[0].Timestamp,
		To:             events[8].Timestamp,
	}

	byActor, err := store.CountBy(ctx, filter, "actor_id", 10)
	require.NoError(t, err)
	require.Len(t, byActor, 3)
	assert.Equal(t, int64(3), byActor[0].Count)

	byDay, err := store.CountBy(ctx, filter, "day", 0)
	require.NoError(t, err)
	require.Len(t, byDay, 1)
	assert.Equal(t, int64(9), byDay[0].Count)

	_, err = store.CountBy(ctx, filter, "payload", 0)
	assert.Error(t, err, "aggregation columns are allow-listed")
}

func TestStore_ExportJobLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &ExportJob{
		ExportID:       "exp-1",
		OrganizationID: "org-1",
		Format:         "csv",
		From:           time.Now().UTC().Add(-time.Hour),
		To:             time.Now().UTC(),
	}
	require.NoError(t, store.CreateExport(ctx, job))

	claimed, err := store.NextPendingExport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "exp-1", claimed.ExportID)
	assert.Equal(t, ExportProcessing, claimed.Status)

	// Nothing else pending.
	_, err = store.NextPendingExport(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	// Completion is atomic: wrong from-status conflicts.
	err = store.TransitionExport(ctx, "exp-1", ExportPending, ExportCompleted, nil)
	assert.ErrorIs(t, err, ErrConflict)

	now := time.Now().UTC()
	expires := now.Add(24 * time.Hour)
	require.NoError(t, store.TransitionExport(ctx, "exp-1", ExportProcessing, ExportCompleted, map[string]any{
		"file_path":    "/tmp/exp-1.csv",
		"event_count":  42,
		"completed_at": &now,
		"expires_at":   &expires,
	}))

	reloaded, err := store.GetExport(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, ExportCompleted, reloaded.Status)
	assert.Equal(t, 42, reloaded.EventCount)
	require.NotNil(t, reloaded.ExpiresAt)

	// Expiry scan.
	future := now.Add(25 * time.Hour)
	expired, err := store.ExpiredExports(ctx, future)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}
