package bench

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenttrace/agenttrace/types"
)

func newTestQuota() (*QuotaStore, *time.Time) {
	current := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	q := NewQuotaStore(DefaultQuotaConfig())
	q.now = func() time.Time { return current }
	return q, &current
}

func TestQuota_MinGap(t *testing.T) {
	q, clock := newTestQuota()

	require.NoError(t, q.Accept("alice"))

	// Less than one hour later: rejected with a retry-after hint.
	*clock = clock.Add(30 * time.Minute)
	err := q.Accept("alice")
	require.Error(t, err)
	assert.Equal(t, types.ErrQuotaExceeded, types.GetErrorCode(err))
	var structured *types.Error
	require.ErrorAs(t, err, &structured)
	assert.Greater(t, structured.RetryAfter, 0)

	// One hour after the first accept: allowed.
	*clock = clock.Add(31 * time.Minute)
	assert.NoError(t, q.Accept("alice"))
}

func TestQuota_DailyLimit(t *testing.T) {
	q, clock := newTestQuota()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Accept("alice"), "accept %d", i)
		*clock = clock.Add(61 * time.Minute)
	}

	err := q.Accept("alice")
	require.Error(t, err, "sixth submission within 24h is rejected")
	assert.Equal(t, types.ErrQuotaExceeded, types.GetErrorCode(err))

	// A day later the window has rolled.
	*clock = clock.Add(20 * time.Hour)
	assert.NoError(t, q.Accept("alice"))
}

func TestQuota_WeeklyLimit(t *testing.T) {
	q, clock := newTestQuota()

	// 20 accepts spread to dodge the daily limit.
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Accept("alice"), "accept %d", i)
		*clock = clock.Add(5 * time.Hour)
	}

	err := q.Accept("alice")
	require.Error(t, err, "21st submission within 7d is rejected")
}

func TestQuota_SubmittersIndependent(t *testing.T) {
	q, _ := newTestQuota()

	require.NoError(t, q.Accept("alice"))
	assert.NoError(t, q.Accept("bob"), "bob's quota is unaffected by alice")
}

func TestQuota_CheckDoesNotConsume(t *testing.T) {
	q, _ := newTestQuota()

	require.NoError(t, q.Check("alice"))
	require.NoError(t, q.Check("alice"), "check is side-effect free")
	require.NoError(t, q.Accept("alice"))
	assert.Error(t, q.Accept("alice"), "accept consumed the slot")
}
