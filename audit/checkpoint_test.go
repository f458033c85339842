package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTSA counts stamps and can be toggled to fail.
type fakeTSA struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakeTSA) Stamp(ctx context.Context, digest [32]byte) (*TimestampToken, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("tsa unreachable")
	}
	return &TimestampToken{Token: digest[:8], TSA: "test-tsa"}, nil
}

func newCheckpointService(t *testing.T, tsa TimestampAuthority) *Service {
	t.Helper()
	storage, err := NewLocalStorage(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	svc := NewService(ServiceConfig{
		BatchSize:     10,
		BatchInterval: 5 * time.Millisecond,
	}, storage, tsa, nil, zap.NewNop())
	t.Cleanup(svc.Close)
	return svc
}

func captureDay(t *testing.T, svc *Service, org string, day time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.CaptureSync(context.Background(),
			captureReq(org, "user.login", "u"+string(rune('a'+i)), day.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
}

func TestCreateCheckpoint_SealedWithToken(t *testing.T) {
	tsa := &fakeTSA{}
	svc := newCheckpointService(t, tsa)
	day := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	captureDay(t, svc, "o", day, 3)

	cp, err := svc.CreateCheckpoint(context.Background(), "o", "2026-03-10")
	require.NoError(t, err)

	assert.Equal(t, 3, cp.EventCount)
	assert.NotEmpty(t, cp.MerkleRoot)
	assert.NotEmpty(t, cp.FirstEventHash)
	assert.NotEmpty(t, cp.LastEventHash)
	assert.Equal(t, ZeroHash, cp.PreviousCheckpointHash)
	assert.False(t, cp.PendingTimestamp)
	require.NotNil(t, cp.TimestampToken)
	assert.Equal(t, "test-tsa", cp.TimestampToken.TSA)
	assert.NotEmpty(t, cp.CheckpointHash)
}

func TestCreateCheckpoint_ChainsToPreviousDay(t *testing.T) {
	tsa := &fakeTSA{}
	svc := newCheckpointService(t, tsa)

	day1 := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	captureDay(t, svc, "o", day1, 2)
	captureDay(t, svc, "o", day2, 2)

	cp1, err := svc.CreateCheckpoint(context.Background(), "o", "2026-03-10")
	require.NoError(t, err)
	cp2, err := svc.CreateCheckpoint(context.Background(), "o", "2026-03-11")
	require.NoError(t, err)

	assert.Equal(t, cp1.CheckpointHash, cp2.PreviousCheckpointHash)
}

func TestCreateCheckpoint_TSAFailureDegradesToPending(t *testing.T) {
	tsa := &fakeTSA{}
	tsa.fail.Store(true)
	svc := newCheckpointService(t, tsa)
	day := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	captureDay(t, svc, "o", day, 2)

	cp, err := svc.CreateCheckpoint(context.Background(), "o", "2026-03-10")
	require.NoError(t, err, "TSA failure must not fail the checkpoint")
	assert.True(t, cp.PendingTimestamp)
	assert.Nil(t, cp.TimestampToken)

	// TSA recovers; the retrier upgrades the pending checkpoint.
	tsa.fail.Store(false)
	upgraded, err := svc.RetryPendingTimestamps(context.Background(), "o")
	require.NoError(t, err)
	assert.Equal(t, 1, upgraded)

	reloaded, err := svc.GetCheckpoint(context.Background(), "o", "2026-03-10")
	require.NoError(t, err)
	assert.False(t, reloaded.PendingTimestamp)
	require.NotNil(t, reloaded.TimestampToken)
}

func TestCreateCheckpoint_EmptyDayFails(t *testing.T) {
	svc := newCheckpointService(t, &fakeTSA{})
	_, err := svc.CreateCheckpoint(context.Background(), "o", "2026-03-10")
	assert.Error(t, err)
}

func TestCreateCheckpoint_BadDate(t *testing.T) {
	svc := newCheckpointService(t, &fakeTSA{})
	_, err := svc.CreateCheckpoint(context.Background(), "o", "10/03/2026")
	assert.Error(t, err)
}

func TestVerifyChain_StalePendingCheckpointPolicy(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	tsa := &fakeTSA{}
	tsa.fail.Store(true)

	svc := NewService(ServiceConfig{
		BatchSize:              10,
		BatchInterval:          5 * time.Millisecond,
		PendingTimestampPolicy: "fail",
		PendingTimestampGrace:  time.Hour,
	}, storage, tsa, nil, zap.NewNop())
	defer svc.Close()

	day := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	captureDay(t, svc, "o", day, 2)
	_, err = svc.CreateCheckpoint(context.Background(), "o", "2026-03-10")
	require.NoError(t, err)

	// Move the clock beyond the grace period.
	svc.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }

	report, err := svc.VerifyChain(context.Background(), "o", day.Add(-time.Hour), day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, report.Valid, "fail policy invalidates days with stale pending checkpoints")

	found := false
	for _, a := range report.Anomalies {
		if a.Kind == AnomalyPendingCheckpoint {
			found = true
			assert.Equal(t, SeverityCritical, a.Severity)
		}
	}
	assert.True(t, found)
}
