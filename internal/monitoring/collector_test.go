package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunward-labs/chatpipe/internal/model"
	"github.com/sunward-labs/chatpipe/internal/store"
)

// fakeStore returns a canned Metrics snapshot.
type fakeStore struct {
	store.Store

	metrics  *store.Metrics
	err      error
	ceiling  int
	lookback time.Duration
}

func (f *fakeStore) Metrics(_ context.Context, retryCeiling int, auditLookback time.Duration) (*store.Metrics, error) {
	f.ceiling = retryCeiling
	f.lookback = auditLookback
	if f.err != nil {
		return nil, f.err
	}
	return f.metrics, nil
}

func TestCollector_EmptyStore(t *testing.T) {
	st := &fakeStore{metrics: &store.Metrics{}}
	c := NewCollector(st, 3, "claude-haiku-4-5-20251001")

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.SessionsTotal)
	assert.Equal(t, 0.0, snap.EnrichFailRate)
	assert.Equal(t, 0.0, snap.EstimatedCostUSD)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())

	assert.Equal(t, 3, st.ceiling)
	assert.Equal(t, 24*time.Hour, st.lookback)
}

func TestCollector_MapsStoreMetrics(t *testing.T) {
	st := &fakeStore{metrics: &store.Metrics{
		StagedByStatus: map[model.StagedRowStatus]int{
			model.StagedPending:   4,
			model.StagedProcessed: 90,
			model.StagedError:     6,
		},
		SessionsTotal:       90,
		SessionsEnriched:    70,
		SessionsClaimed:     10,
		SessionsQuarantined: 2,
		BatchJobsByStatus: map[model.BatchJobStatus]int{
			model.BatchSubmitted: 1,
			model.BatchProcessed: 8,
		},
		OldestSubmittedAge: 3 * time.Hour,
		AuditTotal:         80,
		AuditFailed:        8,
		InputTokens:        1_000_000,
		OutputTokens:       250_000,
	}}

	c := NewCollector(st, 3, "claude-haiku-4-5-20251001")
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.StagedPending)
	assert.Equal(t, 6, snap.StagedErrored)
	assert.Equal(t, 90, snap.SessionsTotal)
	assert.Equal(t, 2, snap.SessionsQuarantined)
	assert.Equal(t, 1, snap.JobsSubmitted)
	assert.Equal(t, 8, snap.JobsProcessed)
	assert.Equal(t, 3*time.Hour, snap.OldestSubmittedAge)
	assert.InDelta(t, 0.1, snap.EnrichFailRate, 0.001)
	// 1M in at $0.80 + 0.25M out at $4.00, halved for batch pricing.
	assert.InDelta(t, 0.90, snap.EstimatedCostUSD, 0.001)
}

func TestCollector_UnknownModelCostsZero(t *testing.T) {
	st := &fakeStore{metrics: &store.Metrics{InputTokens: 1_000_000}}
	c := NewCollector(st, 3, "some-future-model")

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.EstimatedCostUSD)
}
