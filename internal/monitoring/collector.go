// Package monitoring watches pipeline health: it snapshots store metrics on
// an interval, evaluates them against configured thresholds, and posts
// alerts to a webhook when a threshold is breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sunward-labs/chatpipe/internal/model"
	"github.com/sunward-labs/chatpipe/internal/store"
	"github.com/sunward-labs/chatpipe/pkg/inference"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Staged import backlog.
	StagedPending   int `json:"staged_pending"`
	StagedProcessed int `json:"staged_processed"`
	StagedErrored   int `json:"staged_errored"`

	// Session progress.
	SessionsTotal       int `json:"sessions_total"`
	SessionsEnriched    int `json:"sessions_enriched"`
	SessionsClaimed     int `json:"sessions_claimed"`
	SessionsQuarantined int `json:"sessions_quarantined"`

	// Batch jobs.
	JobsSubmitted      int           `json:"jobs_submitted"`
	JobsCompleted      int           `json:"jobs_completed"`
	JobsFailed         int           `json:"jobs_failed"`
	JobsProcessed      int           `json:"jobs_processed"`
	OldestSubmittedAge time.Duration `json:"oldest_submitted_age"`

	// Enrichment outcomes within the lookback window.
	AuditTotal       int     `json:"audit_total"`
	AuditFailed      int     `json:"audit_failed"`
	EnrichFailRate   float64 `json:"enrich_fail_rate"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the store.
type Collector struct {
	store        store.Store
	retryCeiling int
	modelID      string
}

// NewCollector creates a metrics collector. The retry ceiling decides which
// sessions count as quarantined; the model id prices the token totals.
func NewCollector(st store.Store, retryCeiling int, modelID string) *Collector {
	return &Collector{store: st, retryCeiling: retryCeiling, modelID: modelID}
}

// Collect gathers a snapshot of pipeline metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	m, err := c.store.Metrics(ctx, c.retryCeiling, time.Duration(lookbackHours)*time.Hour)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect metrics")
	}

	usage := inference.TokenUsage{
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
	}

	return &MetricsSnapshot{
		StagedPending:   m.StagedByStatus[model.StagedPending],
		StagedProcessed: m.StagedByStatus[model.StagedProcessed],
		StagedErrored:   m.StagedByStatus[model.StagedError],

		SessionsTotal:       m.SessionsTotal,
		SessionsEnriched:    m.SessionsEnriched,
		SessionsClaimed:     m.SessionsClaimed,
		SessionsQuarantined: m.SessionsQuarantined,

		JobsSubmitted:      m.BatchJobsByStatus[model.BatchSubmitted],
		JobsCompleted:      m.BatchJobsByStatus[model.BatchCompleted],
		JobsFailed:         m.BatchJobsByStatus[model.BatchFailed],
		JobsProcessed:      m.BatchJobsByStatus[model.BatchProcessed],
		OldestSubmittedAge: m.OldestSubmittedAge,

		AuditTotal:       m.AuditTotal,
		AuditFailed:      m.AuditFailed,
		EnrichFailRate:   m.FailureRate(),
		EstimatedCostUSD: usage.EstimateBatchCost(c.modelID),

		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}, nil
}
