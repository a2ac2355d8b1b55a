// Package store persists the pipeline's state machine: tenants, staged
// import rows, sessions, batch jobs, and enrichment audits. Every status
// transition runs in a single transaction so concurrent workers never
// double-claim a session or double-submit a batch.
package store

import (
	"context"
	"time"

	"github.com/sunward-labs/chatpipe/internal/model"
)

// Enrichment is the payload applied to one session during reconciliation.
type Enrichment struct {
	SessionID  string
	BatchJobID string

	Sentiment *float64
	Category  string
	Summary   string
	Questions []string

	InputTokens  int64
	OutputTokens int64
}

// Metrics is a point-in-time snapshot of pipeline state for the admin
// surface and the monitoring checker.
type Metrics struct {
	StagedByStatus   map[model.StagedRowStatus]int `json:"staged_by_status"`
	SessionsTotal    int                           `json:"sessions_total"`
	SessionsEnriched int                           `json:"sessions_enriched"`
	// SessionsQuarantined counts unenriched sessions at or above the retry
	// ceiling. These are permanently excluded from future batches.
	SessionsQuarantined int                         `json:"sessions_quarantined"`
	SessionsClaimed     int                         `json:"sessions_claimed"`
	BatchJobsByStatus   map[model.BatchJobStatus]int `json:"batch_jobs_by_status"`
	// OldestSubmittedAge is zero when no job is awaiting completion.
	OldestSubmittedAge time.Duration `json:"oldest_submitted_age"`

	// Audit window stats over the lookback period.
	AuditTotal   int   `json:"audit_total"`
	AuditFailed  int   `json:"audit_failed"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// FailureRate is the fraction of failed audits in the lookback window.
func (m *Metrics) FailureRate() float64 {
	if m.AuditTotal == 0 {
		return 0
	}
	return float64(m.AuditFailed) / float64(m.AuditTotal)
}

// Store defines the persistence interface for the ingestion and
// enrichment pipeline.
type Store interface {
	// Tenants
	UpsertTenant(ctx context.Context, t model.Tenant) error
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	// ListActiveTenants pages through ACTIVE tenants ordered by id.
	ListActiveTenants(ctx context.Context, limit, offset int) ([]model.Tenant, error)

	// Staged rows. UpsertStagedRow reports whether the row was inserted
	// (true) or updated in place (false) so ingestion counters are exact.
	UpsertStagedRow(ctx context.Context, row model.StagedRow) (inserted bool, err error)
	ListPendingStagedRows(ctx context.Context, limit int) ([]model.StagedRow, error)
	MarkStagedRow(ctx context.Context, id string, status model.StagedRowStatus, errMsg string) error

	// Sessions. CreateSession writes the session and its turns in one
	// transaction; re-promoting the same staged row is a no-op.
	CreateSession(ctx context.Context, session model.Session, turns []model.Turn) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListTurns(ctx context.Context, sessionID string) ([]model.Turn, error)

	// Batch lifecycle. CreateBatchJobAndClaim inserts the job row and
	// atomically claims up to limit eligible sessions (has turns, not
	// enriched, unclaimed, retry_count below ceiling), incrementing each
	// claimed session's retry_count in the same transaction. When no
	// session is eligible the transaction is rolled back and (nil, nil)
	// is returned.
	CreateBatchJobAndClaim(ctx context.Context, jobID string, limit, retryCeiling int) ([]model.Session, error)
	SetBatchJobExternalID(ctx context.Context, jobID, externalID string) error
	GetBatchJob(ctx context.Context, jobID string) (*model.BatchJob, error)
	ListBatchJobsByStatus(ctx context.Context, status model.BatchJobStatus) ([]model.BatchJob, error)
	// CompleteBatchJob and FailBatchJob guard on status=submitted;
	// MarkBatchJobProcessed guards on status=completed. A guard miss
	// returns nil so concurrent pollers reconcile idempotently.
	CompleteBatchJob(ctx context.Context, jobID, outputRef string) error
	// FailBatchJob releases batch_job_id on all member sessions; the
	// retry ceiling alone governs whether they are selected again.
	FailBatchJob(ctx context.Context, jobID string) error
	MarkBatchJobProcessed(ctx context.Context, jobID string) error

	// Reconciliation. ApplyEnrichment updates the session, upserts
	// questions and join rows, appends the audit record, and releases
	// batch_job_id in one transaction. Re-applying to an already
	// reconciled session is a no-op. RecordEnrichmentFailure audits a
	// malformed or missing result and releases the claim without
	// enriching.
	ApplyEnrichment(ctx context.Context, e Enrichment) error
	RecordEnrichmentFailure(ctx context.Context, sessionID, jobID, errMsg string) error
	// CountClaimedSessions reports how many sessions a job still owns;
	// zero means every member is reconciled. ListClaimedSessionIDs names
	// them so orphaned claims can be released individually.
	CountClaimedSessions(ctx context.Context, jobID string) (int, error)
	ListClaimedSessionIDs(ctx context.Context, jobID string) ([]string, error)

	// Monitoring
	Metrics(ctx context.Context, retryCeiling int, auditLookback time.Duration) (*Metrics, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
