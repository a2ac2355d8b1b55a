package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunward-labs/chatpipe/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return NewPostgresWithPool(mock), mock
}

func TestPostgresUpsertStagedRow_Inserted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO staged_rows`).
		WithArgs(pgxmock.AnyArg(), "t1", "ext-1", pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(true))

	inserted, err := s.UpsertStagedRow(context.Background(), model.StagedRow{
		TenantID:   "t1",
		ExternalID: "ext-1",
		StartedAt:  time.Now(),
		EndedAt:    time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestPostgresUpsertStagedRow_UpdatedInPlace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO staged_rows`).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(false))

	inserted, err := s.UpsertStagedRow(context.Background(), model.StagedRow{
		TenantID:   "t1",
		ExternalID: "ext-1",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestPostgresMarkStagedRow_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE staged_rows SET status`).
		WithArgs("error", "bad transcript", pgxmock.AnyArg(), "row-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkStagedRow(context.Background(), "row-1", model.StagedError, "bad transcript")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPostgresCreateSession_SkipsTurnsWhenDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	err := s.CreateSession(context.Background(), model.Session{
		ID:         "sess-1",
		TenantID:   "t1",
		ExternalID: "ext-1",
	}, []model.Turn{
		{Role: model.RoleUser, Content: "hi", Seq: 1},
	})
	require.NoError(t, err)
}

func TestPostgresCreateSession_InsertsTurns(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO turns`).
		WithArgs(pgxmock.AnyArg(), "sess-1", "user", "hi", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO turns`).
		WithArgs(pgxmock.AnyArg(), "sess-1", "assistant", "hello", 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.CreateSession(context.Background(), model.Session{
		ID:         "sess-1",
		TenantID:   "t1",
		ExternalID: "ext-1",
	}, []model.Turn{
		{Role: model.RoleUser, Content: "hi", Seq: 1},
		{Role: model.RoleAssistant, Content: "hello", Seq: 2},
	})
	require.NoError(t, err)
}

func sessionRows(ids ...string) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"id", "tenant_id", "external_id", "started_at", "ended_at", "country", "language",
		"message_count", "escalated", "forwarded_human", "transcript_url", "avg_response_secs",
		"tokens", "token_cost", "initial_message", "sentiment", "category", "summary",
		"enriched_at", "retry_count", "batch_job_id", "created_at",
	})
	now := time.Now()
	for _, id := range ids {
		jobID := "job-1"
		rows.AddRow(id, "t1", "ext-"+id, now, now, "NL", "nl",
			2, false, false, "", 1.5,
			100, 0.01, "hi", nil, "", "",
			nil, 1, &jobID, now)
	}
	return rows
}

func TestPostgresCreateBatchJobAndClaim(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batch_jobs`).
		WithArgs("job-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`UPDATE sessions SET batch_job_id`).
		WithArgs("job-1", 3, 100).
		WillReturnRows(sessionRows("sess-1", "sess-2"))
	mock.ExpectExec(`UPDATE batch_jobs SET request_count`).
		WithArgs(2, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	claimed, err := s.CreateBatchJobAndClaim(context.Background(), "job-1", 100, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "sess-1", claimed[0].ID)
	assert.Equal(t, 1, claimed[0].RetryCount)
}

func TestPostgresCreateBatchJobAndClaim_NothingEligible(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batch_jobs`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`UPDATE sessions SET batch_job_id`).
		WillReturnRows(sessionRows())
	mock.ExpectRollback()

	claimed, err := s.CreateBatchJobAndClaim(context.Background(), "job-1", 100, 3)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestPostgresCompleteBatchJob_GuardMissIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE batch_jobs SET status = 'completed'`).
		WithArgs("ref-1", pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.CompleteBatchJob(context.Background(), "job-1", "ref-1"))
}

func TestPostgresFailBatchJob_ReleasesSessions(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE batch_jobs SET status = 'failed'`).
		WithArgs(pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE sessions SET batch_job_id = NULL WHERE batch_job_id`).
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))
	mock.ExpectCommit()

	require.NoError(t, s.FailBatchJob(context.Background(), "job-1"))
}

func TestPostgresFailBatchJob_AlreadyTerminal(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE batch_jobs SET status = 'failed'`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	require.NoError(t, s.FailBatchJob(context.Background(), "job-1"))
}

func TestPostgresApplyEnrichment(t *testing.T) {
	s, mock := newMockStore(t)

	sentiment := 0.7
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE sessions SET sentiment`).
		WithArgs(&sentiment, "billing", "invoice dispute resolved", pgxmock.AnyArg(), "sess-1", "job-1").
		WillReturnRows(pgxmock.NewRows([]string{"tenant_id"}).AddRow("t1"))
	mock.ExpectQuery(`INSERT INTO questions`).
		WithArgs(pgxmock.AnyArg(), "t1", "where is my invoice?", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("q-1"))
	mock.ExpectExec(`INSERT INTO session_questions`).
		WithArgs("sess-1", "q-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO enrichment_audits`).
		WithArgs(pgxmock.AnyArg(), "sess-1", "job-1", int64(120), int64(40), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE sessions SET batch_job_id = NULL WHERE id`).
		WithArgs("sess-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.ApplyEnrichment(context.Background(), Enrichment{
		SessionID:    "sess-1",
		BatchJobID:   "job-1",
		Sentiment:    &sentiment,
		Category:     "billing",
		Summary:      "invoice dispute resolved",
		Questions:    []string{"where  is my   invoice?"},
		InputTokens:  120,
		OutputTokens: 40,
	})
	require.NoError(t, err)
}

func TestPostgresApplyEnrichment_AlreadyReconciled(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE sessions SET sentiment`).
		WillReturnRows(pgxmock.NewRows([]string{"tenant_id"}))
	mock.ExpectRollback()

	err := s.ApplyEnrichment(context.Background(), Enrichment{
		SessionID:  "sess-1",
		BatchJobID: "job-1",
	})
	require.NoError(t, err)
}

func TestPostgresRecordEnrichmentFailure_Idempotent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sessions SET batch_job_id = NULL WHERE id .+ AND batch_job_id`).
		WithArgs("sess-1", "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	require.NoError(t, s.RecordEnrichmentFailure(context.Background(), "sess-1", "job-1", "malformed result"))
}

func TestPostgresGetBatchJob_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, external_id, status`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	job, err := s.GetBatchJob(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, job)
}
