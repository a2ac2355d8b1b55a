package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sunward-labs/chatpipe/internal/db"
	"github.com/sunward-labs/chatpipe/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"mark_staged_row":    `UPDATE staged_rows SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
	"get_session":        `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`,
	"list_turns":         `SELECT id, session_id, role, content, seq FROM turns WHERE session_id = $1 ORDER BY seq`,
	"count_claimed":      `SELECT COUNT(*) FROM sessions WHERE batch_job_id = $1`,
	"insert_audit":       `INSERT INTO enrichment_audits (id, session_id, batch_job_id, success, input_tokens, output_tokens, error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"release_session":    `UPDATE sessions SET batch_job_id = NULL WHERE id = $1`,
	"complete_batch_job": `UPDATE batch_jobs SET status = 'completed', output_ref = $1, completed_at = $2 WHERE id = $3 AND status = 'submitted'`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (bulk staged-row loads).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	feed_url   TEXT NOT NULL DEFAULT '',
	feed_user  TEXT NOT NULL DEFAULT '',
	feed_pass  TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);

CREATE TABLE IF NOT EXISTS staged_rows (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id         TEXT NOT NULL REFERENCES tenants(id),
	external_id       TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	error             TEXT NOT NULL DEFAULT '',
	started_at        TIMESTAMPTZ NOT NULL,
	ended_at          TIMESTAMPTZ NOT NULL,
	ip_address        TEXT NOT NULL DEFAULT '',
	country           TEXT NOT NULL DEFAULT '',
	language          TEXT NOT NULL DEFAULT '',
	message_count     INTEGER NOT NULL DEFAULT 0,
	sentiment         DOUBLE PRECISION,
	escalated         BOOLEAN NOT NULL DEFAULT false,
	forwarded_human   BOOLEAN NOT NULL DEFAULT false,
	transcript_url    TEXT NOT NULL DEFAULT '',
	avg_response_secs DOUBLE PRECISION NOT NULL DEFAULT 0,
	tokens            INTEGER NOT NULL DEFAULT 0,
	token_cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	category          TEXT NOT NULL DEFAULT '',
	initial_message   TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_staged_rows_status ON staged_rows(status);
CREATE INDEX IF NOT EXISTS idx_staged_rows_tenant ON staged_rows(tenant_id);

CREATE TABLE IF NOT EXISTS batch_jobs (
	id            TEXT PRIMARY KEY,
	external_id   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'submitted',
	output_ref    TEXT NOT NULL DEFAULT '',
	request_count INTEGER NOT NULL DEFAULT 0,
	submitted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL REFERENCES tenants(id),
	external_id       TEXT NOT NULL,
	started_at        TIMESTAMPTZ NOT NULL,
	ended_at          TIMESTAMPTZ NOT NULL,
	country           TEXT NOT NULL DEFAULT '',
	language          TEXT NOT NULL DEFAULT '',
	message_count     INTEGER NOT NULL DEFAULT 0,
	escalated         BOOLEAN NOT NULL DEFAULT false,
	forwarded_human   BOOLEAN NOT NULL DEFAULT false,
	transcript_url    TEXT NOT NULL DEFAULT '',
	avg_response_secs DOUBLE PRECISION NOT NULL DEFAULT 0,
	tokens            INTEGER NOT NULL DEFAULT 0,
	token_cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	initial_message   TEXT NOT NULL DEFAULT '',
	sentiment         DOUBLE PRECISION,
	category          TEXT NOT NULL DEFAULT '',
	summary           TEXT NOT NULL DEFAULT '',
	enriched_at       TIMESTAMPTZ,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	batch_job_id      TEXT REFERENCES batch_jobs(id),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_batch_job ON sessions(batch_job_id);
CREATE INDEX IF NOT EXISTS idx_sessions_eligibility ON sessions(retry_count) WHERE enriched_at IS NULL AND batch_job_id IS NULL;

CREATE TABLE IF NOT EXISTS turns (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS enrichment_audits (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	batch_job_id  TEXT NOT NULL REFERENCES batch_jobs(id),
	success       BOOLEAN NOT NULL,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audits_created_at ON enrichment_audits(created_at);

CREATE TABLE IF NOT EXISTS questions (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id),
	text       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_questions_tenant_text ON questions(tenant_id, lower(text));

CREATE TABLE IF NOT EXISTS session_questions (
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	question_id TEXT NOT NULL REFERENCES questions(id),
	PRIMARY KEY (session_id, question_id)
);
`

const sessionColumns = `id, tenant_id, external_id, started_at, ended_at, country, language, message_count, escalated, forwarded_human, transcript_url, avg_response_secs, tokens, token_cost, initial_message, sentiment, category, summary, enriched_at, retry_count, batch_job_id, created_at`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Tenants

func (s *PostgresStore) UpsertTenant(ctx context.Context, t model.Tenant) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, feed_url, feed_user, feed_pass, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, feed_url = EXCLUDED.feed_url, feed_user = EXCLUDED.feed_user,
		   feed_pass = EXCLUDED.feed_pass, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.FeedURL, t.FeedUser, t.FeedPass, string(t.Status), now,
	)
	return eris.Wrapf(err, "postgres: upsert tenant %s", t.ID)
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, feed_url, feed_user, feed_pass, status, created_at, updated_at FROM tenants WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.Name, &t.FeedURL, &t.FeedUser, &t.FeedPass, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get tenant %s", id)
	}
	return &t, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, feed_url, feed_user, feed_pass, status, created_at, updated_at FROM tenants ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tenants")
	}
	defer rows.Close()
	return scanTenants(rows)
}

func (s *PostgresStore) ListActiveTenants(ctx context.Context, limit, offset int) ([]model.Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, feed_url, feed_user, feed_pass, status, created_at, updated_at
		 FROM tenants WHERE status = 'active' ORDER BY id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active tenants")
	}
	defer rows.Close()
	return scanTenants(rows)
}

func scanTenants(rows pgx.Rows) ([]model.Tenant, error) {
	var tenants []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.FeedURL, &t.FeedUser, &t.FeedPass, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tenant")
		}
		tenants = append(tenants, t)
	}
	return tenants, eris.Wrap(rows.Err(), "postgres: iterate tenants")
}

// Staged rows

func (s *PostgresStore) UpsertStagedRow(ctx context.Context, row model.StagedRow) (bool, error) {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	// Status and error are deliberately left out of the update set: a
	// re-imported row that was already promoted keeps its terminal status.
	// xmax = 0 distinguishes a fresh insert from an update in place.
	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO staged_rows (id, tenant_id, external_id, status, error,
		   started_at, ended_at, ip_address, country, language, message_count, sentiment,
		   escalated, forwarded_human, transcript_url, avg_response_secs, tokens, token_cost,
		   category, initial_message, created_at, updated_at)
		 VALUES ($1, $2, $3, 'pending', '', $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
		 ON CONFLICT (tenant_id, external_id) DO UPDATE SET
		   started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at,
		   ip_address = EXCLUDED.ip_address, country = EXCLUDED.country,
		   language = EXCLUDED.language, message_count = EXCLUDED.message_count,
		   sentiment = EXCLUDED.sentiment, escalated = EXCLUDED.escalated,
		   forwarded_human = EXCLUDED.forwarded_human, transcript_url = EXCLUDED.transcript_url,
		   avg_response_secs = EXCLUDED.avg_response_secs, tokens = EXCLUDED.tokens,
		   token_cost = EXCLUDED.token_cost, category = EXCLUDED.category,
		   initial_message = EXCLUDED.initial_message, updated_at = EXCLUDED.updated_at
		 RETURNING (xmax = 0)`,
		row.ID, row.TenantID, row.ExternalID,
		row.StartedAt, row.EndedAt, row.IPAddress, row.Country, row.Language,
		row.MessageCount, row.Sentiment, row.Escalated, row.ForwardedHuman,
		row.TranscriptURL, row.AvgResponseSecs, row.Tokens, row.TokenCost,
		row.Category, row.InitialMessage, now,
	).Scan(&inserted)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert staged row %s/%s", row.TenantID, row.ExternalID)
	}
	return inserted, nil
}

func (s *PostgresStore) ListPendingStagedRows(ctx context.Context, limit int) ([]model.StagedRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, external_id, status, error,
		   started_at, ended_at, ip_address, country, language, message_count, sentiment,
		   escalated, forwarded_human, transcript_url, avg_response_secs, tokens, token_cost,
		   category, initial_message, created_at, updated_at
		 FROM staged_rows WHERE status = 'pending' ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending staged rows")
	}
	defer rows.Close()

	var staged []model.StagedRow
	for rows.Next() {
		var r model.StagedRow
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ExternalID, &r.Status, &r.Error,
			&r.StartedAt, &r.EndedAt, &r.IPAddress, &r.Country, &r.Language, &r.MessageCount, &r.Sentiment,
			&r.Escalated, &r.ForwardedHuman, &r.TranscriptURL, &r.AvgResponseSecs, &r.Tokens, &r.TokenCost,
			&r.Category, &r.InitialMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan staged row")
		}
		staged = append(staged, r)
	}
	return staged, eris.Wrap(rows.Err(), "postgres: iterate staged rows")
}

func (s *PostgresStore) MarkStagedRow(ctx context.Context, id string, status model.StagedRowStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE staged_rows SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark staged row %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("staged row not found: %s", id)
	}
	return nil
}

// Sessions

func (s *PostgresStore) CreateSession(ctx context.Context, session model.Session, turns []model.Turn) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create session")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`INSERT INTO sessions (id, tenant_id, external_id, started_at, ended_at, country, language,
		   message_count, escalated, forwarded_human, transcript_url, avg_response_secs, tokens,
		   token_cost, initial_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (tenant_id, external_id) DO NOTHING`,
		session.ID, session.TenantID, session.ExternalID, session.StartedAt, session.EndedAt,
		session.Country, session.Language, session.MessageCount, session.Escalated,
		session.ForwardedHuman, session.TranscriptURL, session.AvgResponseSecs,
		session.Tokens, session.TokenCost, session.InitialMessage, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert session %s", session.ID)
	}

	// Re-promoting an already promoted row is a no-op; the original
	// session and its turns stand.
	if tag.RowsAffected() > 0 {
		for _, turn := range turns {
			id := turn.ID
			if id == "" {
				id = uuid.New().String()
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO turns (id, session_id, role, content, seq) VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (session_id, seq) DO NOTHING`,
				id, session.ID, string(turn.Role), turn.Content, turn.Seq,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert turn %d for session %s", turn.Seq, session.ID)
			}
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create session")
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return sess, nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, sessionID string) ([]model.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, seq FROM turns WHERE session_id = $1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list turns %s", sessionID)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.Seq); err != nil {
			return nil, eris.Wrap(err, "postgres: scan turn")
		}
		turns = append(turns, t)
	}
	return turns, eris.Wrap(rows.Err(), "postgres: iterate turns")
}

// Batch lifecycle

func (s *PostgresStore) CreateBatchJobAndClaim(ctx context.Context, jobID string, limit, retryCeiling int) ([]model.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin claim")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO batch_jobs (id, status, submitted_at) VALUES ($1, 'submitted', $2)`,
		jobID, now,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert batch job %s", jobID)
	}

	// Eligibility: has turns, never enriched, unclaimed, below the retry
	// ceiling. SKIP LOCKED lets concurrent submitters divide the backlog
	// instead of blocking on each other.
	rows, err := tx.Query(ctx,
		`UPDATE sessions SET batch_job_id = $1, retry_count = retry_count + 1
		 WHERE id IN (
		   SELECT id FROM sessions
		   WHERE enriched_at IS NULL AND batch_job_id IS NULL AND retry_count < $2
		     AND EXISTS (SELECT 1 FROM turns WHERE turns.session_id = sessions.id)
		   ORDER BY created_at
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+sessionColumns,
		jobID, retryCeiling, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim sessions for %s", jobID)
	}

	var claimed []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan claimed session")
		}
		claimed = append(claimed, *sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate claimed sessions")
	}

	if len(claimed) == 0 {
		// Nothing eligible; roll back so no empty job row is left behind.
		return nil, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batch_jobs SET request_count = $1 WHERE id = $2`,
		len(claimed), jobID,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: set request count %s", jobID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit claim")
	}
	return claimed, nil
}

func (s *PostgresStore) SetBatchJobExternalID(ctx context.Context, jobID, externalID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET external_id = $1 WHERE id = $2`,
		externalID, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set external id %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("batch job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) GetBatchJob(ctx context.Context, jobID string) (*model.BatchJob, error) {
	var j model.BatchJob
	err := s.pool.QueryRow(ctx,
		`SELECT id, external_id, status, output_ref, request_count, submitted_at, completed_at
		 FROM batch_jobs WHERE id = $1`,
		jobID,
	).Scan(&j.ID, &j.ExternalID, &j.Status, &j.OutputRef, &j.RequestCount, &j.SubmittedAt, &j.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get batch job %s", jobID)
	}
	return &j, nil
}

func (s *PostgresStore) ListBatchJobsByStatus(ctx context.Context, status model.BatchJobStatus) ([]model.BatchJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, external_id, status, output_ref, request_count, submitted_at, completed_at
		 FROM batch_jobs WHERE status = $1 ORDER BY submitted_at`,
		string(status),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list batch jobs %s", status)
	}
	defer rows.Close()

	var jobs []model.BatchJob
	for rows.Next() {
		var j model.BatchJob
		if err := rows.Scan(&j.ID, &j.ExternalID, &j.Status, &j.OutputRef, &j.RequestCount, &j.SubmittedAt, &j.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: iterate batch jobs")
}

func (s *PostgresStore) CompleteBatchJob(ctx context.Context, jobID, outputRef string) error {
	// The status guard keeps the transition monotonic; a second poller
	// observing the same completion is a harmless no-op.
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET status = 'completed', output_ref = $1, completed_at = $2
		 WHERE id = $3 AND status = 'submitted'`,
		outputRef, time.Now().UTC(), jobID,
	)
	return eris.Wrapf(err, "postgres: complete batch job %s", jobID)
}

func (s *PostgresStore) FailBatchJob(ctx context.Context, jobID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin fail batch job")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE batch_jobs SET status = 'failed', completed_at = $1
		 WHERE id = $2 AND status = 'submitted'`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail batch job %s", jobID)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE sessions SET batch_job_id = NULL WHERE batch_job_id = $1`,
			jobID,
		); err != nil {
			return eris.Wrapf(err, "postgres: release sessions for %s", jobID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit fail batch job")
}

func (s *PostgresStore) MarkBatchJobProcessed(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET status = 'processed' WHERE id = $1 AND status = 'completed'`,
		jobID,
	)
	return eris.Wrapf(err, "postgres: mark batch job processed %s", jobID)
}

// Reconciliation

func (s *PostgresStore) ApplyEnrichment(ctx context.Context, e Enrichment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin apply enrichment")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()

	// The batch_job_id guard makes re-runs no-ops: once reconciled the
	// claim is released and this UPDATE matches nothing.
	var tenantID string
	err = tx.QueryRow(ctx,
		`UPDATE sessions SET sentiment = $1, category = $2, summary = $3, enriched_at = $4
		 WHERE id = $5 AND batch_job_id = $6
		 RETURNING tenant_id`,
		e.Sentiment, e.Category, e.Summary, now, e.SessionID, e.BatchJobID,
	).Scan(&tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return eris.Wrapf(err, "postgres: enrich session %s", e.SessionID)
	}

	for _, q := range e.Questions {
		text := model.NormalizeQuestionText(q)
		if text == "" {
			continue
		}
		var questionID string
		err := tx.QueryRow(ctx,
			`INSERT INTO questions (id, tenant_id, text, created_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (tenant_id, lower(text)) DO UPDATE SET text = EXCLUDED.text
			 RETURNING id`,
			uuid.New().String(), tenantID, text, now,
		).Scan(&questionID)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert question for %s", e.SessionID)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO session_questions (session_id, question_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			e.SessionID, questionID,
		); err != nil {
			return eris.Wrapf(err, "postgres: link question for %s", e.SessionID)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO enrichment_audits (id, session_id, batch_job_id, success, input_tokens, output_tokens, error, created_at)
		 VALUES ($1, $2, $3, true, $4, $5, '', $6)`,
		uuid.New().String(), e.SessionID, e.BatchJobID, e.InputTokens, e.OutputTokens, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert audit for %s", e.SessionID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET batch_job_id = NULL WHERE id = $1`,
		e.SessionID,
	); err != nil {
		return eris.Wrapf(err, "postgres: release session %s", e.SessionID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit apply enrichment")
}

func (s *PostgresStore) RecordEnrichmentFailure(ctx context.Context, sessionID, jobID, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin record failure")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET batch_job_id = NULL WHERE id = $1 AND batch_job_id = $2`,
		sessionID, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release failed session %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		// Already reconciled by an earlier pass.
		return nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO enrichment_audits (id, session_id, batch_job_id, success, input_tokens, output_tokens, error, created_at)
		 VALUES ($1, $2, $3, false, 0, 0, $4, $5)`,
		uuid.New().String(), sessionID, jobID, errMsg, time.Now().UTC(),
	); err != nil {
		return eris.Wrapf(err, "postgres: insert failure audit for %s", sessionID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit record failure")
}

func (s *PostgresStore) CountClaimedSessions(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE batch_job_id = $1`,
		jobID,
	).Scan(&count)
	return count, eris.Wrapf(err, "postgres: count claimed sessions %s", jobID)
}

func (s *PostgresStore) ListClaimedSessionIDs(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM sessions WHERE batch_job_id = $1 ORDER BY created_at`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list claimed session ids %s", jobID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan claimed session id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate claimed session ids")
}

// Monitoring

func (s *PostgresStore) Metrics(ctx context.Context, retryCeiling int, auditLookback time.Duration) (*Metrics, error) {
	m := &Metrics{
		StagedByStatus:    make(map[model.StagedRowStatus]int),
		BatchJobsByStatus: make(map[model.BatchJobStatus]int),
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM staged_rows GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: staged metrics")
	}
	for rows.Next() {
		var status model.StagedRowStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan staged metrics")
		}
		m.StagedByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate staged metrics")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		   COUNT(*) FILTER (WHERE enriched_at IS NOT NULL),
		   COUNT(*) FILTER (WHERE enriched_at IS NULL AND retry_count >= $1),
		   COUNT(*) FILTER (WHERE batch_job_id IS NOT NULL)
		 FROM sessions`,
		retryCeiling,
	).Scan(&m.SessionsTotal, &m.SessionsEnriched, &m.SessionsQuarantined, &m.SessionsClaimed)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: session metrics")
	}

	rows, err = s.pool.Query(ctx, `SELECT status, COUNT(*) FROM batch_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: batch job metrics")
	}
	for rows.Next() {
		var status model.BatchJobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan batch job metrics")
		}
		m.BatchJobsByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate batch job metrics")
	}

	var oldest *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT MIN(submitted_at) FROM batch_jobs WHERE status = 'submitted'`,
	).Scan(&oldest)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: oldest submitted")
	}
	if oldest != nil {
		m.OldestSubmittedAge = time.Since(*oldest)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		   COUNT(*) FILTER (WHERE NOT success),
		   COALESCE(SUM(input_tokens), 0),
		   COALESCE(SUM(output_tokens), 0)
		 FROM enrichment_audits WHERE created_at > $1`,
		time.Now().UTC().Add(-auditLookback),
	).Scan(&m.AuditTotal, &m.AuditFailed, &m.InputTokens, &m.OutputTokens)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: audit metrics")
	}

	return m, nil
}

// scanSession scans one session row in sessionColumns order.
func scanSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.ExternalID, &sess.StartedAt, &sess.EndedAt,
		&sess.Country, &sess.Language, &sess.MessageCount, &sess.Escalated, &sess.ForwardedHuman,
		&sess.TranscriptURL, &sess.AvgResponseSecs, &sess.Tokens, &sess.TokenCost, &sess.InitialMessage,
		&sess.Sentiment, &sess.Category, &sess.Summary, &sess.EnrichedAt,
		&sess.RetryCount, &sess.BatchJobID, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
