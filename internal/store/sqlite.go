package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sunward-labs/chatpipe/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for
// local and dev runs; production uses PostgresStore. SQLite's
// single-writer model stands in for row locking, so the claim queries
// skip SKIP LOCKED.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Claims and reconciliation run multi-statement transactions; more
	// than one writer connection would deadlock on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	feed_url   TEXT NOT NULL DEFAULT '',
	feed_user  TEXT NOT NULL DEFAULT '',
	feed_pass  TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS staged_rows (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL REFERENCES tenants(id),
	external_id       TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	error             TEXT NOT NULL DEFAULT '',
	started_at        DATETIME NOT NULL,
	ended_at          DATETIME NOT NULL,
	ip_address        TEXT NOT NULL DEFAULT '',
	country           TEXT NOT NULL DEFAULT '',
	language          TEXT NOT NULL DEFAULT '',
	message_count     INTEGER NOT NULL DEFAULT 0,
	sentiment         REAL,
	escalated         INTEGER NOT NULL DEFAULT 0,
	forwarded_human   INTEGER NOT NULL DEFAULT 0,
	transcript_url    TEXT NOT NULL DEFAULT '',
	avg_response_secs REAL NOT NULL DEFAULT 0,
	tokens            INTEGER NOT NULL DEFAULT 0,
	token_cost        REAL NOT NULL DEFAULT 0,
	category          TEXT NOT NULL DEFAULT '',
	initial_message   TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (tenant_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_staged_rows_status ON staged_rows(status);

CREATE TABLE IF NOT EXISTS batch_jobs (
	id            TEXT PRIMARY KEY,
	external_id   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'submitted',
	output_ref    TEXT NOT NULL DEFAULT '',
	request_count INTEGER NOT NULL DEFAULT 0,
	submitted_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL REFERENCES tenants(id),
	external_id       TEXT NOT NULL,
	started_at        DATETIME NOT NULL,
	ended_at          DATETIME NOT NULL,
	country           TEXT NOT NULL DEFAULT '',
	language          TEXT NOT NULL DEFAULT '',
	message_count     INTEGER NOT NULL DEFAULT 0,
	escalated         INTEGER NOT NULL DEFAULT 0,
	forwarded_human   INTEGER NOT NULL DEFAULT 0,
	transcript_url    TEXT NOT NULL DEFAULT '',
	avg_response_secs REAL NOT NULL DEFAULT 0,
	tokens            INTEGER NOT NULL DEFAULT 0,
	token_cost        REAL NOT NULL DEFAULT 0,
	initial_message   TEXT NOT NULL DEFAULT '',
	sentiment         REAL,
	category          TEXT NOT NULL DEFAULT '',
	summary           TEXT NOT NULL DEFAULT '',
	enriched_at       DATETIME,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	batch_job_id      TEXT REFERENCES batch_jobs(id),
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (tenant_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_batch_job ON sessions(batch_job_id);

CREATE TABLE IF NOT EXISTS turns (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS enrichment_audits (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	batch_job_id  TEXT NOT NULL REFERENCES batch_jobs(id),
	success       INTEGER NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS questions (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id),
	text       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_questions_tenant_text ON questions(tenant_id, lower(text));

CREATE TABLE IF NOT EXISTS session_questions (
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	question_id TEXT NOT NULL REFERENCES questions(id),
	PRIMARY KEY (session_id, question_id)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Tenants

func (s *SQLiteStore) UpsertTenant(ctx context.Context, t model.Tenant) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, feed_url, feed_user, feed_pass, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, feed_url = excluded.feed_url, feed_user = excluded.feed_user,
		   feed_pass = excluded.feed_pass, status = excluded.status, updated_at = excluded.updated_at`,
		t.ID, t.Name, t.FeedURL, t.FeedUser, t.FeedPass, string(t.Status), now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert tenant %s", t.ID)
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, feed_url, feed_user, feed_pass, status, created_at, updated_at FROM tenants WHERE id = ?`,
		id,
	).Scan(&t.ID, &t.Name, &t.FeedURL, &t.FeedUser, &t.FeedPass, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get tenant %s", id)
	}
	return &t, nil
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	return s.queryTenants(ctx,
		`SELECT id, name, feed_url, feed_user, feed_pass, status, created_at, updated_at FROM tenants ORDER BY id`)
}

func (s *SQLiteStore) ListActiveTenants(ctx context.Context, limit, offset int) ([]model.Tenant, error) {
	return s.queryTenants(ctx,
		`SELECT id, name, feed_url, feed_user, feed_pass, status, created_at, updated_at
		 FROM tenants WHERE status = 'active' ORDER BY id LIMIT ? OFFSET ?`,
		limit, offset)
}

func (s *SQLiteStore) queryTenants(ctx context.Context, query string, args ...any) ([]model.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query tenants")
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.FeedURL, &t.FeedUser, &t.FeedPass, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tenant")
		}
		tenants = append(tenants, t)
	}
	return tenants, eris.Wrap(rows.Err(), "sqlite: iterate tenants")
}

// Staged rows

func (s *SQLiteStore) UpsertStagedRow(ctx context.Context, row model.StagedRow) (bool, error) {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin upsert staged row")
	}
	defer tx.Rollback() //nolint:errcheck

	// SQLite has no xmax equivalent; check existence inside the tx.
	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM staged_rows WHERE tenant_id = ? AND external_id = ?)`,
		row.TenantID, row.ExternalID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check staged row")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO staged_rows (id, tenant_id, external_id, status, error,
		   started_at, ended_at, ip_address, country, language, message_count, sentiment,
		   escalated, forwarded_human, transcript_url, avg_response_secs, tokens, token_cost,
		   category, initial_message, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', '', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, external_id) DO UPDATE SET
		   started_at = excluded.started_at, ended_at = excluded.ended_at,
		   ip_address = excluded.ip_address, country = excluded.country,
		   language = excluded.language, message_count = excluded.message_count,
		   sentiment = excluded.sentiment, escalated = excluded.escalated,
		   forwarded_human = excluded.forwarded_human, transcript_url = excluded.transcript_url,
		   avg_response_secs = excluded.avg_response_secs, tokens = excluded.tokens,
		   token_cost = excluded.token_cost, category = excluded.category,
		   initial_message = excluded.initial_message, updated_at = excluded.updated_at`,
		row.ID, row.TenantID, row.ExternalID,
		row.StartedAt, row.EndedAt, row.IPAddress, row.Country, row.Language,
		row.MessageCount, row.Sentiment, row.Escalated, row.ForwardedHuman,
		row.TranscriptURL, row.AvgResponseSecs, row.Tokens, row.TokenCost,
		row.Category, row.InitialMessage, now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert staged row %s/%s", row.TenantID, row.ExternalID)
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit upsert staged row")
	}
	return !exists, nil
}

func (s *SQLiteStore) ListPendingStagedRows(ctx context.Context, limit int) ([]model.StagedRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, external_id, status, error,
		   started_at, ended_at, ip_address, country, language, message_count, sentiment,
		   escalated, forwarded_human, transcript_url, avg_response_secs, tokens, token_cost,
		   category, initial_message, created_at, updated_at
		 FROM staged_rows WHERE status = 'pending' ORDER BY created_at LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending staged rows")
	}
	defer rows.Close()

	var staged []model.StagedRow
	for rows.Next() {
		var r model.StagedRow
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ExternalID, &r.Status, &r.Error,
			&r.StartedAt, &r.EndedAt, &r.IPAddress, &r.Country, &r.Language, &r.MessageCount, &r.Sentiment,
			&r.Escalated, &r.ForwardedHuman, &r.TranscriptURL, &r.AvgResponseSecs, &r.Tokens, &r.TokenCost,
			&r.Category, &r.InitialMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan staged row")
		}
		staged = append(staged, r)
	}
	return staged, eris.Wrap(rows.Err(), "sqlite: iterate staged rows")
}

func (s *SQLiteStore) MarkStagedRow(ctx context.Context, id string, status model.StagedRowStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE staged_rows SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark staged row %s", id)
	}
	return checkRowsAffected(res, "staged row", id)
}

// Sessions

func (s *SQLiteStore) CreateSession(ctx context.Context, session model.Session, turns []model.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create session")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, tenant_id, external_id, started_at, ended_at, country, language,
		   message_count, escalated, forwarded_human, transcript_url, avg_response_secs, tokens,
		   token_cost, initial_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, external_id) DO NOTHING`,
		session.ID, session.TenantID, session.ExternalID, session.StartedAt, session.EndedAt,
		session.Country, session.Language, session.MessageCount, session.Escalated,
		session.ForwardedHuman, session.TranscriptURL, session.AvgResponseSecs,
		session.Tokens, session.TokenCost, session.InitialMessage, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert session %s", session.ID)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		for _, turn := range turns {
			id := turn.ID
			if id == "" {
				id = uuid.New().String()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO turns (id, session_id, role, content, seq) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (session_id, seq) DO NOTHING`,
				id, session.ID, string(turn.Role), turn.Content, turn.Seq,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert turn %d for session %s", turn.Seq, session.ID)
			}
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create session")
}

const sqliteSessionColumns = `id, tenant_id, external_id, started_at, ended_at, country, language, message_count, escalated, forwarded_human, transcript_url, avg_response_secs, tokens, token_cost, initial_message, sentiment, category, summary, enriched_at, retry_count, batch_job_id, created_at`

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSQLiteSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return sess, nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]model.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, seq FROM turns WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list turns %s", sessionID)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.Seq); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan turn")
		}
		turns = append(turns, t)
	}
	return turns, eris.Wrap(rows.Err(), "sqlite: iterate turns")
}

// Batch lifecycle

func (s *SQLiteStore) CreateBatchJobAndClaim(ctx context.Context, jobID string, limit, retryCeiling int) ([]model.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batch_jobs (id, status, submitted_at) VALUES (?, 'submitted', ?)`,
		jobID, time.Now().UTC(),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert batch job %s", jobID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET batch_job_id = ?, retry_count = retry_count + 1
		 WHERE id IN (
		   SELECT id FROM sessions
		   WHERE enriched_at IS NULL AND batch_job_id IS NULL AND retry_count < ?
		     AND EXISTS (SELECT 1 FROM turns WHERE turns.session_id = sessions.id)
		   ORDER BY created_at
		   LIMIT ?
		 )`,
		jobID, retryCeiling, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim sessions for %s", jobID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim rows affected")
	}
	if n == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE batch_jobs SET request_count = ? WHERE id = ?`,
		n, jobID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: set request count %s", jobID)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE batch_job_id = ? ORDER BY created_at`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list claimed sessions %s", jobID)
	}

	var claimed []model.Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan claimed session")
		}
		claimed = append(claimed, *sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate claimed sessions")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}
	return claimed, nil
}

func (s *SQLiteStore) SetBatchJobExternalID(ctx context.Context, jobID, externalID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET external_id = ? WHERE id = ?`,
		externalID, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set external id %s", jobID)
	}
	return checkRowsAffected(res, "batch job", jobID)
}

func (s *SQLiteStore) GetBatchJob(ctx context.Context, jobID string) (*model.BatchJob, error) {
	var j model.BatchJob
	err := s.db.QueryRowContext(ctx,
		`SELECT id, external_id, status, output_ref, request_count, submitted_at, completed_at
		 FROM batch_jobs WHERE id = ?`,
		jobID,
	).Scan(&j.ID, &j.ExternalID, &j.Status, &j.OutputRef, &j.RequestCount, &j.SubmittedAt, &j.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch job %s", jobID)
	}
	return &j, nil
}

func (s *SQLiteStore) ListBatchJobsByStatus(ctx context.Context, status model.BatchJobStatus) ([]model.BatchJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, external_id, status, output_ref, request_count, submitted_at, completed_at
		 FROM batch_jobs WHERE status = ? ORDER BY submitted_at`,
		string(status),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list batch jobs %s", status)
	}
	defer rows.Close()

	var jobs []model.BatchJob
	for rows.Next() {
		var j model.BatchJob
		if err := rows.Scan(&j.ID, &j.ExternalID, &j.Status, &j.OutputRef, &j.RequestCount, &j.SubmittedAt, &j.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: iterate batch jobs")
}

func (s *SQLiteStore) CompleteBatchJob(ctx context.Context, jobID, outputRef string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET status = 'completed', output_ref = ?, completed_at = ?
		 WHERE id = ? AND status = 'submitted'`,
		outputRef, time.Now().UTC(), jobID,
	)
	return eris.Wrapf(err, "sqlite: complete batch job %s", jobID)
}

func (s *SQLiteStore) FailBatchJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin fail batch job")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE batch_jobs SET status = 'failed', completed_at = ?
		 WHERE id = ? AND status = 'submitted'`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail batch job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET batch_job_id = NULL WHERE batch_job_id = ?`,
			jobID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: release sessions for %s", jobID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit fail batch job")
}

func (s *SQLiteStore) MarkBatchJobProcessed(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET status = 'processed' WHERE id = ? AND status = 'completed'`,
		jobID,
	)
	return eris.Wrapf(err, "sqlite: mark batch job processed %s", jobID)
}

// Reconciliation

func (s *SQLiteStore) ApplyEnrichment(ctx context.Context, e Enrichment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin apply enrichment")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET sentiment = ?, category = ?, summary = ?, enriched_at = ?
		 WHERE id = ? AND batch_job_id = ?`,
		e.Sentiment, e.Category, e.Summary, now, e.SessionID, e.BatchJobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: enrich session %s", e.SessionID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	var tenantID string
	if err := tx.QueryRowContext(ctx,
		`SELECT tenant_id FROM sessions WHERE id = ?`, e.SessionID,
	).Scan(&tenantID); err != nil {
		return eris.Wrapf(err, "sqlite: session tenant %s", e.SessionID)
	}

	for _, q := range e.Questions {
		text := model.NormalizeQuestionText(q)
		if text == "" {
			continue
		}
		var questionID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM questions WHERE tenant_id = ? AND lower(text) = lower(?)`,
			tenantID, text,
		).Scan(&questionID)
		if err == sql.ErrNoRows {
			questionID = uuid.New().String()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO questions (id, tenant_id, text, created_at) VALUES (?, ?, ?, ?)`,
				questionID, tenantID, text, now,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert question for %s", e.SessionID)
			}
		} else if err != nil {
			return eris.Wrapf(err, "sqlite: lookup question for %s", e.SessionID)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_questions (session_id, question_id) VALUES (?, ?)
			 ON CONFLICT DO NOTHING`,
			e.SessionID, questionID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: link question for %s", e.SessionID)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO enrichment_audits (id, session_id, batch_job_id, success, input_tokens, output_tokens, error, created_at)
		 VALUES (?, ?, ?, 1, ?, ?, '', ?)`,
		uuid.New().String(), e.SessionID, e.BatchJobID, e.InputTokens, e.OutputTokens, now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert audit for %s", e.SessionID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET batch_job_id = NULL WHERE id = ?`,
		e.SessionID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: release session %s", e.SessionID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit apply enrichment")
}

func (s *SQLiteStore) RecordEnrichmentFailure(ctx context.Context, sessionID, jobID, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record failure")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET batch_job_id = NULL WHERE id = ? AND batch_job_id = ?`,
		sessionID, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release failed session %s", sessionID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO enrichment_audits (id, session_id, batch_job_id, success, input_tokens, output_tokens, error, created_at)
		 VALUES (?, ?, ?, 0, 0, 0, ?, ?)`,
		uuid.New().String(), sessionID, jobID, errMsg, time.Now().UTC(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert failure audit for %s", sessionID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit record failure")
}

func (s *SQLiteStore) CountClaimedSessions(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE batch_job_id = ?`,
		jobID,
	).Scan(&count)
	return count, eris.Wrapf(err, "sqlite: count claimed sessions %s", jobID)
}

func (s *SQLiteStore) ListClaimedSessionIDs(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE batch_job_id = ? ORDER BY created_at`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list claimed session ids %s", jobID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan claimed session id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate claimed session ids")
}

// Monitoring

func (s *SQLiteStore) Metrics(ctx context.Context, retryCeiling int, auditLookback time.Duration) (*Metrics, error) {
	m := &Metrics{
		StagedByStatus:    make(map[model.StagedRowStatus]int),
		BatchJobsByStatus: make(map[model.BatchJobStatus]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM staged_rows GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: staged metrics")
	}
	for rows.Next() {
		var status model.StagedRowStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan staged metrics")
		}
		m.StagedByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate staged metrics")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		   COALESCE(SUM(CASE WHEN enriched_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN enriched_at IS NULL AND retry_count >= ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN batch_job_id IS NOT NULL THEN 1 ELSE 0 END), 0)
		 FROM sessions`,
		retryCeiling,
	).Scan(&m.SessionsTotal, &m.SessionsEnriched, &m.SessionsQuarantined, &m.SessionsClaimed)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: session metrics")
	}

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM batch_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: batch job metrics")
	}
	for rows.Next() {
		var status model.BatchJobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan batch job metrics")
		}
		m.BatchJobsByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate batch job metrics")
	}

	// MIN() strips the column decltype, so the driver would hand back a
	// string; select the raw column instead.
	var oldest time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT submitted_at FROM batch_jobs WHERE status = 'submitted' ORDER BY submitted_at LIMIT 1`,
	).Scan(&oldest)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: oldest submitted")
	default:
		m.OldestSubmittedAge = time.Since(oldest)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		   COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(input_tokens), 0),
		   COALESCE(SUM(output_tokens), 0)
		 FROM enrichment_audits WHERE created_at > ?`,
		time.Now().UTC().Add(-auditLookback),
	).Scan(&m.AuditTotal, &m.AuditFailed, &m.InputTokens, &m.OutputTokens)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: audit metrics")
	}

	return m, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row scannable) (*model.Session, error) {
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
