// Package promote turns pending staged rows into canonical sessions. Each
// run drains one batch of pending rows, fetches and parses transcripts,
// and retires every row as processed or errored.
package promote

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sunward-labs/chatpipe/internal/config"
	"github.com/sunward-labs/chatpipe/internal/fetcher"
	"github.com/sunward-labs/chatpipe/internal/model"
	"github.com/sunward-labs/chatpipe/internal/resilience"
	"github.com/sunward-labs/chatpipe/internal/store"
)

// Promoter drains the staging table into sessions.
type Promoter struct {
	store       store.Store
	transcripts *fetcher.TranscriptFetcher
	batchSize   int
}

// Stats aggregates counters across one promotion run.
type Stats struct {
	Promoted int
	Degraded int
	NoTurns  int
}

// New creates a Promoter from configuration.
func New(st store.Store, dispatcher fetcher.Fetcher, cfg config.PromoteConfig) *Promoter {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	timeout := time.Duration(cfg.TranscriptTimeoutSecs) * time.Second
	return &Promoter{
		store:       st,
		transcripts: fetcher.NewTranscriptFetcher(dispatcher, timeout),
		batchSize:   batchSize,
	}
}

// Run promotes one batch of pending staged rows.
func (p *Promoter) Run(ctx context.Context) error {
	start := time.Now()

	rows, err := p.store.ListPendingStagedRows(ctx, p.batchSize)
	if err != nil {
		return eris.Wrap(err, "promote: list pending rows")
	}
	if len(rows) == 0 {
		return nil
	}

	// Transcript hosts are usually the feed hosts; reuse the tenant's feed
	// credentials. Tenants are cached per run.
	creds := make(map[string]fetcher.Credentials)
	var stats Stats
	for _, row := range rows {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "promote: run cancelled")
		}
		p.promoteRow(ctx, row, creds, &stats)
	}

	zap.L().Info("promote: run complete",
		zap.Int("rows", len(rows)),
		zap.Int("promoted", stats.Promoted),
		zap.Int("degraded", stats.Degraded),
		zap.Int("no_turns", stats.NoTurns),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// promoteRow promotes a single staged row. A transcript fetch failure still
// creates the session, without turns, and marks the row errored so the
// degradation is visible; the session simply never becomes eligible for
// enrichment.
func (p *Promoter) promoteRow(ctx context.Context, row model.StagedRow, creds map[string]fetcher.Credentials, stats *Stats) {
	session := sessionFromRow(row)

	if row.TranscriptURL == "" {
		p.finish(ctx, row, session, nil, "", stats)
		stats.NoTurns++
		return
	}

	turns, err := p.transcripts.Fetch(ctx, row.TranscriptURL, session.ID, p.credentials(ctx, row.TenantID, creds))
	if err != nil {
		kind := resilience.Classify(err)
		zap.L().Warn("promote: transcript fetch failed",
			zap.String("tenant", row.TenantID),
			zap.String("external_id", row.ExternalID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		p.finish(ctx, row, session, nil, "transcript fetch failed: "+string(kind), stats)
		stats.Degraded++
		return
	}

	p.finish(ctx, row, session, turns, "", stats)
	if len(turns) == 0 {
		stats.NoTurns++
	}
}

// finish writes the session and retires the staged row. A non-empty errMsg
// marks the row errored instead of processed.
func (p *Promoter) finish(ctx context.Context, row model.StagedRow, session model.Session, turns []model.Turn, errMsg string, stats *Stats) {
	if err := p.store.CreateSession(ctx, session, turns); err != nil {
		zap.L().Error("promote: create session failed",
			zap.String("tenant", row.TenantID),
			zap.String("external_id", row.ExternalID),
			zap.Error(err),
		)
		// Leave the row pending; the next run retries.
		return
	}

	status := model.StagedProcessed
	if errMsg != "" {
		status = model.StagedError
	}
	if err := p.store.MarkStagedRow(ctx, row.ID, status, errMsg); err != nil {
		zap.L().Error("promote: mark staged row failed",
			zap.String("row", row.ID),
			zap.Error(err),
		)
		return
	}
	if errMsg == "" {
		stats.Promoted++
	}
}

// credentials resolves and caches a tenant's feed credentials.
func (p *Promoter) credentials(ctx context.Context, tenantID string, cache map[string]fetcher.Credentials) fetcher.Credentials {
	if c, ok := cache[tenantID]; ok {
		return c
	}
	var c fetcher.Credentials
	tenant, err := p.store.GetTenant(ctx, tenantID)
	if err != nil {
		zap.L().Warn("promote: tenant lookup failed", zap.String("tenant", tenantID), zap.Error(err))
	} else if tenant != nil {
		c = fetcher.Credentials{User: tenant.FeedUser, Pass: tenant.FeedPass}
	}
	cache[tenantID] = c
	return c
}

// sessionFromRow maps staged feed fields onto a new canonical session.
func sessionFromRow(row model.StagedRow) model.Session {
	return model.Session{
		ID:              uuid.New().String(),
		TenantID:        row.TenantID,
		ExternalID:      row.ExternalID,
		StartedAt:       row.StartedAt,
		EndedAt:         row.EndedAt,
		Country:         row.Country,
		Language:        row.Language,
		MessageCount:    row.MessageCount,
		Escalated:       row.Escalated,
		ForwardedHuman:  row.ForwardedHuman,
		TranscriptURL:   row.TranscriptURL,
		AvgResponseSecs: row.AvgResponseSecs,
		Tokens:          row.Tokens,
		TokenCost:       row.TokenCost,
		InitialMessage:  row.InitialMessage,
	}
}
