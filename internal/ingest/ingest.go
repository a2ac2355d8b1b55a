// Package ingest implements the periodic CSV feed import. Each run pages
// through active tenants, fetches every tenant's feed concurrently under a
// cap, and upserts rows into the staging table.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sunward-labs/chatpipe/internal/config"
	"github.com/sunward-labs/chatpipe/internal/fetcher"
	"github.com/sunward-labs/chatpipe/internal/model"
	"github.com/sunward-labs/chatpipe/internal/store"
)

// Importer pulls tenant CSV feeds into the staging table.
type Importer struct {
	store   store.Store
	fetcher fetcher.Fetcher

	batchSize     int
	maxConcurrent int
	feedTimeout   time.Duration
	csvOpts       fetcher.CSVOptions
}

// Stats aggregates counters across one ingestion run.
type Stats struct {
	Tenants   int
	Processed int
	Imported  int
	Updated   int
	Errors    int
}

func (s *Stats) add(other Stats) {
	s.Tenants += other.Tenants
	s.Processed += other.Processed
	s.Imported += other.Imported
	s.Updated += other.Updated
	s.Errors += other.Errors
}

// New creates an Importer from configuration.
func New(st store.Store, f fetcher.Fetcher, cfg config.IngestConfig) *Importer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	maxConcurrent := cfg.MaxConcurrentImports
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	feedTimeout := time.Duration(cfg.FeedTimeoutSecs) * time.Second
	if feedTimeout <= 0 {
		feedTimeout = 60 * time.Second
	}
	return &Importer{
		store:         st,
		fetcher:       f,
		batchSize:     batchSize,
		maxConcurrent: maxConcurrent,
		feedTimeout:   feedTimeout,
		csvOpts:       fetcher.CSVOptions{TrimSpace: true, LazyQuotes: true},
	}
}

// Run executes one ingestion pass over all active tenants. Tenant failures
// are isolated: a broken feed counts as errors but never aborts the run.
func (im *Importer) Run(ctx context.Context) error {
	start := time.Now()
	var total Stats

	for offset := 0; ; offset += im.batchSize {
		tenants, err := im.store.ListActiveTenants(ctx, im.batchSize, offset)
		if err != nil {
			return eris.Wrap(err, "ingest: list active tenants")
		}
		if len(tenants) == 0 {
			break
		}

		page := im.runPage(ctx, tenants)
		total.add(page)

		zap.L().Info("ingest: page complete",
			zap.Int("offset", offset),
			zap.Int("tenants", page.Tenants),
			zap.Int("processed", page.Processed),
			zap.Int("imported", page.Imported),
			zap.Int("updated", page.Updated),
			zap.Int("errors", page.Errors),
		)

		if len(tenants) < im.batchSize {
			break
		}
	}

	zap.L().Info("ingest: run complete",
		zap.Int("tenants", total.Tenants),
		zap.Int("processed", total.Processed),
		zap.Int("imported", total.Imported),
		zap.Int("updated", total.Updated),
		zap.Int("errors", total.Errors),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// runPage imports one page of tenants with bounded concurrency and
// wait-for-all-settled semantics.
func (im *Importer) runPage(ctx context.Context, tenants []model.Tenant) Stats {
	var (
		mu    sync.Mutex
		total Stats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.maxConcurrent)
	for _, tenant := range tenants {
		g.Go(func() error {
			stats := im.importTenant(gctx, tenant)
			mu.Lock()
			total.add(stats)
			mu.Unlock()
			// Per-tenant failures are absorbed into the counters so a bad
			// feed never cancels the sibling imports.
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return total
}

// importTenant fetches and stages one tenant's feed.
func (im *Importer) importTenant(ctx context.Context, tenant model.Tenant) Stats {
	stats := Stats{Tenants: 1}
	if !tenant.Pollable() {
		return stats
	}

	ctx, cancel := context.WithTimeout(ctx, im.feedTimeout)
	defer cancel()

	body, err := im.fetcher.Fetch(ctx, tenant.FeedURL, fetcher.Credentials{
		User: tenant.FeedUser,
		Pass: tenant.FeedPass,
	})
	if err != nil {
		zap.L().Warn("ingest: feed fetch failed",
			zap.String("tenant", tenant.ID),
			zap.String("url", tenant.FeedURL),
			zap.Error(err),
		)
		stats.Errors++
		return stats
	}
	defer body.Close() //nolint:errcheck

	rowCh, errCh := fetcher.StreamCSV(ctx, body, im.csvOpts)
	for record := range rowCh {
		stats.Processed++

		row, err := ParseRow(tenant.ID, record)
		if err != nil {
			zap.L().Warn("ingest: bad row",
				zap.String("tenant", tenant.ID),
				zap.Int("row", stats.Processed),
				zap.Error(err),
			)
			stats.Errors++
			continue
		}

		inserted, err := im.store.UpsertStagedRow(ctx, *row)
		if err != nil {
			zap.L().Warn("ingest: upsert failed",
				zap.String("tenant", tenant.ID),
				zap.String("external_id", row.ExternalID),
				zap.Error(err),
			)
			stats.Errors++
			continue
		}
		if inserted {
			stats.Imported++
		} else {
			stats.Updated++
		}
	}
	if err := <-errCh; err != nil {
		zap.L().Warn("ingest: feed read failed",
			zap.String("tenant", tenant.ID),
			zap.Error(err),
		)
		stats.Errors++
	}

	return stats
}
