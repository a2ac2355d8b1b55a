package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sunward-labs/chatpipe/internal/config"
	"github.com/sunward-labs/chatpipe/internal/fetcher"
	"github.com/sunward-labs/chatpipe/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "chatpipe.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initDispatcher builds the feed fetcher shared by ingestion and promotion.
func initDispatcher(ingestCfg config.IngestConfig) *fetcher.Dispatcher {
	timeout := time.Duration(ingestCfg.FeedTimeoutSecs) * time.Second
	return fetcher.NewDispatcher(
		fetcher.HTTPOptions{
			UserAgent:        "chatpipe/1.0",
			Timeout:          timeout,
			MaxRetries:       ingestCfg.FeedMaxRetries,
			InitialBackoffMs: ingestCfg.FeedBackoffMs,
		},
		fetcher.FTPOptions{
			Timeout: timeout,
		},
	)
}
