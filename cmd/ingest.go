package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sunward-labs/chatpipe/internal/ingest"
)

var ingestWatch bool

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Pull tenant CSV feeds into the staging table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		importer := ingest.New(st, initDispatcher(cfg.Ingest), cfg.Ingest)

		if !ingestWatch {
			return importer.Run(ctx)
		}

		interval := cfg.Ingest.Interval()
		zap.L().Info("ingest watch started", zap.Duration("interval", interval))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := importer.Run(ctx); err != nil {
				zap.L().Error("ingest run failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "run continuously on the configured interval")
	rootCmd.AddCommand(ingestCmd)
}
