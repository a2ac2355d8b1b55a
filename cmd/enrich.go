package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sunward-labs/chatpipe/internal/enrich"
	"github.com/sunward-labs/chatpipe/internal/model"
	"github.com/sunward-labs/chatpipe/internal/store"
	"github.com/sunward-labs/chatpipe/pkg/inference"
)

var enrichWaitTimeout time.Duration

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Batch AI enrichment of promoted sessions",
}

// enrichEnv wires the store, inference client, and enricher for one command.
type enrichEnv struct {
	store    store.Store
	client   inference.Client
	enricher *enrich.Enricher
}

func initEnrich(ctx context.Context) (*enrichEnv, error) {
	if err := cfg.Validate("enrich"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	client := inference.NewClient(cfg.Anthropic.Key)
	return &enrichEnv{
		store:    st,
		client:   client,
		enricher: enrich.New(st, client, cfg.Enrich, cfg.Anthropic),
	}, nil
}

func (e *enrichEnv) Close() {
	e.store.Close() //nolint:errcheck
}

var enrichSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Claim eligible sessions and submit one batch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnrich(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.enricher.Submit(ctx)
	},
}

var enrichPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Check the status of submitted batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnrich(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.enricher.Poll(ctx)
	},
}

var enrichReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Apply results of completed batches to their sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnrich(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.enricher.Reconcile(ctx)
	},
}

var enrichRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit one batch, wait for it, and reconcile the results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnrich(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.enricher.Submit(ctx); err != nil {
			return err
		}

		jobs, err := env.store.ListBatchJobsByStatus(ctx, model.BatchSubmitted)
		if err != nil {
			return eris.Wrap(err, "list submitted jobs")
		}
		if len(jobs) == 0 {
			zap.L().Info("no batches awaiting completion")
			return nil
		}

		for _, job := range jobs {
			if job.ExternalID == "" {
				continue
			}
			zap.L().Info("waiting for batch",
				zap.String("job", job.ID),
				zap.String("external_id", job.ExternalID),
			)
			if _, err := inference.WaitForBatch(ctx, env.client, job.ExternalID,
				inference.WithPollTimeout(enrichWaitTimeout)); err != nil {
				zap.L().Warn("batch wait failed", zap.String("job", job.ID), zap.Error(err))
			}
		}

		if err := env.enricher.Poll(ctx); err != nil {
			return err
		}
		return env.enricher.Reconcile(ctx)
	},
}

func init() {
	enrichRunCmd.Flags().DurationVar(&enrichWaitTimeout, "wait-timeout", 2*time.Hour, "maximum time to wait for batch completion")

	enrichCmd.AddCommand(enrichSubmitCmd)
	enrichCmd.AddCommand(enrichPollCmd)
	enrichCmd.AddCommand(enrichReconcileCmd)
	enrichCmd.AddCommand(enrichRunCmd)
	rootCmd.AddCommand(enrichCmd)
}
