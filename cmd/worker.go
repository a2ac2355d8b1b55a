package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sunward-labs/chatpipe/internal/admin"
	"github.com/sunward-labs/chatpipe/internal/enrich"
	"github.com/sunward-labs/chatpipe/internal/ingest"
	"github.com/sunward-labs/chatpipe/internal/monitoring"
	"github.com/sunward-labs/chatpipe/internal/promote"
	"github.com/sunward-labs/chatpipe/internal/scheduler"
	"github.com/sunward-labs/chatpipe/pkg/inference"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the full pipeline as supervised background tasks",
	Long:  "Runs ingestion, promotion, and the three enrichment steps as periodic tasks, plus the monitoring checker and the admin HTTP server. All coordination is persisted state, so multiple workers may run against the same database.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		dispatcher := initDispatcher(cfg.Ingest)
		importer := ingest.New(st, dispatcher, cfg.Ingest)
		promoter := promote.New(st, dispatcher, cfg.Promote)
		enricher := enrich.New(st, inference.NewClient(cfg.Anthropic.Key), cfg.Enrich, cfg.Anthropic)

		secs := func(n int) time.Duration { return time.Duration(n) * time.Second }

		tasks := []*scheduler.Task{
			scheduler.New("ingest", scheduler.Config{
				Interval:   secs(cfg.Ingest.IntervalSecs),
				Timeout:    secs(cfg.Ingest.TimeoutSecs),
				MaxRetries: cfg.Ingest.MaxTaskRetries,
			}, importer.Run),
			scheduler.New("promote", scheduler.Config{
				Interval:   secs(cfg.Promote.IntervalSecs),
				Timeout:    secs(cfg.Promote.TimeoutSecs),
				MaxRetries: cfg.Promote.MaxTaskRetries,
			}, promoter.Run),
			scheduler.New("enrich-submit", scheduler.Config{
				Interval:   secs(cfg.Enrich.SubmitIntervalSecs),
				Timeout:    secs(cfg.Enrich.TimeoutSecs),
				MaxRetries: cfg.Enrich.MaxTaskRetries,
			}, enricher.Submit),
			scheduler.New("enrich-poll", scheduler.Config{
				Interval:   secs(cfg.Enrich.PollIntervalSecs),
				Timeout:    secs(cfg.Enrich.TimeoutSecs),
				MaxRetries: cfg.Enrich.MaxTaskRetries,
			}, enricher.Poll),
			scheduler.New("enrich-reconcile", scheduler.Config{
				Interval:   secs(cfg.Enrich.PollIntervalSecs),
				Timeout:    secs(cfg.Enrich.TimeoutSecs),
				MaxRetries: cfg.Enrich.MaxTaskRetries,
			}, enricher.Reconcile),
		}

		collector := monitoring.NewCollector(st, cfg.Enrich.RetryCeiling, cfg.Anthropic.Model)
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring)

		for _, t := range tasks {
			t.Subscribe(alerter.TaskListener())
			t.Start()
		}
		defer func() {
			for _, t := range tasks {
				t.Stop()
			}
		}()

		go checker.Run(ctx)

		srv := admin.NewServer(tasks, collector, cfg.Monitoring.LookbackWindowHours)

		zap.L().Info("worker started",
			zap.Int("tasks", len(tasks)),
			zap.Int("admin_port", cfg.Server.Port),
		)
		return srv.ListenAndServe(ctx, cfg.Server.Port)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
