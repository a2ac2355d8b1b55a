package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sunward-labs/chatpipe/internal/admin"
	"github.com/sunward-labs/chatpipe/internal/monitoring"
	"github.com/sunward-labs/chatpipe/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin HTTP server without background tasks",
	Long:  "Serves the read-only admin surface against the shared database. Useful next to workers running elsewhere; the task endpoints list no tasks in this mode.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		collector := monitoring.NewCollector(st, cfg.Enrich.RetryCeiling, cfg.Anthropic.Model)
		srv := admin.NewServer([]*scheduler.Task{}, collector, cfg.Monitoring.LookbackWindowHours)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		zap.L().Info("admin server starting", zap.Int("port", port))
		return srv.ListenAndServe(ctx, port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
