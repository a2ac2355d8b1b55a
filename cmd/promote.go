package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sunward-labs/chatpipe/internal/promote"
)

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote staged rows into canonical sessions",
	Long:  "Promotes pending staged rows: fetches and parses each row's transcript, writes the session and its turns, and marks the row processed.",
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

		return promote.New(st, initDispatcher(cfg.Ingest), cfg.Promote).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(promoteCmd)
}
