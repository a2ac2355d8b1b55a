package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sunward-labs/chatpipe/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "chatpipe",
	Short: "Customer support chat ingestion and enrichment pipeline",
	Long:  "Pulls per-tenant chat-export CSV feeds, promotes staged rows into canonical sessions with transcripts, and enriches sessions through the Anthropic Message Batches API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
