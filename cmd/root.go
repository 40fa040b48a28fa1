package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n8layman/ecoextract/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ecoextract",
	Short: "LLM extraction pipeline for scanned ecological literature",
	Long:  "OCRs scanned papers, extracts structured occurrence records via tiered Claude models, deduplicates across reruns, and scores extraction accuracy against human review.",
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
