package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tariffctl",
	Short: "Tariff resolution and HS-classification engine",
	Long:  "Classifies product descriptions to HS codes, resolves effective-dated duty rates and trade measures, computes import taxes and reconciles declaration batches.",
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
