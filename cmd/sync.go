package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/refsync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import reference-data feeds",
	Long:  "Replaces reference tables from feed files (.json, .yaml or .xlsx) and rebuilds the resolution snapshot. Syncs of one category are mutually exclusive.",
}

func runSync(name string, fn func(ctx context.Context, a *app, path string) (int, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := fn(ctx, a, args[0])
		if err != nil {
			return err
		}
		zap.L().Info("sync finished",
			zap.String("feed", name),
			zap.String("file", args[0]),
			zap.Int("records", n),
		)
		return nil
	}
}

var syncRulesCmd = &cobra.Command{
	Use:   "rules <file>",
	Short: "Import a tariff rule feed",
	Args:  cobra.ExactArgs(1),
	RunE: runSync(refsync.SyncTariffRules, func(ctx context.Context, a *app, path string) (int, error) {
		return a.syncer.SyncRules(ctx, path)
	}),
}

var syncMeasuresCmd = &cobra.Command{
	Use:   "measures <file>",
	Short: "Import a trade measure feed",
	Args:  cobra.ExactArgs(1),
	RunE: runSync(refsync.SyncTradeMeasures, func(ctx context.Context, a *app, path string) (int, error) {
		return a.syncer.SyncMeasures(ctx, path)
	}),
}

var syncAgreementsCmd = &cobra.Command{
	Use:   "agreements <file>",
	Short: "Import a trade agreement feed",
	Args:  cobra.ExactArgs(1),
	RunE: runSync(refsync.SyncTradeAgreements, func(ctx context.Context, a *app, path string) (int, error) {
		return a.syncer.SyncAgreements(ctx, path)
	}),
}

var syncVatCmd = &cobra.Command{
	Use:   "vat <file>",
	Short: "Import a VAT rate feed",
	Args:  cobra.ExactArgs(1),
	RunE: runSync(refsync.SyncVatRates, func(ctx context.Context, a *app, path string) (int, error) {
		return a.syncer.SyncVat(ctx, path)
	}),
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last successful sync per feed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		status := make(map[string]string)
		for _, syncType := range []string{
			refsync.SyncTariffRules,
			refsync.SyncTradeMeasures,
			refsync.SyncTradeAgreements,
			refsync.SyncVatRates,
		} {
			t, err := a.store.LastSyncSuccess(ctx, syncType)
			if err != nil {
				return err
			}
			if t == nil {
				status[syncType] = "never"
			} else {
				status[syncType] = t.UTC().Format("2006-01-02 15:04:05")
			}
		}
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encode status")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncRulesCmd, syncMeasuresCmd, syncAgreementsCmd, syncVatCmd, syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
