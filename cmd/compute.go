package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tax"
)

var (
	computeOrigin      string
	computeDestination string
	computeAsOf        string
	computeValue       string
	computeQuantity    string
)

var computeCmd = &cobra.Command{
	Use:   "compute <hs-code>",
	Short: "Compute the full tax breakdown for one line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		asOf, err := parseAsOfFlag(computeAsOf)
		if err != nil {
			return err
		}
		customsValue, err := decimal.NewFromString(computeValue)
		if err != nil {
			return eris.Wrapf(err, "invalid --value %q", computeValue)
		}
		quantity := decimal.Zero
		if computeQuantity != "" {
			if quantity, err = decimal.NewFromString(computeQuantity); err != nil {
				return eris.Wrapf(err, "invalid --quantity %q", computeQuantity)
			}
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rule, err := a.registry.ResolveBaseDuty(args[0], computeOrigin, asOf)
		if err != nil {
			return err
		}
		measures, err := a.overlay.ResolveMeasures(args[0], computeOrigin, asOf, rule.DutyRate)
		if err != nil {
			return err
		}
		vatRate, err := a.store.GetVatRate(ctx, computeDestination, asOf)
		if err != nil {
			return err
		}

		breakdown, err := tax.Compute(rule, measures, vatRate, customsValue, quantity)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(breakdown, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encode breakdown")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	computeCmd.Flags().StringVar(&computeOrigin, "origin", "", "origin country code (required)")
	computeCmd.Flags().StringVar(&computeDestination, "destination", "", "destination country code (required)")
	computeCmd.Flags().StringVar(&computeAsOf, "as-of", "", "query date YYYY-MM-DD (default today)")
	computeCmd.Flags().StringVar(&computeValue, "value", "", "customs value (required)")
	computeCmd.Flags().StringVar(&computeQuantity, "quantity", "", "declared quantity, for per-unit duties")
	_ = computeCmd.MarkFlagRequired("origin")
	_ = computeCmd.MarkFlagRequired("destination")
	_ = computeCmd.MarkFlagRequired("value")
	rootCmd.AddCommand(computeCmd)
}
