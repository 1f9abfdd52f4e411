package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

var (
	resolveOrigin string
	resolveAsOf   string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <hs-code>",
	Short: "Resolve the duty rate and trade measures for an HS code",
	Long:  "Looks up the tariff rule in force by longest HS prefix and overlays trade agreements, anti-dumping and countervailing duties and restriction flags.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		asOf, err := parseAsOfFlag(resolveAsOf)
		if err != nil {
			return err
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rule, err := a.registry.ResolveBaseDuty(args[0], resolveOrigin, asOf)
		if err != nil {
			return err
		}
		measures, err := a.overlay.ResolveMeasures(args[0], resolveOrigin, asOf, rule.DutyRate)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(struct {
			Rule     *model.TariffRule `json:"rule"`
			Measures *model.MeasureSet `json:"measures"`
		}{rule, measures}, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encode resolution")
		}
		fmt.Println(string(out))
		return nil
	},
}

// parseAsOfFlag turns an optional YYYY-MM-DD flag into a query date,
// defaulting to now.
func parseAsOfFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "invalid --as-of %q", s)
	}
	return t, nil
}

func init() {
	resolveCmd.Flags().StringVar(&resolveOrigin, "origin", "", "origin country code (required)")
	resolveCmd.Flags().StringVar(&resolveAsOf, "as-of", "", "query date YYYY-MM-DD (default today)")
	_ = resolveCmd.MarkFlagRequired("origin")
	rootCmd.AddCommand(resolveCmd)
}
