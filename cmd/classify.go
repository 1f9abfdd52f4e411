package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/matcher"
)

var (
	classifyMaterial string
	classifyOrigin   string
	classifyExcluded []string
)

var classifyCmd = &cobra.Command{
	Use:   "classify <description>",
	Short: "Resolve a product description to an HS code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.matcher.Classify(ctx, matcher.Query{
			Description: args[0],
			Material:    classifyMaterial,
			Origin:      classifyOrigin,
			Excluded:    classifyExcluded,
		})
		if err != nil {
			if eris.Is(err, matcher.ErrUnclassified) {
				return eris.New("no HS code candidate found, manual classification required")
			}
			return err
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encode result")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifyMaterial, "material", "", "material composition")
	classifyCmd.Flags().StringVar(&classifyOrigin, "origin", "", "origin country code")
	classifyCmd.Flags().StringSliceVar(&classifyExcluded, "exclude", nil, "HS codes to exclude from matching")
	rootCmd.AddCommand(classifyCmd)
}
