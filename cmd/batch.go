package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/reconcile"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage declaration batches",
}

var (
	batchCreateReference   string
	batchCreateDestination string
	batchCreateImportDate  string
)

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new declaration batch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		importDate, err := parseAsOfFlag(batchCreateImportDate)
		if err != nil {
			return err
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		batch, err := a.store.CreateBatch(ctx, &model.Batch{
			Reference:   batchCreateReference,
			Destination: batchCreateDestination,
			ImportDate:  importDate,
		})
		if err != nil {
			return err
		}
		fmt.Println(batch.ID)
		return nil
	},
}

var batchAddFile string

var batchAddCmd = &cobra.Command{
	Use:   "add <batch-id>",
	Short: "Add line items to a batch from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(batchAddFile)
		if err != nil {
			return eris.Wrapf(err, "read %s", batchAddFile)
		}
		var items []model.LineItem
		if err := json.Unmarshal(data, &items); err != nil {
			return eris.Wrapf(err, "decode %s", batchAddFile)
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		for i := range items {
			items[i].BatchID = args[0]
			if _, err := a.store.AddLineItem(ctx, &items[i]); err != nil {
				return eris.Wrapf(err, "add item %d", i+1)
			}
		}
		zap.L().Info("items added",
			zap.String("batch_id", args[0]),
			zap.Int("count", len(items)),
		)
		return nil
	},
}

var batchProcessCmd = &cobra.Command{
	Use:   "process <batch-id>",
	Short: "Classify and price every pending item in a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.processor.ProcessBatch(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encode summary")
		}
		fmt.Println(string(out))
		return nil
	},
}

var batchShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a batch with its line items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		batch, err := a.store.GetBatch(ctx, args[0])
		if err != nil {
			return err
		}
		items, err := a.store.ListLineItems(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(struct {
			Batch *model.Batch     `json:"batch"`
			Items []model.LineItem `json:"items"`
		}{batch, items}, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encode batch")
		}
		fmt.Println(string(out))
		return nil
	},
}

var batchApproveCmd = &cobra.Command{
	Use:   "approve <item-id>",
	Short: "Approve a line item's matched HS code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		item, err := a.processor.Approve(ctx, args[0])
		if err != nil {
			return err
		}
		zap.L().Info("item approved",
			zap.String("item_id", item.ID),
			zap.String("hs_code", item.MatchedHSCode),
		)
		return nil
	},
}

var batchDisputeReason string

var batchDisputeCmd = &cobra.Command{
	Use:   "dispute <item-id>",
	Short: "Reject a line item's matched HS code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		item, err := a.processor.Dispute(ctx, args[0], batchDisputeReason)
		if err != nil {
			return err
		}
		zap.L().Info("item disputed",
			zap.String("item_id", item.ID),
			zap.Strings("excluded_hs_codes", item.ExcludedHSCodes),
		)
		return nil
	},
}

var batchConfirmCmd = &cobra.Command{
	Use:   "confirm <batch-id>",
	Short: "Freeze a batch and fold item amounts into its totals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		batch, err := a.processor.Confirm(ctx, args[0])
		if err != nil {
			var confErr *reconcile.ConfirmationError
			if eris.As(err, &confErr) {
				return eris.Errorf("batch %s has %d unapproved items, resolve them first", confErr.BatchID, len(confErr.ItemIDs))
			}
			return err
		}
		out, err := json.MarshalIndent(batch, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encode batch")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	batchCreateCmd.Flags().StringVar(&batchCreateReference, "reference", "", "external batch reference")
	batchCreateCmd.Flags().StringVar(&batchCreateDestination, "destination", "", "destination country code (required)")
	batchCreateCmd.Flags().StringVar(&batchCreateImportDate, "import-date", "", "import date YYYY-MM-DD (default today)")
	_ = batchCreateCmd.MarkFlagRequired("destination")

	batchAddCmd.Flags().StringVar(&batchAddFile, "file", "", "path to JSON line item file (required)")
	_ = batchAddCmd.MarkFlagRequired("file")

	batchDisputeCmd.Flags().StringVar(&batchDisputeReason, "reason", "disputed by operator", "dispute reason")

	batchCmd.AddCommand(batchCreateCmd, batchAddCmd, batchProcessCmd, batchShowCmd, batchApproveCmd, batchDisputeCmd, batchConfirmCmd)
	rootCmd.AddCommand(batchCmd)
}
