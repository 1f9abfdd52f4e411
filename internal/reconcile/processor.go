// Package reconcile drives the batch lifecycle: classify every line item,
// resolve its duty and measures, compute taxes, route low-confidence results
// to review and finally freeze the batch with reconciled totals.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/config"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/matcher"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/store"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tariff"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tax"
)

// ConfirmationError is surfaced unchanged from the store: a confirm attempt
// on a batch with unapproved items.
type ConfirmationError = store.ConfirmationError

// ErrBatchConfirmed is surfaced unchanged from the store.
var ErrBatchConfirmed = store.ErrBatchConfirmed

// ErrNotApprovable is returned when approving an item that has no match or
// whose status does not allow approval.
var ErrNotApprovable = eris.New("line item cannot be approved")

// Processor runs classification, tariff resolution and tax computation over
// a batch. Items are processed concurrently; one item's failure routes that
// item to review and never aborts the batch.
type Processor struct {
	store    store.Store
	matcher  *matcher.Matcher
	registry *tariff.Registry
	overlay  *tariff.Overlay
	cfg      config.BatchConfig
}

// NewProcessor wires a Processor.
func NewProcessor(st store.Store, m *matcher.Matcher, reg *tariff.Registry, ov *tariff.Overlay, cfg config.BatchConfig) *Processor {
	if cfg.MaxConcurrentItems <= 0 {
		cfg.MaxConcurrentItems = 1
	}
	return &Processor{store: st, matcher: m, registry: reg, overlay: ov, cfg: cfg}
}

// Summary reports the outcome of one batch processing run.
type Summary struct {
	BatchID      string `json:"batch_id"`
	Processed    int    `json:"processed"`
	AutoApproved int    `json:"auto_approved"`
	Matched      int    `json:"matched"`
	Reviewing    int    `json:"reviewing"`
	Unclassified int    `json:"unclassified"`
}

// ProcessBatch classifies and prices every pending item of the batch.
// Approved, reviewing and disputed items are left untouched. The batch must
// not be confirmed.
func (p *Processor) ProcessBatch(ctx context.Context, batchID string) (*Summary, error) {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Confirmed {
		return nil, eris.Wrapf(ErrBatchConfirmed, "batch=%s", batchID)
	}

	items, err := p.store.ListLineItems(ctx, batchID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{BatchID: batchID}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentItems)
	for i := range items {
		item := items[i]
		if item.Status != model.StatusPending {
			continue
		}
		g.Go(func() error {
			outcome, err := p.processItem(gctx, batch, &item)
			if err != nil {
				// Store failures are fatal; domain failures were already
				// folded into the outcome.
				return err
			}
			mu.Lock()
			summary.Processed++
			switch outcome {
			case model.StatusApproved:
				summary.AutoApproved++
			case model.StatusMatched:
				summary.Matched++
			case model.StatusReviewing:
				summary.Reviewing++
			case model.StatusPending:
				summary.Unclassified++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrapf(err, "reconcile: process batch %s", batchID)
	}

	zap.L().Info("batch processed",
		zap.String("batch_id", batchID),
		zap.Int("processed", summary.Processed),
		zap.Int("auto_approved", summary.AutoApproved),
		zap.Int("matched", summary.Matched),
		zap.Int("reviewing", summary.Reviewing),
		zap.Int("unclassified", summary.Unclassified),
	)
	return summary, nil
}

// processItem takes one pending item through classify → resolve → compute
// and returns the status it ended in. Returned errors are store failures
// only.
func (p *Processor) processItem(ctx context.Context, batch *model.Batch, item *model.LineItem) (model.LineItemStatus, error) {
	result, err := p.matcher.Classify(ctx, matcher.Query{
		Description: item.ProductDescription,
		Material:    item.Material,
		Origin:      item.Origin,
		Excluded:    item.ExcludedHSCodes,
	})
	if err != nil {
		if eris.Is(err, matcher.ErrUnclassified) {
			// Stays pending for manual HS-code entry.
			if uerr := p.store.UpdateLineItemStatus(ctx, item.ID, model.StatusPending, "no HS code candidate, manual classification required"); uerr != nil {
				return "", uerr
			}
			return model.StatusPending, nil
		}
		return "", eris.Wrapf(err, "reconcile: classify item %s", item.ID)
	}

	status := model.StatusMatched
	reason := ""
	if p.matcher.NeedsReview(result) {
		status = model.StatusReviewing
		reason = "confidence below review threshold"
	}

	breakdown, taxReason := p.price(ctx, batch, item, result)
	if taxReason != "" {
		status = model.StatusReviewing
		reason = taxReason
	}

	if err := p.store.UpdateLineItemMatch(ctx, item.ID, result, status, reason); err != nil {
		return "", err
	}
	if breakdown != nil {
		if err := p.store.UpdateLineItemTax(ctx, item.ID, breakdown); err != nil {
			return "", err
		}
	}

	if status == model.StatusMatched && p.matcher.AutoAcceptable(result) {
		if err := p.store.UpdateLineItemStatus(ctx, item.ID, model.StatusApproved, "auto-accepted"); err != nil {
			return "", err
		}
		if _, err := p.matcher.Accept(ctx, item.ProductDescription, item.Material, result.HSCode); err != nil {
			return "", err
		}
		return model.StatusApproved, nil
	}
	return status, nil
}

// price resolves duty and measures for the classified code and computes the
// tax breakdown. Domain failures (no rule in force, missing VAT rate,
// ambiguous measures) return a non-empty review reason instead of an error.
// The reason names the exact reference-data key that failed so the operator
// can correct it at the source.
func (p *Processor) price(ctx context.Context, batch *model.Batch, item *model.LineItem, result *model.MatchResult) (*model.TaxBreakdown, string) {
	asOf := batch.ImportDate.Format("2006-01-02")

	rule, err := p.registry.ResolveBaseDuty(result.HSCode, item.Origin, batch.ImportDate)
	if err != nil {
		zap.L().Warn("duty resolution failed",
			zap.String("item_id", item.ID),
			zap.String("hs_code", result.HSCode),
			zap.Error(err),
		)
		return nil, fmt.Sprintf("no tariff rule in force for hs=%s origin=%s as_of=%s", result.HSCode, item.Origin, asOf)
	}

	measures, err := p.overlay.ResolveMeasures(result.HSCode, item.Origin, batch.ImportDate, rule.DutyRate)
	if err != nil {
		zap.L().Warn("measure resolution failed",
			zap.String("item_id", item.ID),
			zap.String("hs_code", result.HSCode),
			zap.Error(err),
		)
		return nil, fmt.Sprintf("trade measure resolution failed for hs=%s origin=%s as_of=%s", result.HSCode, item.Origin, asOf)
	}

	vatRate, err := p.store.GetVatRate(ctx, batch.Destination, batch.ImportDate)
	if err != nil {
		zap.L().Warn("vat lookup failed",
			zap.String("item_id", item.ID),
			zap.String("destination", batch.Destination),
			zap.Error(err),
		)
		return nil, fmt.Sprintf("VAT rate lookup failed for destination=%s as_of=%s", batch.Destination, asOf)
	}

	breakdown, err := tax.Compute(rule, measures, vatRate, item.CustomsValue, item.Quantity)
	if err != nil {
		zap.L().Warn("tax computation failed",
			zap.String("item_id", item.ID),
			zap.String("hs_code", result.HSCode),
			zap.Error(err),
		)
		if eris.Is(err, tax.ErrMissingVatRate) {
			return nil, fmt.Sprintf("no VAT rate for destination=%s as_of=%s", batch.Destination, asOf)
		}
		return nil, fmt.Sprintf("tax computation failed for hs=%s: %s", result.HSCode, eris.Cause(err))
	}

	if len(measures.Restrictions) > 0 {
		return breakdown, "import restrictions apply"
	}
	return breakdown, ""
}

// Approve marks a matched or reviewing item approved and feeds the accepted
// match back into the learning table.
func (p *Processor) Approve(ctx context.Context, itemID string) (*model.LineItem, error) {
	item, err := p.store.GetLineItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.MatchedHSCode == "" || !item.Status.CanTransition(model.StatusApproved) {
		return nil, eris.Wrapf(ErrNotApprovable, "item=%s status=%s", itemID, item.Status)
	}
	// An item whose pricing failed carries no breakdown; approving it would
	// let the batch confirm with a silent zero tax. The reference data has to
	// be corrected and the batch reprocessed first.
	if item.Tax == nil {
		return nil, eris.Wrapf(ErrNotApprovable, "item=%s has no tax breakdown: %s", itemID, item.StatusReason)
	}
	if err := p.store.UpdateLineItemStatus(ctx, itemID, model.StatusApproved, "approved by operator"); err != nil {
		return nil, err
	}
	if _, err := p.matcher.Accept(ctx, item.ProductDescription, item.Material, item.MatchedHSCode); err != nil {
		return nil, err
	}
	item.Status = model.StatusApproved
	item.StatusReason = "approved by operator"
	return item, nil
}

// Dispute rejects an item's current match. The code joins the exclusion list
// and the item returns to pending; a later ProcessBatch reclassifies it
// without proposing the disputed code again.
func (p *Processor) Dispute(ctx context.Context, itemID, reason string) (*model.LineItem, error) {
	item, err := p.store.GetLineItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.Status.CanTransition(model.StatusDisputed) {
		return nil, eris.Errorf("reconcile: item %s in status %s cannot be disputed", itemID, item.Status)
	}
	return p.store.DisputeLineItem(ctx, itemID, reason)
}

// Confirm freezes the batch. Every item must be approved; totals are folded
// in the same transaction.
func (p *Processor) Confirm(ctx context.Context, batchID string) (*model.Batch, error) {
	batch, err := p.store.ConfirmBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	zap.L().Info("batch confirmed",
		zap.String("batch_id", batchID),
		zap.String("total_value", batch.TotalValue.String()),
		zap.String("total_duty", batch.TotalDuty.String()),
		zap.String("total_vat", batch.TotalVat.String()),
		zap.String("total_other_tax", batch.TotalOtherTax.String()),
	)
	return batch, nil
}
