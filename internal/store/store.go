package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("not found")

// ErrBatchConfirmed is returned when writing to a batch that has already
// been confirmed. Confirmation freezes the batch and every contained item.
var ErrBatchConfirmed = eris.New("batch is confirmed")

// ConfirmationError reports a confirm attempt on a batch with items that are
// not approved. The batch stays open.
type ConfirmationError struct {
	BatchID string
	ItemIDs []string
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("batch %s has %d items not approved: %s",
		e.BatchID, len(e.ItemIDs), strings.Join(e.ItemIDs, ", "))
}

// SyncRun is one reference-data sync execution recorded in the sync log.
type SyncRun struct {
	ID            string     `json:"id"`
	SyncType      string     `json:"sync_type"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RecordsSynced int        `json:"records_synced"`
	Error         string     `json:"error,omitempty"`
}

// Store is the persistence interface behind the engine. Reference tables are
// written only by the sync; the engine reads them to build snapshots. The
// match-record upsert is the single mutable hot-path write and must
// increment atomically.
type Store interface {
	// Match history (learning cache)
	GetMatchRecord(ctx context.Context, productKey string) (*model.MatchRecord, error)
	UpsertMatchRecord(ctx context.Context, productKey, hsCode string) (*model.MatchRecord, error)

	// Reference data
	ReplaceTariffRules(ctx context.Context, source string, rules []model.TariffRule) (int, error)
	ReplaceTradeMeasures(ctx context.Context, source string, measures []model.TradeMeasure) (int, error)
	ReplaceTradeAgreements(ctx context.Context, agreements []model.TradeAgreement) (int, error)
	ListTariffRules(ctx context.Context) ([]model.TariffRule, error)
	ListTradeMeasures(ctx context.Context) ([]model.TradeMeasure, error)
	ListTradeAgreements(ctx context.Context) ([]model.TradeAgreement, error)

	// Destination VAT table. Returns nil when no rate covers the query;
	// the computation layer turns that into a hard failure.
	ReplaceVatRates(ctx context.Context, rates []model.VatRate) (int, error)
	GetVatRate(ctx context.Context, country string, asOf time.Time) (*decimal.Decimal, error)

	// Batches and line items
	CreateBatch(ctx context.Context, batch *model.Batch) (*model.Batch, error)
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	AddLineItem(ctx context.Context, item *model.LineItem) (*model.LineItem, error)
	GetLineItem(ctx context.Context, itemID string) (*model.LineItem, error)
	ListLineItems(ctx context.Context, batchID string) ([]model.LineItem, error)
	UpdateLineItemMatch(ctx context.Context, itemID string, result *model.MatchResult, status model.LineItemStatus, reason string) error
	UpdateLineItemTax(ctx context.Context, itemID string, tax *model.TaxBreakdown) error
	UpdateLineItemStatus(ctx context.Context, itemID string, status model.LineItemStatus, reason string) error

	// DisputeLineItem rejects the current match: the matched code joins the
	// item's exclusion list, match fields and tax are cleared and the item
	// returns to pending for reclassification.
	DisputeLineItem(ctx context.Context, itemID, reason string) (*model.LineItem, error)

	// ConfirmBatch is the one-way freeze: inside a single transaction it
	// verifies every item is approved, folds item amounts into the batch
	// totals and sets the confirmation flag. Returns *ConfirmationError
	// when items are not approved, ErrBatchConfirmed when already frozen.
	ConfirmBatch(ctx context.Context, batchID string) (*model.Batch, error)

	// Sync log and per-type mutual exclusion
	StartSync(ctx context.Context, syncType string) (*SyncRun, error)
	CompleteSync(ctx context.Context, syncID string, records int) error
	FailSync(ctx context.Context, syncID string, errMsg string) error
	LastSyncSuccess(ctx context.Context, syncType string) (*time.Time, error)
	AcquireSyncLock(ctx context.Context, syncType string) (release func(), err error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
