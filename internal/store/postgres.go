package store

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/db"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
	// pgxPool is the concrete pool when available; advisory locks need a
	// pinned session. Nil under pgxmock, where the keyed mutex stands in.
	pgxPool   *pgxpool.Pool
	syncLocks keyedMutex
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, pgxPool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tariff_rules (
	id          TEXT PRIMARY KEY,
	hs_code     TEXT NOT NULL,
	origin      TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	duty_rate   TEXT NOT NULL,
	duty_kind   TEXT NOT NULL,
	unit        TEXT,
	valid_from  TIMESTAMPTZ NOT NULL,
	valid_to    TIMESTAMPTZ,
	legal_base  TEXT,
	data_source TEXT NOT NULL DEFAULT '',
	is_active   BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS trade_measures (
	id             TEXT PRIMARY KEY,
	measure_type   TEXT NOT NULL,
	hs_code_prefix TEXT NOT NULL,
	geo_areas      JSONB NOT NULL,
	excluded_areas JSONB,
	duty_rate      TEXT NOT NULL,
	valid_from     TIMESTAMPTZ NOT NULL,
	valid_to       TIMESTAMPTZ,
	conditions     JSONB,
	data_source    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS trade_agreements (
	code              TEXT PRIMARY KEY,
	country_scope     JSONB NOT NULL,
	preferential_rate TEXT NOT NULL,
	valid_from        TIMESTAMPTZ NOT NULL,
	valid_to          TIMESTAMPTZ,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS vat_rates (
	country    TEXT NOT NULL,
	rate       TEXT NOT NULL,
	valid_from TIMESTAMPTZ NOT NULL,
	valid_to   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS match_records (
	product_key     TEXT PRIMARY KEY,
	hs_code         TEXT NOT NULL,
	match_count     BIGINT NOT NULL DEFAULT 1,
	last_matched_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id              TEXT PRIMARY KEY,
	reference       TEXT NOT NULL DEFAULT '',
	destination     TEXT NOT NULL,
	import_date     TIMESTAMPTZ NOT NULL,
	total_value     TEXT NOT NULL DEFAULT '0',
	total_duty      TEXT NOT NULL DEFAULT '0',
	total_vat       TEXT NOT NULL DEFAULT '0',
	total_other_tax TEXT NOT NULL DEFAULT '0',
	confirmed       BOOLEAN NOT NULL DEFAULT FALSE,
	confirmed_at    TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS line_items (
	id                  TEXT PRIMARY KEY,
	batch_id            TEXT NOT NULL REFERENCES batches(id),
	product_description TEXT NOT NULL,
	material            TEXT NOT NULL DEFAULT '',
	origin              TEXT NOT NULL,
	declared_hs_code    TEXT NOT NULL DEFAULT '',
	customs_value       TEXT NOT NULL,
	quantity            TEXT NOT NULL DEFAULT '0',
	weight              TEXT NOT NULL DEFAULT '0',
	matched_hs_code     TEXT NOT NULL DEFAULT '',
	match_confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	match_source        TEXT NOT NULL DEFAULT '',
	tax                 JSONB,
	status              TEXT NOT NULL DEFAULT 'pending',
	status_reason       TEXT NOT NULL DEFAULT '',
	excluded_hs_codes   JSONB,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_log (
	id             TEXT PRIMARY KEY,
	sync_type      TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	started_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ,
	records_synced INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tariff_rules_origin_code ON tariff_rules(origin, hs_code);
CREATE INDEX IF NOT EXISTS idx_trade_measures_type ON trade_measures(measure_type);
CREATE INDEX IF NOT EXISTS idx_vat_rates_country ON vat_rates(country);
CREATE INDEX IF NOT EXISTS idx_line_items_batch ON line_items(batch_id);
CREATE INDEX IF NOT EXISTS idx_line_items_status ON line_items(status);
CREATE INDEX IF NOT EXISTS idx_sync_log_type ON sync_log(sync_type, started_at);
`

// migrationLockKey guards concurrent schema migrations.
const migrationLockKey = 7421001

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockKey)

	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- match history ---

func (s *PostgresStore) GetMatchRecord(ctx context.Context, productKey string) (*model.MatchRecord, error) {
	var r model.MatchRecord
	err := s.pool.QueryRow(ctx,
		`SELECT product_key, hs_code, match_count, last_matched_at FROM match_records WHERE product_key = $1`,
		productKey,
	).Scan(&r.ProductKey, &r.HSCode, &r.MatchCount, &r.LastMatchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get match record")
	}
	return &r, nil
}

func (s *PostgresStore) UpsertMatchRecord(ctx context.Context, productKey, hsCode string) (*model.MatchRecord, error) {
	var r model.MatchRecord
	err := s.pool.QueryRow(ctx,
		`INSERT INTO match_records (product_key, hs_code, match_count, last_matched_at)
		 VALUES ($1, $2, 1, $3)
		 ON CONFLICT (product_key) DO UPDATE SET
			match_count = match_records.match_count + 1,
			hs_code = EXCLUDED.hs_code,
			last_matched_at = EXCLUDED.last_matched_at
		 RETURNING product_key, hs_code, match_count, last_matched_at`,
		productKey, hsCode, time.Now().UTC(),
	).Scan(&r.ProductKey, &r.HSCode, &r.MatchCount, &r.LastMatchedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert match record %s", productKey)
	}
	return &r, nil
}

// --- reference data ---

func (s *PostgresStore) ReplaceTariffRules(ctx context.Context, source string, rules []model.TariffRule) (int, error) {
	rows := make([][]any, 0, len(rules))
	for i := range rules {
		r := &rules[i]
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{
			id, r.HSCode, r.Origin, r.Description, r.DutyRate.String(), string(r.DutyKind),
			r.Unit, r.ValidFrom.UTC(), nullableTime(r.ValidTo), r.LegalBase, source, r.Active,
		})
	}
	n, err := db.ReplaceSet(ctx, s.pool, "tariff_rules",
		[]string{"id", "hs_code", "origin", "description", "duty_rate", "duty_kind", "unit", "valid_from", "valid_to", "legal_base", "data_source", "is_active"},
		`DELETE FROM tariff_rules WHERE data_source = $1`, []any{source}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: replace tariff rules for %s", source)
	}
	return int(n), nil
}

func (s *PostgresStore) ReplaceTradeMeasures(ctx context.Context, source string, measures []model.TradeMeasure) (int, error) {
	rows := make([][]any, 0, len(measures))
	for i := range measures {
		m := &measures[i]
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		geoJSON, err := json.Marshal(m.GeoAreas)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal geo areas")
		}
		excludedJSON, err := json.Marshal(m.ExcludedAreas)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal excluded areas")
		}
		condJSON, err := json.Marshal(m.Conditions)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal conditions")
		}
		rows = append(rows, []any{
			id, string(m.Type), m.HSCodePrefix, geoJSON, excludedJSON,
			m.DutyRate.String(), m.ValidFrom.UTC(), nullableTime(m.ValidTo), condJSON, source,
		})
	}
	n, err := db.ReplaceSet(ctx, s.pool, "trade_measures",
		[]string{"id", "measure_type", "hs_code_prefix", "geo_areas", "excluded_areas", "duty_rate", "valid_from", "valid_to", "conditions", "data_source"},
		`DELETE FROM trade_measures WHERE data_source = $1`, []any{source}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: replace trade measures for %s", source)
	}
	return int(n), nil
}

func (s *PostgresStore) ReplaceTradeAgreements(ctx context.Context, agreements []model.TradeAgreement) (int, error) {
	rows := make([][]any, 0, len(agreements))
	for i := range agreements {
		a := &agreements[i]
		scopeJSON, err := json.Marshal(a.CountryScope)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal country scope")
		}
		rows = append(rows, []any{
			a.Code, scopeJSON, a.PreferentialRate.String(), a.ValidFrom.UTC(), nullableTime(a.ValidTo), a.Active,
		})
	}
	n, err := db.ReplaceSet(ctx, s.pool, "trade_agreements",
		[]string{"code", "country_scope", "preferential_rate", "valid_from", "valid_to", "is_active"},
		`DELETE FROM trade_agreements`, nil, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: replace trade agreements")
	}
	return int(n), nil
}

func (s *PostgresStore) ListTariffRules(ctx context.Context) ([]model.TariffRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, hs_code, origin, description, duty_rate, duty_kind, unit, valid_from, valid_to, legal_base, data_source, is_active
		 FROM tariff_rules`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tariff rules")
	}
	defer rows.Close()

	var rules []model.TariffRule
	for rows.Next() {
		var (
			r       model.TariffRule
			rate    string
			unit    *string
			validTo *time.Time
			legal   *string
		)
		if err := rows.Scan(&r.ID, &r.HSCode, &r.Origin, &r.Description, &rate, &r.DutyKind, &unit, &r.ValidFrom, &validTo, &legal, &r.DataSource, &r.Active); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tariff rule")
		}
		if r.DutyRate, err = decimal.NewFromString(rate); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse duty rate %q", rate)
		}
		if unit != nil {
			r.Unit = *unit
		}
		if legal != nil {
			r.LegalBase = *legal
		}
		r.ValidTo = validTo
		rules = append(rules, r)
	}
	return rules, eris.Wrap(rows.Err(), "postgres: list tariff rules iterate")
}

func (s *PostgresStore) ListTradeMeasures(ctx context.Context) ([]model.TradeMeasure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, measure_type, hs_code_prefix, geo_areas, excluded_areas, duty_rate, valid_from, valid_to, conditions, data_source
		 FROM trade_measures`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list trade measures")
	}
	defer rows.Close()

	var measures []model.TradeMeasure
	for rows.Next() {
		var (
			m                      model.TradeMeasure
			rate                   string
			geoJSON                []byte
			excludedJSON, condJSON []byte
			validTo                *time.Time
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.HSCodePrefix, &geoJSON, &excludedJSON, &rate, &m.ValidFrom, &validTo, &condJSON, &m.DataSource); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trade measure")
		}
		if m.DutyRate, err = decimal.NewFromString(rate); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse measure rate %q", rate)
		}
		if err := json.Unmarshal(geoJSON, &m.GeoAreas); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal geo areas")
		}
		if len(excludedJSON) > 0 {
			if err := json.Unmarshal(excludedJSON, &m.ExcludedAreas); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal excluded areas")
			}
		}
		if len(condJSON) > 0 {
			if err := json.Unmarshal(condJSON, &m.Conditions); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal conditions")
			}
		}
		m.ValidTo = validTo
		measures = append(measures, m)
	}
	return measures, eris.Wrap(rows.Err(), "postgres: list trade measures iterate")
}

func (s *PostgresStore) ListTradeAgreements(ctx context.Context) ([]model.TradeAgreement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, country_scope, preferential_rate, valid_from, valid_to, is_active FROM trade_agreements`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list trade agreements")
	}
	defer rows.Close()

	var agreements []model.TradeAgreement
	for rows.Next() {
		var (
			a         model.TradeAgreement
			scopeJSON []byte
			rate      string
			validTo   *time.Time
		)
		if err := rows.Scan(&a.Code, &scopeJSON, &rate, &a.ValidFrom, &validTo, &a.Active); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trade agreement")
		}
		if a.PreferentialRate, err = decimal.NewFromString(rate); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse preferential rate %q", rate)
		}
		if err := json.Unmarshal(scopeJSON, &a.CountryScope); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal country scope")
		}
		a.ValidTo = validTo
		agreements = append(agreements, a)
	}
	return agreements, eris.Wrap(rows.Err(), "postgres: list trade agreements iterate")
}

// --- VAT ---

func (s *PostgresStore) ReplaceVatRates(ctx context.Context, rates []model.VatRate) (int, error) {
	rows := make([][]any, 0, len(rates))
	for i := range rates {
		v := &rates[i]
		rows = append(rows, []any{v.Country, v.Rate.String(), v.ValidFrom.UTC(), nullableTime(v.ValidTo)})
	}
	n, err := db.ReplaceSet(ctx, s.pool, "vat_rates",
		[]string{"country", "rate", "valid_from", "valid_to"},
		`DELETE FROM vat_rates`, nil, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: replace vat rates")
	}
	return int(n), nil
}

func (s *PostgresStore) GetVatRate(ctx context.Context, country string, asOf time.Time) (*decimal.Decimal, error) {
	var rate string
	err := s.pool.QueryRow(ctx,
		`SELECT rate FROM vat_rates
		 WHERE country = $1 AND valid_from <= $2 AND (valid_to IS NULL OR valid_to >= $2)
		 ORDER BY valid_from DESC LIMIT 1`,
		country, asOf.UTC(),
	).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get vat rate %s", country)
	}
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: parse vat rate %q", rate)
	}
	return &d, nil
}

// --- batches and line items ---

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *model.Batch) (*model.Batch, error) {
	b := *batch
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, reference, destination, import_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.Reference, b.Destination, b.ImportDate.UTC(), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert batch")
	}
	b.TotalValue, b.TotalDuty, b.TotalVat, b.TotalOtherTax = decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	return &b, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, reference, destination, import_date, total_value, total_duty, total_vat, total_other_tax, confirmed, confirmed_at, created_at, updated_at
		 FROM batches WHERE id = $1`,
		batchID,
	)
	b, err := scanBatchPgx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return b, err
}

func (s *PostgresStore) AddLineItem(ctx context.Context, item *model.LineItem) (*model.LineItem, error) {
	it := *item
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.Status == "" {
		it.Status = model.StatusPending
	}
	now := time.Now().UTC()
	it.CreatedAt = now
	it.UpdatedAt = now

	excludedJSON, err := json.Marshal(it.ExcludedHSCodes)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal excluded codes")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO line_items (id, batch_id, product_description, material, origin, declared_hs_code, customs_value, quantity, weight, status, excluded_hs_codes, created_at, updated_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		 WHERE EXISTS (SELECT 1 FROM batches WHERE id = $2 AND confirmed = FALSE)`,
		it.ID, it.BatchID, it.ProductDescription, it.Material, it.Origin, it.DeclaredHSCode,
		it.CustomsValue.String(), it.Quantity.String(), it.Weight.String(),
		string(it.Status), excludedJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert line item")
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBatch(ctx, it.BatchID); err != nil {
			return nil, err
		}
		return nil, eris.Wrapf(ErrBatchConfirmed, "batch=%s", it.BatchID)
	}
	return &it, nil
}

func (s *PostgresStore) GetLineItem(ctx context.Context, itemID string) (*model.LineItem, error) {
	item, err := scanLineItemPgx(s.pool.QueryRow(ctx,
		`SELECT id, batch_id, product_description, material, origin, declared_hs_code, customs_value, quantity, weight, matched_hs_code, match_confidence, match_source, tax, status, status_reason, excluded_hs_codes, created_at, updated_at
		 FROM line_items WHERE id = $1`,
		itemID,
	))
	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "line item %s", itemID)
	}
	return item, err
}

func (s *PostgresStore) ListLineItems(ctx context.Context, batchID string) ([]model.LineItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, product_description, material, origin, declared_hs_code, customs_value, quantity, weight, matched_hs_code, match_confidence, match_source, tax, status, status_reason, excluded_hs_codes, created_at, updated_at
		 FROM line_items WHERE batch_id = $1 ORDER BY created_at`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list line items")
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		item, err := scanLineItemPgx(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list line items iterate")
}

const pgUnconfirmedGuard = `batch_id IN (SELECT id FROM batches WHERE confirmed = FALSE)`

func (s *PostgresStore) updateItemUnlessConfirmed(ctx context.Context, itemID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update line item %s", itemID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var batchID string
	err = s.pool.QueryRow(ctx, `SELECT batch_id FROM line_items WHERE id = $1`, itemID).Scan(&batchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "line item %s", itemID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check line item %s", itemID)
	}
	return eris.Wrapf(ErrBatchConfirmed, "batch=%s item=%s", batchID, itemID)
}

func (s *PostgresStore) UpdateLineItemMatch(ctx context.Context, itemID string, result *model.MatchResult, status model.LineItemStatus, reason string) error {
	return s.updateItemUnlessConfirmed(ctx, itemID,
		`UPDATE line_items SET matched_hs_code = $1, match_confidence = $2, match_source = $3, status = $4, status_reason = $5, updated_at = $6
		 WHERE id = $7 AND `+pgUnconfirmedGuard,
		result.HSCode, result.Confidence, string(result.Source), string(status), reason, time.Now().UTC(), itemID,
	)
}

func (s *PostgresStore) UpdateLineItemTax(ctx context.Context, itemID string, tax *model.TaxBreakdown) error {
	taxJSON, err := json.Marshal(tax)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal tax breakdown")
	}
	return s.updateItemUnlessConfirmed(ctx, itemID,
		`UPDATE line_items SET tax = $1, updated_at = $2 WHERE id = $3 AND `+pgUnconfirmedGuard,
		taxJSON, time.Now().UTC(), itemID,
	)
}

func (s *PostgresStore) UpdateLineItemStatus(ctx context.Context, itemID string, status model.LineItemStatus, reason string) error {
	return s.updateItemUnlessConfirmed(ctx, itemID,
		`UPDATE line_items SET status = $1, status_reason = $2, updated_at = $3 WHERE id = $4 AND `+pgUnconfirmedGuard,
		string(status), reason, time.Now().UTC(), itemID,
	)
}

func (s *PostgresStore) DisputeLineItem(ctx context.Context, itemID, reason string) (*model.LineItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin dispute")
	}
	defer tx.Rollback(ctx)

	item, err := scanLineItemPgx(tx.QueryRow(ctx,
		`SELECT id, batch_id, product_description, material, origin, declared_hs_code, customs_value, quantity, weight, matched_hs_code, match_confidence, match_source, tax, status, status_reason, excluded_hs_codes, created_at, updated_at
		 FROM line_items WHERE id = $1 FOR UPDATE`,
		itemID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "line item %s", itemID)
		}
		return nil, err
	}

	var confirmed bool
	if err := tx.QueryRow(ctx, `SELECT confirmed FROM batches WHERE id = $1`, item.BatchID).Scan(&confirmed); err != nil {
		return nil, eris.Wrapf(err, "postgres: check batch %s", item.BatchID)
	}
	if confirmed {
		return nil, eris.Wrapf(ErrBatchConfirmed, "batch=%s item=%s", item.BatchID, itemID)
	}

	if item.MatchedHSCode != "" && !containsCode(item.ExcludedHSCodes, item.MatchedHSCode) {
		item.ExcludedHSCodes = append(item.ExcludedHSCodes, item.MatchedHSCode)
	}
	excludedJSON, err := json.Marshal(item.ExcludedHSCodes)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal excluded codes")
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE line_items SET matched_hs_code = '', match_confidence = 0, match_source = '', tax = NULL,
			status = $1, status_reason = $2, excluded_hs_codes = $3, updated_at = $4
		 WHERE id = $5 AND `+pgUnconfirmedGuard,
		string(model.StatusPending), reason, excludedJSON, now, itemID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: dispute line item %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrBatchConfirmed, "batch=%s item=%s", item.BatchID, itemID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit dispute")
	}

	item.MatchedHSCode = ""
	item.MatchConfidence = 0
	item.MatchSource = ""
	item.Tax = nil
	item.Status = model.StatusPending
	item.StatusReason = reason
	item.UpdatedAt = now
	return item, nil
}

func (s *PostgresStore) ConfirmBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin confirm")
	}
	defer tx.Rollback(ctx)

	var confirmed bool
	err = tx.QueryRow(ctx, `SELECT confirmed FROM batches WHERE id = $1 FOR UPDATE`, batchID).Scan(&confirmed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load batch %s", batchID)
	}
	if confirmed {
		return nil, eris.Wrapf(ErrBatchConfirmed, "batch=%s", batchID)
	}

	rows, err := tx.Query(ctx, `SELECT id, status, customs_value, tax FROM line_items WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load items for confirm")
	}

	var (
		notApproved []string
		totalValue  = decimal.Zero
		totalDuty   = decimal.Zero
		totalVat    = decimal.Zero
		totalOther  = decimal.Zero
	)
	for rows.Next() {
		var (
			id, status, value string
			taxJSON           []byte
		)
		if err := rows.Scan(&id, &status, &value, &taxJSON); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan item for confirm")
		}
		// An approved item without a breakdown would fold in as zero tax;
		// it blocks confirmation the same way an unapproved one does.
		if model.LineItemStatus(status) != model.StatusApproved || len(taxJSON) == 0 {
			notApproved = append(notApproved, id)
			continue
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "postgres: parse customs value %q", value)
		}
		totalValue = totalValue.Add(v)
		var tax model.TaxBreakdown
		if err := json.Unmarshal(taxJSON, &tax); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: unmarshal tax breakdown")
		}
		totalDuty = totalDuty.Add(tax.DutyAmount)
		totalVat = totalVat.Add(tax.VatAmount)
		totalOther = totalOther.Add(tax.AntiDumping).Add(tax.Countervailing)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate items for confirm")
	}
	if len(notApproved) > 0 {
		return nil, &ConfirmationError{BatchID: batchID, ItemIDs: notApproved}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE batches SET total_value = $1, total_duty = $2, total_vat = $3, total_other_tax = $4, confirmed = TRUE, confirmed_at = $5, updated_at = $5
		 WHERE id = $6`,
		totalValue.String(), totalDuty.String(), totalVat.String(), totalOther.String(), now, batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: confirm batch %s", batchID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit confirm")
	}

	return s.GetBatch(ctx, batchID)
}

// --- sync log ---

func (s *PostgresStore) StartSync(ctx context.Context, syncType string) (*SyncRun, error) {
	run := &SyncRun{
		ID:        uuid.New().String(),
		SyncType:  syncType,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_log (id, sync_type, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.SyncType, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start sync %s", syncType)
	}
	return run, nil
}

func (s *PostgresStore) CompleteSync(ctx context.Context, syncID string, records int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_log SET status = 'complete', completed_at = $1, records_synced = $2 WHERE id = $3`,
		time.Now().UTC(), records, syncID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete sync %s", syncID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "sync run %s", syncID)
	}
	return nil
}

func (s *PostgresStore) FailSync(ctx context.Context, syncID string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_log SET status = 'failed', completed_at = $1, error = $2 WHERE id = $3`,
		time.Now().UTC(), errMsg, syncID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail sync %s", syncID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "sync run %s", syncID)
	}
	return nil
}

func (s *PostgresStore) LastSyncSuccess(ctx context.Context, syncType string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM sync_log WHERE sync_type = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		syncType,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last sync success %s", syncType)
	}
	return &t, nil
}

// AcquireSyncLock takes a session advisory lock keyed by the sync type so
// concurrent syncs of the same category are mutually exclusive across
// processes. The lock is held on a pinned connection until release.
func (s *PostgresStore) AcquireSyncLock(ctx context.Context, syncType string) (func(), error) {
	if s.pgxPool == nil {
		return s.syncLocks.lock(ctx, syncType)
	}

	conn, err := s.pgxPool.Acquire(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: acquire conn for sync lock %s", syncType)
	}
	key := syncLockKey(syncType)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Release()
		return nil, eris.Wrapf(err, "postgres: advisory lock %s", syncType)
	}
	release := func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
			// The lock dies with the session either way.
			_ = err
		}
		conn.Release()
	}
	return release, nil
}

func syncLockKey(syncType string) int64 {
	h := fnv.New64a()
	h.Write([]byte(syncType))
	return int64(h.Sum64())
}

// --- scan helpers ---

func scanBatchPgx(row pgx.Row) (*model.Batch, error) {
	var (
		b                       model.Batch
		value, duty, vat, other string
		confirmedAt             *time.Time
	)
	err := row.Scan(&b.ID, &b.Reference, &b.Destination, &b.ImportDate, &value, &duty, &vat, &other, &b.Confirmed, &confirmedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if b.TotalValue, err = decimal.NewFromString(value); err != nil {
		return nil, eris.Wrapf(err, "postgres: parse total value %q", value)
	}
	if b.TotalDuty, err = decimal.NewFromString(duty); err != nil {
		return nil, eris.Wrapf(err, "postgres: parse total duty %q", duty)
	}
	if b.TotalVat, err = decimal.NewFromString(vat); err != nil {
		return nil, eris.Wrapf(err, "postgres: parse total vat %q", vat)
	}
	if b.TotalOtherTax, err = decimal.NewFromString(other); err != nil {
		return nil, eris.Wrapf(err, "postgres: parse total other tax %q", other)
	}
	b.ConfirmedAt = confirmedAt
	return &b, nil
}

func scanLineItemPgx(row pgx.Row) (*model.LineItem, error) {
	var (
		it                      model.LineItem
		value, quantity, weight string
		taxJSON, excludedJSON   []byte
	)
	err := row.Scan(&it.ID, &it.BatchID, &it.ProductDescription, &it.Material, &it.Origin, &it.DeclaredHSCode,
		&value, &quantity, &weight, &it.MatchedHSCode, &it.MatchConfidence, &it.MatchSource,
		&taxJSON, &it.Status, &it.StatusReason, &excludedJSON, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan line item")
	}
	if it.CustomsValue, err = decimal.NewFromString(value); err != nil {
		return nil, eris.Wrapf(err, "postgres: parse customs value %q", value)
	}
	if it.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, eris.Wrapf(err, "postgres: parse quantity %q", quantity)
	}
	if it.Weight, err = decimal.NewFromString(weight); err != nil {
		return nil, eris.Wrapf(err, "postgres: parse weight %q", weight)
	}
	if len(taxJSON) > 0 {
		it.Tax = &model.TaxBreakdown{}
		if err := json.Unmarshal(taxJSON, it.Tax); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal tax breakdown")
		}
	}
	if len(excludedJSON) > 0 {
		if err := json.Unmarshal(excludedJSON, &it.ExcludedHSCodes); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal excluded codes")
		}
	}
	return &it, nil
}
