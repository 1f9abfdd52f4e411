package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db        *sql.DB
	syncLocks keyedMutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tariff_rules (
	id          TEXT PRIMARY KEY,
	hs_code     TEXT NOT NULL,
	origin      TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	duty_rate   TEXT NOT NULL,
	duty_kind   TEXT NOT NULL,
	unit        TEXT,
	valid_from  DATETIME NOT NULL,
	valid_to    DATETIME,
	legal_base  TEXT,
	data_source TEXT NOT NULL DEFAULT '',
	is_active   INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS trade_measures (
	id             TEXT PRIMARY KEY,
	measure_type   TEXT NOT NULL,
	hs_code_prefix TEXT NOT NULL,
	geo_areas      TEXT NOT NULL,
	excluded_areas TEXT,
	duty_rate      TEXT NOT NULL,
	valid_from     DATETIME NOT NULL,
	valid_to       DATETIME,
	conditions     TEXT,
	data_source    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS trade_agreements (
	code              TEXT PRIMARY KEY,
	country_scope     TEXT NOT NULL,
	preferential_rate TEXT NOT NULL,
	valid_from        DATETIME NOT NULL,
	valid_to          DATETIME,
	is_active         INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS vat_rates (
	country    TEXT NOT NULL,
	rate       TEXT NOT NULL,
	valid_from DATETIME NOT NULL,
	valid_to   DATETIME
);

CREATE TABLE IF NOT EXISTS match_records (
	product_key     TEXT PRIMARY KEY,
	hs_code         TEXT NOT NULL,
	match_count     INTEGER NOT NULL DEFAULT 1,
	last_matched_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id              TEXT PRIMARY KEY,
	reference       TEXT NOT NULL DEFAULT '',
	destination     TEXT NOT NULL,
	import_date     DATETIME NOT NULL,
	total_value     TEXT NOT NULL DEFAULT '0',
	total_duty      TEXT NOT NULL DEFAULT '0',
	total_vat       TEXT NOT NULL DEFAULT '0',
	total_other_tax TEXT NOT NULL DEFAULT '0',
	confirmed       INTEGER NOT NULL DEFAULT 0,
	confirmed_at    DATETIME,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
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
	match_confidence    REAL NOT NULL DEFAULT 0,
	match_source        TEXT NOT NULL DEFAULT '',
	tax                 TEXT,
	status              TEXT NOT NULL DEFAULT 'pending',
	status_reason       TEXT NOT NULL DEFAULT '',
	excluded_hs_codes   TEXT,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_log (
	id             TEXT PRIMARY KEY,
	sync_type      TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	started_at     DATETIME NOT NULL,
	completed_at   DATETIME,
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- match history ---

func (s *SQLiteStore) GetMatchRecord(ctx context.Context, productKey string) (*model.MatchRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT product_key, hs_code, match_count, last_matched_at FROM match_records WHERE product_key = ?`,
		productKey,
	)
	var r model.MatchRecord
	err := row.Scan(&r.ProductKey, &r.HSCode, &r.MatchCount, &r.LastMatchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get match record")
	}
	return &r, nil
}

// UpsertMatchRecord inserts or increments in a single statement so
// concurrent identical accepts never lose an increment.
func (s *SQLiteStore) UpsertMatchRecord(ctx context.Context, productKey, hsCode string) (*model.MatchRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO match_records (product_key, hs_code, match_count, last_matched_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(product_key) DO UPDATE SET
			match_count = match_count + 1,
			hs_code = excluded.hs_code,
			last_matched_at = excluded.last_matched_at
		 RETURNING product_key, hs_code, match_count, last_matched_at`,
		productKey, hsCode, time.Now().UTC(),
	)
	var r model.MatchRecord
	if err := row.Scan(&r.ProductKey, &r.HSCode, &r.MatchCount, &r.LastMatchedAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert match record %s", productKey)
	}
	return &r, nil
}

// --- reference data ---

// ReplaceTariffRules swaps the full rule set of one data source inside a
// transaction. Readers build snapshots from a point-in-time List and are not
// affected mid-replace.
func (s *SQLiteStore) ReplaceTariffRules(ctx context.Context, source string, rules []model.TariffRule) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin replace rules")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tariff_rules WHERE data_source = ?`, source); err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear rules for %s", source)
	}
	for i := range rules {
		r := &rules[i]
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tariff_rules (id, hs_code, origin, description, duty_rate, duty_kind, unit, valid_from, valid_to, legal_base, data_source, is_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, r.HSCode, r.Origin, r.Description, r.DutyRate.String(), string(r.DutyKind),
			r.Unit, r.ValidFrom.UTC(), nullableTime(r.ValidTo), r.LegalBase, source, r.Active,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert rule %s/%s", r.HSCode, r.Origin)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit replace rules")
	}
	return len(rules), nil
}

func (s *SQLiteStore) ReplaceTradeMeasures(ctx context.Context, source string, measures []model.TradeMeasure) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin replace measures")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trade_measures WHERE data_source = ?`, source); err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear measures for %s", source)
	}
	for i := range measures {
		m := &measures[i]
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		geoJSON, err := json.Marshal(m.GeoAreas)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal geo areas")
		}
		excludedJSON, err := json.Marshal(m.ExcludedAreas)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal excluded areas")
		}
		condJSON, err := json.Marshal(m.Conditions)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal conditions")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trade_measures (id, measure_type, hs_code_prefix, geo_areas, excluded_areas, duty_rate, valid_from, valid_to, conditions, data_source)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(m.Type), m.HSCodePrefix, string(geoJSON), string(excludedJSON),
			m.DutyRate.String(), m.ValidFrom.UTC(), nullableTime(m.ValidTo), string(condJSON), source,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert measure %s", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit replace measures")
	}
	return len(measures), nil
}

func (s *SQLiteStore) ReplaceTradeAgreements(ctx context.Context, agreements []model.TradeAgreement) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin replace agreements")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trade_agreements`); err != nil {
		return 0, eris.Wrap(err, "sqlite: clear agreements")
	}
	for i := range agreements {
		a := &agreements[i]
		scopeJSON, err := json.Marshal(a.CountryScope)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal country scope")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trade_agreements (code, country_scope, preferential_rate, valid_from, valid_to, is_active)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.Code, string(scopeJSON), a.PreferentialRate.String(),
			a.ValidFrom.UTC(), nullableTime(a.ValidTo), a.Active,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert agreement %s", a.Code)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit replace agreements")
	}
	return len(agreements), nil
}

func (s *SQLiteStore) ListTariffRules(ctx context.Context) ([]model.TariffRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hs_code, origin, description, duty_rate, duty_kind, unit, valid_from, valid_to, legal_base, data_source, is_active
		 FROM tariff_rules`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tariff rules")
	}
	defer rows.Close()

	var rules []model.TariffRule
	for rows.Next() {
		var (
			r       model.TariffRule
			rate    string
			unit    sql.NullString
			validTo sql.NullTime
			legal   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.HSCode, &r.Origin, &r.Description, &rate, &r.DutyKind, &unit, &r.ValidFrom, &validTo, &legal, &r.DataSource, &r.Active); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tariff rule")
		}
		if r.DutyRate, err = decimal.NewFromString(rate); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse duty rate %q", rate)
		}
		r.Unit = unit.String
		r.LegalBase = legal.String
		if validTo.Valid {
			t := validTo.Time
			r.ValidTo = &t
		}
		rules = append(rules, r)
	}
	return rules, eris.Wrap(rows.Err(), "sqlite: list tariff rules iterate")
}

func (s *SQLiteStore) ListTradeMeasures(ctx context.Context) ([]model.TradeMeasure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, measure_type, hs_code_prefix, geo_areas, excluded_areas, duty_rate, valid_from, valid_to, conditions, data_source
		 FROM trade_measures`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list trade measures")
	}
	defer rows.Close()

	var measures []model.TradeMeasure
	for rows.Next() {
		var (
			m            model.TradeMeasure
			rate         string
			geoJSON      string
			excludedJSON sql.NullString
			condJSON     sql.NullString
			validTo      sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.HSCodePrefix, &geoJSON, &excludedJSON, &rate, &m.ValidFrom, &validTo, &condJSON, &m.DataSource); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trade measure")
		}
		if m.DutyRate, err = decimal.NewFromString(rate); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse measure rate %q", rate)
		}
		if err := json.Unmarshal([]byte(geoJSON), &m.GeoAreas); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal geo areas")
		}
		if excludedJSON.Valid && excludedJSON.String != "" {
			if err := json.Unmarshal([]byte(excludedJSON.String), &m.ExcludedAreas); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal excluded areas")
			}
		}
		if condJSON.Valid && condJSON.String != "" {
			if err := json.Unmarshal([]byte(condJSON.String), &m.Conditions); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal conditions")
			}
		}
		if validTo.Valid {
			t := validTo.Time
			m.ValidTo = &t
		}
		measures = append(measures, m)
	}
	return measures, eris.Wrap(rows.Err(), "sqlite: list trade measures iterate")
}

func (s *SQLiteStore) ListTradeAgreements(ctx context.Context) ([]model.TradeAgreement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, country_scope, preferential_rate, valid_from, valid_to, is_active FROM trade_agreements`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list trade agreements")
	}
	defer rows.Close()

	var agreements []model.TradeAgreement
	for rows.Next() {
		var (
			a         model.TradeAgreement
			scopeJSON string
			rate      string
			validTo   sql.NullTime
		)
		if err := rows.Scan(&a.Code, &scopeJSON, &rate, &a.ValidFrom, &validTo, &a.Active); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trade agreement")
		}
		if a.PreferentialRate, err = decimal.NewFromString(rate); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse preferential rate %q", rate)
		}
		if err := json.Unmarshal([]byte(scopeJSON), &a.CountryScope); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal country scope")
		}
		if validTo.Valid {
			t := validTo.Time
			a.ValidTo = &t
		}
		agreements = append(agreements, a)
	}
	return agreements, eris.Wrap(rows.Err(), "sqlite: list trade agreements iterate")
}

// --- VAT ---

func (s *SQLiteStore) ReplaceVatRates(ctx context.Context, rates []model.VatRate) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin replace vat rates")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vat_rates`); err != nil {
		return 0, eris.Wrap(err, "sqlite: clear vat rates")
	}
	for i := range rates {
		v := &rates[i]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vat_rates (country, rate, valid_from, valid_to) VALUES (?, ?, ?, ?)`,
			v.Country, v.Rate.String(), v.ValidFrom.UTC(), nullableTime(v.ValidTo),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert vat rate %s", v.Country)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit replace vat rates")
	}
	return len(rates), nil
}

func (s *SQLiteStore) GetVatRate(ctx context.Context, country string, asOf time.Time) (*decimal.Decimal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT rate FROM vat_rates
		 WHERE country = ? AND valid_from <= ? AND (valid_to IS NULL OR valid_to >= ?)
		 ORDER BY valid_from DESC LIMIT 1`,
		country, asOf.UTC(), asOf.UTC(),
	)
	var rate string
	err := row.Scan(&rate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get vat rate %s", country)
	}
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse vat rate %q", rate)
	}
	return &d, nil
}

// --- batches and line items ---

func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *model.Batch) (*model.Batch, error) {
	b := *batch
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, reference, destination, import_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Reference, b.Destination, b.ImportDate.UTC(), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert batch")
	}
	b.TotalValue, b.TotalDuty, b.TotalVat, b.TotalOtherTax = decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	return &b, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, reference, destination, import_date, total_value, total_duty, total_vat, total_other_tax, confirmed, confirmed_at, created_at, updated_at
		 FROM batches WHERE id = ?`,
		batchID,
	)
	return scanBatch(row)
}

func (s *SQLiteStore) AddLineItem(ctx context.Context, item *model.LineItem) (*model.LineItem, error) {
	confirmed, err := s.batchConfirmed(ctx, item.BatchID)
	if err != nil {
		return nil, err
	}
	if confirmed {
		return nil, eris.Wrapf(ErrBatchConfirmed, "batch=%s", item.BatchID)
	}

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
		return nil, eris.Wrap(err, "sqlite: marshal excluded codes")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO line_items (id, batch_id, product_description, material, origin, declared_hs_code, customs_value, quantity, weight, status, excluded_hs_codes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.BatchID, it.ProductDescription, it.Material, it.Origin, it.DeclaredHSCode,
		it.CustomsValue.String(), it.Quantity.String(), it.Weight.String(),
		string(it.Status), string(excludedJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert line item")
	}
	return &it, nil
}

func (s *SQLiteStore) GetLineItem(ctx context.Context, itemID string) (*model.LineItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, batch_id, product_description, material, origin, declared_hs_code, customs_value, quantity, weight, matched_hs_code, match_confidence, match_source, tax, status, status_reason, excluded_hs_codes, created_at, updated_at
		 FROM line_items WHERE id = ?`,
		itemID,
	)
	return scanLineItem(row)
}

func (s *SQLiteStore) ListLineItems(ctx context.Context, batchID string) ([]model.LineItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, product_description, material, origin, declared_hs_code, customs_value, quantity, weight, matched_hs_code, match_confidence, match_source, tax, status, status_reason, excluded_hs_codes, created_at, updated_at
		 FROM line_items WHERE batch_id = ? ORDER BY created_at`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list line items")
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		item, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list line items iterate")
}

// updateItemUnlessConfirmed runs an UPDATE guarded against confirmed
// batches, distinguishing missing items from frozen ones.
func (s *SQLiteStore) updateItemUnlessConfirmed(ctx context.Context, itemID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update line item %s", itemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var batchID string
	err = s.db.QueryRowContext(ctx, `SELECT batch_id FROM line_items WHERE id = ?`, itemID).Scan(&batchID)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "line item %s", itemID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check line item %s", itemID)
	}
	return eris.Wrapf(ErrBatchConfirmed, "batch=%s item=%s", batchID, itemID)
}

const unconfirmedBatchGuard = `batch_id IN (SELECT id FROM batches WHERE confirmed = 0)`

func (s *SQLiteStore) UpdateLineItemMatch(ctx context.Context, itemID string, result *model.MatchResult, status model.LineItemStatus, reason string) error {
	return s.updateItemUnlessConfirmed(ctx, itemID,
		`UPDATE line_items SET matched_hs_code = ?, match_confidence = ?, match_source = ?, status = ?, status_reason = ?, updated_at = ?
		 WHERE id = ? AND `+unconfirmedBatchGuard,
		result.HSCode, result.Confidence, string(result.Source), string(status), reason, time.Now().UTC(), itemID,
	)
}

func (s *SQLiteStore) UpdateLineItemTax(ctx context.Context, itemID string, tax *model.TaxBreakdown) error {
	taxJSON, err := json.Marshal(tax)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal tax breakdown")
	}
	return s.updateItemUnlessConfirmed(ctx, itemID,
		`UPDATE line_items SET tax = ?, updated_at = ? WHERE id = ? AND `+unconfirmedBatchGuard,
		string(taxJSON), time.Now().UTC(), itemID,
	)
}

func (s *SQLiteStore) UpdateLineItemStatus(ctx context.Context, itemID string, status model.LineItemStatus, reason string) error {
	return s.updateItemUnlessConfirmed(ctx, itemID,
		`UPDATE line_items SET status = ?, status_reason = ?, updated_at = ? WHERE id = ? AND `+unconfirmedBatchGuard,
		string(status), reason, time.Now().UTC(), itemID,
	)
}

// DisputeLineItem rejects the current match in one transaction: the matched
// code is appended to the exclusion list, match fields and tax are cleared
// and the item goes back to pending.
func (s *SQLiteStore) DisputeLineItem(ctx context.Context, itemID, reason string) (*model.LineItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin dispute")
	}
	defer tx.Rollback()

	item, err := scanLineItem(tx.QueryRowContext(ctx,
		`SELECT id, batch_id, product_description, material, origin, declared_hs_code, customs_value, quantity, weight, matched_hs_code, match_confidence, match_source, tax, status, status_reason, excluded_hs_codes, created_at, updated_at
		 FROM line_items WHERE id = ?`,
		itemID,
	))
	if err != nil {
		return nil, err
	}
	var confirmed bool
	if err := tx.QueryRowContext(ctx, `SELECT confirmed FROM batches WHERE id = ?`, item.BatchID).Scan(&confirmed); err != nil {
		return nil, eris.Wrapf(err, "sqlite: check batch %s", item.BatchID)
	}
	if confirmed {
		return nil, eris.Wrapf(ErrBatchConfirmed, "batch=%s item=%s", item.BatchID, itemID)
	}

	if item.MatchedHSCode != "" && !containsCode(item.ExcludedHSCodes, item.MatchedHSCode) {
		item.ExcludedHSCodes = append(item.ExcludedHSCodes, item.MatchedHSCode)
	}
	excludedJSON, err := json.Marshal(item.ExcludedHSCodes)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal excluded codes")
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE line_items SET matched_hs_code = '', match_confidence = 0, match_source = '', tax = NULL,
			status = ?, status_reason = ?, excluded_hs_codes = ?, updated_at = ?
		 WHERE id = ? AND `+unconfirmedBatchGuard,
		string(model.StatusPending), reason, string(excludedJSON), now, itemID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: dispute line item %s", itemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dispute rows affected")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrBatchConfirmed, "batch=%s item=%s", item.BatchID, itemID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit dispute")
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

// ConfirmBatch verifies, folds and freezes in one transaction. Totals are
// summed with decimals in Go; SQLite would lose cents summing TEXT columns.
func (s *SQLiteStore) ConfirmBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin confirm")
	}
	defer tx.Rollback()

	var confirmed bool
	err = tx.QueryRowContext(ctx, `SELECT confirmed FROM batches WHERE id = ?`, batchID).Scan(&confirmed)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load batch %s", batchID)
	}
	if confirmed {
		return nil, eris.Wrapf(ErrBatchConfirmed, "batch=%s", batchID)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, customs_value, tax FROM line_items WHERE batch_id = ?`, batchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load items for confirm")
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
			taxJSON           sql.NullString
		)
		if err := rows.Scan(&id, &status, &value, &taxJSON); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan item for confirm")
		}
		// An approved item without a breakdown would fold in as zero tax;
		// it blocks confirmation the same way an unapproved one does.
		if model.LineItemStatus(status) != model.StatusApproved || !taxJSON.Valid || taxJSON.String == "" {
			notApproved = append(notApproved, id)
			continue
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "sqlite: parse customs value %q", value)
		}
		totalValue = totalValue.Add(v)
		var tax model.TaxBreakdown
		if err := json.Unmarshal([]byte(taxJSON.String), &tax); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: unmarshal tax breakdown")
		}
		totalDuty = totalDuty.Add(tax.DutyAmount)
		totalVat = totalVat.Add(tax.VatAmount)
		totalOther = totalOther.Add(tax.AntiDumping).Add(tax.Countervailing)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate items for confirm")
	}
	if len(notApproved) > 0 {
		return nil, &ConfirmationError{BatchID: batchID, ItemIDs: notApproved}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE batches SET total_value = ?, total_duty = ?, total_vat = ?, total_other_tax = ?, confirmed = 1, confirmed_at = ?, updated_at = ?
		 WHERE id = ?`,
		totalValue.String(), totalDuty.String(), totalVat.String(), totalOther.String(), now, now, batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: confirm batch %s", batchID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit confirm")
	}

	return s.GetBatch(ctx, batchID)
}

// --- sync log ---

func (s *SQLiteStore) StartSync(ctx context.Context, syncType string) (*SyncRun, error) {
	run := &SyncRun{
		ID:        uuid.New().String(),
		SyncType:  syncType,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_log (id, sync_type, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.SyncType, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start sync %s", syncType)
	}
	return run, nil
}

func (s *SQLiteStore) CompleteSync(ctx context.Context, syncID string, records int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_log SET status = 'complete', completed_at = ?, records_synced = ? WHERE id = ?`,
		time.Now().UTC(), records, syncID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete sync %s", syncID)
	}
	return checkRowsAffected(res, "sync run", syncID)
}

func (s *SQLiteStore) FailSync(ctx context.Context, syncID string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_log SET status = 'failed', completed_at = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), errMsg, syncID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail sync %s", syncID)
	}
	return checkRowsAffected(res, "sync run", syncID)
}

func (s *SQLiteStore) LastSyncSuccess(ctx context.Context, syncType string) (*time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM sync_log WHERE sync_type = ? AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		syncType,
	)
	var t time.Time
	err := row.Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last sync success %s", syncType)
	}
	return &t, nil
}

// AcquireSyncLock serializes syncs of one type. SQLite runs single-process,
// so an in-process keyed mutex is sufficient.
func (s *SQLiteStore) AcquireSyncLock(ctx context.Context, syncType string) (func(), error) {
	return s.syncLocks.lock(ctx, syncType)
}

// --- helpers ---

func (s *SQLiteStore) batchConfirmed(ctx context.Context, batchID string) (bool, error) {
	var confirmed bool
	err := s.db.QueryRowContext(ctx, `SELECT confirmed FROM batches WHERE id = ?`, batchID).Scan(&confirmed)
	if err == sql.ErrNoRows {
		return false, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check batch %s", batchID)
	}
	return confirmed, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBatch(row scannable) (*model.Batch, error) {
	var (
		b                       model.Batch
		value, duty, vat, other string
		confirmedAt             sql.NullTime
	)
	err := row.Scan(&b.ID, &b.Reference, &b.Destination, &b.ImportDate, &value, &duty, &vat, &other, &b.Confirmed, &confirmedAt, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "batch")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan batch")
	}
	if b.TotalValue, err = decimal.NewFromString(value); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse total value %q", value)
	}
	if b.TotalDuty, err = decimal.NewFromString(duty); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse total duty %q", duty)
	}
	if b.TotalVat, err = decimal.NewFromString(vat); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse total vat %q", vat)
	}
	if b.TotalOtherTax, err = decimal.NewFromString(other); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse total other tax %q", other)
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		b.ConfirmedAt = &t
	}
	return &b, nil
}

func scanLineItem(row scannable) (*model.LineItem, error) {
	var (
		it                      model.LineItem
		value, quantity, weight string
		taxJSON, excludedJSON   sql.NullString
	)
	err := row.Scan(&it.ID, &it.BatchID, &it.ProductDescription, &it.Material, &it.Origin, &it.DeclaredHSCode,
		&value, &quantity, &weight, &it.MatchedHSCode, &it.MatchConfidence, &it.MatchSource,
		&taxJSON, &it.Status, &it.StatusReason, &excludedJSON, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "line item")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan line item")
	}
	if it.CustomsValue, err = decimal.NewFromString(value); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse customs value %q", value)
	}
	if it.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse quantity %q", quantity)
	}
	if it.Weight, err = decimal.NewFromString(weight); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse weight %q", weight)
	}
	if taxJSON.Valid && taxJSON.String != "" {
		it.Tax = &model.TaxBreakdown{}
		if err := json.Unmarshal([]byte(taxJSON.String), it.Tax); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal tax breakdown")
		}
	}
	if excludedJSON.Valid && excludedJSON.String != "" {
		if err := json.Unmarshal([]byte(excludedJSON.String), &it.ExcludedHSCodes); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal excluded codes")
		}
	}
	return &it, nil
}

// keyedMutex serializes callers per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return m.Unlock, nil
	case <-ctx.Done():
		// The goroutine will still take the mutex; release it on arrival.
		go func() {
			<-acquired
			m.Unlock()
		}()
		return nil, eris.Wrap(ctx.Err(), "sync lock")
	}
}
