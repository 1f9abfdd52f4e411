package refsync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

// ErrUnsupportedFormat means the feed file extension is not one of .json,
// .yaml, .yml or .xlsx.
var ErrUnsupportedFormat = eris.New("unsupported feed format")

const feedDateLayout = "2006-01-02"

// Feed record types carry every value as a string so one set of wire structs
// serves JSON, YAML and spreadsheet feeds alike; parsing happens in one place.

type ruleRecord struct {
	ID          string `json:"id" yaml:"id"`
	HSCode      string `json:"hs_code" yaml:"hs_code"`
	Origin      string `json:"origin" yaml:"origin"`
	Description string `json:"description" yaml:"description"`
	DutyRate    string `json:"duty_rate" yaml:"duty_rate"`
	DutyKind    string `json:"duty_kind" yaml:"duty_kind"`
	Unit        string `json:"unit" yaml:"unit"`
	ValidFrom   string `json:"valid_from" yaml:"valid_from"`
	ValidTo     string `json:"valid_to" yaml:"valid_to"`
	LegalBase   string `json:"legal_base" yaml:"legal_base"`
	Inactive    bool   `json:"inactive" yaml:"inactive"`
}

type measureRecord struct {
	ID              string   `json:"id" yaml:"id"`
	Type            string   `json:"measure_type" yaml:"measure_type"`
	HSCodePrefix    string   `json:"hs_code_prefix" yaml:"hs_code_prefix"`
	GeoAreas        []string `json:"geo_areas" yaml:"geo_areas"`
	ExcludedAreas   []string `json:"excluded_areas" yaml:"excluded_areas"`
	DutyRate        string   `json:"duty_rate" yaml:"duty_rate"`
	ValidFrom       string   `json:"valid_from" yaml:"valid_from"`
	ValidTo         string   `json:"valid_to" yaml:"valid_to"`
	CertificateCode string   `json:"certificate_code" yaml:"certificate_code"`
	MinPrice        string   `json:"min_price" yaml:"min_price"`
	Note            string   `json:"note" yaml:"note"`
}

type agreementRecord struct {
	Code             string   `json:"code" yaml:"code"`
	CountryScope     []string `json:"country_scope" yaml:"country_scope"`
	PreferentialRate string   `json:"preferential_rate" yaml:"preferential_rate"`
	ValidFrom        string   `json:"valid_from" yaml:"valid_from"`
	ValidTo          string   `json:"valid_to" yaml:"valid_to"`
	Inactive         bool     `json:"inactive" yaml:"inactive"`
}

type vatRecord struct {
	Country   string `json:"country" yaml:"country"`
	Rate      string `json:"rate" yaml:"rate"`
	ValidFrom string `json:"valid_from" yaml:"valid_from"`
	ValidTo   string `json:"valid_to" yaml:"valid_to"`
}

// DecodeTariffRules reads one tariff rule feed file.
func DecodeTariffRules(path string) ([]model.TariffRule, error) {
	var records []ruleRecord
	if err := decodeFeed(path, &records, ruleFromRow); err != nil {
		return nil, err
	}
	rules := make([]model.TariffRule, 0, len(records))
	for i, rec := range records {
		rule, err := rec.toModel()
		if err != nil {
			return nil, eris.Wrapf(err, "refsync: %s record %d", filepath.Base(path), i+1)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// DecodeTradeMeasures reads one trade measure feed file.
func DecodeTradeMeasures(path string) ([]model.TradeMeasure, error) {
	var records []measureRecord
	if err := decodeFeed(path, &records, measureFromRow); err != nil {
		return nil, err
	}
	measures := make([]model.TradeMeasure, 0, len(records))
	for i, rec := range records {
		m, err := rec.toModel()
		if err != nil {
			return nil, eris.Wrapf(err, "refsync: %s record %d", filepath.Base(path), i+1)
		}
		measures = append(measures, m)
	}
	return measures, nil
}

// DecodeTradeAgreements reads one trade agreement feed file.
func DecodeTradeAgreements(path string) ([]model.TradeAgreement, error) {
	var records []agreementRecord
	if err := decodeFeed(path, &records, agreementFromRow); err != nil {
		return nil, err
	}
	agreements := make([]model.TradeAgreement, 0, len(records))
	for i, rec := range records {
		a, err := rec.toModel()
		if err != nil {
			return nil, eris.Wrapf(err, "refsync: %s record %d", filepath.Base(path), i+1)
		}
		agreements = append(agreements, a)
	}
	return agreements, nil
}

// DecodeVatRates reads one VAT rate feed file.
func DecodeVatRates(path string) ([]model.VatRate, error) {
	var records []vatRecord
	if err := decodeFeed(path, &records, vatFromRow); err != nil {
		return nil, err
	}
	rates := make([]model.VatRate, 0, len(records))
	for i, rec := range records {
		v, err := rec.toModel()
		if err != nil {
			return nil, eris.Wrapf(err, "refsync: %s record %d", filepath.Base(path), i+1)
		}
		rates = append(rates, v)
	}
	return rates, nil
}

// decodeFeed dispatches on extension. rowFn maps one spreadsheet row's cells
// to a record and is only used for .xlsx feeds.
func decodeFeed[T any](path string, out *[]T, rowFn func(map[string]string) T) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "refsync: read %s", path)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return eris.Wrapf(err, "refsync: decode json %s", filepath.Base(path))
		}
		return nil
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "refsync: read %s", path)
		}
		if err := yaml.Unmarshal(data, out); err != nil {
			return eris.Wrapf(err, "refsync: decode yaml %s", filepath.Base(path))
		}
		return nil
	case ".xlsx":
		rows, err := readSheet(path)
		if err != nil {
			return err
		}
		for _, row := range rows {
			*out = append(*out, rowFn(row))
		}
		return nil
	default:
		return eris.Wrapf(ErrUnsupportedFormat, "file=%s", filepath.Base(path))
	}
}

// readSheet reads the first sheet of a workbook into header-keyed row maps.
// The first row is the header; empty trailing rows are skipped.
func readSheet(path string) ([]map[string]string, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "refsync: open workbook %s", path)
	}
	if len(wb.Sheets) == 0 {
		return nil, eris.Errorf("refsync: workbook %s has no sheets", filepath.Base(path))
	}
	sheet := wb.Sheets[0]
	if len(sheet.Rows) < 1 {
		return nil, nil
	}

	var headers []string
	for _, cell := range sheet.Rows[0].Cells {
		headers = append(headers, strings.TrimSpace(strings.ToLower(cell.String())))
	}

	var rows []map[string]string
	for _, r := range sheet.Rows[1:] {
		row := make(map[string]string, len(headers))
		empty := true
		for i, cell := range r.Cells {
			if i >= len(headers) {
				break
			}
			v := strings.TrimSpace(cell.String())
			if v != "" {
				empty = false
			}
			row[headers[i]] = v
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func ruleFromRow(row map[string]string) ruleRecord {
	return ruleRecord{
		ID:          row["id"],
		HSCode:      row["hs_code"],
		Origin:      row["origin"],
		Description: row["description"],
		DutyRate:    row["duty_rate"],
		DutyKind:    row["duty_kind"],
		Unit:        row["unit"],
		ValidFrom:   row["valid_from"],
		ValidTo:     row["valid_to"],
		LegalBase:   row["legal_base"],
		Inactive:    strings.EqualFold(row["inactive"], "true"),
	}
}

func measureFromRow(row map[string]string) measureRecord {
	return measureRecord{
		ID:              row["id"],
		Type:            row["measure_type"],
		HSCodePrefix:    row["hs_code_prefix"],
		GeoAreas:        splitList(row["geo_areas"]),
		ExcludedAreas:   splitList(row["excluded_areas"]),
		DutyRate:        row["duty_rate"],
		ValidFrom:       row["valid_from"],
		ValidTo:         row["valid_to"],
		CertificateCode: row["certificate_code"],
		MinPrice:        row["min_price"],
		Note:            row["note"],
	}
}

func agreementFromRow(row map[string]string) agreementRecord {
	return agreementRecord{
		Code:             row["code"],
		CountryScope:     splitList(row["country_scope"]),
		PreferentialRate: row["preferential_rate"],
		ValidFrom:        row["valid_from"],
		ValidTo:          row["valid_to"],
		Inactive:         strings.EqualFold(row["inactive"], "true"),
	}
}

func vatFromRow(row map[string]string) vatRecord {
	return vatRecord{
		Country:   row["country"],
		Rate:      row["rate"],
		ValidFrom: row["valid_from"],
		ValidTo:   row["valid_to"],
	}
}

// --- record → model conversions ---

func (r ruleRecord) toModel() (model.TariffRule, error) {
	var rule model.TariffRule
	if r.HSCode == "" || r.Origin == "" {
		return rule, eris.New("missing hs_code or origin")
	}
	rate, err := decimal.NewFromString(r.DutyRate)
	if err != nil {
		return rule, eris.Wrapf(err, "duty_rate %q", r.DutyRate)
	}
	kind := model.DutyKind(r.DutyKind)
	if kind == "" {
		kind = model.DutyKindAdValorem
	}
	if kind != model.DutyKindAdValorem && kind != model.DutyKindFixedPerUnit {
		return rule, eris.Errorf("unknown duty_kind %q", r.DutyKind)
	}
	from, err := parseDate(r.ValidFrom)
	if err != nil {
		return rule, err
	}
	to, err := parseDateOpt(r.ValidTo)
	if err != nil {
		return rule, err
	}
	return model.TariffRule{
		ID:          r.ID,
		HSCode:      r.HSCode,
		Origin:      r.Origin,
		Description: r.Description,
		DutyRate:    rate,
		DutyKind:    kind,
		Unit:        r.Unit,
		ValidFrom:   from,
		ValidTo:     to,
		LegalBase:   r.LegalBase,
		Active:      !r.Inactive,
	}, nil
}

func (r measureRecord) toModel() (model.TradeMeasure, error) {
	var m model.TradeMeasure
	t := model.MeasureType(r.Type)
	switch t {
	case model.MeasureAntiDumping, model.MeasureCountervailing,
		model.MeasureQuota, model.MeasureLicenseRequired, model.MeasureSpsRequired:
	default:
		return m, eris.Errorf("unknown measure_type %q", r.Type)
	}
	if r.HSCodePrefix == "" {
		return m, eris.New("missing hs_code_prefix")
	}
	rate := decimal.Zero
	if r.DutyRate != "" {
		var err error
		if rate, err = decimal.NewFromString(r.DutyRate); err != nil {
			return m, eris.Wrapf(err, "duty_rate %q", r.DutyRate)
		}
	}
	from, err := parseDate(r.ValidFrom)
	if err != nil {
		return m, err
	}
	to, err := parseDateOpt(r.ValidTo)
	if err != nil {
		return m, err
	}
	geo := r.GeoAreas
	if len(geo) == 0 {
		geo = []string{model.GeoAreaAll}
	}
	cond := model.MeasureConditions{
		CertificateCode: r.CertificateCode,
		Note:            r.Note,
	}
	if r.MinPrice != "" {
		p, err := decimal.NewFromString(r.MinPrice)
		if err != nil {
			return m, eris.Wrapf(err, "min_price %q", r.MinPrice)
		}
		cond.MinPrice = &p
	}
	return model.TradeMeasure{
		ID:            r.ID,
		Type:          t,
		HSCodePrefix:  r.HSCodePrefix,
		GeoAreas:      geo,
		ExcludedAreas: r.ExcludedAreas,
		DutyRate:      rate,
		ValidFrom:     from,
		ValidTo:       to,
		Conditions:    cond,
	}, nil
}

func (r agreementRecord) toModel() (model.TradeAgreement, error) {
	var a model.TradeAgreement
	if r.Code == "" {
		return a, eris.New("missing agreement code")
	}
	if len(r.CountryScope) == 0 {
		return a, eris.Errorf("agreement %s has empty country_scope", r.Code)
	}
	rate, err := decimal.NewFromString(r.PreferentialRate)
	if err != nil {
		return a, eris.Wrapf(err, "preferential_rate %q", r.PreferentialRate)
	}
	from, err := parseDate(r.ValidFrom)
	if err != nil {
		return a, err
	}
	to, err := parseDateOpt(r.ValidTo)
	if err != nil {
		return a, err
	}
	return model.TradeAgreement{
		Code:             r.Code,
		CountryScope:     r.CountryScope,
		PreferentialRate: rate,
		ValidFrom:        from,
		ValidTo:          to,
		Active:           !r.Inactive,
	}, nil
}

func (r vatRecord) toModel() (model.VatRate, error) {
	var v model.VatRate
	if r.Country == "" {
		return v, eris.New("missing country")
	}
	rate, err := decimal.NewFromString(r.Rate)
	if err != nil {
		return v, eris.Wrapf(err, "rate %q", r.Rate)
	}
	from, err := parseDate(r.ValidFrom)
	if err != nil {
		return v, err
	}
	to, err := parseDateOpt(r.ValidTo)
	if err != nil {
		return v, err
	}
	return model.VatRate{Country: r.Country, Rate: rate, ValidFrom: from, ValidTo: to}, nil
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(feedDateLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "date %q", s)
	}
	return t.UTC(), nil
}

func parseDateOpt(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
