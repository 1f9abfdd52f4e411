// Package server exposes a read-only audit API over the resolution engine:
// classify a description, resolve a duty or measure set, price a single line.
// It never mutates batches; the CLI owns the batch lifecycle.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/matcher"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/store"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tariff"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tax"
)

// Server serves the audit endpoints.
type Server struct {
	matcher  *matcher.Matcher
	registry *tariff.Registry
	overlay  *tariff.Overlay
	store    store.Store
}

// New wires a Server.
func New(m *matcher.Matcher, reg *tariff.Registry, ov *tariff.Overlay, st store.Store) *Server {
	return &Server{matcher: m, registry: reg, overlay: ov, store: st}
}

// Router builds the HTTP routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/classify", s.handleClassify)
		r.Get("/duty", s.handleDuty)
		r.Get("/measures", s.handleMeasures)
		r.Post("/tax", s.handleTax)
	})
	return r
}

type classifyRequest struct {
	Description string   `json:"description"`
	Material    string   `json:"material"`
	Origin      string   `json:"origin"`
	Excluded    []string `json:"excluded,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	result, err := s.matcher.Classify(r.Context(), matcher.Query{
		Description: req.Description,
		Material:    req.Material,
		Origin:      req.Origin,
		Excluded:    req.Excluded,
	})
	if err != nil {
		if eris.Is(err, matcher.ErrUnclassified) {
			writeError(w, http.StatusNotFound, "no HS code candidate found")
			return
		}
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDuty(w http.ResponseWriter, r *http.Request) {
	hsCode, origin, asOf, ok := resolutionParams(w, r)
	if !ok {
		return
	}
	rule, err := s.registry.ResolveBaseDuty(hsCode, origin, asOf)
	if err != nil {
		if eris.Is(err, tariff.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no tariff rule in force")
			return
		}
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleMeasures(w http.ResponseWriter, r *http.Request) {
	hsCode, origin, asOf, ok := resolutionParams(w, r)
	if !ok {
		return
	}
	rule, err := s.registry.ResolveBaseDuty(hsCode, origin, asOf)
	if err != nil {
		if eris.Is(err, tariff.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no tariff rule in force")
			return
		}
		internalError(w, err)
		return
	}
	measures, err := s.overlay.ResolveMeasures(hsCode, origin, asOf, rule.DutyRate)
	if err != nil {
		if eris.Is(err, tariff.ErrAmbiguousMeasure) {
			writeError(w, http.StatusConflict, "ambiguous trade measure, reference data needs correction")
			return
		}
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, measures)
}

type taxRequest struct {
	HSCode       string `json:"hs_code"`
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	AsOf         string `json:"as_of"`
	CustomsValue string `json:"customs_value"`
	Quantity     string `json:"quantity"`
}

type taxResponse struct {
	Rule      *model.TariffRule   `json:"rule"`
	Measures  *model.MeasureSet   `json:"measures"`
	Breakdown *model.TaxBreakdown `json:"breakdown"`
}

func (s *Server) handleTax(w http.ResponseWriter, r *http.Request) {
	var req taxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.HSCode == "" || req.Origin == "" || req.Destination == "" {
		writeError(w, http.StatusBadRequest, "hs_code, origin and destination are required")
		return
	}
	asOf, err := parseAsOf(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
		return
	}
	customsValue, err := decimal.NewFromString(req.CustomsValue)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid customs_value")
		return
	}
	quantity := decimal.Zero
	if req.Quantity != "" {
		if quantity, err = decimal.NewFromString(req.Quantity); err != nil {
			writeError(w, http.StatusBadRequest, "invalid quantity")
			return
		}
	}

	rule, err := s.registry.ResolveBaseDuty(req.HSCode, req.Origin, asOf)
	if err != nil {
		if eris.Is(err, tariff.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no tariff rule in force")
			return
		}
		internalError(w, err)
		return
	}
	measures, err := s.overlay.ResolveMeasures(req.HSCode, req.Origin, asOf, rule.DutyRate)
	if err != nil {
		if eris.Is(err, tariff.ErrAmbiguousMeasure) {
			writeError(w, http.StatusConflict, "ambiguous trade measure, reference data needs correction")
			return
		}
		internalError(w, err)
		return
	}
	vatRate, err := s.store.GetVatRate(r.Context(), req.Destination, asOf)
	if err != nil {
		internalError(w, err)
		return
	}

	breakdown, err := tax.Compute(rule, measures, vatRate, customsValue, quantity)
	if err != nil {
		switch {
		case eris.Is(err, tax.ErrMissingVatRate):
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("no VAT rate for destination %s", req.Destination))
		case eris.Is(err, tax.ErrInvalidValue):
			writeError(w, http.StatusBadRequest, "customs_value and quantity must be non-negative")
		default:
			internalError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, taxResponse{Rule: rule, Measures: measures, Breakdown: breakdown})
}

// resolutionParams extracts the common hs/origin/as_of query triple.
func resolutionParams(w http.ResponseWriter, r *http.Request) (string, string, time.Time, bool) {
	hsCode := r.URL.Query().Get("hs")
	origin := r.URL.Query().Get("origin")
	if hsCode == "" || origin == "" {
		writeError(w, http.StatusBadRequest, "hs and origin are required")
		return "", "", time.Time{}, false
	}
	asOf, err := parseAsOf(r.URL.Query().Get("as_of"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
		return "", "", time.Time{}, false
	}
	return hsCode, origin, asOf, true
}

func parseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func internalError(w http.ResponseWriter, err error) {
	zap.L().Error("server: request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
