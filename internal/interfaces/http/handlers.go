package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/quotegate/quotegate/internal/cache"
	"github.com/quotegate/quotegate/internal/mapping"
	"github.com/quotegate/quotegate/internal/rules"
)

// statusFor maps the gateway error taxonomy onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cache.ErrInvalidFingerprint):
		return http.StatusBadRequest
	case errors.Is(err, mapping.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, mapping.ErrRuleValidation):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrDuplicateRule):
		return http.StatusConflict
	case errors.Is(err, cache.ErrOriginTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, cache.ErrOrigin), errors.Is(err, cache.ErrWarmCacheUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStockQuote(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	q, err := s.svc.GetStockQuote(r.Context(), r.URL.Query().Get("provider"), symbol, r.URL.Query().Get("market"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleIndexQuote(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	q, err := s.svc.GetIndexQuote(r.Context(), r.URL.Query().Get("provider"), symbol, r.URL.Query().Get("market"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleBasicInfo(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	q, err := s.svc.GetBasicInfo(r.Context(), r.URL.Query().Get("provider"), symbol, r.URL.Query().Get("market"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	q, err := s.svc.GetMarketStatus(r.Context(), r.URL.Query().Get("provider"), market)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	raw, err := s.svc.GetRaw(r.Context(), r.URL.Query().Get("provider"), symbol)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

type ruleListResponse struct {
	Rules []*mapping.Rule `json:"rules"`
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := rules.ListFilter{
		Provider:     q.Get("provider"),
		APIType:      mapping.APIType(q.Get("api_type")),
		RuleListType: mapping.RuleListType(q.Get("rule_list_type")),
		MarketType:   q.Get("market"),
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("active must be a boolean"))
			return
		}
		filter.IsActive = &active
	}

	page := queryInt(q.Get("page"), 1)
	limit := queryInt(q.Get("limit"), 50)

	list, total, err := s.svc.Rules().ListRules(r.Context(), filter, page, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ruleListResponse{Rules: list, Total: total, Page: page, Limit: limit})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.svc.Rules().GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule mapping.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, decodeStatus(err), err)
		return
	}
	if err := s.svc.Rules().CreateRule(r.Context(), &rule); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule mapping.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, decodeStatus(err), err)
		return
	}
	rule.ID = mux.Vars(r)["id"]
	if err := s.svc.Rules().UpdateRule(r.Context(), &rule); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Rules().DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRuleActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Rules().SetRuleActive(r.Context(), mux.Vars(r)["id"], body.Active); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRuleDefault(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Rules().SetRuleDefault(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Warmup(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "warmed"})
}

func (s *Server) handleInvalidateProvider(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	n, err := s.svc.InvalidateProvider(r.Context(), provider)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": provider, "invalidated": n})
}

func (s *Server) handleClearRuleCache(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ClearRuleCache(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared", "removed": n})
}

func (s *Server) handleResetPresets(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		writeError(w, http.StatusNotImplemented, errors.New("template store not configured"))
		return
	}
	if err := s.templates.ResetPresets(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "presets restored"})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		writeError(w, http.StatusNotImplemented, errors.New("template store not configured"))
		return
	}
	list, err := s.templates.List(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// decodeStatus distinguishes an oversized body from malformed JSON.
func decodeStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
