// Package http exposes the gateway over REST and WebSocket.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quotegate/quotegate/internal/config"
	"github.com/quotegate/quotegate/internal/gateway"
	"github.com/quotegate/quotegate/internal/health"
	"github.com/quotegate/quotegate/internal/metrics"
	"github.com/quotegate/quotegate/internal/rules"
)

// Server is the HTTP/WS front of the gateway.
type Server struct {
	svc       *gateway.Service
	templates *rules.TemplateStore // may be nil
	m         *metrics.Registry
	maxBody   int64
	srv       *http.Server
	router    *mux.Router
}

// NewServer builds the router and the underlying http.Server. The payload
// limit bounds request bodies on the rule-authoring endpoints.
func NewServer(cfg config.HTTPConfig, limits config.LimitsConfig, svc *gateway.Service, templates *rules.TemplateStore, m *metrics.Registry) *Server {
	s := &Server{svc: svc, templates: templates, m: m, maxBody: int64(limits.MaxPayloadBytes)}

	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.bodyLimitMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", m.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/quote/{symbol}", s.handleStockQuote).Methods("GET")
	api.HandleFunc("/index/{symbol}", s.handleIndexQuote).Methods("GET")
	api.HandleFunc("/info/{symbol}", s.handleBasicInfo).Methods("GET")
	api.HandleFunc("/market-status/{market}", s.handleMarketStatus).Methods("GET")
	api.HandleFunc("/raw/{symbol}", s.handleRaw).Methods("GET")

	api.HandleFunc("/rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	api.HandleFunc("/rules/{id}", s.handleGetRule).Methods("GET")
	api.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods("PUT")
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods("DELETE")
	api.HandleFunc("/rules/{id}/active", s.handleSetRuleActive).Methods("POST")
	api.HandleFunc("/rules/{id}/default", s.handleSetRuleDefault).Methods("POST")

	api.HandleFunc("/admin/warmup", s.handleWarmup).Methods("POST")
	api.HandleFunc("/admin/invalidate-provider/{provider}", s.handleInvalidateProvider).Methods("POST")
	api.HandleFunc("/admin/clear-rule-cache", s.handleClearRuleCache).Methods("POST")
	api.HandleFunc("/admin/reset-presets", s.handleResetPresets).Methods("POST")
	api.HandleFunc("/admin/templates", s.handleListTemplates).Methods("GET")

	r.HandleFunc("/ws/quotes", s.handleQuoteStream).Methods("GET")

	s.router = r
	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSec) * time.Second,
	}
	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.maxBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		if s.m != nil {
			s.m.RequestSeconds.WithLabelValues(r.URL.Path).Observe(dur.Seconds())
		}
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", dur).
			Msg("Request handled")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.svc.Health()
	code := http.StatusOK
	if report.BasicStatus == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// apiError is the uniform error envelope.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, apiError{Error: err.Error()})
}
