// Package gateway implements the quote service: provider fetch, rule-driven
// mapping and tiered caching behind one surface the HTTP and WS layers call.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/quotegate/quotegate/internal/cache"
	"github.com/quotegate/quotegate/internal/health"
	"github.com/quotegate/quotegate/internal/mapping"
	"github.com/quotegate/quotegate/internal/metrics"
	"github.com/quotegate/quotegate/internal/provider"
	"github.com/quotegate/quotegate/internal/rules"
)

// Operation names used in cache fingerprints. Stable: changing one silently
// invalidates every cached entry for that endpoint.
const (
	OpStockQuote   = "get-stock-quote"
	OpIndexQuote   = "get-index-quote"
	OpBasicInfo    = "get-basic-info"
	OpMarketStatus = "get-market-status"
)

// Quote is a served payload plus its mapping provenance.
type Quote struct {
	Data        map[string]interface{} `json:"data"`
	Provider    string                 `json:"provider"`
	RuleID      string                 `json:"rule_id,omitempty"`
	Passthrough bool                   `json:"passthrough,omitempty"`
	Stats       *mapping.Stats         `json:"mapping_stats,omitempty"`
}

// Service ties the orchestrator, rule manager, mapping engine and provider
// registry together. All read endpoints flow through GetOrCompute so the
// caching strategy is the only thing that differs between them.
type Service struct {
	orch      *cache.Orchestrator
	rules     *rules.Manager
	engine    *mapping.Engine
	providers *provider.Registry
	stream    *cache.StreamCache
	db        *sqlx.DB // rule store handle, probed for health
	m         *metrics.Registry
	reporter  *health.Reporter
}

// NewService wires the gateway. db and m may be nil in tests.
func NewService(orch *cache.Orchestrator, mgr *rules.Manager, engine *mapping.Engine, providers *provider.Registry, stream *cache.StreamCache, db *sqlx.DB, m *metrics.Registry) *Service {
	s := &Service{
		orch:      orch,
		rules:     mgr,
		engine:    engine,
		providers: providers,
		stream:    stream,
		db:        db,
		m:         m,
		reporter:  health.NewReporter(),
	}
	s.registerProbes()
	return s
}

// GetStockQuote serves a realtime stock quote. Strong timeliness: short TTL,
// tight origin budget.
func (s *Service) GetStockQuote(ctx context.Context, providerName, symbol, market string) (*Quote, error) {
	req := cache.Request{Operation: OpStockQuote, Symbol: symbol, Provider: providerName, Market: market, APIType: string(mapping.APITypeRest)}
	return s.cachedQuote(ctx, req, cache.StrategyStrong, mapping.RuleListQuoteFields, func(ctx context.Context, p provider.QuoteProvider) (map[string]interface{}, error) {
		return p.FetchQuote(ctx, symbol)
	})
}

// GetIndexQuote serves a realtime index quote.
func (s *Service) GetIndexQuote(ctx context.Context, providerName, symbol, market string) (*Quote, error) {
	req := cache.Request{Operation: OpIndexQuote, Symbol: symbol, Provider: providerName, Market: market, APIType: string(mapping.APITypeRest)}
	return s.cachedQuote(ctx, req, cache.StrategyStrong, mapping.RuleListIndexFields, func(ctx context.Context, p provider.QuoteProvider) (map[string]interface{}, error) {
		return p.FetchIndexQuote(ctx, symbol)
	})
}

// GetBasicInfo serves semi-static instrument metadata. Weak timeliness: long
// TTL, generous origin budget.
func (s *Service) GetBasicInfo(ctx context.Context, providerName, symbol, market string) (*Quote, error) {
	req := cache.Request{Operation: OpBasicInfo, Symbol: symbol, Provider: providerName, Market: market, APIType: string(mapping.APITypeRest)}
	return s.cachedQuote(ctx, req, cache.StrategyWeak, mapping.RuleListBasicInfoFields, func(ctx context.Context, p provider.QuoteProvider) (map[string]interface{}, error) {
		return p.FetchBasicInfo(ctx, symbol)
	})
}

// GetMarketStatus serves market open/close state. Provider payloads here are
// already flat, so the result passes through unmapped.
func (s *Service) GetMarketStatus(ctx context.Context, providerName, market string) (*Quote, error) {
	req := cache.Request{Operation: OpMarketStatus, Symbol: market, Provider: providerName, Market: market}
	v, err := s.orch.GetOrCompute(ctx, req, cache.StrategyStrong, func(ctx context.Context) (interface{}, error) {
		p, err := s.providers.Get(providerName)
		if err != nil {
			return nil, err
		}
		raw, err := p.FetchMarketStatus(ctx, market)
		if err != nil {
			return nil, err
		}
		return &Quote{Data: raw, Provider: p.Name(), Passthrough: true}, nil
	})
	if err != nil {
		return nil, err
	}
	return asQuote(v)
}

// GetRaw fetches a provider payload with the cache bypassed. Used for rule
// authoring against live data.
func (s *Service) GetRaw(ctx context.Context, providerName, symbol string) (map[string]interface{}, error) {
	req := cache.Request{Operation: OpStockQuote, Symbol: symbol, Provider: providerName}
	v, err := s.orch.GetOrCompute(ctx, req, cache.StrategyNone, func(ctx context.Context) (interface{}, error) {
		p, err := s.providers.Get(providerName)
		if err != nil {
			return nil, err
		}
		return p.FetchQuote(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected raw payload type")
	}
	return raw, nil
}

// IngestStreamQuote maps a pushed provider payload and records it as the
// latest snapshot for the symbol. Mapping failures fall back to passthrough so
// a broken rule degrades quality, not availability.
func (s *Service) IngestStreamQuote(ctx context.Context, providerName, symbol string, payload map[string]interface{}) {
	mapped, _, _ := s.transform(ctx, providerName, mapping.APITypeStream, mapping.RuleListQuoteFields, "", payload)
	s.stream.Put(ctx, symbol, mapped.Data, time.Now(), providerName)
	if s.m != nil {
		s.m.StreamUpdates.Inc()
	}
}

// LatestStreamQuote returns the freshest stream snapshot for a symbol.
func (s *Service) LatestStreamQuote(ctx context.Context, symbol string) (*cache.StreamSnapshot, bool) {
	return s.stream.GetLatest(ctx, symbol)
}

// InvalidateProvider drops every cached rule entry for a provider.
func (s *Service) InvalidateProvider(ctx context.Context, providerName string) (int, error) {
	return s.rules.InvalidateProvider(ctx, providerName)
}

// ClearRuleCache drops every cached rule entry across all namespaces.
func (s *Service) ClearRuleCache(ctx context.Context) (int, error) {
	return s.rules.ClearCache(ctx)
}

// Warmup preloads active rules into the rule cache.
func (s *Service) Warmup(ctx context.Context) error {
	return s.rules.Warmup(ctx)
}

// Rules exposes the rule manager for the admin API.
func (s *Service) Rules() *rules.Manager { return s.rules }

// Health runs all component probes and aggregates.
func (s *Service) Health() health.Report { return s.reporter.Report() }

// SetHealthCacheTTL bounds probe fan-out under health-check polling.
func (s *Service) SetHealthCacheTTL(d time.Duration) { s.reporter.SetCacheTTL(d) }

// cachedQuote is the shared read path: orchestrator lookup whose origin
// closure fetches from the provider, maps through the best rule and schedules
// the stats update.
func (s *Service) cachedQuote(ctx context.Context, req cache.Request, strategy cache.Strategy, listType mapping.RuleListType, fetch func(context.Context, provider.QuoteProvider) (map[string]interface{}, error)) (*Quote, error) {
	v, err := s.orch.GetOrCompute(ctx, req, strategy, func(ctx context.Context) (interface{}, error) {
		p, err := s.providers.Get(req.Provider)
		if err != nil {
			return nil, err
		}
		raw, err := fetch(ctx, p)
		if err != nil {
			return nil, err
		}
		q, ruleID, success := s.transform(ctx, p.Name(), mapping.APITypeRest, listType, req.Market, raw)
		if ruleID != "" {
			s.rules.RecordApplication(ruleID, success)
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return asQuote(v)
}

// transform resolves the best rule and applies it. No matching rule, or a
// rule that fails outright, yields a passthrough quote.
func (s *Service) transform(ctx context.Context, providerName string, apiType mapping.APIType, listType mapping.RuleListType, market string, raw map[string]interface{}) (*Quote, string, bool) {
	rule, err := s.rules.ResolveBestRule(ctx, providerName, apiType, listType, market)
	if err != nil {
		if !errors.Is(err, mapping.ErrRuleNotFound) {
			log.Warn().Err(err).Str("provider", providerName).Msg("Rule resolution failed, serving passthrough")
		}
		s.countTransform(providerName, "passthrough")
		return &Quote{Data: raw, Provider: providerName, Passthrough: true}, "", false
	}

	res, err := s.engine.Transform(rule, raw)
	if err != nil {
		log.Warn().Err(err).Str("rule_id", rule.ID).Msg("Transform failed, serving passthrough")
		s.countTransform(providerName, "error")
		return &Quote{Data: raw, Provider: providerName, Passthrough: true}, rule.ID, false
	}

	if res.Success {
		s.countTransform(providerName, "ok")
		return &Quote{Data: res.TransformedData, Provider: providerName, RuleID: rule.ID, Stats: &res.Stats}, rule.ID, true
	}

	// Under half the fields mapped: the raw payload is more useful than a
	// fragment.
	s.countTransform(providerName, "partial")
	return &Quote{Data: raw, Provider: providerName, RuleID: rule.ID, Passthrough: true, Stats: &res.Stats}, rule.ID, false
}

func (s *Service) countTransform(providerName, result string) {
	if s.m != nil {
		s.m.MappingTransforms.WithLabelValues(providerName, result).Inc()
	}
}

// asQuote normalizes a cached value. Hot-tier entries keep their type; warm
// hits decode generically and are rebuilt into a typed quote.
func asQuote(v interface{}) (*Quote, error) {
	switch q := v.(type) {
	case *Quote:
		return q, nil
	case map[string]interface{}:
		data, err := json.Marshal(q)
		if err != nil {
			return nil, err
		}
		var out Quote
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}
	return nil, errors.New("unexpected cached payload type")
}

func (s *Service) registerProbes() {
	s.reporter.Register("hot_cache", func() health.Component {
		return health.Component{Status: health.StatusHealthy}
	})
	s.reporter.Register("warm_cache", func() health.Component {
		if s.orch.WarmHealthy() {
			return health.Component{Status: health.StatusConnected}
		}
		return health.Component{Status: health.StatusDegraded, Detail: "circuit open, serving hot+origin"}
	})
	s.reporter.Register("rule_store", func() health.Component {
		if s.db == nil {
			return health.Component{Status: health.StatusWarning, Detail: "no rule store configured"}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			return health.Component{Status: health.StatusDisconnected, Detail: err.Error()}
		}
		return health.Component{Status: health.StatusConnected}
	})
	s.reporter.Register("stream_cache", func() health.Component {
		if s.stream == nil {
			return health.Component{Status: health.StatusWarning, Detail: "stream cache disabled"}
		}
		if !s.stream.Healthy() {
			return health.Component{Status: health.StatusDegraded, Detail: "warm write-through unavailable"}
		}
		return health.Component{Status: health.StatusHealthy}
	})
}
