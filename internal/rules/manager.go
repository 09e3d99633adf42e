package rules

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quotegate/quotegate/internal/mapping"
	"github.com/quotegate/quotegate/internal/metrics"
	"github.com/quotegate/quotegate/internal/tasks"
)

// Catalog is the durable rule store surface the manager coordinates with the
// cache. Satisfied by *Store.
type Catalog interface {
	FindByID(ctx context.Context, id string) (*mapping.Rule, error)
	FindBestMatching(ctx context.Context, provider string, apiType mapping.APIType, listType mapping.RuleListType, marketType string) (*mapping.Rule, error)
	List(ctx context.Context, filter ListFilter, page, limit int) ([]*mapping.Rule, int64, error)
	Create(ctx context.Context, rule *mapping.Rule) error
	Update(ctx context.Context, rule *mapping.Rule) error
	SetActive(ctx context.Context, id string, active bool) error
	SetDefault(ctx context.Context, id string) (*mapping.Rule, error)
	Delete(ctx context.Context, id string) error
	RecordApplication(ctx context.Context, id string, success bool) error
}

// Manager front-ends the rule catalog with the cache namespaces and keeps
// them coordinated on every mutation. Rule stats updates go through the
// bounded limiter so burst traffic cannot flood the store.
type Manager struct {
	store Catalog
	cache *Cache
	stats *tasks.Limiter
	m     *metrics.Registry // may be nil
}

// NewManager wires the catalog, cache and stats limiter together. metrics may
// be nil.
func NewManager(store Catalog, ruleCache *Cache, stats *tasks.Limiter, m *metrics.Registry) *Manager {
	return &Manager{store: store, cache: ruleCache, stats: stats, m: m}
}

// GetRule returns a rule by id through the rule-by-id namespace.
func (mgr *Manager) GetRule(ctx context.Context, id string) (*mapping.Rule, error) {
	if rule, ok := mgr.cache.GetRule(ctx, id); ok {
		mgr.countCache("rule", "hit")
		return rule, nil
	}
	mgr.countCache("rule", "miss")

	rule, err := mgr.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("%w: id %s", mapping.ErrRuleNotFound, id)
	}
	mgr.cache.SetRule(ctx, rule)
	return rule, nil
}

// ResolveBestRule returns the deterministic winner for a request tuple,
// consulting the best-rule namespace before the store.
func (mgr *Manager) ResolveBestRule(ctx context.Context, provider string, apiType mapping.APIType, listType mapping.RuleListType, marketType string) (*mapping.Rule, error) {
	if rule, ok := mgr.cache.GetBestRule(ctx, provider, apiType, listType, marketType); ok {
		mgr.countCache("best-rule", "hit")
		return rule, nil
	}
	mgr.countCache("best-rule", "miss")

	rule, err := mgr.store.FindBestMatching(ctx, provider, apiType, listType, marketType)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("%w: %s/%s/%s/%s", mapping.ErrRuleNotFound, provider, apiType, listType, marketType)
	}
	mgr.cache.SetBestRule(ctx, rule, marketType)
	return rule, nil
}

// ProviderRules returns every rule of a (provider, apiType) pair through the
// provider-rules namespace.
func (mgr *Manager) ProviderRules(ctx context.Context, provider string, apiType mapping.APIType) ([]*mapping.Rule, error) {
	if rules, ok := mgr.cache.GetProviderRules(ctx, provider, apiType); ok {
		mgr.countCache("provider-rules", "hit")
		return rules, nil
	}
	mgr.countCache("provider-rules", "miss")

	rules, _, err := mgr.store.List(ctx, ListFilter{Provider: provider, APIType: apiType}, 1, 200)
	if err != nil {
		return nil, err
	}
	mgr.cache.SetProviderRules(ctx, provider, apiType, rules)
	return rules, nil
}

// ListRules pages through the catalog. Uncached: the admin surface reads the
// store directly so operators always see current state.
func (mgr *Manager) ListRules(ctx context.Context, filter ListFilter, page, limit int) ([]*mapping.Rule, int64, error) {
	return mgr.store.List(ctx, filter, page, limit)
}

// CreateRule inserts a rule and invalidates the caches its tuple could
// populate.
func (mgr *Manager) CreateRule(ctx context.Context, rule *mapping.Rule) error {
	if err := mgr.store.Create(ctx, rule); err != nil {
		return err
	}
	mgr.cache.InvalidateForRule(ctx, rule)
	return nil
}

// UpdateRule replaces a rule and applies coordinated invalidation.
func (mgr *Manager) UpdateRule(ctx context.Context, rule *mapping.Rule) error {
	if err := mgr.store.Update(ctx, rule); err != nil {
		return err
	}
	mgr.cache.InvalidateForRule(ctx, rule)
	return nil
}

// SetRuleActive toggles a rule and invalidates.
func (mgr *Manager) SetRuleActive(ctx context.Context, id string, active bool) error {
	rule, err := mgr.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if rule == nil {
		return fmt.Errorf("%w: id %s", mapping.ErrRuleNotFound, id)
	}
	if err := mgr.store.SetActive(ctx, id, active); err != nil {
		return err
	}
	mgr.cache.InvalidateForRule(ctx, rule)
	return nil
}

// SetRuleDefault promotes a rule to tuple default and invalidates.
func (mgr *Manager) SetRuleDefault(ctx context.Context, id string) error {
	rule, err := mgr.store.SetDefault(ctx, id)
	if err != nil {
		return err
	}
	mgr.cache.InvalidateForRule(ctx, rule)
	return nil
}

// DeleteRule removes a rule and invalidates.
func (mgr *Manager) DeleteRule(ctx context.Context, id string) error {
	rule, err := mgr.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if rule == nil {
		return fmt.Errorf("%w: id %s", mapping.ErrRuleNotFound, id)
	}
	if err := mgr.store.Delete(ctx, id); err != nil {
		return err
	}
	mgr.cache.InvalidateForRule(ctx, rule)
	return nil
}

// RecordApplication schedules an atomic stats update through the bounded
// limiter. Never blocks the caller; under pressure the oldest pending update
// is dropped and counted.
func (mgr *Manager) RecordApplication(ruleID string, success bool) {
	kept := mgr.stats.Submit("rule-stats:"+ruleID, func(ctx context.Context) {
		if err := mgr.store.RecordApplication(ctx, ruleID, success); err != nil {
			log.Warn().Err(err).Str("rule_id", ruleID).Msg("Rule stats update failed")
		}
	})
	if !kept && mgr.m != nil {
		mgr.m.StatsDropped.Inc()
	}
}

// InvalidateProvider bulk-invalidates every cached entry for a provider.
func (mgr *Manager) InvalidateProvider(ctx context.Context, provider string) (int, error) {
	return mgr.cache.ResetProvider(ctx, provider)
}

// ClearCache drops every cached rule entry across all namespaces.
func (mgr *Manager) ClearCache(ctx context.Context) (int, error) {
	return mgr.cache.ClearAll(ctx)
}

// Warmup loads commonly used (active) rules from the store and populates the
// cache namespaces. Failures are logged and skipped.
func (mgr *Manager) Warmup(ctx context.Context) error {
	active := true
	rules, _, err := mgr.store.List(ctx, ListFilter{IsActive: &active}, 1, 200)
	if err != nil {
		return fmt.Errorf("failed to load rules for warmup: %w", err)
	}
	mgr.cache.Warmup(ctx, rules)
	return nil
}

func (mgr *Manager) countCache(namespace, result string) {
	if mgr.m != nil {
		mgr.m.RuleCacheHits.WithLabelValues(namespace, result).Inc()
	}
}
