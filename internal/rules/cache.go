package rules

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quotegate/quotegate/internal/cache"
	"github.com/quotegate/quotegate/internal/mapping"
)

// WarmStore is the slice of the warm cache the rule cache needs. Satisfied by
// *cache.WarmCache.
type WarmStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	DelByPattern(ctx context.Context, pattern string) (int, error)
}

// Cache is the three-namespace rule cache: rule-by-id, best-rule and
// provider-rules, layered over the warm tier with an optional in-process
// shadow. It is a pure accelerator: every operation degrades to a miss on
// warm-cache failure and never blocks correctness.
type Cache struct {
	warm WarmStore
	hot  *cache.HotCache // optional shadow, may be nil
	ser  *cache.Serializer
	ttl  time.Duration
}

// NewCache creates a rule cache. hot may be nil to disable the in-process
// shadow.
func NewCache(warm WarmStore, hot *cache.HotCache, ser *cache.Serializer, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{warm: warm, hot: hot, ser: ser, ttl: ttl}
}

// GetRule looks up the rule-by-id namespace.
func (c *Cache) GetRule(ctx context.Context, id string) (*mapping.Rule, bool) {
	return c.getRule(ctx, cache.RuleKey(id))
}

// SetRule populates the rule-by-id namespace.
func (c *Cache) SetRule(ctx context.Context, rule *mapping.Rule) {
	c.setRule(ctx, cache.RuleKey(rule.ID), rule)
}

// InvalidateRule drops a rule from the rule-by-id namespace.
func (c *Cache) InvalidateRule(ctx context.Context, id string) {
	c.drop(ctx, cache.RuleKey(id))
}

// GetBestRule looks up the best-rule namespace for a request tuple.
func (c *Cache) GetBestRule(ctx context.Context, provider string, apiType mapping.APIType, listType mapping.RuleListType, marketType string) (*mapping.Rule, bool) {
	return c.getRule(ctx, cache.BestRuleKey(provider, string(apiType), string(listType), marketType))
}

// SetBestRule stores the winner under the requested market's key.
func (c *Cache) SetBestRule(ctx context.Context, rule *mapping.Rule, marketType string) {
	c.setRule(ctx, cache.BestRuleKey(rule.Provider, string(rule.APIType), string(rule.RuleListType), marketType), rule)
}

// GetProviderRules looks up the provider-rules namespace.
func (c *Cache) GetProviderRules(ctx context.Context, provider string, apiType mapping.APIType) ([]*mapping.Rule, bool) {
	key := cache.ProviderRulesKey(provider, string(apiType))
	if c.hot != nil {
		if v, ok := c.hot.Get(key); ok {
			if rules, ok := v.([]*mapping.Rule); ok {
				return rules, true
			}
		}
	}
	data, ok, err := c.warm.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var rules []*mapping.Rule
	if err := c.ser.Decode(data, &rules); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable provider-rules entry")
		_ = c.warm.Del(ctx, key)
		return nil, false
	}
	if c.hot != nil {
		c.hot.Set(key, rules, c.ttl)
	}
	return rules, true
}

// SetProviderRules populates the provider-rules namespace.
func (c *Cache) SetProviderRules(ctx context.Context, provider string, apiType mapping.APIType, rules []*mapping.Rule) {
	key := cache.ProviderRulesKey(provider, string(apiType))
	data, err := c.ser.Encode(rules)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to encode provider rules for cache")
		return
	}
	if err := c.warm.Set(ctx, key, data, c.ttl); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Warm set skipped")
	}
	if c.hot != nil {
		c.hot.Set(key, rules, c.ttl)
	}
}

// InvalidateProviderRules drops the provider-rules entry.
func (c *Cache) InvalidateProviderRules(ctx context.Context, provider string, apiType mapping.APIType) {
	c.drop(ctx, cache.ProviderRulesKey(provider, string(apiType)))
}

// InvalidateForRule applies the coordinated invalidation for an updated or
// deleted rule: its rule-by-id entry, every best-rule key its tuple could
// have won, and the provider-rules list. Best-rule winners are cached under
// the requested market, so a wildcard rule may sit under any concrete market
// key; its whole tuple is swept by pattern.
func (c *Cache) InvalidateForRule(ctx context.Context, rule *mapping.Rule) {
	c.InvalidateRule(ctx, rule.ID)

	if rule.MarketType == cache.WildcardMarket {
		pattern := cache.BestRulePattern(rule.Provider, string(rule.APIType), string(rule.RuleListType))
		if c.hot != nil {
			c.hot.DeletePrefix(strings.TrimSuffix(pattern, "*"))
		}
		if _, err := c.warm.DelByPattern(ctx, pattern); err != nil {
			log.Debug().Err(err).Str("pattern", pattern).Msg("Warm pattern delete skipped")
		}
	} else {
		for _, m := range []string{rule.MarketType, cache.WildcardMarket} {
			c.drop(ctx, cache.BestRuleKey(rule.Provider, string(rule.APIType), string(rule.RuleListType), m))
		}
	}

	c.InvalidateProviderRules(ctx, rule.Provider, rule.APIType)
}

// ResetProvider bulk-invalidates every cached entry embedding the provider
// via SCAN-based pattern deletes. Returns the number of removed keys.
func (c *Cache) ResetProvider(ctx context.Context, provider string) (int, error) {
	if c.hot != nil {
		// The shadow holds a superset of warm entries for this provider; a
		// full clear is cheaper than tracking membership.
		c.hot.Clear()
	}
	total := 0
	for _, pattern := range cache.ProviderPatterns(provider) {
		n, err := c.warm.DelByPattern(ctx, pattern)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ClearAll drops every rule cache entry across all namespaces. Idempotent:
// an empty cache clears to zero removals without error.
func (c *Cache) ClearAll(ctx context.Context) (int, error) {
	if c.hot != nil {
		c.hot.Clear()
	}
	return c.warm.DelByPattern(ctx, cache.RuleCachePattern())
}

// Warmup populates rule-by-id for every given rule and best-rule for the
// defaults. Individual failures are logged and skipped; warmup never blocks
// startup on cache trouble.
func (c *Cache) Warmup(ctx context.Context, rules []*mapping.Rule) {
	g, gctx := errgroup.Group{}, ctx
	g.SetLimit(8)

	for _, rule := range rules {
		rule := rule
		g.Go(func() error {
			c.SetRule(gctx, rule)
			if rule.IsDefault {
				c.SetBestRule(gctx, rule, rule.MarketType)
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Info().Int("rules", len(rules)).Msg("Rule cache warmup complete")
}

func (c *Cache) getRule(ctx context.Context, key string) (*mapping.Rule, bool) {
	if c.hot != nil {
		if v, ok := c.hot.Get(key); ok {
			if rule, ok := v.(*mapping.Rule); ok {
				return rule, true
			}
		}
	}
	data, ok, err := c.warm.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var rule mapping.Rule
	if err := c.ser.Decode(data, &rule); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable rule cache entry")
		_ = c.warm.Del(ctx, key)
		return nil, false
	}
	if c.hot != nil {
		c.hot.Set(key, &rule, c.ttl)
	}
	return &rule, true
}

func (c *Cache) setRule(ctx context.Context, key string, rule *mapping.Rule) {
	data, err := c.ser.Encode(rule)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to encode rule for cache")
		return
	}
	if err := c.warm.Set(ctx, key, data, c.ttl); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Warm set skipped")
	}
	if c.hot != nil {
		c.hot.Set(key, rule, c.ttl)
	}
}

func (c *Cache) drop(ctx context.Context, key string) {
	if c.hot != nil {
		c.hot.Delete(key)
	}
	if err := c.warm.Del(ctx, key); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Warm delete skipped")
	}
}
