package rules

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotegate/quotegate/internal/cache"
	"github.com/quotegate/quotegate/internal/mapping"
)

// fakeWarm is an in-memory WarmStore with glob-suffix pattern deletes.
type fakeWarm struct {
	mu      sync.Mutex
	entries map[string][]byte
	fail    bool
}

func newFakeWarm() *fakeWarm {
	return &fakeWarm{entries: make(map[string][]byte)}
}

func (f *fakeWarm) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, false, cache.ErrWarmCacheUnavailable
	}
	v, ok := f.entries[key]
	return v, ok, nil
}

func (f *fakeWarm) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return cache.ErrWarmCacheUnavailable
	}
	f.entries[key] = value
	return nil
}

func (f *fakeWarm) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
	}
	return nil
}

func (f *fakeWarm) DelByPattern(ctx context.Context, pattern string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	n := 0
	for k := range f.entries {
		if strings.HasPrefix(k, prefix) {
			delete(f.entries, k)
			n++
		}
	}
	return n, nil
}

func testRule(id, provider, market string) *mapping.Rule {
	return &mapping.Rule{
		ID:           id,
		Name:         "rule-" + id,
		Provider:     provider,
		APIType:      mapping.APITypeRest,
		RuleListType: mapping.RuleListQuoteFields,
		MarketType:   market,
		IsActive:     true,
		FieldMappings: []mapping.FieldMapping{
			{SourceFieldPath: "last_done", TargetField: "lastPrice", Confidence: 0.9, IsActive: true},
		},
	}
}

func newTestRuleCache(t *testing.T, warm WarmStore) *Cache {
	t.Helper()
	return NewCache(warm, nil, cache.NewSerializer(cache.EncodingJSON, 1024), time.Minute)
}

func TestRuleCacheRoundTrip(t *testing.T) {
	c := newTestRuleCache(t, newFakeWarm())
	ctx := context.Background()

	rule := testRule("r1", "longport", "HK")
	c.SetRule(ctx, rule)

	got, ok := c.GetRule(ctx, "r1")
	require.True(t, ok)
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, rule.FieldMappings, got.FieldMappings)

	_, ok = c.GetRule(ctx, "missing")
	assert.False(t, ok)
}

func TestRuleCacheBestRuleKeyedByRequestedMarket(t *testing.T) {
	c := newTestRuleCache(t, newFakeWarm())
	ctx := context.Background()

	// A wildcard rule that won a lookup for HK is cached under HK, so the
	// next HK request hits without re-running the store query.
	rule := testRule("r1", "longport", "*")
	c.SetBestRule(ctx, rule, "HK")

	got, ok := c.GetBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)

	_, ok = c.GetBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "US")
	assert.False(t, ok)
}

func TestRuleCacheInvalidateForRule(t *testing.T) {
	warm := newFakeWarm()
	c := newTestRuleCache(t, warm)
	ctx := context.Background()

	rule := testRule("r1", "longport", "HK")
	c.SetRule(ctx, rule)
	c.SetBestRule(ctx, rule, "HK")
	c.SetBestRule(ctx, rule, "")
	c.SetProviderRules(ctx, "longport", mapping.APITypeRest, []*mapping.Rule{rule})

	c.InvalidateForRule(ctx, rule)

	_, ok := c.GetRule(ctx, "r1")
	assert.False(t, ok, "rule-by-id invalidated")
	_, ok = c.GetBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
	assert.False(t, ok, "best-rule for the rule's market invalidated")
	_, ok = c.GetBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "")
	assert.False(t, ok, "wildcard best-rule invalidated")
	_, ok = c.GetProviderRules(ctx, "longport", mapping.APITypeRest)
	assert.False(t, ok, "provider-rules invalidated")
}

func TestRuleCacheInvalidateWildcardRuleSweepsAllMarkets(t *testing.T) {
	warm := newFakeWarm()
	c := newTestRuleCache(t, warm)
	ctx := context.Background()

	// A wildcard rule wins lookups for many markets and is cached under each
	// requested market's key. Updating it must evict every one of them.
	rule := testRule("r1", "longport", "*")
	c.SetBestRule(ctx, rule, "HK")
	c.SetBestRule(ctx, rule, "US")
	c.SetBestRule(ctx, rule, "")

	c.InvalidateForRule(ctx, rule)

	for _, market := range []string{"HK", "US", ""} {
		_, ok := c.GetBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, market)
		assert.False(t, ok, "stale winner under market %q", market)
	}
}

func TestRuleCacheInvalidateWildcardRuleClearsHotShadow(t *testing.T) {
	warm := newFakeWarm()
	hot := cache.NewHotCache(64, time.Minute)
	t.Cleanup(hot.Stop)
	c := NewCache(warm, hot, cache.NewSerializer(cache.EncodingJSON, 1024), time.Minute)
	ctx := context.Background()

	rule := testRule("r1", "longport", "*")
	warm.fail = true // writes land only in the shadow
	c.SetBestRule(ctx, rule, "HK")

	_, ok := c.GetBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
	require.True(t, ok, "served from the shadow")

	c.InvalidateForRule(ctx, rule)

	_, ok = c.GetBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
	assert.False(t, ok, "shadow entry swept with the warm tier")
}

func TestRuleCacheClearAll(t *testing.T) {
	warm := newFakeWarm()
	c := newTestRuleCache(t, warm)
	ctx := context.Background()

	rule := testRule("r1", "longport", "HK")
	c.SetRule(ctx, rule)
	c.SetBestRule(ctx, rule, "HK")
	c.SetProviderRules(ctx, "longport", mapping.APITypeRest, []*mapping.Rule{rule})

	n, err := c.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, ok := c.GetRule(ctx, "r1")
	assert.False(t, ok)
	_, ok = c.GetProviderRules(ctx, "longport", mapping.APITypeRest)
	assert.False(t, ok)

	n, err = c.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "clearing an empty cache is a no-op")
}

func TestRuleCacheResetProvider(t *testing.T) {
	warm := newFakeWarm()
	c := newTestRuleCache(t, warm)
	ctx := context.Background()

	longport := testRule("r1", "longport", "HK")
	other := testRule("r2", "other", "US")
	c.SetBestRule(ctx, longport, "HK")
	c.SetProviderRules(ctx, "longport", mapping.APITypeRest, []*mapping.Rule{longport})
	c.SetBestRule(ctx, other, "US")

	n, err := c.ResetProvider(ctx, "longport")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := c.GetBestRule(ctx, "other", mapping.APITypeRest, mapping.RuleListQuoteFields, "US")
	assert.True(t, ok, "other providers untouched")
}

func TestRuleCacheDegradesToMissOnWarmFailure(t *testing.T) {
	warm := newFakeWarm()
	c := newTestRuleCache(t, warm)
	ctx := context.Background()

	c.SetRule(ctx, testRule("r1", "longport", "HK"))
	warm.fail = true

	_, ok := c.GetRule(ctx, "r1")
	assert.False(t, ok, "warm failure is a miss, never an error")
}

func TestRuleCacheDropsUndecodableEntry(t *testing.T) {
	warm := newFakeWarm()
	c := newTestRuleCache(t, warm)
	ctx := context.Background()

	key := cache.RuleKey("r1")
	warm.entries[key] = []byte("{corrupt")

	_, ok := c.GetRule(ctx, "r1")
	assert.False(t, ok)
	_, exists := warm.entries[key]
	assert.False(t, exists, "corrupt entry removed")
}

func TestRuleCacheWarmupPopulatesDefaults(t *testing.T) {
	warm := newFakeWarm()
	c := newTestRuleCache(t, warm)
	ctx := context.Background()

	def := testRule("r1", "longport", "HK")
	def.IsDefault = true
	plain := testRule("r2", "longport", "US")

	c.Warmup(ctx, []*mapping.Rule{def, plain})

	_, ok := c.GetRule(ctx, "r1")
	assert.True(t, ok)
	_, ok = c.GetRule(ctx, "r2")
	assert.True(t, ok)
	_, ok = c.GetBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
	assert.True(t, ok, "defaults also seed best-rule")
	_, ok = c.GetBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "US")
	assert.False(t, ok, "non-defaults do not seed best-rule")
}
