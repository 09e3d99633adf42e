package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotegate/quotegate/internal/mapping"
	"github.com/quotegate/quotegate/internal/tasks"
)

// fakeCatalog is an in-memory Catalog with call counters.
type fakeCatalog struct {
	rules      map[string]*mapping.Rule
	findCalls  int32
	bestCalls  int32
	statsCalls int32
	lastStats  struct {
		id      string
		success bool
	}
}

func newFakeCatalog(rules ...*mapping.Rule) *fakeCatalog {
	c := &fakeCatalog{rules: make(map[string]*mapping.Rule)}
	for _, r := range rules {
		c.rules[r.ID] = r
	}
	return c
}

func (c *fakeCatalog) FindByID(ctx context.Context, id string) (*mapping.Rule, error) {
	atomic.AddInt32(&c.findCalls, 1)
	return c.rules[id], nil
}

func (c *fakeCatalog) FindBestMatching(ctx context.Context, provider string, apiType mapping.APIType, listType mapping.RuleListType, marketType string) (*mapping.Rule, error) {
	atomic.AddInt32(&c.bestCalls, 1)
	for _, r := range c.rules {
		if r.Provider == provider && r.APIType == apiType && r.RuleListType == listType && r.IsActive && r.MatchesMarket(marketType) {
			return r, nil
		}
	}
	return nil, nil
}

func (c *fakeCatalog) List(ctx context.Context, filter ListFilter, page, limit int) ([]*mapping.Rule, int64, error) {
	var out []*mapping.Rule
	for _, r := range c.rules {
		if filter.Provider != "" && r.Provider != filter.Provider {
			continue
		}
		if filter.IsActive != nil && r.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, r)
	}
	return out, int64(len(out)), nil
}

func (c *fakeCatalog) Create(ctx context.Context, rule *mapping.Rule) error {
	c.rules[rule.ID] = rule
	return nil
}

func (c *fakeCatalog) Update(ctx context.Context, rule *mapping.Rule) error {
	if _, ok := c.rules[rule.ID]; !ok {
		return errors.New("not found")
	}
	c.rules[rule.ID] = rule
	return nil
}

func (c *fakeCatalog) SetActive(ctx context.Context, id string, active bool) error {
	r, ok := c.rules[id]
	if !ok {
		return errors.New("not found")
	}
	r.IsActive = active
	return nil
}

func (c *fakeCatalog) SetDefault(ctx context.Context, id string) (*mapping.Rule, error) {
	r, ok := c.rules[id]
	if !ok {
		return nil, errors.New("not found")
	}
	r.IsDefault = true
	return r, nil
}

func (c *fakeCatalog) Delete(ctx context.Context, id string) error {
	delete(c.rules, id)
	return nil
}

func (c *fakeCatalog) RecordApplication(ctx context.Context, id string, success bool) error {
	atomic.AddInt32(&c.statsCalls, 1)
	c.lastStats.id = id
	c.lastStats.success = success
	return nil
}

func newTestManager(t *testing.T, catalog Catalog) *Manager {
	t.Helper()
	limiter := tasks.NewLimiter(1, 10, time.Second)
	t.Cleanup(limiter.Stop)
	return NewManager(catalog, newTestRuleCache(t, newFakeWarm()), limiter, nil)
}

func TestManagerGetRuleCaches(t *testing.T) {
	catalog := newFakeCatalog(testRule("r1", "longport", "HK"))
	mgr := newTestManager(t, catalog)
	ctx := context.Background()

	first, err := mgr.GetRule(ctx, "r1")
	require.NoError(t, err)
	second, err := mgr.GetRule(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&catalog.findCalls), "second lookup served from cache")
}

func TestManagerGetRuleMissing(t *testing.T) {
	mgr := newTestManager(t, newFakeCatalog())

	_, err := mgr.GetRule(context.Background(), "ghost")
	assert.ErrorIs(t, err, mapping.ErrRuleNotFound)
}

func TestManagerResolveBestRuleCaches(t *testing.T) {
	catalog := newFakeCatalog(testRule("r1", "longport", "*"))
	mgr := newTestManager(t, catalog)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rule, err := mgr.ResolveBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
		require.NoError(t, err)
		assert.Equal(t, "r1", rule.ID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&catalog.bestCalls))
}

func TestManagerResolveBestRuleNoMatch(t *testing.T) {
	mgr := newTestManager(t, newFakeCatalog())

	_, err := mgr.ResolveBestRule(context.Background(), "nobody", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
	assert.ErrorIs(t, err, mapping.ErrRuleNotFound)
}

func TestManagerUpdateInvalidatesCache(t *testing.T) {
	rule := testRule("r1", "longport", "*")
	catalog := newFakeCatalog(rule)
	mgr := newTestManager(t, catalog)
	ctx := context.Background()

	_, err := mgr.ResolveBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
	require.NoError(t, err)

	updated := testRule("r1", "longport", "*")
	updated.Name = "renamed"
	require.NoError(t, mgr.UpdateRule(ctx, updated))

	got, err := mgr.ResolveBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name, "stale winner evicted on update")
	assert.Equal(t, int32(2), atomic.LoadInt32(&catalog.bestCalls))
}

func TestManagerClearCache(t *testing.T) {
	catalog := newFakeCatalog(testRule("r1", "longport", "*"))
	mgr := newTestManager(t, catalog)
	ctx := context.Background()

	_, err := mgr.ResolveBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
	require.NoError(t, err)

	n, err := mgr.ClearCache(ctx)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	_, err = mgr.ResolveBestRule(ctx, "longport", mapping.APITypeRest, mapping.RuleListQuoteFields, "HK")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&catalog.bestCalls), "cleared winner re-resolved from the store")
}

func TestManagerRecordApplicationAsync(t *testing.T) {
	catalog := newFakeCatalog(testRule("r1", "longport", "HK"))
	mgr := newTestManager(t, catalog)

	mgr.RecordApplication("r1", true)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&catalog.statsCalls) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "r1", catalog.lastStats.id)
	assert.True(t, catalog.lastStats.success)
}

func TestManagerWarmupLoadsActiveRules(t *testing.T) {
	active := testRule("r1", "longport", "HK")
	inactive := testRule("r2", "longport", "US")
	inactive.IsActive = false
	catalog := newFakeCatalog(active, inactive)
	mgr := newTestManager(t, catalog)
	ctx := context.Background()

	require.NoError(t, mgr.Warmup(ctx))

	_, err := mgr.GetRule(ctx, "r1")
	assert.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&catalog.findCalls), "warmed rule served from cache")
}
