package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotegate/quotegate/internal/cache"
	"github.com/quotegate/quotegate/internal/config"
	"github.com/quotegate/quotegate/internal/gateway"
	"github.com/quotegate/quotegate/internal/mapping"
	"github.com/quotegate/quotegate/internal/metrics"
	"github.com/quotegate/quotegate/internal/provider"
	"github.com/quotegate/quotegate/internal/rules"
	"github.com/quotegate/quotegate/internal/tasks"
)

type fixedProvider struct {
	quote map[string]interface{}
	err   error
}

func (p *fixedProvider) Name() string { return "longport" }

func (p *fixedProvider) FetchQuote(ctx context.Context, symbol string) (map[string]interface{}, error) {
	return p.quote, p.err
}

func (p *fixedProvider) FetchBasicInfo(ctx context.Context, symbol string) (map[string]interface{}, error) {
	return p.quote, p.err
}

func (p *fixedProvider) FetchIndexQuote(ctx context.Context, symbol string) (map[string]interface{}, error) {
	return p.quote, p.err
}

func (p *fixedProvider) FetchMarketStatus(ctx context.Context, market string) (map[string]interface{}, error) {
	return map[string]interface{}{"status": "open"}, p.err
}

type nullCatalog struct{}

func (c *nullCatalog) FindByID(ctx context.Context, id string) (*mapping.Rule, error) {
	return nil, nil
}

func (c *nullCatalog) FindBestMatching(ctx context.Context, provider string, apiType mapping.APIType, listType mapping.RuleListType, marketType string) (*mapping.Rule, error) {
	return nil, nil
}

func (c *nullCatalog) List(ctx context.Context, filter rules.ListFilter, page, limit int) ([]*mapping.Rule, int64, error) {
	return nil, 0, nil
}

func (c *nullCatalog) Create(ctx context.Context, rule *mapping.Rule) error      { return nil }
func (c *nullCatalog) Update(ctx context.Context, rule *mapping.Rule) error      { return nil }
func (c *nullCatalog) SetActive(ctx context.Context, id string, a bool) error    { return nil }
func (c *nullCatalog) Delete(ctx context.Context, id string) error               { return nil }
func (c *nullCatalog) RecordApplication(ctx context.Context, id string, s bool) error {
	return nil
}

func (c *nullCatalog) SetDefault(ctx context.Context, id string) (*mapping.Rule, error) {
	return nil, errors.New("unused")
}

type nullWarm struct{}

func (nullWarm) Get(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }
func (nullWarm) Set(ctx context.Context, key string, v []byte, ttl time.Duration) error {
	return nil
}
func (nullWarm) Del(ctx context.Context, keys ...string) error                { return nil }
func (nullWarm) DelByPattern(ctx context.Context, pattern string) (int, error) { return 0, nil }

func newTestServer(t *testing.T, p provider.QuoteProvider) *Server {
	t.Helper()

	ser := cache.NewSerializer(cache.EncodingJSON, 1024)
	codec := cache.NewKeyCodec(cache.KeyLimits{MaxStringLength: 128, MaxObjectDepth: 4, MaxObjectFields: 16})
	hot := cache.NewHotCache(100, time.Minute)
	t.Cleanup(hot.Stop)

	orch := cache.NewOrchestrator(codec, ser, hot, nil, map[cache.Strategy]cache.StrategyPolicy{
		cache.StrategyStrong: {TTL: 5 * time.Second, OriginTimeout: time.Second},
		cache.StrategyWeak:   {TTL: time.Minute, OriginTimeout: time.Second},
	}, nil)

	limiter := tasks.NewLimiter(1, 10, time.Second)
	t.Cleanup(limiter.Stop)
	mgr := rules.NewManager(&nullCatalog{}, rules.NewCache(nullWarm{}, nil, ser, time.Minute), limiter, nil)

	registry := provider.NewRegistry()
	registry.Register(p, 0)

	svc := gateway.NewService(orch, mgr, mapping.NewEngine(false), registry,
		cache.NewStreamCache(time.Second, nil, 0, ser), nil, nil)

	limits := config.LimitsConfig{MaxStringLength: 128, MaxObjectDepth: 4, MaxObjectFields: 16, MaxPayloadBytes: 1024}
	return NewServer(config.HTTPConfig{Host: "127.0.0.1", Port: 0}, limits, svc, nil, metrics.NewRegistry())
}

func TestQuoteEndpoint(t *testing.T) {
	srv := newTestServer(t, &fixedProvider{quote: map[string]interface{}{"last_done": "561.000"}})

	req := httptest.NewRequest("GET", "/api/v1/quote/700.HK?provider=longport&market=HK", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var q gateway.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.True(t, q.Passthrough, "no rules configured, raw payload served")
	assert.Equal(t, "561.000", q.Data["last_done"])
}

func TestQuoteEndpointOriginFailure(t *testing.T) {
	srv := newTestServer(t, &fixedProvider{err: errors.New("upstream down")})

	req := httptest.NewRequest("GET", "/api/v1/quote/700.HK?provider=longport", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var e apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.NotEmpty(t, e.Error)
}

func TestMarketStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &fixedProvider{})

	req := httptest.NewRequest("GET", "/api/v1/market-status/HK?provider=longport", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var q gateway.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, "open", q.Data["status"])
}

func TestGetRuleNotFound(t *testing.T) {
	srv := newTestServer(t, &fixedProvider{})

	req := httptest.NewRequest("GET", "/api/v1/rules/ghost", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &fixedProvider{})

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Contains(t, report, "status")
	assert.Contains(t, report, "components")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fixedProvider{})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQuoteStreamRequiresSymbols(t *testing.T) {
	srv := newTestServer(t, &fixedProvider{})

	req := httptest.NewRequest("GET", "/ws/quotes", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRuleRejectsOversizedBody(t *testing.T) {
	srv := newTestServer(t, &fixedProvider{})

	body := `{"name":"` + strings.Repeat("a", 4096) + `"}`
	req := httptest.NewRequest("POST", "/api/v1/rules", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestClearRuleCacheEndpoint(t *testing.T) {
	srv := newTestServer(t, &fixedProvider{})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/v1/admin/clear-rule-cache", nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "cleared", resp["status"])
	}
}

func TestResetPresetsWithoutTemplateStore(t *testing.T) {
	srv := newTestServer(t, &fixedProvider{})

	req := httptest.NewRequest("POST", "/api/v1/admin/reset-presets", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
