package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/quotegate/quotegate/internal/metrics"
)

// Strategy selects the freshness class of a request, which in turn fixes the
// cache TTL and the origin timeout budget.
type Strategy string

const (
	// StrategyStrong serves live quotes: TTLs of seconds, tight origin
	// timeout.
	StrategyStrong Strategy = "STRONG_TIMELINESS"
	// StrategyWeak serves query/aggregation endpoints: TTLs of minutes.
	StrategyWeak Strategy = "WEAK_TIMELINESS"
	// StrategyNone bypasses the cache entirely and never writes back.
	StrategyNone Strategy = "NONE"
)

// StrategyPolicy fixes the budgets of one strategy.
type StrategyPolicy struct {
	TTL           time.Duration
	OriginTimeout time.Duration
}

// OriginFetcher produces the value on a cache miss. It may internally invoke
// the rule engine and rule cache.
type OriginFetcher func(ctx context.Context) (interface{}, error)

// Orchestrator dispatches lookups across the hot and warm tiers with
// per-fingerprint single-flight on misses. When the warm tier is unhealthy it
// degrades to hot-plus-origin; warm writes are always best-effort and never
// block the response path.
type Orchestrator struct {
	codec      *KeyCodec
	ser        *Serializer
	hot        *HotCache
	warm       *WarmCache // may be nil (hot-only deployments and tests)
	group      singleflight.Group
	policies   map[Strategy]StrategyPolicy
	opPolicies map[string]StrategyPolicy // keyed by Request.Operation
	m          *metrics.Registry         // may be nil
}

// NewOrchestrator wires the tiers together. warm and m may be nil.
func NewOrchestrator(codec *KeyCodec, ser *Serializer, hot *HotCache, warm *WarmCache, policies map[Strategy]StrategyPolicy, m *metrics.Registry) *Orchestrator {
	if policies == nil {
		policies = map[Strategy]StrategyPolicy{}
	}
	return &Orchestrator{
		codec:      codec,
		ser:        ser,
		hot:        hot,
		warm:       warm,
		policies:   policies,
		opPolicies: make(map[string]StrategyPolicy),
		m:          m,
	}
}

// SetOperationPolicy overrides the strategy policy for one operation name, so
// operations sharing a strategy can still carry distinct TTLs. Call during
// wiring, before requests flow.
func (o *Orchestrator) SetOperationPolicy(operation string, p StrategyPolicy) {
	o.opPolicies[operation] = p
}

// GetOrCompute is the cache entry point. The lookup order is hot, warm, then
// a single-flighted origin call whose result is written back warm-then-hot.
// Origin failures propagate to every waiter of the fingerprint; nothing is
// negatively cached. If the caller cancels while following an in-flight
// fetch, the leader still completes and populates the cache.
func (o *Orchestrator) GetOrCompute(ctx context.Context, req Request, strategy Strategy, fetch OriginFetcher) (interface{}, error) {
	fp, err := o.codec.Fingerprint(req)
	if err != nil {
		return nil, err
	}

	if strategy == StrategyNone {
		return o.callOrigin(ctx, fp, strategy, StrategyPolicy{}, fetch)
	}

	policy, ok := o.policies[strategy]
	if !ok {
		return nil, fmt.Errorf("unknown cache strategy %q for %s", strategy, fp)
	}
	if op, ok := o.opPolicies[req.Operation]; ok {
		policy = op
	}

	if v, ok := o.hot.Get(fp); ok {
		o.countCache("hot", true)
		return v, nil
	}
	o.countCache("hot", false)

	if v, ok := o.warmLookup(ctx, fp, policy); ok {
		return v, nil
	}

	ch := o.group.DoChan(fp, func() (interface{}, error) {
		v, err := o.callOrigin(context.Background(), fp, strategy, policy, fetch)
		if err != nil {
			return nil, err
		}
		o.writeBack(fp, v, policy)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Shared && o.m != nil {
			o.m.SingleflightShared.Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		// The leader keeps running detached and will populate the cache.
		return nil, ctx.Err()
	}
}

// WarmHealthy reports the warm tier circuit state for the health surface.
func (o *Orchestrator) WarmHealthy() bool {
	if o.warm == nil {
		return false
	}
	healthy := o.warm.Healthy()
	if o.m != nil {
		if healthy {
			o.m.WarmDegraded.Set(0)
		} else {
			o.m.WarmDegraded.Set(1)
		}
	}
	return healthy
}

// HotStats exposes the hot tier counters.
func (o *Orchestrator) HotStats() HotStats { return o.hot.Stats() }

// Invalidate drops a fingerprint from both tiers.
func (o *Orchestrator) Invalidate(ctx context.Context, req Request) error {
	fp, err := o.codec.Fingerprint(req)
	if err != nil {
		return err
	}
	o.hot.Delete(fp)
	if o.warm != nil {
		if err := o.warm.Del(ctx, fp); err != nil {
			return err
		}
	}
	return nil
}

// warmLookup consults the warm tier, repopulating the hot tier with the
// entry's remaining TTL on a hit. Decode failures drop the entry and count as
// a miss; warm unavailability is degraded mode, also a miss.
func (o *Orchestrator) warmLookup(ctx context.Context, fp string, policy StrategyPolicy) (interface{}, bool) {
	if o.warm == nil || !o.warm.Healthy() {
		return nil, false
	}

	data, ok, err := o.warm.Get(ctx, fp)
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fp).Msg("Warm lookup failed, continuing degraded")
		return nil, false
	}
	if !ok {
		o.countCache("warm", false)
		return nil, false
	}

	var v interface{}
	if err := o.ser.Decode(data, &v); err != nil {
		log.Warn().Err(err).Str("fingerprint", fp).Msg("Dropping undecodable warm entry")
		_ = o.warm.Del(ctx, fp)
		o.countCache("warm", false)
		return nil, false
	}
	o.countCache("warm", true)

	ttl := policy.TTL
	if remaining, err := o.warm.TTL(ctx, fp); err == nil && remaining > 0 {
		ttl = remaining
	}
	o.hot.Set(fp, v, ttl)
	return v, true
}

// callOrigin runs the fetch under the policy's timeout with metrics and
// error typing applied. The context is detached from the caller when invoked
// as a single-flight leader.
func (o *Orchestrator) callOrigin(ctx context.Context, fp string, strategy Strategy, policy StrategyPolicy, fetch OriginFetcher) (interface{}, error) {
	timeout := 10 * time.Second
	if policy.OriginTimeout > 0 {
		timeout = policy.OriginTimeout
	}
	octx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := fetch(octx)
	if o.m != nil {
		o.m.OriginDuration.WithLabelValues(string(strategy)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		o.countOrigin(strategy, "error")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s (strategy %s)", ErrOriginTimeout, fp, strategy)
		}
		return nil, fmt.Errorf("%w: %s (strategy %s): %v", ErrOrigin, fp, strategy, err)
	}
	o.countOrigin(strategy, "ok")
	return v, nil
}

// writeBack stores an origin result warm-then-hot. The warm write is
// best-effort: in degraded mode it is skipped without delaying the response.
func (o *Orchestrator) writeBack(fp string, v interface{}, policy StrategyPolicy) {
	if o.warm != nil && o.warm.Healthy() {
		data, err := o.ser.Encode(v)
		if err != nil {
			log.Error().Err(err).Str("fingerprint", fp).Msg("Failed to encode origin result for warm tier")
		} else {
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := o.warm.Set(wctx, fp, data, policy.TTL); err != nil {
				log.Warn().Err(err).Str("fingerprint", fp).Msg("Warm write-back skipped")
			}
			cancel()
		}
	}
	o.hot.Set(fp, v, policy.TTL)
}

func (o *Orchestrator) countCache(tier string, hit bool) {
	if o.m == nil {
		return
	}
	if hit {
		o.m.CacheHits.WithLabelValues(tier).Inc()
	} else {
		o.m.CacheMisses.WithLabelValues(tier).Inc()
	}
}

func (o *Orchestrator) countOrigin(strategy Strategy, result string) {
	if o.m != nil {
		o.m.OriginCalls.WithLabelValues(string(strategy), result).Inc()
	}
}
