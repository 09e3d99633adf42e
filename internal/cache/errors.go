package cache

import "errors"

// Error taxonomy for the cache path. The orchestrator maps warm-cache failures
// to degraded behavior instead of surfacing them; origin errors propagate with
// fingerprint and strategy attached.
var (
	// ErrSerialization indicates an encode/decode failure. Payloads are never
	// partially decoded; callers treat the entry as absent.
	ErrSerialization = errors.New("serialization failed")

	// ErrWarmCacheUnavailable indicates the Redis tier failed or its circuit
	// is open.
	ErrWarmCacheUnavailable = errors.New("warm cache unavailable")

	// ErrOriginTimeout indicates the origin fetch exceeded the strategy's
	// timeout budget.
	ErrOriginTimeout = errors.New("origin call timed out")

	// ErrOrigin indicates the origin fetch failed for a non-timeout reason.
	ErrOrigin = errors.New("origin call failed")

	// ErrInvalidFingerprint indicates the request tuple could not be reduced
	// to a cache key within the configured bounds.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)
