package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CompressionPrefix frames compressed payloads in the warm cache. It is a
// reserved key-space sequence and may never appear inside a fingerprint.
const CompressionPrefix = "COMPRESSED::"

// Rule cache and stream snapshot key layout. Shared between the key codec and
// the rule cache namespaces so invalidation patterns stay in one place.
const (
	ruleKeyPrefix          = "data-mapper:rule:"
	bestRuleKeyPrefix      = "data-mapper:best-rule:"
	providerRulesKeyPrefix = "data-mapper:provider-rules:"
	streamQuoteKeyPrefix   = "stream:quote:"

	// WildcardMarket matches any market in best-rule keys.
	WildcardMarket = "*"
)

// Request is the tuple a fingerprint is derived from. Two requests share a
// fingerprint iff they must be served by the same cache entry.
type Request struct {
	Operation string
	Symbol    string
	Provider  string
	Market    string
	APIType   string
	Options   map[string]interface{}
}

// KeyLimits bounds the option payload accepted by the codec.
type KeyLimits struct {
	MaxStringLength int
	MaxObjectDepth  int
	MaxObjectFields int
}

// KeyCodec derives deterministic cache keys from request tuples.
type KeyCodec struct {
	limits KeyLimits
}

// NewKeyCodec creates a codec with the given option bounds.
func NewKeyCodec(limits KeyLimits) *KeyCodec {
	return &KeyCodec{limits: limits}
}

// Fingerprint derives the canonical cache key for a request. Option fields are
// sorted by key and nil values dropped, so the result is stable under
// insertion order. Shapes exceeding the configured depth or field bounds are
// refused with ErrInvalidFingerprint.
func (c *KeyCodec) Fingerprint(req Request) (string, error) {
	if req.Operation == "" {
		return "", fmt.Errorf("%w: operation is required", ErrInvalidFingerprint)
	}
	if req.Symbol == "" {
		return "", fmt.Errorf("%w: symbol is required", ErrInvalidFingerprint)
	}

	parts := []string{"receiver", req.Operation, req.Symbol}
	if req.Provider != "" {
		parts = append(parts, "provider", req.Provider)
	}
	if req.Market != "" {
		parts = append(parts, "market", req.Market)
	}
	if req.APIType != "" {
		parts = append(parts, "api", req.APIType)
	}

	if len(req.Options) > 0 {
		opts, err := c.canonicalizeObject(req.Options, 1)
		if err != nil {
			return "", err
		}
		if opts != "" {
			parts = append(parts, "opts", opts)
		}
	}

	key := strings.Join(parts, ":")
	if strings.Contains(key, CompressionPrefix) {
		return "", fmt.Errorf("%w: reserved sequence %q in key", ErrInvalidFingerprint, CompressionPrefix)
	}
	return key, nil
}

// canonicalizeObject renders a map as {k=v,...} with keys sorted. Nil values
// are dropped before the field-count bound is applied.
func (c *KeyCodec) canonicalizeObject(obj map[string]interface{}, depth int) (string, error) {
	if depth > c.limits.MaxObjectDepth {
		return "", fmt.Errorf("%w: option depth exceeds %d", ErrInvalidFingerprint, c.limits.MaxObjectDepth)
	}

	keys := make([]string, 0, len(obj))
	for k, v := range obj {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "", nil
	}
	if len(keys) > c.limits.MaxObjectFields {
		return "", fmt.Errorf("%w: option field count %d exceeds %d", ErrInvalidFingerprint, len(keys), c.limits.MaxObjectFields)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		val, err := c.canonicalizeValue(obj[k], depth+1)
		if err != nil {
			return "", err
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(val)
	}
	b.WriteByte('}')
	return b.String(), nil
}

func (c *KeyCodec) canonicalizeValue(v interface{}, depth int) (string, error) {
	switch t := v.(type) {
	case string:
		if c.limits.MaxStringLength > 0 && len(t) > c.limits.MaxStringLength {
			return "", fmt.Errorf("%w: option string length %d exceeds %d", ErrInvalidFingerprint, len(t), c.limits.MaxStringLength)
		}
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case map[string]interface{}:
		return c.canonicalizeObject(t, depth)
	case []interface{}:
		if depth > c.limits.MaxObjectDepth {
			return "", fmt.Errorf("%w: option depth exceeds %d", ErrInvalidFingerprint, c.limits.MaxObjectDepth)
		}
		items := make([]string, 0, len(t))
		for _, item := range t {
			s, err := c.canonicalizeValue(item, depth+1)
			if err != nil {
				return "", err
			}
			items = append(items, s)
		}
		return "[" + strings.Join(items, ",") + "]", nil
	default:
		return "", fmt.Errorf("%w: unsupported option type %T", ErrInvalidFingerprint, v)
	}
}

// RuleKey returns the rule-by-id cache key.
func RuleKey(id string) string {
	return ruleKeyPrefix + id
}

// BestRuleKey returns the best-matching-rule cache key for a request tuple.
// An empty market maps to the wildcard segment.
func BestRuleKey(provider, apiType, ruleListType, marketType string) string {
	if marketType == "" {
		marketType = WildcardMarket
	}
	return bestRuleKeyPrefix + provider + ":" + apiType + ":" + ruleListType + ":" + marketType
}

// ProviderRulesKey returns the provider-rules cache key.
func ProviderRulesKey(provider, apiType string) string {
	return providerRulesKeyPrefix + provider + ":" + apiType
}

// ProviderPatterns returns the SCAN patterns covering every rule-cache key
// that embeds the provider. Rule-by-id keys carry no provider segment and are
// invalidated individually.
func ProviderPatterns(provider string) []string {
	return []string{
		bestRuleKeyPrefix + provider + ":*",
		providerRulesKeyPrefix + provider + ":*",
	}
}

// BestRulePattern returns the SCAN pattern covering every best-rule key of a
// (provider, apiType, ruleListType) tuple, across all requested markets.
func BestRulePattern(provider, apiType, ruleListType string) string {
	return bestRuleKeyPrefix + provider + ":" + apiType + ":" + ruleListType + ":*"
}

// RuleCachePattern returns the SCAN pattern covering every rule-cache key
// across all namespaces.
func RuleCachePattern() string {
	return "data-mapper:*"
}

// StreamKey returns the stream snapshot key for a symbol. Symbols are
// uppercased so provider push and subscriber reads agree.
func StreamKey(symbol string) string {
	return streamQuoteKeyPrefix + strings.ToUpper(symbol)
}
