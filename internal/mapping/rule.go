// Package mapping implements the data-driven transformation of provider-native
// payloads into the gateway's standard schema: rule and field-mapping types,
// the path resolver, and the transform engine.
package mapping

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRuleNotFound indicates no active rule matched the request tuple. It
	// is distinguishable from origin errors so callers can choose passthrough.
	ErrRuleNotFound = errors.New("no mapping rule found")

	// ErrRuleValidation indicates a rule failed structural validation.
	ErrRuleValidation = errors.New("rule validation failed")
)

// APIType distinguishes request/response rules from stream rules.
type APIType string

const (
	APITypeRest   APIType = "rest"
	APITypeStream APIType = "stream"
)

// RuleListType determines the target schema a rule emits.
type RuleListType string

const (
	RuleListQuoteFields     RuleListType = "quote_fields"
	RuleListBasicInfoFields RuleListType = "basic_info_fields"
	RuleListIndexFields     RuleListType = "index_fields"
)

// Transform operators supported by field mappings.
const (
	TransformMultiply = "multiply"
	TransformDivide   = "divide"
	TransformAdd      = "add"
	TransformSubtract = "subtract"
	TransformFormat   = "format"
)

// Transform is an optional per-field operation. Arithmetic operators use
// Value; format substitutes {value} into Template.
type Transform struct {
	Type     string  `json:"type"`
	Value    float64 `json:"value,omitempty"`
	Template string  `json:"template,omitempty"`
}

// FieldMapping maps one source path to one target field.
type FieldMapping struct {
	SourceFieldPath string     `json:"source_field_path"`
	FallbackPaths   []string   `json:"fallback_paths,omitempty"`
	TargetField     string     `json:"target_field"`
	Transform       *Transform `json:"transform,omitempty"`
	Confidence      float64    `json:"confidence"`
	IsActive        bool       `json:"is_active"`
	IsRequired      bool       `json:"is_required"`
	Description     string     `json:"description,omitempty"`
}

// Rule is one mapping rule for a (provider, apiType, ruleListType, market)
// tuple. Rule objects are immutable after load; updates produce a new object
// and invalidate the cache.
type Rule struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Provider     string       `json:"provider"`
	APIType      APIType      `json:"api_type"`
	RuleListType RuleListType `json:"rule_list_type"`
	MarketType   string       `json:"market_type"` // "*" matches any market

	IsActive  bool `json:"is_active"`
	IsDefault bool `json:"is_default"`

	OverallConfidence         float64    `json:"overall_confidence"`
	UsageCount                int64      `json:"usage_count"`
	SuccessfulTransformations int64      `json:"successful_transformations"`
	FailedTransformations     int64      `json:"failed_transformations"`
	SuccessRate               float64    `json:"success_rate"`
	LastUsedAt                *time.Time `json:"last_used_at,omitempty"`

	SourceTemplateID string         `json:"source_template_id,omitempty"`
	FieldMappings    []FieldMapping `json:"field_mappings"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DataSourceTemplate seeds rule generation from captured sample payloads.
// Never consulted on the hot path.
type DataSourceTemplate struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Provider        string                 `json:"provider"`
	APIType         APIType                `json:"api_type"`
	SampleData      map[string]interface{} `json:"sample_data"`
	ExtractedFields []string               `json:"extracted_fields"`
	Confidence      float64                `json:"confidence"`
	IsDefault       bool                   `json:"is_default"`
	IsPreset        bool                   `json:"is_preset"`
	UsageCount      int64                  `json:"usage_count"`
	LastUsedAt      *time.Time             `json:"last_used_at,omitempty"`
}

// Validate checks structural invariants before a rule is stored.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrRuleValidation)
	}
	if r.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrRuleValidation)
	}
	if r.APIType != APITypeRest && r.APIType != APITypeStream {
		return fmt.Errorf("%w: unknown api type %q", ErrRuleValidation, r.APIType)
	}
	switch r.RuleListType {
	case RuleListQuoteFields, RuleListBasicInfoFields, RuleListIndexFields:
	default:
		return fmt.Errorf("%w: unknown rule list type %q", ErrRuleValidation, r.RuleListType)
	}
	if r.MarketType == "" {
		return fmt.Errorf("%w: market type is required (use * for any)", ErrRuleValidation)
	}
	if len(r.FieldMappings) == 0 {
		return fmt.Errorf("%w: at least one field mapping is required", ErrRuleValidation)
	}
	for i, fm := range r.FieldMappings {
		if fm.SourceFieldPath == "" {
			return fmt.Errorf("%w: mapping %d: source field path is required", ErrRuleValidation, i)
		}
		if fm.TargetField == "" {
			return fmt.Errorf("%w: mapping %d: target field is required", ErrRuleValidation, i)
		}
		if fm.Confidence < 0 || fm.Confidence > 1 {
			return fmt.Errorf("%w: mapping %d: confidence %f outside [0,1]", ErrRuleValidation, i, fm.Confidence)
		}
		if fm.Transform != nil {
			switch fm.Transform.Type {
			case TransformMultiply, TransformDivide, TransformAdd, TransformSubtract:
			case TransformFormat:
				if fm.Transform.Template == "" {
					return fmt.Errorf("%w: mapping %d: format transform needs a template", ErrRuleValidation, i)
				}
			default:
				return fmt.Errorf("%w: mapping %d: unknown transform %q", ErrRuleValidation, i, fm.Transform.Type)
			}
		}
	}
	return nil
}

// RecomputeConfidence sets OverallConfidence to the mean confidence of active
// field mappings. Computed only on the write path; the stored value is
// canonical everywhere else.
func (r *Rule) RecomputeConfidence() {
	var sum float64
	n := 0
	for _, fm := range r.FieldMappings {
		if !fm.IsActive {
			continue
		}
		sum += fm.Confidence
		n++
	}
	if n == 0 {
		r.OverallConfidence = 0
		return
	}
	r.OverallConfidence = sum / float64(n)
}

// MatchesMarket reports whether the rule applies to the requested market.
func (r *Rule) MatchesMarket(market string) bool {
	return r.MarketType == "*" || r.MarketType == market
}
