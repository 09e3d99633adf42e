package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// Stats summarizes one transformation. Optional-skipped fields are excluded
// from the success/failure denominator.
type Stats struct {
	Total           int     `json:"total"`
	Successful      int     `json:"successful"`
	Failed          int     `json:"failed"`
	OptionalSkipped int     `json:"optional_skipped"`
	SuccessRate     float64 `json:"success_rate"`
}

// FieldDebug records per-field diagnostics when debug output is enabled.
type FieldDebug struct {
	SourcePath       string      `json:"source_path"`
	TargetField      string      `json:"target_field"`
	SourceValue      interface{} `json:"source_value,omitempty"`
	TransformedValue interface{} `json:"transformed_value,omitempty"`
	Success          bool        `json:"success"`
	FallbackUsed     string      `json:"fallback_used,omitempty"`
	Error            string      `json:"error,omitempty"`
}

// Result is the outcome of applying a rule to a source payload.
type Result struct {
	TransformedData map[string]interface{} `json:"transformed_data"`
	Success         bool                   `json:"success"`
	Stats           Stats                  `json:"mapping_stats"`
	Debug           []FieldDebug           `json:"debug_info,omitempty"`
}

// Engine applies mapping rules to arbitrary nested source payloads. Given the
// same rule version and source, output is identical across invocations.
type Engine struct {
	// Debug enables per-field diagnostics on every result.
	Debug bool
}

// NewEngine creates a mapping engine.
func NewEngine(debug bool) *Engine {
	return &Engine{Debug: debug}
}

// Transform applies each active field mapping of the rule to the source.
// The overall result is successful when more than half of the counted
// (non-skipped) fields mapped cleanly.
func (e *Engine) Transform(rule *Rule, source interface{}) (*Result, error) {
	if rule == nil {
		return nil, ErrRuleNotFound
	}

	res := &Result{TransformedData: make(map[string]interface{})}

	for _, fm := range rule.FieldMappings {
		if !fm.IsActive {
			continue
		}
		res.Stats.Total++

		value, fallbackUsed, found := resolveWithFallbacks(source, fm)
		dbg := FieldDebug{
			SourcePath:   fm.SourceFieldPath,
			TargetField:  fm.TargetField,
			FallbackUsed: fallbackUsed,
		}

		if !found {
			if fm.IsRequired {
				res.Stats.Failed++
				dbg.Error = "required field unresolved"
			} else {
				res.Stats.OptionalSkipped++
				dbg.Error = "optional field skipped"
			}
			e.appendDebug(res, dbg)
			continue
		}
		dbg.SourceValue = value

		// Providers commonly ship numerics as strings; normalize before any
		// arithmetic so "561.000" maps to 561.
		value = normalizeScalar(value)

		transformed, err := applyTransform(value, fm.Transform)
		if err != nil {
			res.Stats.Failed++
			dbg.Error = err.Error()
			e.appendDebug(res, dbg)
			continue
		}

		transformed = applyPercentHeuristic(transformed, fm.TargetField)

		res.TransformedData[fm.TargetField] = transformed
		res.Stats.Successful++
		dbg.Success = true
		dbg.TransformedValue = transformed
		e.appendDebug(res, dbg)
	}

	counted := res.Stats.Successful + res.Stats.Failed
	if counted > 0 {
		res.Stats.SuccessRate = float64(res.Stats.Successful) / float64(counted)
		res.Success = res.Stats.SuccessRate > 0.5
	}
	return res, nil
}

func (e *Engine) appendDebug(res *Result, dbg FieldDebug) {
	if e.Debug {
		res.Debug = append(res.Debug, dbg)
	}
}

// resolveWithFallbacks tries the primary path then each fallback in order.
// The returned fallbackUsed names the path that supplied the value when it
// was not the primary one.
func resolveWithFallbacks(source interface{}, fm FieldMapping) (interface{}, string, bool) {
	if v, ok := ResolvePath(source, fm.SourceFieldPath); ok {
		return v, "", true
	}
	for _, fallback := range fm.FallbackPaths {
		if v, ok := ResolvePath(source, fallback); ok {
			return v, fallback, true
		}
	}
	return nil, "", false
}

// normalizeScalar converts numeric strings to numbers and leaves everything
// else untouched.
func normalizeScalar(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return v
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return v
}

func applyTransform(v interface{}, t *Transform) (interface{}, error) {
	if t == nil {
		return v, nil
	}

	switch t.Type {
	case TransformFormat:
		return strings.ReplaceAll(t.Template, "{value}", formatValue(v)), nil
	case TransformMultiply, TransformDivide, TransformAdd, TransformSubtract:
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("transform %s: value %v is not numeric", t.Type, v)
		}
		switch t.Type {
		case TransformMultiply:
			return f * t.Value, nil
		case TransformDivide:
			if t.Value == 0 {
				return nil, fmt.Errorf("transform divide: division by zero")
			}
			return f / t.Value, nil
		case TransformAdd:
			return f + t.Value, nil
		default:
			return f - t.Value, nil
		}
	default:
		return nil, fmt.Errorf("unknown transform %q", t.Type)
	}
}

// applyPercentHeuristic rescales ratio-shaped values assigned to percent
// fields: a numeric in (-1, 1) whose target name contains "percent" is
// multiplied by 100.
func applyPercentHeuristic(v interface{}, targetField string) interface{} {
	f, ok := toNumber(v)
	if !ok {
		return v
	}
	if f > -1 && f < 1 && strings.Contains(strings.ToLower(targetField), "percent") {
		return f * 100
	}
	return v
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
