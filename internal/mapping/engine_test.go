package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeMapping(src, dst string) FieldMapping {
	return FieldMapping{SourceFieldPath: src, TargetField: dst, Confidence: 0.9, IsActive: true}
}

func quoteRule(mappings ...FieldMapping) *Rule {
	return &Rule{
		ID:            "r1",
		Name:          "longport-quote",
		Provider:      "longport",
		APIType:       APITypeRest,
		RuleListType:  RuleListQuoteFields,
		MarketType:    "*",
		IsActive:      true,
		FieldMappings: mappings,
	}
}

func TestTransformNumericStringNormalized(t *testing.T) {
	e := NewEngine(false)
	rule := quoteRule(activeMapping("lastDone", "lastPrice"))

	res, err := e.Transform(rule, map[string]interface{}{"lastDone": "561.000"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 561.0, res.TransformedData["lastPrice"])
}

func TestTransformNilRule(t *testing.T) {
	e := NewEngine(false)
	_, err := e.Transform(nil, map[string]interface{}{})
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestTransformFallbackPaths(t *testing.T) {
	e := NewEngine(true)
	fm := activeMapping("quote.last", "lastPrice")
	fm.FallbackPaths = []string{"lastDone", "last_done"}
	rule := quoteRule(fm)

	res, err := e.Transform(rule, map[string]interface{}{"last_done": 561.0})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 561.0, res.TransformedData["lastPrice"])

	require.Len(t, res.Debug, 1)
	assert.Equal(t, "last_done", res.Debug[0].FallbackUsed)
}

func TestTransformArithmetic(t *testing.T) {
	e := NewEngine(false)

	mul := activeMapping("turnover", "turnoverWan")
	mul.Transform = &Transform{Type: TransformDivide, Value: 10000}
	add := activeMapping("ts", "tsAdjusted")
	add.Transform = &Transform{Type: TransformAdd, Value: 1}
	rule := quoteRule(mul, add)

	res, err := e.Transform(rule, map[string]interface{}{"turnover": "4495107880.00", "ts": 100})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.InDelta(t, 449510.788, res.TransformedData["turnoverWan"], 0.001)
	assert.Equal(t, 101.0, res.TransformedData["tsAdjusted"])
}

func TestTransformMultiplyByZero(t *testing.T) {
	e := NewEngine(false)
	fm := activeMapping("v", "zeroed")
	fm.Transform = &Transform{Type: TransformMultiply, Value: 0}
	rule := quoteRule(fm)

	res, err := e.Transform(rule, map[string]interface{}{"v": 42.0})
	require.NoError(t, err)
	require.True(t, res.Success, "multiply by zero is a valid transform")
	assert.Equal(t, 0.0, res.TransformedData["zeroed"])
}

func TestTransformDivideByZeroOperand(t *testing.T) {
	e := NewEngine(false)
	fm := activeMapping("v", "broken")
	fm.Transform = &Transform{Type: TransformDivide, Value: 0}
	rule := quoteRule(fm, activeMapping("a", "a2"), activeMapping("b", "b2"))

	res, err := e.Transform(rule, map[string]interface{}{"v": 42.0, "a": 1.0, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Failed, "division by zero fails the field, not the rule")
	assert.Equal(t, 2, res.Stats.Successful)
	assert.True(t, res.Success)
	assert.NotContains(t, res.TransformedData, "broken")
}

func TestTransformFormat(t *testing.T) {
	e := NewEngine(false)
	fm := activeMapping("symbol", "display")
	fm.Transform = &Transform{Type: TransformFormat, Template: "sym={value}"}
	rule := quoteRule(fm)

	res, err := e.Transform(rule, map[string]interface{}{"symbol": "700.HK"})
	require.NoError(t, err)
	assert.Equal(t, "sym=700.HK", res.TransformedData["display"])
}

func TestTransformPercentHeuristic(t *testing.T) {
	e := NewEngine(false)
	rule := quoteRule(
		activeMapping("change_rate", "changePercent"),
		activeMapping("big_rate", "bigPercent"),
		activeMapping("change_rate", "changeRatio"),
	)

	res, err := e.Transform(rule, map[string]interface{}{"change_rate": 0.0054, "big_rate": 12.5})
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.InDelta(t, 0.54, res.TransformedData["changePercent"], 1e-9, "ratio scaled for percent target")
	assert.Equal(t, 12.5, res.TransformedData["bigPercent"], "values outside (-1,1) untouched")
	assert.Equal(t, 0.0054, res.TransformedData["changeRatio"], "non-percent target untouched")
}

func TestTransformPercentHeuristicAfterTransform(t *testing.T) {
	e := NewEngine(false)
	fm := activeMapping("rate", "scaledPercent")
	fm.Transform = &Transform{Type: TransformDivide, Value: 10}
	rule := quoteRule(fm)

	// 5 / 10 = 0.5, inside (-1,1) after the transform, so the heuristic fires.
	res, err := e.Transform(rule, map[string]interface{}{"rate": 5.0})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, res.TransformedData["scaledPercent"], 1e-9)
}

func TestTransformRequiredVsOptional(t *testing.T) {
	e := NewEngine(false)

	required := activeMapping("gone", "target1")
	required.IsRequired = true
	optional := activeMapping("also_gone", "target2")
	rule := quoteRule(required, optional, activeMapping("present", "target3"))

	res, err := e.Transform(rule, map[string]interface{}{"present": 1.0})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.Failed)
	assert.Equal(t, 1, res.Stats.OptionalSkipped)
	assert.Equal(t, 1, res.Stats.Successful)
	assert.InDelta(t, 0.5, res.Stats.SuccessRate, 1e-9, "skipped fields excluded from the denominator")
	assert.False(t, res.Success, "rate must exceed one half")
}

func TestTransformInactiveMappingsIgnored(t *testing.T) {
	e := NewEngine(false)
	inactive := FieldMapping{SourceFieldPath: "x", TargetField: "y", IsActive: false}
	rule := quoteRule(activeMapping("present", "out"), inactive)

	res, err := e.Transform(rule, map[string]interface{}{"present": 1.0, "x": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Total)
	assert.NotContains(t, res.TransformedData, "y")
}

func TestTransformDeterministic(t *testing.T) {
	e := NewEngine(false)
	rule := quoteRule(activeMapping("lastDone", "lastPrice"), activeMapping("volume", "volume"))
	source := map[string]interface{}{"lastDone": "561.000", "volume": 8034391.0}

	first, err := e.Transform(rule, source)
	require.NoError(t, err)
	second, err := e.Transform(rule, source)
	require.NoError(t, err)
	assert.Equal(t, first.TransformedData, second.TransformedData)
}

func TestRecomputeConfidence(t *testing.T) {
	rule := quoteRule(activeMapping("a", "a"), activeMapping("b", "b"))
	rule.FieldMappings[0].Confidence = 0.8
	rule.FieldMappings[1].Confidence = 0.6
	rule.FieldMappings = append(rule.FieldMappings, FieldMapping{
		SourceFieldPath: "c", TargetField: "c", Confidence: 0.1, IsActive: false,
	})

	rule.RecomputeConfidence()
	assert.InDelta(t, 0.7, rule.OverallConfidence, 1e-9, "inactive mappings excluded")
}

func TestRuleValidate(t *testing.T) {
	rule := quoteRule(activeMapping("a", "b"))
	require.NoError(t, rule.Validate())

	bad := quoteRule(activeMapping("a", "b"))
	bad.MarketType = ""
	assert.ErrorIs(t, bad.Validate(), ErrRuleValidation)

	bad = quoteRule(FieldMapping{TargetField: "b", IsActive: true})
	assert.ErrorIs(t, bad.Validate(), ErrRuleValidation)

	bad = quoteRule(activeMapping("a", "b"))
	bad.FieldMappings[0].Transform = &Transform{Type: "negate"}
	assert.ErrorIs(t, bad.Validate(), ErrRuleValidation)
}
