// Package rules implements the declarative rule matching engine that binds
// DICOM series to autosegmentation templates.
package rules

import (
	"strconv"
	"strings"

	"github.com/chavi-india/draw-agent/internal/datastore"
)

// Comparison operator names as stored in the rule catalog.
const (
	OpEquals            = "Equals"
	OpNotEquals         = "NotEquals"
	OpGreaterThan       = "GreaterThan"
	OpLessThan          = "LessThan"
	OpGreaterOrEqual    = "GreaterOrEqual"
	OpLessOrEqual       = "LessOrEqual"
	OpStringContains    = "StringContains"
	OpStringNotContains = "StringNotContains"
	OpStringExactMatch  = "StringExactMatch"
)

// Ruleset combination operators.
const (
	CombineAnd = "AND"
	CombineOr  = "OR"
)

// EvaluateRule checks a single rule against the tag dictionary of a series.
// A missing attribute never matches and never errors.
func EvaluateRule(rule *datastore.Rule, tags map[string]string) bool {
	actual, ok := lookupTag(rule, tags)
	if !ok {
		return false
	}
	return compare(rule.Operator, rule.ValueType, actual, rule.Value)
}

// lookupTag resolves the rule's attribute by keyword first, then by
// (GGGG,EEEE) tag id.
func lookupTag(rule *datastore.Rule, tags map[string]string) (string, bool) {
	if rule.TagName != "" {
		if v, ok := tags[rule.TagName]; ok {
			return v, true
		}
	}
	if rule.TagID != "" {
		if v, ok := tags[strings.ToUpper(rule.TagID)]; ok {
			return v, true
		}
	}
	return "", false
}

func compare(operator, valueType, actual, expected string) bool {
	switch operator {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return compareNumeric(operator, actual, expected)
	case OpEquals, OpNotEquals:
		// equality is numeric only when the rule declares a numeric operand,
		// otherwise it is a literal case-sensitive comparison
		if valueType == "NUMERIC" {
			return compareNumeric(operator, actual, expected)
		}
		if operator == OpEquals {
			return actual == expected
		}
		return actual != expected
	case OpStringContains:
		return strings.Contains(actual, expected)
	case OpStringNotContains:
		return !strings.Contains(actual, expected)
	case OpStringExactMatch:
		return actual == expected
	default:
		return false
	}
}

// compareNumeric casts both operands to float64. Values that do not parse
// make the rule evaluate false rather than fail the series.
func compareNumeric(operator, actual, expected string) bool {
	a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	b, errB := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if errA != nil || errB != nil {
		return false
	}
	switch operator {
	case OpEquals:
		return a == b
	case OpNotEquals:
		return a != b
	case OpGreaterThan:
		return a > b
	case OpLessThan:
		return a < b
	case OpGreaterOrEqual:
		return a >= b
	case OpLessOrEqual:
		return a <= b
	default:
		return false
	}
}

// EvaluateRuleSet combines the per-rule results under the ruleset operator.
// An empty ruleset never matches.
func EvaluateRuleSet(rs *datastore.RuleSet, tags map[string]string) bool {
	if len(rs.Rules) == 0 {
		return false
	}
	switch strings.ToUpper(rs.Operator) {
	case CombineOr:
		for i := range rs.Rules {
			if EvaluateRule(&rs.Rules[i], tags) {
				return true
			}
		}
		return false
	default: // AND
		for i := range rs.Rules {
			if !EvaluateRule(&rs.Rules[i], tags) {
				return false
			}
		}
		return true
	}
}
