package condition

import "reflect"

// Evaluate applies the predicate to a respondent's answer map. It is
// pure: identical (predicate, answers) pairs always yield identical
// results, and no state is shared or mutated.
//
// A nil predicate matches unconditionally. A matcher referencing an
// answer key absent from the map evaluates to false — an unanswered
// field never satisfies a condition.
func (p *Predicate) Evaluate(answers map[string]interface{}) bool {
	if p == nil {
		return true
	}

	if p.Matcher != nil {
		return p.Matcher.matches(answers)
	}

	switch p.Group {
	case GroupOr:
		for _, child := range p.Children {
			if child.Evaluate(answers) {
				return true
			}
		}
		return false
	default: // GroupAnd
		for _, child := range p.Children {
			if !child.Evaluate(answers) {
				return false
			}
		}
		return true
	}
}

func (m *Matcher) matches(answers map[string]interface{}) bool {
	answer, ok := answers[m.Field]
	if !ok {
		return false
	}

	switch m.Op {
	case OpEq:
		return valuesEqual(answer, m.Value)
	case OpNe:
		return !valuesEqual(answer, m.Value)
	case OpIn:
		for _, v := range m.Values {
			if valuesEqual(answer, v) {
				return true
			}
		}
		return false
	case OpNin:
		for _, v := range m.Values {
			if valuesEqual(answer, v) {
				return false
			}
		}
		return true
	case OpGt:
		a, aok := asNumber(answer)
		b, bok := asNumber(m.Value)
		return aok && bok && a > b
	case OpLt:
		a, aok := asNumber(answer)
		b, bok := asNumber(m.Value)
		return aok && bok && a < b
	case OpContains:
		list, ok := answer.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if valuesEqual(item, m.Value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// valuesEqual compares two JSON-decoded values. Numbers compare
// numerically regardless of underlying Go type. Arrays and objects
// compare element-wise; == would panic on them.
func valuesEqual(a, b interface{}) bool {
	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		return ok && an == bn
	}
	switch a.(type) {
	case nil, bool, string:
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
