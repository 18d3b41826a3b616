package condition

import (
	"encoding/json"
	"fmt"
)

// Operator identifies a single matcher comparison.
type Operator string

const (
	OpEq       Operator = "$eq"
	OpNe       Operator = "$ne"
	OpIn       Operator = "$in"
	OpNin      Operator = "$nin"
	OpGt       Operator = "$gt"
	OpLt       Operator = "$lt"
	OpContains Operator = "$contains"
)

// GroupOp combines child predicates.
type GroupOp string

const (
	GroupAnd GroupOp = "$and"
	GroupOr  GroupOp = "$or"
)

// Matcher compares one answer field against a literal value or list of values.
type Matcher struct {
	Field  string
	Op     Operator
	Value  interface{}
	Values []interface{}
}

// Predicate is a parsed condition tree. A node is either a group
// (Group + Children) or a leaf (Matcher). A nil *Predicate matches
// unconditionally.
type Predicate struct {
	Group    GroupOp
	Children []*Predicate
	Matcher  *Matcher
}

// Error reports a malformed condition document. Cells carrying a bad
// condition never match; the admission path itself is unaffected.
type Error struct {
	Field  string
	Op     string
	Reason string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid condition: field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid condition: %s", e.Reason)
}

// Parse parses a JSON condition document into a Predicate. An empty
// document (empty bytes, "null" or "{}") yields a nil Predicate,
// meaning "always matches". Parsing happens once at policy-load time,
// never per admission.
//
// Two forms are accepted per field:
//
//	{"gender": "female"}            implicit equals
//	{"age": {"$gt": 18}}            explicit operator(s)
//
// Fields at the same level combine under AND. Explicit grouping uses
// {"$and": [...]} and {"$or": [...]}, nested arbitrarily.
func Parse(raw []byte) (*Predicate, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{Reason: "unparseable JSON: " + err.Error()}
	}

	if doc == nil {
		return nil, nil
	}

	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, &Error{Reason: "condition document must be a JSON object"}
	}

	return parseObject(obj)
}

func parseObject(obj map[string]interface{}) (*Predicate, error) {
	if len(obj) == 0 {
		return nil, nil
	}

	var children []*Predicate

	for field, value := range obj {
		switch field {
		case string(GroupAnd), string(GroupOr):
			group, err := parseGroup(GroupOp(field), value)
			if err != nil {
				return nil, err
			}
			if group != nil {
				children = append(children, group)
			}
		default:
			matchers, err := parseField(field, value)
			if err != nil {
				return nil, err
			}
			children = append(children, matchers...)
		}
	}

	if len(children) == 0 {
		return nil, nil
	}
	if len(children) == 1 {
		return children[0], nil
	}

	// Top-level keys without explicit grouping combine under AND.
	return &Predicate{Group: GroupAnd, Children: children}, nil
}

func parseGroup(op GroupOp, value interface{}) (*Predicate, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, &Error{Op: string(op), Reason: "group value must be an array"}
	}

	var children []*Predicate
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, &Error{Op: string(op), Reason: "group element must be an object"}
		}
		child, err := parseObject(obj)
		if err != nil {
			return nil, err
		}
		if child != nil {
			children = append(children, child)
		}
	}

	if len(children) == 0 {
		return nil, nil
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &Predicate{Group: op, Children: children}, nil
}

func parseField(field string, value interface{}) ([]*Predicate, error) {
	// Operator object: {"$gt": 18, "$lt": 65} — multiple operators on
	// one field combine under AND.
	if obj, ok := value.(map[string]interface{}); ok {
		var matchers []*Predicate
		for op, operand := range obj {
			m, err := parseMatcher(field, Operator(op), operand)
			if err != nil {
				return nil, err
			}
			matchers = append(matchers, &Predicate{Matcher: m})
		}
		if len(matchers) == 0 {
			return nil, &Error{Field: field, Reason: "empty operator object"}
		}
		return matchers, nil
	}

	// Bare literal: implicit equals.
	return []*Predicate{{Matcher: &Matcher{Field: field, Op: OpEq, Value: value}}}, nil
}

func parseMatcher(field string, op Operator, operand interface{}) (*Matcher, error) {
	switch op {
	case OpEq, OpNe, OpGt, OpLt, OpContains:
		return &Matcher{Field: field, Op: op, Value: operand}, nil
	case OpIn, OpNin:
		list, ok := operand.([]interface{})
		if !ok {
			return nil, &Error{Field: field, Op: string(op), Reason: "operand must be an array"}
		}
		return &Matcher{Field: field, Op: op, Values: list}, nil
	default:
		return nil, &Error{Field: field, Op: string(op), Reason: "unknown operator"}
	}
}
