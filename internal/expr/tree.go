// Package expr compiles a structured predicate tree into a
// closure-based boolean evaluator. It deliberately does not depend on any
// runtime code-generation or expression-evaluation library: it is a
// straightforward interpreter over the tree with field types resolved and
// enum ordinal tables built at compile time, avoiding that class of
// dependency entirely.
package expr

import (
	"fmt"
	"sort"
)

// Op is a comparison operator.
type Op string

const (
	OpEq     Op = "_eq"
	OpNeq    Op = "_neq"
	OpGt     Op = "_gt"
	OpGte    Op = "_gte"
	OpLt     Op = "_lt"
	OpLte    Op = "_lte"
	OpIn     Op = "_in"
	OpNin    Op = "_nin"
	OpIsNull Op = "_is_null"
)

var knownOps = map[Op]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNin: true, OpIsNull: true,
}

// Node is the tagged variant the compiler walks: Cmp | And | Or | Not.
type Node interface {
	node()
}

// CmpNode compares a single field against a literal with one operator.
type CmpNode struct {
	Field   string
	Op      Op
	Literal any
}

// AndNode is an N-ary conjunction.
type AndNode struct{ Children []Node }

// OrNode is an N-ary disjunction.
type OrNode struct{ Children []Node }

// NotNode negates its single child.
type NotNode struct{ Child Node }

func (CmpNode) node() {}
func (AndNode) node() {}
func (OrNode) node()  {}
func (NotNode) node() {}

// Parse converts a raw, JSON-decoded predicate tree (map[string]any /
// []any / scalars, the shape produced by json.Unmarshal into `any`) into a
// Node tree. It does not know about field types; Compile resolves those.
//
// Grammar:
//
//	node := and_node | or_node | not_node | field_comparison_map
//	and_node := {_and: [node, ...]}
//	or_node  := {_or:  [node, ...]}
//	not_node := {_not: node}
//	field_comparison_map := { field: { op: literal, ... }, ... }
//
// Multiple operators on one field, multiple fields in one map, and multiple
// siblings at one level are all joined by logical AND.
func Parse(raw any) (Node, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expr: predicate node must be a JSON object, got %T", raw)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("expr: empty predicate tree")
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic parse order, for a stable diagnostic string

	var parts []Node
	for _, key := range keys {
		val := m[key]
		switch key {
		case "_and":
			children, err := parseNodeList(val, "_and")
			if err != nil {
				return nil, err
			}
			parts = append(parts, AndNode{Children: children})
		case "_or":
			children, err := parseNodeList(val, "_or")
			if err != nil {
				return nil, err
			}
			parts = append(parts, OrNode{Children: children})
		case "_not":
			child, err := Parse(val)
			if err != nil {
				return nil, err
			}
			parts = append(parts, NotNode{Child: child})
		default:
			ops, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expr: field %q: comparison value must be an object of {op: literal}", key)
			}
			opKeys := make([]string, 0, len(ops))
			for ok := range ops {
				opKeys = append(opKeys, ok)
			}
			sort.Strings(opKeys)
			for _, opKey := range opKeys {
				op := Op(opKey)
				if !knownOps[op] {
					return nil, fmt.Errorf("expr: field %q: unknown operator %q", key, opKey)
				}
				parts = append(parts, CmpNode{Field: key, Op: op, Literal: ops[opKey]})
			}
		}
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	return AndNode{Children: parts}, nil
}

func parseNodeList(raw any, combinator string) ([]Node, error) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expr: %s must be an array of predicate nodes", combinator)
	}
	out := make([]Node, 0, len(arr))
	for _, item := range arr {
		n, err := Parse(item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
