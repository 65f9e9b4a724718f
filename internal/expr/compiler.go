package expr

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/arc-self/viewstream/internal/row"
	"github.com/arc-self/viewstream/internal/schema"
)

// Predicate is a compiled expression: a pure boolean evaluator plus the set
// of fields it reads and a diagnostic rendering of the source tree.
type Predicate struct {
	Evaluate   func(r row.Row) bool
	Fields     map[string]struct{}
	Expression string
}

// Negate returns a Predicate that is the logical negation of p, reusing its
// fields-read set. Used to build the default unmatch filter as the logical
// negation of the match predicate.
func Negate(p *Predicate) *Predicate {
	return &Predicate{
		Evaluate:   func(r row.Row) bool { return !p.Evaluate(r) },
		Fields:     p.Fields,
		Expression: "NOT(" + p.Expression + ")",
	}
}

// Compile builds a Predicate from raw, JSON-decoded predicate-tree input
// (see Parse) against the given view's declared field types. Compile errors
// are synchronous and terminal for the enclosing subscribe
// or create-trigger call.
func Compile(raw any, view *schema.View) (*Predicate, error) {
	tree, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]struct{})
	eval, exprStr, err := compileNode(tree, view, fields)
	if err != nil {
		return nil, err
	}
	return &Predicate{Evaluate: eval, Fields: fields, Expression: exprStr}, nil
}

func compileNode(n Node, view *schema.View, fields map[string]struct{}) (func(row.Row) bool, string, error) {
	switch t := n.(type) {
	case AndNode:
		return compileConjunction(t.Children, view, fields, true)
	case OrNode:
		return compileConjunction(t.Children, view, fields, false)
	case NotNode:
		child, childExpr, err := compileNode(t.Child, view, fields)
		if err != nil {
			return nil, "", err
		}
		return func(r row.Row) bool { return !child(r) }, "NOT(" + childExpr + ")", nil
	case CmpNode:
		return compileCmp(t, view, fields)
	default:
		return nil, "", fmt.Errorf("expr: unrecognized node type %T", n)
	}
}

func compileConjunction(children []Node, view *schema.View, fields map[string]struct{}, and bool) (func(row.Row) bool, string, error) {
	fns := make([]func(row.Row) bool, 0, len(children))
	exprs := make([]string, 0, len(children))
	for _, c := range children {
		fn, e, err := compileNode(c, view, fields)
		if err != nil {
			return nil, "", err
		}
		fns = append(fns, fn)
		exprs = append(exprs, e)
	}
	op := "AND"
	if !and {
		op = "OR"
	}
	exprStr := "(" + strings.Join(exprs, " "+op+" ") + ")"
	if and {
		return func(r row.Row) bool {
			for _, fn := range fns {
				if !fn(r) {
					return false
				}
			}
			return true
		}, exprStr, nil
	}
	return func(r row.Row) bool {
		for _, fn := range fns {
			if fn(r) {
				return true
			}
		}
		return false
	}, exprStr, nil
}

func compileCmp(c CmpNode, view *schema.View, fields map[string]struct{}) (func(row.Row) bool, string, error) {
	field, ok := view.Field(c.Field)
	if !ok {
		return nil, "", fmt.Errorf("expr: unknown field %q", c.Field)
	}
	fields[c.Field] = struct{}{}
	exprStr := fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Literal)

	if c.Op == OpIsNull {
		want, ok := c.Literal.(bool)
		if !ok {
			return nil, "", fmt.Errorf("expr: field %q: _is_null literal must be a boolean", c.Field)
		}
		return func(r row.Row) bool {
			return r.IsNull(field.Name) == want
		}, exprStr, nil
	}

	if c.Op == OpIn || c.Op == OpNin {
		fn, err := compileMembership(c, field)
		if err != nil {
			return nil, "", fmt.Errorf("expr: field %q: %w", c.Field, err)
		}
		return fn, exprStr, nil
	}

	var fn func(row.Row) bool
	var err error
	if field.Type == schema.EnumType {
		fn, _, err = compileEnumCmp(c, field)
	} else {
		fn, _, err = compileScalarCmp(c, field)
	}
	if err != nil {
		return nil, "", err
	}
	return fn, exprStr, nil
}

func compileMembership(c CmpNode, field schema.Field) (func(row.Row) bool, error) {
	seq, ok := c.Literal.([]any)
	negate := c.Op == OpNin

	if !ok {
		return nil, fmt.Errorf("%s literal must be an array", c.Op)
	}

	if field.Type == schema.EnumType {
		ords := field.Enum.Ordinals()
		want := make(map[int]struct{}, len(seq))
		for _, lit := range seq {
			s, ok := lit.(string)
			if !ok {
				continue
			}
			if idx, found := ords[s]; found {
				want[idx] = struct{}{}
			}
		}
		return func(r row.Row) bool {
			v, present := r.Get(field.Name)
			if !present || v == nil {
				return negate // null never satisfies membership; _nin(null) is true
			}
			iv, _ := v.(int)
			_, in := want[iv]
			return in != negate
		}, nil
	}

	return func(r row.Row) bool {
		v, present := r.Get(field.Name)
		if !present || v == nil {
			return negate
		}
		in := false
		for _, lit := range seq {
			if scalarEquals(field.Type, v, lit) {
				in = true
				break
			}
		}
		return in != negate
	}, nil
}

func compileEnumCmp(c CmpNode, field schema.Field) (func(row.Row) bool, string, error) {
	if c.Literal == nil {
		return compileNullAwareEq(c, field)
	}
	litStr, ok := c.Literal.(string)
	if !ok {
		return nil, "", fmt.Errorf("expr: field %q: enum literal must be a string", c.Field)
	}
	ords := field.Enum.Ordinals()
	litOrd, found := ords[litStr]

	switch c.Op {
	case OpEq:
		if !found {
			return func(row.Row) bool { return false }, "", nil
		}
		return func(r row.Row) bool {
			v, present := r.Get(field.Name)
			if !present || v == nil {
				return false
			}
			iv, _ := v.(int)
			return iv == litOrd
		}, "", nil
	case OpNeq:
		if !found {
			return func(row.Row) bool { return true }, "", nil
		}
		return func(r row.Row) bool {
			v, present := r.Get(field.Name)
			if !present || v == nil {
				return true
			}
			iv, _ := v.(int)
			return iv != litOrd
		}, "", nil
	default: // _gt/_gte/_lt/_lte
		if !found {
			// "a literal not in the enum evaluates the comparison to false"
			return func(row.Row) bool { return false }, "", nil
		}
		cmp, err := ordinalComparator(c.Op)
		if err != nil {
			return nil, "", err
		}
		return func(r row.Row) bool {
			v, present := r.Get(field.Name)
			if !present || v == nil {
				return false
			}
			iv, _ := v.(int)
			return cmp(iv, litOrd)
		}, "", nil
	}
}

func ordinalComparator(op Op) (func(a, b int) bool, error) {
	switch op {
	case OpGt:
		return func(a, b int) bool { return a > b }, nil
	case OpGte:
		return func(a, b int) bool { return a >= b }, nil
	case OpLt:
		return func(a, b int) bool { return a < b }, nil
	case OpLte:
		return func(a, b int) bool { return a <= b }, nil
	}
	return nil, fmt.Errorf("expr: unsupported ordinal operator %q", op)
}

func compileNullAwareEq(c CmpNode, field schema.Field) (func(row.Row) bool, string, error) {
	want := c.Op == OpEq
	return func(r row.Row) bool {
		isNull := r.IsNull(field.Name)
		return isNull == want
	}, "", nil
}

func compileScalarCmp(c CmpNode, field schema.Field) (func(row.Row) bool, string, error) {
	if c.Literal == nil && (c.Op == OpEq || c.Op == OpNeq) {
		return compileNullAwareEq(c, field)
	}

	switch c.Op {
	case OpEq, OpNeq:
		want := c.Op == OpEq
		return func(r row.Row) bool {
			v, present := r.Get(field.Name)
			if !present || v == nil {
				return c.Literal == nil == want
			}
			eq := scalarEquals(field.Type, v, c.Literal)
			return eq == want
		}, "", nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, err := scalarOrderComparator(field.Type, c.Op, c.Literal)
		if err != nil {
			return nil, "", fmt.Errorf("expr: field %q: %w", c.Field, err)
		}
		return func(r row.Row) bool {
			v, present := r.Get(field.Name)
			if !present || v == nil {
				return false
			}
			return cmp(v)
		}, "", nil
	}
	return nil, "", fmt.Errorf("expr: field %q: unsupported operator %q", c.Field, c.Op)
}

func scalarEquals(t schema.DataType, rowVal, literal any) bool {
	switch t {
	case schema.Bool:
		b, ok := literal.(bool)
		rb, _ := rowVal.(bool)
		return ok && rb == b
	case schema.Int:
		lf, ok := toFloat64(literal)
		rv, _ := rowVal.(int64)
		return ok && rv == int64(lf)
	case schema.Float:
		lf, ok := toFloat64(literal)
		rv, _ := rowVal.(float64)
		return ok && rv == lf
	case schema.BigInt:
		return bigIntEquals(rowVal, literal)
	default: // String, or anything carried as its original text
		ls, ok := literal.(string)
		rs, _ := rowVal.(string)
		return ok && rs == ls
	}
}

func scalarOrderComparator(t schema.DataType, op Op, literal any) (func(rowVal any) bool, error) {
	switch t {
	case schema.Int:
		lf, ok := toFloat64(literal)
		if !ok {
			return nil, fmt.Errorf("comparison literal must be numeric")
		}
		lit := int64(lf)
		return func(rowVal any) bool {
			rv, _ := rowVal.(int64)
			return intCompare(op, rv, lit)
		}, nil
	case schema.Float:
		lf, ok := toFloat64(literal)
		if !ok {
			return nil, fmt.Errorf("comparison literal must be numeric")
		}
		return func(rowVal any) bool {
			rv, _ := rowVal.(float64)
			return floatCompare(op, rv, lf)
		}, nil
	case schema.BigInt:
		litBig, ok := parseBig(literal)
		if !ok {
			return nil, fmt.Errorf("comparison literal must be a big integer")
		}
		return func(rowVal any) bool {
			rs, _ := rowVal.(string)
			rv, ok := new(big.Int).SetString(rs, 10)
			if !ok {
				return false
			}
			return bigCompare(op, rv.Cmp(litBig))
		}, nil
	case schema.Bool:
		return nil, fmt.Errorf("ordering comparisons are not defined on boolean fields")
	default: // String (lexicographic)
		ls, ok := literal.(string)
		if !ok {
			return nil, fmt.Errorf("comparison literal must be a string")
		}
		return func(rowVal any) bool {
			rs, _ := rowVal.(string)
			return stringCompare(op, rs, ls)
		}, nil
	}
}

func intCompare(op Op, a, b int64) bool {
	switch op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	}
	return false
}

func floatCompare(op Op, a, b float64) bool {
	switch op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	}
	return false
}

func stringCompare(op Op, a, b string) bool {
	switch op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	}
	return false
}

func bigCompare(op Op, cmp int) bool {
	switch op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

func bigIntEquals(rowVal, literal any) bool {
	rs, ok := rowVal.(string)
	if !ok {
		return false
	}
	rv, ok := new(big.Int).SetString(rs, 10)
	if !ok {
		return false
	}
	litBig, ok := parseBig(literal)
	if !ok {
		return false
	}
	return rv.Cmp(litBig) == 0
}

func parseBig(literal any) (*big.Int, bool) {
	switch v := literal.(type) {
	case string:
		return new(big.Int).SetString(v, 10)
	case float64:
		return new(big.Int).SetString(strconv.FormatFloat(v, 'f', 0, 64), 10)
	}
	return nil, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
