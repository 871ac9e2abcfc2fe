package query

import (
	"fmt"
	"sort"

	"github.com/solidb/solidb/pkg/sdbql"
)

// Row is one pipeline tuple: variable name → bound value.
type Row map[string]any

// Clone returns a shallow copy, used whenever a clause introduces a new
// variable binding without disturbing the row a sibling iterator holds.
func (r Row) Clone() Row {
	out := make(Row, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// evalCtx is the evaluation environment threaded through expression
// evaluation: variable bindings (the current Row), bind-parameter values,
// and a back-reference to the executor for correlated subqueries.
type evalCtx struct {
	exec  *Executor
	binds map[string]any
	row   Row
}

func (c *evalCtx) withRow(row Row) *evalCtx {
	return &evalCtx{exec: c.exec, binds: c.binds, row: row}
}

// truthy follows AQL-style semantics (the language SDBQL is modeled on):
// only `false` and `null`/missing are falsy; zero, empty string and empty
// collections are truthy.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func evalExpr(ctx *evalCtx, e sdbql.Expr) (any, error) {
	switch n := e.(type) {
	case sdbql.Literal:
		return n.Value, nil

	case sdbql.VarRef:
		v, ok := ctx.row[n.Name]
		if !ok {
			return nil, nil
		}
		return v, nil

	case sdbql.BindRef:
		v, ok := ctx.binds[n.Name]
		if !ok {
			return nil, &BindError{Name: n.Name}
		}
		return v, nil

	case sdbql.MemberAccess:
		target, err := evalExpr(ctx, n.Target)
		if err != nil {
			return nil, err
		}
		return memberOf(target, n.Field), nil

	case sdbql.OptionalMemberAccess:
		target, err := evalExpr(ctx, n.Target)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, nil
		}
		return memberOf(target, n.Field), nil

	case sdbql.IndexAccess:
		target, err := evalExpr(ctx, n.Target)
		if err != nil {
			return nil, err
		}
		idx, err := evalExpr(ctx, n.Index)
		if err != nil {
			return nil, err
		}
		return indexOf(target, idx), nil

	case sdbql.WildcardAccess:
		target, err := evalExpr(ctx, n.Target)
		if err != nil {
			return nil, err
		}
		switch t := target.(type) {
		case []any:
			return t, nil
		case map[string]any:
			out := make([]any, 0, len(t))
			for _, v := range t {
				out = append(out, v)
			}
			return out, nil
		default:
			return []any{}, nil
		}

	case sdbql.UnaryOp:
		v, err := evalExpr(ctx, n.Operand)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case "NOT":
			return !truthy(v), nil
		case "-":
			f, ok := asFloat(v)
			if !ok {
				return nil, fmt.Errorf("query: unary - on non-numeric value")
			}
			return -f, nil
		}
		return nil, fmt.Errorf("query: unknown unary operator %q", n.Op)

	case sdbql.BinaryOp:
		return evalBinary(ctx, n)

	case sdbql.Ternary:
		cond, err := evalExpr(ctx, n.Cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return evalExpr(ctx, n.Then)
		}
		return evalExpr(ctx, n.Else)

	case sdbql.NullCoalesce:
		left, err := evalExpr(ctx, n.Left)
		if err != nil {
			return nil, err
		}
		if left != nil {
			return left, nil
		}
		return evalExpr(ctx, n.Right)

	case sdbql.Pipe:
		left, err := evalExpr(ctx, n.Left)
		if err != nil {
			return nil, err
		}
		call, ok := n.Right.(sdbql.FuncCall)
		if !ok {
			return nil, fmt.Errorf("query: right side of |> must be a function call")
		}
		args := make([]any, 0, len(call.Args)+1)
		args = append(args, left)
		for _, a := range call.Args {
			v, err := evalExpr(ctx, a)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return callBuiltin(ctx, call.Name, args, call.Args)

	case sdbql.FuncCall:
		args := make([]any, 0, len(n.Args))
		for _, a := range n.Args {
			v, err := evalExpr(ctx, a)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return callBuiltin(ctx, n.Name, args, n.Args)

	case sdbql.Lambda:
		// A bare lambda evaluated outside a higher-order call has no
		// meaningful scalar value; return it unevaluated for the caller
		// (MAP/FILTER/REDUCE) to apply.
		return n, nil

	case sdbql.Subquery:
		return ctx.exec.runSubquery(n.Query, ctx)

	case sdbql.ArrayLit:
		out := make([]any, 0, len(n.Elems))
		for _, el := range n.Elems {
			v, err := evalExpr(ctx, el)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case sdbql.ObjectLit:
		out := make(map[string]any, len(n.Keys))
		for i, k := range n.Keys {
			v, err := evalExpr(ctx, n.Values[i])
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil

	case sdbql.RangeExpr:
		lo, err := evalExpr(ctx, n.Lo)
		if err != nil {
			return nil, err
		}
		hi, err := evalExpr(ctx, n.Hi)
		if err != nil {
			return nil, err
		}
		loF, _ := asFloat(lo)
		hiF, _ := asFloat(hi)
		out := make([]any, 0, int(hiF-loF)+1)
		for i := loF; i <= hiF; i++ {
			out = append(out, i)
		}
		return out, nil

	case sdbql.CaseExpr:
		for _, w := range n.Whens {
			cond, err := evalExpr(ctx, w.Cond)
			if err != nil {
				return nil, err
			}
			if truthy(cond) {
				return evalExpr(ctx, w.Then)
			}
		}
		if n.Else != nil {
			return evalExpr(ctx, n.Else)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("query: unhandled expression node %T", e)
	}
}

func memberOf(v any, field string) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m[field]
}

func indexOf(v, idx any) any {
	switch t := v.(type) {
	case []any:
		f, ok := asFloat(idx)
		if !ok {
			return nil
		}
		i := int(f)
		if i < 0 {
			i += len(t)
		}
		if i < 0 || i >= len(t) {
			return nil
		}
		return t[i]
	case map[string]any:
		key, _ := idx.(string)
		return t[key]
	default:
		return nil
	}
}

func asFloat(v any) (float64, bool) {
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

func evalBinary(ctx *evalCtx, n sdbql.BinaryOp) (any, error) {
	switch n.Op {
	case "AND":
		left, err := evalExpr(ctx, n.Left)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return false, nil
		}
		right, err := evalExpr(ctx, n.Right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil

	case "OR":
		left, err := evalExpr(ctx, n.Left)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return true, nil
		}
		right, err := evalExpr(ctx, n.Right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := evalExpr(ctx, n.Left)
	if err != nil {
		return nil, err
	}
	right, err := evalExpr(ctx, n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	case "<", "<=", ">", ">=":
		cmp, ok := compareValues(left, right)
		if !ok {
			return false, nil
		}
		switch n.Op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "IN":
		arr, ok := right.([]any)
		if !ok {
			return false, nil
		}
		for _, v := range arr {
			if valuesEqual(left, v) {
				return true, nil
			}
		}
		return false, nil
	case "+", "-", "*", "/", "%":
		lf, lok := asFloat(left)
		rf, rok := asFloat(right)
		if !lok || !rok {
			return nil, fmt.Errorf("query: arithmetic operator %q requires numeric operands", n.Op)
		}
		switch n.Op {
		case "+":
			return lf + rf, nil
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, fmt.Errorf("query: division by zero")
			}
			return lf / rf, nil
		default: // %
			if rf == 0 {
				return nil, fmt.Errorf("query: modulo by zero")
			}
			return float64(int64(lf) % int64(rf)), nil
		}
	}
	return nil, fmt.Errorf("query: unknown binary operator %q", n.Op)
}

func valuesEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) && sameKind(a, b)
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case nil:
		return b == nil
	case bool:
		_, ok := b.(bool)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	default:
		return true
	}
}

// compareValues orders two scalar values; ok is false for incomparable
// types (e.g. comparing a number to an object).
func compareValues(a, b any) (int, bool) {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

// lessRows orders two rows by a set of sort keys for the Sort iterator and
// for scatter/gather k-way merge (§4.G Sort, §4.I merge).
func lessRows(ctx *evalCtx, keys []sdbql.SortKey, a, b Row) (bool, error) {
	for _, k := range keys {
		av, err := evalExpr(ctx.withRow(a), k.Expr)
		if err != nil {
			return false, err
		}
		bv, err := evalExpr(ctx.withRow(b), k.Expr)
		if err != nil {
			return false, err
		}
		cmp, ok := compareValues(av, bv)
		if !ok {
			continue
		}
		if cmp == 0 {
			continue
		}
		if k.Descending {
			return cmp > 0, nil
		}
		return cmp < 0, nil
	}
	return false, nil
}

func sortRows(ctx *evalCtx, keys []sdbql.SortKey, rows []Row) error {
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		less, err := lessRows(ctx, keys, rows[i], rows[j])
		if err != nil {
			sortErr = err
			return false
		}
		return less
	})
	return sortErr
}
