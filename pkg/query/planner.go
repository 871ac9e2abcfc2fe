package query

import (
	"fmt"

	"github.com/solidb/solidb/pkg/collection"
	"github.com/solidb/solidb/pkg/sdbql"
	"github.com/solidb/solidb/pkg/types"
)

// Executor owns the collections a query may reference and the limits
// every execution is bounded by (§4.G, §4.H).
type Executor struct {
	Collections map[string]*collection.Collection
	Limits      Limits
}

func NewExecutor(collections map[string]*collection.Collection, limits Limits) *Executor {
	return &Executor{Collections: collections, Limits: limits}
}

// extractor pulls the final scalar/object value out of a terminal row,
// depending on which clause ended the pipeline.
type extractor func(Row) any

// plan builds the iterator tree for one query and returns it along with
// the function that extracts each terminal row's result value.
func (e *Executor) plan(q *sdbql.Query, ctx *evalCtx, scanned *int) (Iterator, extractor, error) {
	var it Iterator
	extract := extractor(func(r Row) any { return r })

	for i := 0; i < len(q.Clauses); i++ {
		clause := q.Clauses[i]
		switch c := clause.(type) {
		case sdbql.ForClause:
			next, consumed, err := e.planFor(q, i, it, ctx, scanned, c)
			if err != nil {
				return nil, nil, err
			}
			it = next
			i += consumed

		case sdbql.LetClause:
			it = &letIterator{src: requireSrc(it), ctx: ctx, name: c.Var, expr: c.Expr}

		case sdbql.FilterClause:
			it = &filterIterator{src: requireSrc(it), ctx: ctx, pred: c.Expr}

		case sdbql.SortClause:
			it = &sortIterator{src: requireSrc(it), ctx: ctx, keys: c.Keys}

		case sdbql.LimitClause:
			offset, count := 0, -1
			if c.Offset != nil {
				v, err := evalExpr(ctx, c.Offset)
				if err != nil {
					return nil, nil, err
				}
				f, _ := asFloat(v)
				offset = int(f)
			}
			if c.Count != nil {
				v, err := evalExpr(ctx, c.Count)
				if err != nil {
					return nil, nil, err
				}
				f, _ := asFloat(v)
				count = int(f)
			}
			it = &limitIterator{src: requireSrc(it), offset: offset, count: count}

		case sdbql.CollectClause:
			it = newCollectIterator(requireSrc(it), ctx, c)

		case sdbql.JoinClause:
			next, err := e.planJoin(it, ctx, c)
			if err != nil {
				return nil, nil, err
			}
			it = next

		case sdbql.ReturnClause:
			it = &projectIterator{src: requireSrc(it), ctx: ctx, expr: c.Expr}
			extract = func(r Row) any { return r[""] }

		case sdbql.InsertClause:
			coll, err := e.collection(c.Collection)
			if err != nil {
				return nil, nil, err
			}
			it = &mutateIterator{src: requireSrc(it), ctx: ctx, kind: "insert", coll: coll, insertExpr: c.Expr}
			extract = func(r Row) any { return r["new"] }

		case sdbql.UpdateClause:
			coll, err := e.collection(c.Collection)
			if err != nil {
				return nil, nil, err
			}
			it = &mutateIterator{src: requireSrc(it), ctx: ctx, kind: "update", coll: coll, keyExpr: c.KeyExpr, patchExpr: c.PatchExpr}
			extract = func(r Row) any { return r["new"] }

		case sdbql.RemoveClause:
			coll, err := e.collection(c.Collection)
			if err != nil {
				return nil, nil, err
			}
			it = &mutateIterator{src: requireSrc(it), ctx: ctx, kind: "remove", coll: coll, keyExpr: c.KeyExpr}
			extract = func(r Row) any { return r["old"] }

		default:
			return nil, nil, fmt.Errorf("query: unhandled clause %T", clause)
		}
	}
	if it == nil {
		it = &sliceIterator{ctx: ctx, items: nil}
	}
	return it, extract, nil
}

func requireSrc(it Iterator) Iterator {
	if it == nil {
		return &sliceIterator{items: []any{nil}}
	}
	return it
}

func (e *Executor) collection(name string) (*collection.Collection, error) {
	c, ok := e.Collections[name]
	if !ok {
		return nil, fmt.Errorf("query: unknown collection %q", name)
	}
	return c, nil
}

// planFor lowers one FOR clause, applying rewrite rule 1: an immediately
// following FILTER may be absorbed into an IndexScan instead of a plain
// Scan (§4.G). A following SORT or LIMIT is never absorbed; it runs as its
// own Sort/Limit step. It returns the extra clause count it consumed so the
// caller's loop index can skip them.
func (e *Executor) planFor(q *sdbql.Query, i int, src Iterator, ctx *evalCtx, scanned *int, c sdbql.ForClause) (Iterator, int, error) {
	// FOR v IN <collectionName> against a known collection: scan or
	// index-scan. Anything else (array literal, subquery, bound array) is
	// evaluated as an expression and iterated in memory.
	if ref, ok := c.Expr.(sdbql.VarRef); ok {
		if coll, isColl := e.Collections[ref.Name]; isColl {
			return e.planCollectionFor(q, i, src, ctx, scanned, c, coll)
		}
	}

	v, err := evalExpr(ctx, c.Expr)
	if err != nil {
		return nil, 0, err
	}
	items, _ := v.([]any)
	return chainSliceFor(src, ctx, c.Var, items), 0, nil
}

func chainSliceFor(src Iterator, ctx *evalCtx, varName string, items []any) Iterator {
	if src == nil {
		return &sliceIterator{ctx: ctx, varName: varName, items: items}
	}
	return chainOuter(src, ctx, varName, func() Iterator {
		return &sliceIterator{ctx: ctx, varName: varName, items: items}
	})
}

// planCollectionFor applies rule 1: it inspects the immediately following
// FILTER clause for an index-exploitable shape. SORT and LIMIT clauses are
// not inspected.
func (e *Executor) planCollectionFor(q *sdbql.Query, i int, src Iterator, ctx *evalCtx, scanned *int, c sdbql.ForClause, coll *collection.Collection) (Iterator, int, error) {
	consumed := 0
	var filterClause *sdbql.FilterClause
	if i+1 < len(q.Clauses) {
		if fc, ok := q.Clauses[i+1].(sdbql.FilterClause); ok {
			filterClause = &fc
		}
	}

	if filterClause != nil {
		if field, lo, hi, loIncl, hiIncl, ok := indexableRange(c.Var, filterClause.Expr); ok {
			if idx, found := coll.Indexes().ForFieldPrefix(field); found {
				if pr, ok := idx.(interface {
					Range(lo, hi any, loIncl, hiIncl bool) ([]string, error)
				}); ok {
					keys, err := pr.Range(lo, hi, loIncl, hiIncl)
					if err != nil {
						return nil, 0, err
					}
					docs, err := docsForKeys(coll, keys)
					if err != nil {
						return nil, 0, err
					}
					consumed = 1 // absorbed the FILTER
					factory := func() Iterator {
						return &scanIterator{ctx: ctx, varName: c.Var, docs: docs, scanned: scanned, limits: e.Limits}
					}
					return chainOuter(src, ctx, c.Var, factory), consumed, nil
				}
			}
		}
	}

	docs, err := collectAll(coll, e.Limits.MaxScanDocs)
	if err != nil {
		return nil, 0, err
	}
	factory := func() Iterator {
		return &scanIterator{ctx: ctx, varName: c.Var, docs: docs, scanned: scanned, limits: e.Limits}
	}
	return chainOuter(src, ctx, c.Var, factory), consumed, nil
}

// chainOuter composes a new FOR against any already-built outer iterator
// (supporting multiple FOR clauses / correlated joins), per rule 4's
// "multiple FOR clauses form nested loops" default. factory must return a
// fresh, unconsumed Iterator each call, since it is re-driven once per
// outer row.
func chainOuter(outer Iterator, ctx *evalCtx, varName string, factory func() Iterator) Iterator {
	if outer == nil {
		return factory()
	}
	return &correlatedIterator{outer: outer, ctx: ctx, varName: varName, rebuild: factory}
}

// correlatedIterator re-drives an inner iterator factory once per outer
// row, merging the outer row into each inner row it yields.
type correlatedIterator struct {
	outer    Iterator
	ctx      *evalCtx
	varName  string
	rebuild  func() Iterator
	outerRow Row
	inner    Iterator
}

func (it *correlatedIterator) Next() (Row, bool, error) {
	for {
		if it.inner == nil {
			row, ok, err := it.outer.Next()
			if err != nil || !ok {
				return nil, ok, err
			}
			it.outerRow = row
			it.inner = it.rebuild()
		}
		row, ok, err := it.inner.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			it.inner = nil
			continue
		}
		merged := it.outerRow.Clone()
		for k, v := range row {
			merged[k] = v
		}
		return merged, true, nil
	}
}

// indexableRange recognizes `v.field <op> literal` (and conjunctions
// thereof on that same field) and folds it into a single [lo,hi] bound
// (§4.G rule 1). A comparison against a bind parameter is not recognized,
// so such a FILTER runs over a plain scan.
func indexableRange(varName string, pred sdbql.Expr) (field string, lo, hi any, loIncl, hiIncl bool, ok bool) {
	loIncl, hiIncl = true, true
	var found bool
	var walk func(e sdbql.Expr) bool
	walk = func(e sdbql.Expr) bool {
		switch n := e.(type) {
		case sdbql.BinaryOp:
			if n.Op == "AND" {
				return walk(n.Left) && walk(n.Right)
			}
			f, v, isLo, isHi, incl, isBound := boundFromComparison(varName, n)
			if !isBound || (found && f != field) {
				return false
			}
			field = f
			found = true
			if isLo {
				lo = v
				loIncl = incl
			}
			if isHi {
				hi = v
				hiIncl = incl
			}
			return true
		default:
			return false
		}
	}
	if !walk(pred) || !found {
		return "", nil, nil, false, false, false
	}
	return field, lo, hi, loIncl, hiIncl, true
}

func boundFromComparison(varName string, n sdbql.BinaryOp) (field string, v any, isLo, isHi, incl bool, ok bool) {
	member, isMember := n.Left.(sdbql.MemberAccess)
	other := n.Right
	if !isMember {
		if m, ok2 := n.Right.(sdbql.MemberAccess); ok2 {
			member, other = m, n.Left
			n.Op = flipOp(n.Op)
		} else {
			return "", nil, false, false, false, false
		}
	}
	ref, isVar := member.Target.(sdbql.VarRef)
	if !isVar || ref.Name != varName {
		return "", nil, false, false, false, false
	}
	lit, isLit := other.(sdbql.Literal)
	if !isLit {
		return "", nil, false, false, false, false
	}
	switch n.Op {
	case "==":
		return member.Field, lit.Value, true, true, true, true
	case "<":
		return member.Field, lit.Value, false, true, false, true
	case "<=":
		return member.Field, lit.Value, false, true, true, true
	case ">":
		return member.Field, lit.Value, true, false, false, true
	case ">=":
		return member.Field, lit.Value, true, false, true, true
	default:
		return "", nil, false, false, false, false
	}
}

func flipOp(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	default:
		return op
	}
}

func docsForKeys(coll *collection.Collection, keys []string) ([]*types.Document, error) {
	out := make([]*types.Document, 0, len(keys))
	for _, k := range keys {
		doc, err := coll.Get(k)
		if err != nil {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func collectAll(coll *collection.Collection, maxScan int) ([]*types.Document, error) {
	var docs []*types.Document
	err := coll.Scan(maxScan, func(d *types.Document) bool {
		docs = append(docs, d)
		return true
	})
	return docs, err
}

// planJoin lowers a JOIN/LEFT JOIN clause. Per rule 4, an equality
// predicate of the shape `outer.x == inner.y` is executed as a hash join;
// anything else falls back to nested-loop evaluation.
func (e *Executor) planJoin(outer Iterator, ctx *evalCtx, c sdbql.JoinClause) (Iterator, error) {
	items, coll, err := e.resolveJoinSource(ctx, c.Expr)
	if err != nil {
		return nil, err
	}
	if coll != nil {
		docs, err := collectAll(coll, e.Limits.MaxScanDocs)
		if err != nil {
			return nil, err
		}
		items = make([]any, len(docs))
		for i, d := range docs {
			items[i] = documentValue(d)
		}
	}

	if outerVar, outerField, innerField, ok := equalityJoinFields(c.Var, c.On); ok {
		outerKey := sdbql.Expr(sdbql.MemberAccess{Target: sdbql.VarRef{Name: outerVar}, Field: outerField})
		innerKey := sdbql.Expr(sdbql.MemberAccess{Target: sdbql.VarRef{Name: c.Var}, Field: innerField})
		return newHashJoinIterator(ctx, outer, outerVar, outerKey, c.Var, items, innerKey, c.Left)
	}

	return &nestedLoopJoinIterator{
		src:     outer,
		ctx:     ctx,
		varName: c.Var,
		rhs:     func(_ *evalCtx) ([]any, error) { return items, nil },
		on:      c.On,
		left:    c.Left,
	}, nil
}

func (e *Executor) resolveJoinSource(ctx *evalCtx, expr sdbql.Expr) ([]any, *collection.Collection, error) {
	if ref, ok := expr.(sdbql.VarRef); ok {
		if coll, isColl := e.Collections[ref.Name]; isColl {
			return nil, coll, nil
		}
	}
	v, err := evalExpr(ctx, expr)
	if err != nil {
		return nil, nil, err
	}
	items, _ := v.([]any)
	return items, nil, nil
}

// equalityJoinFields recognizes `a.f1 == b.f2` where one side refers to
// varName (the join's own variable), returning the other side's variable
// name and field, and the join variable's own field.
func equalityJoinFields(varName string, on sdbql.Expr) (outerVar, outerField, innerField string, ok bool) {
	eq, isEq := on.(sdbql.BinaryOp)
	if !isEq || eq.Op != "==" {
		return "", "", "", false
	}
	l, lok := eq.Left.(sdbql.MemberAccess)
	r, rok := eq.Right.(sdbql.MemberAccess)
	if !lok || !rok {
		return "", "", "", false
	}
	lref, lIsVar := l.Target.(sdbql.VarRef)
	rref, rIsVar := r.Target.(sdbql.VarRef)
	if !lIsVar || !rIsVar {
		return "", "", "", false
	}
	if rref.Name == varName {
		return lref.Name, l.Field, r.Field, true
	}
	if lref.Name == varName {
		return rref.Name, r.Field, l.Field, true
	}
	return "", "", "", false
}
