package query

import (
	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/sdbql"
	"github.com/solidb/solidb/pkg/types"
)

// Iterator is the pull-based row source every plan operator implements
// (§4.G "Iterators are pull-based: next() → Option<Row>").
type Iterator interface {
	// Next returns the next row, or ok=false once exhausted.
	Next() (Row, bool, error)
}

// Limits bounds one query execution; breaching any returns
// dberrors.ErrQueryLimitExceeded (§4.G).
type Limits struct {
	MaxScanDocs    int
	MaxResultSize  int
	MaxExecutionMS int64
}

// DefaultLimits matches the conservative defaults a single-node
// development deployment would run with.
func DefaultLimits() Limits {
	return Limits{MaxScanDocs: 1_000_000, MaxResultSize: 100_000, MaxExecutionMS: 30_000}
}

// --- scanIterator: FOR v IN <collection> --------------------------------

type scanIterator struct {
	ctx     *evalCtx
	varName string
	docs    []*types.Document
	pos     int
	scanned *int
	limits  Limits
}

func (it *scanIterator) Next() (Row, bool, error) {
	for it.pos < len(it.docs) {
		doc := it.docs[it.pos]
		it.pos++
		*it.scanned++
		if it.limits.MaxScanDocs > 0 && *it.scanned > it.limits.MaxScanDocs {
			return nil, false, dberrors.ErrQueryLimitExceeded
		}
		row := it.ctx.row.Clone()
		row[it.varName] = documentValue(doc)
		return row, true, nil
	}
	return nil, false, nil
}

func documentValue(doc *types.Document) map[string]any {
	out := doc.Payload
	if out == nil {
		out = map[string]any{}
	}
	v := make(map[string]any, len(out)+2)
	for k, val := range out {
		v[k] = val
	}
	v["_key"] = doc.Key
	v["_rev"] = doc.Rev
	return v
}

// sliceIterator wraps an already-materialized value (array, subquery
// result, RANGE output) bound to one FOR variable.
type sliceIterator struct {
	ctx     *evalCtx
	varName string
	items   []any
	pos     int
}

func (it *sliceIterator) Next() (Row, bool, error) {
	if it.pos >= len(it.items) {
		return nil, false, nil
	}
	row := it.ctx.row.Clone()
	row[it.varName] = it.items[it.pos]
	it.pos++
	return row, true, nil
}

// --- filterIterator -------------------------------------------------------

type filterIterator struct {
	src  Iterator
	ctx  *evalCtx
	pred sdbql.Expr
}

func (it *filterIterator) Next() (Row, bool, error) {
	for {
		row, ok, err := it.src.Next()
		if err != nil || !ok {
			return nil, ok, err
		}
		v, err := evalExpr(it.ctx.withRow(row), it.pred)
		if err != nil {
			return nil, false, err
		}
		if truthy(v) {
			return row, true, nil
		}
	}
}

// --- letIterator: binds LET var = expr ------------------------------------

type letIterator struct {
	src  Iterator
	ctx  *evalCtx
	name string
	expr sdbql.Expr
}

func (it *letIterator) Next() (Row, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := evalExpr(it.ctx.withRow(row), it.expr)
	if err != nil {
		return nil, false, err
	}
	row = row.Clone()
	row[it.name] = v
	return row, true, nil
}

// --- projectIterator: RETURN expr ------------------------------------------

type projectIterator struct {
	src  Iterator
	ctx  *evalCtx
	expr sdbql.Expr
}

func (it *projectIterator) Next() (Row, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := evalExpr(it.ctx.withRow(row), it.expr)
	if err != nil {
		return nil, false, err
	}
	return Row{"": v}, true, nil
}

// --- sortIterator -----------------------------------------------------------

type sortIterator struct {
	src     Iterator
	ctx     *evalCtx
	keys    []sdbql.SortKey
	buf     []Row
	pos     int
	sorted  bool
}

func (it *sortIterator) fill() error {
	for {
		row, ok, err := it.src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		it.buf = append(it.buf, row)
	}
	if err := sortRows(it.ctx, it.keys, it.buf); err != nil {
		return err
	}
	it.sorted = true
	return nil
}

func (it *sortIterator) Next() (Row, bool, error) {
	if !it.sorted {
		if err := it.fill(); err != nil {
			return nil, false, err
		}
	}
	if it.pos >= len(it.buf) {
		return nil, false, nil
	}
	row := it.buf[it.pos]
	it.pos++
	return row, true, nil
}

// --- limitIterator ------------------------------------------------------

type limitIterator struct {
	src    Iterator
	offset int
	count  int
	seen   int
	taken  int
}

func (it *limitIterator) Next() (Row, bool, error) {
	for it.seen < it.offset {
		_, ok, err := it.src.Next()
		if err != nil || !ok {
			return nil, ok, err
		}
		it.seen++
	}
	if it.taken >= it.count {
		return nil, false, nil
	}
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, ok, err
	}
	it.taken++
	return row, true, nil
}

// --- nestedLoopJoinIterator ------------------------------------------------

type nestedLoopJoinIterator struct {
	src      Iterator
	ctx      *evalCtx
	varName  string
	rhs      func(ctx *evalCtx) ([]any, error)
	on       sdbql.Expr
	left     bool
	outerRow Row
	inner    []any
	pos      int
	matched  bool
	started  bool
}

func (it *nestedLoopJoinIterator) Next() (Row, bool, error) {
	for {
		if !it.started {
			row, ok, err := it.src.Next()
			if err != nil || !ok {
				return nil, ok, err
			}
			it.outerRow = row
			items, err := it.rhs(it.ctx.withRow(row))
			if err != nil {
				return nil, false, err
			}
			it.inner = items
			it.pos = 0
			it.matched = false
			it.started = true
		}
		for it.pos < len(it.inner) {
			candidateRow := it.outerRow.Clone()
			candidateRow[it.varName] = it.inner[it.pos]
			it.pos++
			v, err := evalExpr(it.ctx.withRow(candidateRow), it.on)
			if err != nil {
				return nil, false, err
			}
			if truthy(v) {
				it.matched = true
				return candidateRow, true, nil
			}
		}
		if it.left && !it.matched {
			row := it.outerRow.Clone()
			row[it.varName] = nil
			it.started = false
			return row, true, nil
		}
		it.started = false
	}
}

// --- hashJoinIterator: equality join the planner uses instead of
// nested-loop whenever the join predicate is a single equality between an
// outer and an inner field (§4.G rule 4).

type hashJoinIterator struct {
	ctx      *evalCtx
	outer    Iterator
	outerVar string
	outerKey sdbql.Expr
	innerVar string
	innerKey sdbql.Expr
	buckets  map[string][]any
	left     bool

	pending  []Row
	pendPos  int
}

func newHashJoinIterator(ctx *evalCtx, outer Iterator, outerVar string, outerKey sdbql.Expr, innerVar string, innerItems []any, innerKey sdbql.Expr, left bool) (*hashJoinIterator, error) {
	buckets := make(map[string][]any)
	for _, item := range innerItems {
		row := Row{innerVar: item}
		v, err := evalExpr(ctx.withRow(row), innerKey)
		if err != nil {
			return nil, err
		}
		k := toStr(v)
		buckets[k] = append(buckets[k], item)
	}
	return &hashJoinIterator{ctx: ctx, outer: outer, outerVar: outerVar, outerKey: outerKey, innerVar: innerVar, buckets: buckets, left: left}, nil
}

func (it *hashJoinIterator) Next() (Row, bool, error) {
	for {
		if it.pendPos < len(it.pending) {
			row := it.pending[it.pendPos]
			it.pendPos++
			return row, true, nil
		}
		outerRow, ok, err := it.outer.Next()
		if err != nil || !ok {
			return nil, ok, err
		}
		ov, err := evalExpr(it.ctx.withRow(outerRow), it.outerKey)
		if err != nil {
			return nil, false, err
		}
		matches := it.buckets[toStr(ov)]
		it.pending = it.pending[:0]
		it.pendPos = 0
		if len(matches) == 0 && it.left {
			row := outerRow.Clone()
			row[it.innerVar] = nil
			it.pending = append(it.pending, row)
			continue
		}
		for _, m := range matches {
			row := outerRow.Clone()
			row[it.innerVar] = m
			it.pending = append(it.pending, row)
		}
		if len(it.pending) == 0 {
			continue
		}
	}
}

