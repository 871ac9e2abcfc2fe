package query

import (
	"fmt"

	"github.com/solidb/solidb/pkg/sdbql"
)

// collectIterator implements COLLECT: a single-pass hash grouping on the
// key expressions, preserving first-occurrence insertion order of groups
// (§4.G Collect). WITH COUNT INTO uses a count-only accumulator (rule 5);
// INTO alone instead materializes the matched rows per group.
type collectIterator struct {
	src    Iterator
	ctx    *evalCtx
	clause sdbql.CollectClause

	index map[string]int
	group []*collectGroup

	pos   int
	built bool
}

type collectGroup struct {
	keys  Row
	count int64
	into  []any
}

func newCollectIterator(src Iterator, ctx *evalCtx, clause sdbql.CollectClause) *collectIterator {
	return &collectIterator{src: src, ctx: ctx, clause: clause, index: make(map[string]int)}
}

func (it *collectIterator) build() error {
	for {
		row, ok, err := it.src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		keyRow := make(Row, len(it.clause.Keys))
		var groupKey string
		for _, k := range it.clause.Keys {
			v, err := evalExpr(it.ctx.withRow(row), k.Expr)
			if err != nil {
				return err
			}
			keyRow[k.Var] = v
			groupKey += fmt.Sprintf("\x1f%v", v)
		}
		idx, ok := it.index[groupKey]
		if !ok {
			idx = len(it.group)
			it.index[groupKey] = idx
			it.group = append(it.group, &collectGroup{keys: keyRow})
		}
		g := it.group[idx]
		g.count++
		if it.clause.Into != "" && !it.clause.WithCount {
			g.into = append(g.into, row)
		}
	}
	it.built = true
	return nil
}

func (it *collectIterator) Next() (Row, bool, error) {
	if !it.built {
		if err := it.build(); err != nil {
			return nil, false, err
		}
	}
	if it.pos >= len(it.group) {
		return nil, false, nil
	}
	g := it.group[it.pos]
	it.pos++

	out := g.keys.Clone()
	if it.clause.WithCount && it.clause.Into != "" {
		out[it.clause.Into] = float64(g.count)
	} else if it.clause.Into != "" {
		out[it.clause.Into] = g.into
	}
	return out, true, nil
}
