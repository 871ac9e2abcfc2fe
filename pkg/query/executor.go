package query

import (
	"time"

	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/sdbql"
)

// Run parses nothing — it executes an already-parsed query against this
// executor's collections, resolving @binds from the supplied map and
// enforcing the configured Limits (§4.G). Results are returned in the
// shape the terminal clause produces (RETURN's projected value, or the
// mutated document/key for INSERT/UPDATE/REMOVE).
func (e *Executor) Run(q *sdbql.Query, binds map[string]any) ([]any, error) {
	deadline := time.Now().Add(time.Duration(e.Limits.MaxExecutionMS) * time.Millisecond)
	ctx := &evalCtx{exec: e, binds: binds, row: Row{}}
	scanned := new(int)

	it, extract, err := e.plan(q, ctx, scanned)
	if err != nil {
		return nil, err
	}

	var out []any
	for {
		if e.Limits.MaxExecutionMS > 0 && time.Now().After(deadline) {
			return nil, dberrors.ErrQueryLimitExceeded
		}
		row, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, extract(row))
		if e.Limits.MaxResultSize > 0 && len(out) > e.Limits.MaxResultSize {
			return nil, dberrors.ErrQueryLimitExceeded
		}
	}
	return out, nil
}

// runSubquery executes a nested Query as an expression value, inheriting
// the parent's bind map and row (so it may reference outer variables — a
// correlated subquery, §4.G Subquery). Its own limits are the parent's.
func (e *Executor) runSubquery(q *sdbql.Query, parent *evalCtx) ([]any, error) {
	scanned := new(int)
	childCtx := &evalCtx{exec: e, binds: parent.binds, row: parent.row.Clone()}
	it, extract, err := e.plan(q, childCtx, scanned)
	if err != nil {
		return nil, err
	}
	var out []any
	for {
		row, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, extract(row))
	}
	return out, nil
}

// PlanNode is one EXPLAIN node: the iterator's kind plus a cardinality
// estimate (-1 when none is known) (§4.G EXPLAIN). Detail names the
// collection of a Scan and reads "left" for a LEFT JOIN; the index a scan
// would use is not reported.
type PlanNode struct {
	Kind          string      `json:"kind"`
	Detail        string      `json:"detail,omitempty"`
	EstRows       int         `json:"estRows"`
	Children      []*PlanNode `json:"children,omitempty"`
}

// Explain describes the plan the query would run, without executing any
// mutation. Scans are estimated by the collection's current document
// count; everything downstream is estimated as passing through unchanged
// except Limit, which caps its estimate.
func (e *Executor) Explain(q *sdbql.Query, binds map[string]any) (*PlanNode, error) {
	root := &PlanNode{Kind: "Query"}
	cur := root
	est := -1
	for _, clause := range q.Clauses {
		node := &PlanNode{Kind: clauseKind(clause), EstRows: est}
		switch c := clause.(type) {
		case sdbql.ForClause:
			if ref, ok := c.Expr.(sdbql.VarRef); ok {
				if coll, isColl := e.Collections[ref.Name]; isColl {
					node.Kind = "Scan"
					node.Detail = ref.Name
					if n, err := coll.Count(); err == nil {
						node.EstRows = int(n)
					}
				}
			}
		case sdbql.LimitClause:
			node.Kind = "Limit"
			if c.Count != nil {
				if v, err := evalExpr(&evalCtx{exec: e, binds: binds, row: Row{}}, c.Count); err == nil {
					if f, ok := asFloat(v); ok && (est < 0 || int(f) < est) {
						node.EstRows = int(f)
					}
				}
			}
		case sdbql.SortClause:
			node.Kind = "Sort"
		case sdbql.FilterClause:
			node.Kind = "Filter"
		case sdbql.CollectClause:
			node.Kind = "Collect"
		case sdbql.JoinClause:
			node.Kind = "Join"
			if c.Left {
				node.Detail = "left"
			}
		case sdbql.ReturnClause:
			node.Kind = "Project"
		}
		cur.Children = append(cur.Children, node)
		cur = node
		est = node.EstRows
	}
	return root, nil
}

func clauseKind(c sdbql.Clause) string {
	switch c.(type) {
	case sdbql.ForClause:
		return "For"
	case sdbql.LetClause:
		return "Let"
	case sdbql.FilterClause:
		return "Filter"
	case sdbql.CollectClause:
		return "Collect"
	case sdbql.SortClause:
		return "Sort"
	case sdbql.LimitClause:
		return "Limit"
	case sdbql.JoinClause:
		return "Join"
	case sdbql.ReturnClause:
		return "Return"
	case sdbql.InsertClause:
		return "Insert"
	case sdbql.UpdateClause:
		return "Update"
	case sdbql.RemoveClause:
		return "Remove"
	default:
		return "Unknown"
	}
}
