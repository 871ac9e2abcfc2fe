package query

import (
	"fmt"

	"github.com/solidb/solidb/pkg/collection"
	"github.com/solidb/solidb/pkg/sdbql"
)

// mutateIterator forwards each row to the target collection's Insert,
// Update or Remove and yields the mutated document as its output row
// (§4.G Mutate). Which document field becomes the row's value depends on
// the clause kind.
type mutateIterator struct {
	src  Iterator
	ctx  *evalCtx
	kind string // "insert" | "update" | "remove"
	coll *collection.Collection

	insertExpr sdbql.Expr
	keyExpr    sdbql.Expr
	patchExpr  sdbql.Expr
}

func (it *mutateIterator) Next() (Row, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, ok, err
	}

	switch it.kind {
	case "insert":
		v, err := evalExpr(it.ctx.withRow(row), it.insertExpr)
		if err != nil {
			return nil, false, err
		}
		payload, ok := v.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("query: INSERT value must be an object")
		}
		key, _ := payload["_key"].(string)
		doc, err := it.coll.Insert(payload, key)
		if err != nil {
			return nil, false, err
		}
		out := row.Clone()
		out["new"] = documentValue(doc)
		return out, true, nil

	case "update":
		kv, err := evalExpr(it.ctx.withRow(row), it.keyExpr)
		if err != nil {
			return nil, false, err
		}
		key, _ := kv.(string)
		pv, err := evalExpr(it.ctx.withRow(row), it.patchExpr)
		if err != nil {
			return nil, false, err
		}
		patch, ok := pv.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("query: UPDATE patch must be an object")
		}
		doc, err := it.coll.Update(key, patch, true)
		if err != nil {
			return nil, false, err
		}
		out := row.Clone()
		out["new"] = documentValue(doc)
		return out, true, nil

	case "remove":
		kv, err := evalExpr(it.ctx.withRow(row), it.keyExpr)
		if err != nil {
			return nil, false, err
		}
		key, _ := kv.(string)
		if err := it.coll.Delete(key); err != nil {
			return nil, false, err
		}
		out := row.Clone()
		out["old"] = key
		return out, true, nil
	}
	return nil, false, fmt.Errorf("query: unknown mutate kind %q", it.kind)
}
