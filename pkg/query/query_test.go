package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solidb/solidb/pkg/collection"
	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/sdbql"
	"github.com/solidb/solidb/pkg/types"
)

func openTestCollection(t *testing.T, name string) *collection.Collection {
	t.Helper()
	store, err := kv.Open(t.TempDir(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c, err := collection.Open(store, name)
	require.NoError(t, err)
	return c
}

func newTestExecutor(t *testing.T, colls map[string]*collection.Collection) *Executor {
	t.Helper()
	return NewExecutor(colls, DefaultLimits())
}

func mustParse(t *testing.T, src string) *sdbql.Query {
	t.Helper()
	q, err := sdbql.Parse(src)
	require.NoError(t, err)
	return q
}

func TestRunSimpleScanFilterReturn(t *testing.T) {
	users := openTestCollection(t, "users")
	_, err := users.Insert(map[string]any{"name": "ana", "age": float64(30)}, "")
	require.NoError(t, err)
	_, err = users.Insert(map[string]any{"name": "bo", "age": float64(17)}, "")
	require.NoError(t, err)

	exec := newTestExecutor(t, map[string]*collection.Collection{"users": users})
	q := mustParse(t, `FOR u IN users FILTER u.age >= 18 RETURN u.name`)

	out, err := exec.Run(q, nil)
	require.NoError(t, err)
	require.Equal(t, []any{"ana"}, out)
}

func TestRunIndexScanAbsorbsRangeFilter(t *testing.T) {
	users := openTestCollection(t, "users")
	require.NoError(t, users.CreateIndex(types.IndexSpec{
		Name: "by_age", Type: types.IndexPersistent, Fields: []string{"age"},
	}))
	for _, age := range []float64{10, 20, 30, 40} {
		_, err := users.Insert(map[string]any{"age": age}, "")
		require.NoError(t, err)
	}

	exec := newTestExecutor(t, map[string]*collection.Collection{"users": users})
	q := mustParse(t, `FOR u IN users FILTER u.age >= 20 AND u.age <= 30 RETURN u.age`)

	out, err := exec.Run(q, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []any{float64(20), float64(30)}, out)
}

func TestRunSortAndLimit(t *testing.T) {
	items := openTestCollection(t, "items")
	for _, n := range []float64{3, 1, 2, 5, 4} {
		_, err := items.Insert(map[string]any{"n": n}, "")
		require.NoError(t, err)
	}
	exec := newTestExecutor(t, map[string]*collection.Collection{"items": items})
	q := mustParse(t, `FOR i IN items SORT i.n DESC LIMIT 2 RETURN i.n`)

	out, err := exec.Run(q, nil)
	require.NoError(t, err)
	require.Equal(t, []any{float64(5), float64(4)}, out)
}

func TestRunCollectWithCountInto(t *testing.T) {
	orders := openTestCollection(t, "orders")
	statuses := []string{"open", "open", "closed", "open", "closed"}
	for _, s := range statuses {
		_, err := orders.Insert(map[string]any{"status": s}, "")
		require.NoError(t, err)
	}
	exec := newTestExecutor(t, map[string]*collection.Collection{"orders": orders})
	q := mustParse(t, `FOR o IN orders COLLECT status = o.status WITH COUNT INTO total RETURN {status: status, total: total}`)

	out, err := exec.Run(q, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	byStatus := map[string]float64{}
	for _, row := range out {
		m := row.(map[string]any)
		byStatus[m["status"].(string)] = m["total"].(float64)
	}
	require.Equal(t, float64(3), byStatus["open"])
	require.Equal(t, float64(2), byStatus["closed"])
}

func TestRunNestedLoopJoin(t *testing.T) {
	users := openTestCollection(t, "users")
	orders := openTestCollection(t, "orders")

	_, err := users.Insert(map[string]any{"name": "ana"}, "u1")
	require.NoError(t, err)
	_, err = users.Insert(map[string]any{"name": "bo"}, "u2")
	require.NoError(t, err)

	_, err = orders.Insert(map[string]any{"userKey": "u1", "total": float64(10)}, "")
	require.NoError(t, err)
	_, err = orders.Insert(map[string]any{"userKey": "u1", "total": float64(5)}, "")
	require.NoError(t, err)

	exec := newTestExecutor(t, map[string]*collection.Collection{"users": users, "orders": orders})
	q := mustParse(t, `FOR u IN users FOR o IN orders FILTER o.userKey == u._key RETURN o.total`)

	out, err := exec.Run(q, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []any{float64(10), float64(5)}, out)
}

func TestRunHashJoinOnEquality(t *testing.T) {
	users := openTestCollection(t, "users")
	orders := openTestCollection(t, "orders")

	_, err := users.Insert(map[string]any{"name": "ana"}, "u1")
	require.NoError(t, err)

	_, err = orders.Insert(map[string]any{"userKey": "u1", "total": float64(10)}, "")
	require.NoError(t, err)
	_, err = orders.Insert(map[string]any{"userKey": "missing", "total": float64(99)}, "")
	require.NoError(t, err)

	exec := newTestExecutor(t, map[string]*collection.Collection{"users": users, "orders": orders})
	q := mustParse(t, `FOR u IN users JOIN o IN orders ON o.userKey == u._key RETURN o.total`)

	out, err := exec.Run(q, nil)
	require.NoError(t, err)
	require.Equal(t, []any{float64(10)}, out)
}

func TestRunLeftJoinKeepsUnmatchedOuterRow(t *testing.T) {
	users := openTestCollection(t, "users")
	orders := openTestCollection(t, "orders")

	_, err := users.Insert(map[string]any{"name": "ana"}, "u1")
	require.NoError(t, err)
	_, err = users.Insert(map[string]any{"name": "bo"}, "u2")
	require.NoError(t, err)
	_, err = orders.Insert(map[string]any{"userKey": "u1", "total": float64(10)}, "")
	require.NoError(t, err)

	exec := newTestExecutor(t, map[string]*collection.Collection{"users": users, "orders": orders})
	q := mustParse(t, `FOR u IN users LEFT JOIN o IN orders ON o.userKey == u._key RETURN o.total`)

	out, err := exec.Run(q, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []any{float64(10), nil}, out)
}

func TestRunSubqueryExpression(t *testing.T) {
	users := openTestCollection(t, "users")
	_, err := users.Insert(map[string]any{"age": float64(21)}, "")
	require.NoError(t, err)
	_, err = users.Insert(map[string]any{"age": float64(40)}, "")
	require.NoError(t, err)

	exec := newTestExecutor(t, map[string]*collection.Collection{"users": users})
	q := mustParse(t, `LET ages = (FOR u IN users RETURN u.age) RETURN ages`)

	out, err := exec.Run(q, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.ElementsMatch(t, []any{float64(21), float64(40)}, out[0])
}

func TestRunInsertUpdateRemove(t *testing.T) {
	widgets := openTestCollection(t, "widgets")
	exec := newTestExecutor(t, map[string]*collection.Collection{"widgets": widgets})

	insQ := mustParse(t, `INSERT {name: "sprocket"} INTO widgets`)
	out, err := exec.Run(insQ, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	inserted := out[0].(map[string]any)
	key := inserted["_key"].(string)

	updQ := mustParse(t, `FOR w IN widgets FILTER w._key == @key UPDATE w._key WITH {name: "gizmo"} IN widgets`)
	out, err = exec.Run(updQ, map[string]any{"key": key})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "gizmo", out[0].(map[string]any)["name"])

	rmQ := mustParse(t, `FOR w IN widgets FILTER w._key == @key REMOVE w._key IN widgets`)
	out, err = exec.Run(rmQ, map[string]any{"key": key})
	require.NoError(t, err)
	require.Equal(t, []any{key}, out)

	_, err = widgets.Get(key)
	require.ErrorIs(t, err, dberrors.ErrDocumentNotFound)
}

func TestRunBindVariableMissingRaisesBindError(t *testing.T) {
	users := openTestCollection(t, "users")
	exec := newTestExecutor(t, map[string]*collection.Collection{"users": users})
	q := mustParse(t, `FOR u IN users FILTER u.age == @minAge RETURN u`)

	_, err := exec.Run(q, nil)
	require.Error(t, err)
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	require.Equal(t, "minAge", bindErr.Name)
}

func TestRunQueryScanLimitExceeded(t *testing.T) {
	users := openTestCollection(t, "users")
	for i := 0; i < 5; i++ {
		_, err := users.Insert(map[string]any{"n": i}, "")
		require.NoError(t, err)
	}
	exec := NewExecutor(map[string]*collection.Collection{"users": users}, Limits{MaxScanDocs: 2, MaxResultSize: 1000, MaxExecutionMS: 30_000})
	q := mustParse(t, `FOR u IN users RETURN u.n`)

	_, err := exec.Run(q, nil)
	require.ErrorIs(t, err, dberrors.ErrQueryLimitExceeded)
}

func TestExplainDescribesScanAndTerminalClauses(t *testing.T) {
	users := openTestCollection(t, "users")
	_, err := users.Insert(map[string]any{"age": float64(1)}, "")
	require.NoError(t, err)

	exec := newTestExecutor(t, map[string]*collection.Collection{"users": users})
	q := mustParse(t, `FOR u IN users FILTER u.age > 0 SORT u.age LIMIT 10 RETURN u`)

	plan, err := exec.Explain(q, nil)
	require.NoError(t, err)
	require.Equal(t, "Query", plan.Kind)
	require.NotEmpty(t, plan.Children)
	require.Equal(t, "Scan", plan.Children[0].Kind)
	require.Equal(t, "users", plan.Children[0].Detail)
	require.EqualValues(t, 1, plan.Children[0].EstRows)
}
