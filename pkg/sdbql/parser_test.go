package sdbql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSimpleForFilterReturn(t *testing.T) {
	q, err := Parse(`FOR u IN users FILTER u.age >= 18 AND u.active RETURN u.name`)
	require.NoError(t, err)
	require.Len(t, q.Clauses, 3)

	forC, ok := q.Clauses[0].(ForClause)
	require.True(t, ok)
	require.Equal(t, "u", forC.Var)
	require.Equal(t, VarRef{Name: "users"}, forC.Expr)

	filterC, ok := q.Clauses[1].(FilterClause)
	require.True(t, ok)
	and, ok := filterC.Expr.(BinaryOp)
	require.True(t, ok)
	require.Equal(t, "AND", and.Op)

	ret, ok := q.Clauses[2].(ReturnClause)
	require.True(t, ok)
	require.Equal(t, MemberAccess{Target: VarRef{Name: "u"}, Field: "name"}, ret.Expr)
}

func TestParseOperatorPrecedence(t *testing.T) {
	// 1 + 2 * 3 == 7, not 9.
	q, err := Parse(`RETURN 1 + 2 * 3`)
	require.NoError(t, err)
	ret := q.Clauses[0].(ReturnClause)
	add, ok := ret.Expr.(BinaryOp)
	require.True(t, ok)
	require.Equal(t, "+", add.Op)
	require.Equal(t, Literal{Value: float64(1)}, add.Left)
	mul, ok := add.Right.(BinaryOp)
	require.True(t, ok)
	require.Equal(t, "*", mul.Op)
}

func TestParseTernaryAndNullCoalesce(t *testing.T) {
	q, err := Parse(`RETURN x ?? 0 > 0 ? "pos" : "non-pos"`)
	require.NoError(t, err)
	ret := q.Clauses[0].(ReturnClause)
	_, ok := ret.Expr.(Ternary)
	require.True(t, ok)
}

func TestParsePipeAndFunctionCall(t *testing.T) {
	q, err := Parse(`RETURN docs |> LENGTH(docs)`)
	require.NoError(t, err)
	ret := q.Clauses[0].(ReturnClause)
	pipe, ok := ret.Expr.(Pipe)
	require.True(t, ok)
	call, ok := pipe.Right.(FuncCall)
	require.True(t, ok)
	require.Equal(t, "LENGTH", call.Name)
}

func TestParseLambdaHigherOrder(t *testing.T) {
	q, err := Parse(`RETURN MAP(items, x -> x.price * 2)`)
	require.NoError(t, err)
	ret := q.Clauses[0].(ReturnClause)
	call, ok := ret.Expr.(FuncCall)
	require.True(t, ok)
	require.Equal(t, "MAP", call.Name)
	require.Len(t, call.Args, 2)
	lambda, ok := call.Args[1].(Lambda)
	require.True(t, ok)
	require.Equal(t, "x", lambda.Param)
}

func TestParseMemberIndexAndOptional(t *testing.T) {
	q, err := Parse(`RETURN doc.meta?.tags[0]`)
	require.NoError(t, err)
	ret := q.Clauses[0].(ReturnClause)
	idx, ok := ret.Expr.(IndexAccess)
	require.True(t, ok)
	opt, ok := idx.Target.(OptionalMemberAccess)
	require.True(t, ok)
	require.Equal(t, "tags", opt.Field)
}

func TestParseWildcardProjection(t *testing.T) {
	q, err := Parse(`RETURN users[*].name`)
	require.NoError(t, err)
	ret := q.Clauses[0].(ReturnClause)
	member, ok := ret.Expr.(MemberAccess)
	require.True(t, ok)
	_, ok = member.Target.(WildcardAccess)
	require.True(t, ok)
}

func TestParseRangeExpr(t *testing.T) {
	q, err := Parse(`FOR i IN 1..5 RETURN i`)
	require.NoError(t, err)
	forC := q.Clauses[0].(ForClause)
	rng, ok := forC.Expr.(RangeExpr)
	require.True(t, ok)
	require.Equal(t, Literal{Value: float64(1)}, rng.Lo)
	require.Equal(t, Literal{Value: float64(5)}, rng.Hi)
}

func TestParseCaseExpr(t *testing.T) {
	q, err := Parse(`RETURN CASE WHEN x > 0 THEN "pos" WHEN x < 0 THEN "neg" ELSE "zero" END`)
	require.NoError(t, err)
	ret := q.Clauses[0].(ReturnClause)
	c, ok := ret.Expr.(CaseExpr)
	require.True(t, ok)
	require.Len(t, c.Whens, 2)
	require.NotNil(t, c.Else)
}

func TestParseSubquery(t *testing.T) {
	q, err := Parse(`RETURN (FOR u IN users FILTER u.active RETURN u.name)`)
	require.NoError(t, err)
	ret := q.Clauses[0].(ReturnClause)
	sub, ok := ret.Expr.(Subquery)
	require.True(t, ok)
	require.Len(t, sub.Query.Clauses, 3)
}

func TestParseArrayAndObjectLiterals(t *testing.T) {
	q, err := Parse(`RETURN {name: u.name, tags: [1, 2, 3]}`)
	require.NoError(t, err)
	ret := q.Clauses[0].(ReturnClause)
	obj, ok := ret.Expr.(ObjectLit)
	require.True(t, ok)
	require.Equal(t, []string{"name", "tags"}, obj.Keys)
	arr, ok := obj.Values[1].(ArrayLit)
	require.True(t, ok)
	require.Len(t, arr.Elems, 3)
}

func TestParseCollectWithCountInto(t *testing.T) {
	q, err := Parse(`FOR o IN orders COLLECT status = o.status WITH COUNT INTO total RETURN {status: status, total: total}`)
	require.NoError(t, err)
	collect, ok := q.Clauses[1].(CollectClause)
	require.True(t, ok)
	require.Len(t, collect.Keys, 1)
	require.Equal(t, "status", collect.Keys[0].Var)
	require.True(t, collect.WithCount)
	require.Equal(t, "total", collect.Into)
}

func TestParseJoinAndLeftJoin(t *testing.T) {
	q, err := Parse(`FOR o IN orders LEFT JOIN c IN customers ON o.customerId == c.id RETURN o`)
	require.NoError(t, err)
	join, ok := q.Clauses[1].(JoinClause)
	require.True(t, ok)
	require.True(t, join.Left)
	require.Equal(t, "c", join.Var)
}

func TestParseInsertUpdateRemove(t *testing.T) {
	q1, err := Parse(`INSERT {name: "a"} INTO widgets`)
	require.NoError(t, err)
	insert, ok := q1.Clauses[0].(InsertClause)
	require.True(t, ok)
	require.Equal(t, "widgets", insert.Collection)

	q2, err := Parse(`UPDATE "k1" WITH {n: 1} IN widgets`)
	require.NoError(t, err)
	upd, ok := q2.Clauses[0].(UpdateClause)
	require.True(t, ok)
	require.Equal(t, "widgets", upd.Collection)

	q3, err := Parse(`REMOVE "k1" IN widgets`)
	require.NoError(t, err)
	rem, ok := q3.Clauses[0].(RemoveClause)
	require.True(t, ok)
	require.Equal(t, "widgets", rem.Collection)
}

func TestParseSortAndLimit(t *testing.T) {
	q, err := Parse(`FOR u IN users SORT u.age DESC LIMIT 10, 20 RETURN u`)
	require.NoError(t, err)
	sort, ok := q.Clauses[1].(SortClause)
	require.True(t, ok)
	require.True(t, sort.Keys[0].Descending)
	limit, ok := q.Clauses[2].(LimitClause)
	require.True(t, ok)
	require.NotNil(t, limit.Offset)
	require.NotNil(t, limit.Count)
}

func TestParseErrorReportsPosition(t *testing.T) {
	_, err := Parse("FOR u IN users FILTER")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.NotZero(t, perr.Line)
}

func TestParseBindVariable(t *testing.T) {
	q, err := Parse(`FOR u IN users FILTER u.id == @id RETURN u`)
	require.NoError(t, err)
	filter := q.Clauses[1].(FilterClause)
	eq := filter.Expr.(BinaryOp)
	bind, ok := eq.Right.(BindRef)
	require.True(t, ok)
	require.Equal(t, "id", bind.Name)
}

func TestParseCaseInsensitiveKeywordsCaseSensitiveIdents(t *testing.T) {
	q, err := Parse(`for U in Users filter U.Active return U`)
	require.NoError(t, err)
	forC := q.Clauses[0].(ForClause)
	require.Equal(t, "U", forC.Var)
	ref := forC.Expr.(VarRef)
	require.Equal(t, "Users", ref.Name)
}
