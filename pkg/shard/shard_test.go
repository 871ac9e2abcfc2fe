package shard

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStableHashDeterministicAndInRange(t *testing.T) {
	h1 := StableHash("widgets", "key-1", 8)
	h2 := StableHash("widgets", "key-1", 8)
	require.Equal(t, h1, h2)
	require.GreaterOrEqual(t, h1, 0)
	require.Less(t, h1, 8)
}

func TestStableHashDiffersAcrossCollections(t *testing.T) {
	a := StableHash("widgets", "key-1", 1000)
	b := StableHash("gadgets", "key-1", 1000)
	require.NotEqual(t, a, b)
}

func TestStableHashZeroShardsReturnsZero(t *testing.T) {
	require.Equal(t, 0, StableHash("widgets", "key-1", 0))
}

func TestTableSetAndGet(t *testing.T) {
	tbl := NewTable()
	tbl.Set("db", "widgets", Assignment{ShardID: 0, Primary: "n1", Replicas: []string{"n2", "n3"}})

	a, ok := tbl.Get("db", "widgets", 0)
	require.True(t, ok)
	require.Equal(t, "n1", a.Primary)
	require.Equal(t, []string{"n2", "n3"}, a.Replicas)

	_, ok = tbl.Get("db", "widgets", 1)
	require.False(t, ok)
}

func TestTableGetReplicasRoutesByKey(t *testing.T) {
	tbl := NewTable()
	shardID := StableHash("widgets", "key-1", 4)
	tbl.Set("db", "widgets", Assignment{ShardID: shardID, Primary: "n1", Replicas: []string{"n2"}})

	addrs, err := tbl.GetReplicas("db", "widgets", "key-1", 4)
	require.NoError(t, err)
	require.Equal(t, []string{"n1", "n2"}, addrs)
}

func TestTableGetReplicasMissingAssignment(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.GetReplicas("db", "widgets", "key-1", 4)
	require.Error(t, err)
}

func TestTableRemoveNodeClearsPrimaryAndReplicas(t *testing.T) {
	tbl := NewTable()
	tbl.Set("db", "widgets", Assignment{ShardID: 0, Primary: "n1", Replicas: []string{"n2", "n3"}})
	tbl.Set("db", "widgets", Assignment{ShardID: 1, Primary: "n2", Replicas: []string{"n1"}})

	orphaned := tbl.RemoveNode("n1")
	require.Len(t, orphaned, 1)
	require.Equal(t, 0, orphaned[0].ShardID)

	a0, _ := tbl.Get("db", "widgets", 0)
	require.Equal(t, "", a0.Primary)
	require.Equal(t, []string{"n2", "n3"}, a0.Replicas)

	a1, _ := tbl.Get("db", "widgets", 1)
	require.Equal(t, "n2", a1.Primary)
	require.Empty(t, a1.Replicas)
}

func TestTableGetShardAddressNoPrimary(t *testing.T) {
	tbl := NewTable()
	tbl.Set("db", "widgets", Assignment{ShardID: 0, Primary: ""})
	_, err := tbl.GetShardAddress("db", "widgets", 0)
	require.Error(t, err)
}

func TestPickNodesPrefersFewestAssigned(t *testing.T) {
	counts := map[string]int{"n1": 3, "n2": 0, "n3": 1}
	picked := pickNodes([]string{"n1", "n2", "n3"}, counts, 2)
	require.Equal(t, []string{"n2", "n3"}, picked)
}

func TestPickNodesCapsAtCandidateCount(t *testing.T) {
	picked := pickNodes([]string{"n1"}, map[string]int{"n1": 0}, 3)
	require.Equal(t, []string{"n1"}, picked)
}

type fakeShardTransport struct {
	created []string
	results map[int][]any
}

func (f *fakeShardTransport) CreateShard(_ context.Context, nodeAddr, _, _ string, shardID int) error {
	f.created = append(f.created, nodeAddr)
	return nil
}

func (f *fakeShardTransport) DeleteShard(_ context.Context, _, _, _ string, _ int) error { return nil }

func (f *fakeShardTransport) BulkInsert(_ context.Context, _, _, _ string, _ int, docs []map[string]any) ([]string, error) {
	acked := make([]string, 0, len(docs))
	for _, d := range docs {
		if k, ok := d["_key"].(string); ok {
			acked = append(acked, k)
		}
	}
	return acked, nil
}

func (f *fakeShardTransport) ExecuteQuery(_ context.Context, _, _, _ string, shardID int, _ string, _ map[string]any) ([]any, error) {
	return f.results[shardID], nil
}

func TestMergeResultsConcatenatesWithoutComparator(t *testing.T) {
	perShard := [][]any{{1, 2}, {3}, {4, 5}}
	out := MergeResults(perShard, nil)
	require.Equal(t, []any{1, 2, 3, 4, 5}, out)
}

func TestMergeResultsKWayMergeWithComparator(t *testing.T) {
	perShard := [][]any{{1, 4}, {2, 3}, {5}}
	less := func(a, b any) bool { return a.(int) < b.(int) }
	out := MergeResults(perShard, less)
	require.Equal(t, []any{1, 2, 3, 4, 5}, out)

	sorted := make([]int, len(out))
	for i, v := range out {
		sorted[i] = v.(int)
	}
	require.True(t, sort.IntsAreSorted(sorted))
}

func TestCoordinatorScatterGatherMergesAndLimits(t *testing.T) {
	ft := &fakeShardTransport{results: map[int][]any{
		0: {1, 3},
		1: {2, 4},
	}}
	c := New(Config{NodeID: "n1", DataDir: t.TempDir()}, ft)
	c.fsm.Table().Set("db", "widgets", Assignment{ShardID: 0, Primary: "n1"})
	c.fsm.Table().Set("db", "widgets", Assignment{ShardID: 1, Primary: "n1"})

	less := func(a, b any) bool { return a.(int) < b.(int) }
	out, err := c.ScatterGather(context.Background(), "db", "widgets", 2, "FOR d IN widgets RETURN d", nil, less, 3)
	require.NoError(t, err)
	require.Equal(t, []any{1, 2, 3}, out)
}
