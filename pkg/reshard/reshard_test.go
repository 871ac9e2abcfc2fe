package reshard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solidb/solidb/pkg/collection"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/shard"
)

func openTestCollection(t *testing.T, name string) *collection.Collection {
	t.Helper()
	store, err := kv.Open(t.TempDir(), "reshardtest")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c, err := collection.Open(store, name)
	require.NoError(t, err)
	return c
}

type fakeTransport struct {
	inserted map[string][]map[string]any
	failFor  map[string]int // destAddr -> remaining failures before success
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inserted: make(map[string][]map[string]any), failFor: make(map[string]int)}
}

func (f *fakeTransport) CreateShard(context.Context, string, string, string, int) error { return nil }
func (f *fakeTransport) DeleteShard(context.Context, string, string, string, int) error  { return nil }

func (f *fakeTransport) BulkInsert(_ context.Context, nodeAddr, _, _ string, _ int, docs []map[string]any) ([]string, error) {
	if f.failFor[nodeAddr] > 0 {
		f.failFor[nodeAddr]--
		return nil, errTransient
	}
	acked := make([]string, 0, len(docs))
	for _, d := range docs {
		f.inserted[nodeAddr] = append(f.inserted[nodeAddr], d)
		acked = append(acked, d["_key"].(string))
	}
	return acked, nil
}

func (f *fakeTransport) ExecuteQuery(context.Context, string, string, string, int, string, map[string]any) ([]any, error) {
	return nil, nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errTransient = fakeErr("transient failure")

func findOwningShard(collectionName, key string, numShards int) int {
	return shard.StableHash(collectionName, key, numShards)
}

func TestMigrateMovesMisplacedDocumentsAndDeletesLocally(t *testing.T) {
	c := openTestCollection(t, "widgets")

	var keys []string
	for i := 0; i < 20; i++ {
		doc, err := c.Insert(map[string]any{"n": i}, "")
		require.NoError(t, err)
		keys = append(keys, doc.Key)
	}

	oldShardID := 0
	newNumShards := 4
	plan := Plan{
		Database: "db", Collection: "widgets", NewNumShards: newNumShards,
		Assignments: map[int][]string{
			0: {"node-0"}, 1: {"node-1"}, 2: {"node-2"}, 3: {"node-3"},
		},
	}

	ft := newFakeTransport()
	m := New(ft)

	err := m.Migrate(context.Background(), plan, []LocalShard{{ShardID: oldShardID, Collection: c}})
	require.NoError(t, err)

	for _, key := range keys {
		newShard := findOwningShard("widgets", key, newNumShards)
		_, getErr := c.Get(key)
		if newShard == oldShardID {
			require.NoError(t, getErr, "document routed to the same shard should remain local")
		} else {
			require.Error(t, getErr, "migrated document should have been deleted locally")
			dest := "node-" + string(rune('0'+newShard))
			found := false
			for _, d := range ft.inserted[dest] {
				if d["_key"] == key {
					found = true
				}
			}
			require.True(t, found, "migrated document should have landed at its destination")
		}
	}
}

func TestMigrateRetriesTransientTransferFailure(t *testing.T) {
	c := openTestCollection(t, "widgets")
	doc, err := c.Insert(map[string]any{"n": 1}, "")
	require.NoError(t, err)

	// Store this single document on a local shard other than the one it routes to.
	var destShard int
	for s := 0; s < 4; s++ {
		if findOwningShard("widgets", doc.Key, 4) == s {
			destShard = s
		}
	}
	oldShardID := (destShard + 1) % 4

	plan := Plan{
		Database: "db", Collection: "widgets", NewNumShards: 4,
		Assignments: map[int][]string{destShard: {"node-dest"}, oldShardID: {"node-old"}},
	}

	ft := newFakeTransport()
	ft.failFor["node-dest"] = 2

	m := New(ft)
	err = m.Migrate(context.Background(), plan, []LocalShard{{ShardID: oldShardID, Collection: c}})
	require.NoError(t, err)

	_, getErr := c.Get(doc.Key)
	require.Error(t, getErr)
	require.Len(t, ft.inserted["node-dest"], 1)
}

func TestMigrateCleansUpDrainedOrphanShard(t *testing.T) {
	c := openTestCollection(t, "widgets")

	plan := Plan{Database: "db", Collection: "widgets", NewNumShards: 2, Assignments: map[int][]string{}}
	ft := newFakeTransport()
	m := New(ft)

	// Shard id 5 is now >= NewNumShards and already empty: should be
	// cleaned up without needing any transfer.
	err := m.Migrate(context.Background(), plan, []LocalShard{{ShardID: 5, Collection: c}})
	require.NoError(t, err)

	count, err := c.Count()
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestMigrateLeavesUnackedDocumentsInPlace(t *testing.T) {
	c := openTestCollection(t, "widgets")
	doc, err := c.Insert(map[string]any{"n": 1}, "")
	require.NoError(t, err)

	var destShard int
	for s := 0; s < 4; s++ {
		if findOwningShard("widgets", doc.Key, 4) == s {
			destShard = s
		}
	}
	oldShardID := (destShard + 1) % 4

	plan := Plan{
		Database: "db", Collection: "widgets", NewNumShards: 4,
		Assignments: map[int][]string{destShard: {"node-dest"}},
	}

	ft := newFakeTransport()
	// Exceed maxRetries so the transfer ultimately fails.
	ft.failFor["node-dest"] = 99

	m := New(ft)
	err = m.Migrate(context.Background(), plan, []LocalShard{{ShardID: oldShardID, Collection: c}})
	require.Error(t, err)

	got, getErr := c.Get(doc.Key)
	require.NoError(t, getErr)
	require.Equal(t, doc.Key, got.Key)
}
