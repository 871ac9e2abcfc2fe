package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidb/solidb/pkg/config"
	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/query"
	"github.com/solidb/solidb/pkg/sdbql"
	"github.com/solidb/solidb/pkg/types"
)

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := openDatabase(t.TempDir(), "testdb")
	require.NoError(t, err)
	return db
}

func testNodeConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{
		NodeID:                   "test-node",
		BindAddr:                 "127.0.0.1:0",
		DataDir:                  t.TempDir(),
		ClusterSecret:            "test-cluster-secret",
		Port:                     8080,
		DefaultNumShards:         1,
		DefaultReplicationFactor: 1,
		CursorIdleTimeout:        time.Minute,
	}
	return cfg
}

func TestDatabaseCreateCollectionOpensLocalShards(t *testing.T) {
	db := openTestDatabase(t)

	h, err := db.CreateCollection("widgets", []int{0, 1}, types.ShardConfig{NumShards: 2, ShardKey: "_key", ReplicationFactor: 1}, types.CollectionDocument)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{0, 1}, h.LocalShardIDs())

	names := db.ListCollections()
	require.Contains(t, names, "widgets")
}

func TestDatabaseCreateCollectionRejectsDuplicate(t *testing.T) {
	db := openTestDatabase(t)
	cfg := types.DefaultShardConfig()

	_, err := db.CreateCollection("widgets", []int{0}, cfg, types.CollectionDocument)
	require.NoError(t, err)

	_, err = db.CreateCollection("widgets", []int{0}, cfg, types.CollectionDocument)
	require.ErrorIs(t, err, dberrors.ErrCollectionExists)
}

func TestDatabaseCollectionNotFound(t *testing.T) {
	db := openTestDatabase(t)
	_, err := db.Collection("missing")
	require.ErrorIs(t, err, dberrors.ErrCollectionNotFound)
}

func TestDatabaseDropCollectionClosesShards(t *testing.T) {
	db := openTestDatabase(t)
	cfg := types.DefaultShardConfig()
	_, err := db.CreateCollection("widgets", []int{0}, cfg, types.CollectionDocument)
	require.NoError(t, err)

	require.NoError(t, db.DropCollection("widgets"))
	_, err = db.Collection("widgets")
	require.ErrorIs(t, err, dberrors.ErrCollectionNotFound)
}

func TestCollectionHandleInsertGetUpdateDeleteSingleShard(t *testing.T) {
	db := openTestDatabase(t)
	cfg := types.DefaultShardConfig()
	h, err := db.CreateCollection("widgets", []int{0}, cfg, types.CollectionDocument)
	require.NoError(t, err)

	doc, err := h.Insert(map[string]any{"name": "sprocket"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, doc.Key)

	got, err := h.Get(doc.Key)
	require.NoError(t, err)
	require.Equal(t, "sprocket", got.Payload["name"])

	updated, err := h.Update(doc.Key, map[string]any{"name": "gear"}, true)
	require.NoError(t, err)
	require.Equal(t, "gear", updated.Payload["name"])

	require.NoError(t, h.Delete(doc.Key))
	_, err = h.Get(doc.Key)
	require.Error(t, err)
}

func TestCollectionHandleRoutesByShardHash(t *testing.T) {
	db := openTestDatabase(t)
	cfg := types.ShardConfig{NumShards: 4, ShardKey: "_key", ReplicationFactor: 1}
	// This node only hosts shard 2 of 4 — keys hashing elsewhere are
	// not locally reachable, mirroring a real multi-node deployment.
	h, err := db.CreateCollection("widgets", []int{2}, cfg, types.CollectionDocument)
	require.NoError(t, err)

	_, err = h.Insert(map[string]any{"name": "x"}, "a-key-not-on-this-shard")
	if err == nil {
		return // the key happened to hash to shard 2; nothing more to assert
	}
	require.ErrorIs(t, err, errShardNotLocal)
}

func TestCollectionHandleRunQueryMergesAcrossLocalShards(t *testing.T) {
	db := openTestDatabase(t)
	cfg := types.ShardConfig{NumShards: 2, ShardKey: "_key", ReplicationFactor: 1}
	h, err := db.CreateCollection("widgets", []int{0, 1}, cfg, types.CollectionDocument)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := h.Insert(map[string]any{"n": i}, "")
		require.NoError(t, err)
	}

	q, err := sdbql.Parse("FOR d IN widgets RETURN d")
	require.NoError(t, err)

	out, err := h.RunQuery(q, nil, query.DefaultLimits(), nil, 0)
	require.NoError(t, err)
	require.Len(t, out, 20)
}

func TestNodeDatabaseLifecycle(t *testing.T) {
	cfg := testNodeConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	_, err = n.CreateDatabase("app")
	require.NoError(t, err)
	require.Contains(t, n.ListDatabases(), "app")

	_, err = n.CreateDatabase("app")
	require.ErrorIs(t, err, dberrors.ErrDatabaseExists)

	_, err = n.Database("app")
	require.NoError(t, err)

	require.NoError(t, n.DropDatabase("app"))
	_, err = n.Database("app")
	require.ErrorIs(t, err, dberrors.ErrDatabaseNotFound)
}

func TestNodeDatabaseNotFound(t *testing.T) {
	n, err := New(testNodeConfig(t), nil)
	require.NoError(t, err)
	defer n.Close()

	_, err = n.Database("nope")
	require.ErrorIs(t, err, dberrors.ErrDatabaseNotFound)
}
