package vversion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidb/solidb/pkg/kv"
)

func TestCompareEqual(t *testing.T) {
	a := Vector{"n1": 1, "n2": 2}
	b := Vector{"n1": 1, "n2": 2}
	require.Equal(t, Equal, a.Compare(b))
}

func TestCompareDominatesAndDominated(t *testing.T) {
	a := Vector{"n1": 2, "n2": 2}
	b := Vector{"n1": 1, "n2": 2}
	require.Equal(t, Dominates, a.Compare(b))
	require.Equal(t, Dominated, b.Compare(a))
}

func TestCompareConcurrent(t *testing.T) {
	a := Vector{"n1": 2, "n2": 1}
	b := Vector{"n1": 1, "n2": 2}
	require.Equal(t, Concurrent, a.Compare(b))
	require.Equal(t, Concurrent, b.Compare(a))
}

func TestCompareHandlesMissingNodes(t *testing.T) {
	a := Vector{"n1": 1}
	b := Vector{"n1": 1, "n2": 1}
	require.Equal(t, Dominated, a.Compare(b))
}

func TestIncrementBumpsOwnNode(t *testing.T) {
	v := Vector{}
	v.Increment("n1")
	v.Increment("n1")
	require.Equal(t, uint64(2), v["n1"])
}

func TestHLCAfterTiebreaksByCounterThenNode(t *testing.T) {
	a := HLC{TimestampMS: 100, Counter: 2, NodeID: "n1"}
	b := HLC{TimestampMS: 100, Counter: 1, NodeID: "n2"}
	require.True(t, a.After(b))
	require.False(t, b.After(a))
}

func TestHLCStringRoundTrips(t *testing.T) {
	h := HLC{TimestampMS: 1700000000000, Counter: 42, NodeID: "n1"}
	parsed, err := ParseHLC(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestReconcileDominatedAccepted(t *testing.T) {
	local := Vector{"n1": 1}
	remote := Vector{"n1": 2}
	outcome := Reconcile("k1", local, remote, HLC{}, HLC{}, nil)
	require.Equal(t, Dominated, outcome.Relation)
	require.True(t, outcome.Accept)
}

func TestReconcileDominatesRejected(t *testing.T) {
	local := Vector{"n1": 2}
	remote := Vector{"n1": 1}
	outcome := Reconcile("k1", local, remote, HLC{}, HLC{}, nil)
	require.Equal(t, Dominates, outcome.Relation)
	require.False(t, outcome.Accept)
}

func TestReconcileConcurrentUsesDefaultLWW(t *testing.T) {
	local := Vector{"n1": 2, "n2": 1}
	remote := Vector{"n1": 1, "n2": 2}
	localHLC := HLC{TimestampMS: 100, NodeID: "n1"}
	remoteHLC := HLC{TimestampMS: 200, NodeID: "n2"}

	outcome := Reconcile("k1", local, remote, localHLC, remoteHLC, nil)
	require.Equal(t, Concurrent, outcome.Relation)
	require.True(t, outcome.Accept, "later HLC should win by default")
	require.NotNil(t, outcome.Conflict)
}

func TestReconcileConcurrentHonorsCustomResolver(t *testing.T) {
	local := Vector{"n1": 2, "n2": 1}
	remote := Vector{"n1": 1, "n2": 2}
	alwaysKeepLocal := func(ConflictInfo) bool { return false }

	outcome := Reconcile("k1", local, remote, HLC{TimestampMS: 1}, HLC{TimestampMS: 999}, alwaysKeepLocal)
	require.False(t, outcome.Accept)
}

func TestCanResurrectRequiresDomination(t *testing.T) {
	tombstoneVec := Vector{"n1": 1}
	require.True(t, CanResurrect(Vector{"n1": 2}, tombstoneVec))
	require.False(t, CanResurrect(Vector{"n1": 1}, tombstoneVec))
	require.False(t, CanResurrect(Vector{"n2": 1}, tombstoneVec))
}

func openTestTombstoneStore(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	store, err := kv.Open(t.TempDir(), "vvtest")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ts := NewStoreWithRetention(store, retention)
	t.Cleanup(ts.Close)
	return ts
}

func TestTombstoneStorePutAndGet(t *testing.T) {
	s := openTestTombstoneStore(t, time.Hour)
	require.NoError(t, s.Put(Tombstone{Collection: "widgets", Key: "k1", DeletedAt: time.Now(), Vector: Vector{"n1": 1}}))

	got, ok, err := s.Get("widgets", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "k1", got.Key)
}

func TestTombstoneStoreGetMissing(t *testing.T) {
	s := openTestTombstoneStore(t, time.Hour)
	_, ok, err := s.Get("widgets", "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTombstoneStoreDelete(t *testing.T) {
	s := openTestTombstoneStore(t, time.Hour)
	require.NoError(t, s.Put(Tombstone{Collection: "widgets", Key: "k1", DeletedAt: time.Now()}))
	require.NoError(t, s.Delete("widgets", "k1"))

	_, ok, err := s.Get("widgets", "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTombstoneStoreSweepsExpired(t *testing.T) {
	s := openTestTombstoneStore(t, 200*time.Millisecond)
	require.NoError(t, s.Put(Tombstone{Collection: "widgets", Key: "old", DeletedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, s.Put(Tombstone{Collection: "widgets", Key: "fresh", DeletedAt: time.Now()}))

	require.Eventually(t, func() bool {
		_, ok, _ := s.Get("widgets", "old")
		return !ok
	}, 500*time.Millisecond, 10*time.Millisecond)

	_, ok, err := s.Get("widgets", "fresh")
	require.NoError(t, err)
	require.True(t, ok)
}
