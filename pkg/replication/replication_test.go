package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/types"
)

func openTestStore(t *testing.T) *kv.Store {
	t.Helper()
	store, err := kv.Open(t.TempDir(), "repltest")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLogAppendAssignsIncreasingSequence(t *testing.T) {
	l, err := Open(openTestStore(t))
	require.NoError(t, err)

	seq1, err := l.Append(types.LogEntry{NodeID: "n1", Collection: "widgets", Key: "k1", Operation: types.OpInsert})
	require.NoError(t, err)
	seq2, err := l.Append(types.LogEntry{NodeID: "n1", Collection: "widgets", Key: "k2", Operation: types.OpInsert})
	require.NoError(t, err)

	require.Equal(t, uint64(1), seq1)
	require.Equal(t, uint64(2), seq2)
	require.Equal(t, uint64(2), l.LastSequence())
}

func TestLogReadSinceReturnsOnlyNewerEntries(t *testing.T) {
	l, err := Open(openTestStore(t))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := l.Append(types.LogEntry{NodeID: "n1", Key: "k", Operation: types.OpInsert})
		require.NoError(t, err)
	}

	entries, err := l.ReadSince(3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(4), entries[0].Sequence)
	require.Equal(t, uint64(5), entries[1].Sequence)
}

func TestLogReopenResumesSequenceCounter(t *testing.T) {
	store := openTestStore(t)
	l1, err := Open(store)
	require.NoError(t, err)
	_, err = l1.Append(types.LogEntry{NodeID: "n1", Key: "k1", Operation: types.OpInsert})
	require.NoError(t, err)
	_, err = l1.Append(types.LogEntry{NodeID: "n1", Key: "k2", Operation: types.OpInsert})
	require.NoError(t, err)

	l2, err := Open(store)
	require.NoError(t, err)
	seq, err := l2.Append(types.LogEntry{NodeID: "n1", Key: "k3", Operation: types.OpInsert})
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
}

func TestCheckAndUpdateOriginSequenceSuppressesDuplicates(t *testing.T) {
	p := NewPeerState()

	require.True(t, p.CheckAndUpdateOriginSequence("origin-1", 1))
	require.True(t, p.CheckAndUpdateOriginSequence("origin-1", 2))
	require.False(t, p.CheckAndUpdateOriginSequence("origin-1", 2), "duplicate must be rejected")
	require.False(t, p.CheckAndUpdateOriginSequence("origin-1", 1), "out-of-order must be rejected")
	require.True(t, p.CheckAndUpdateOriginSequence("origin-1", 3))
}

func TestCheckAndUpdateOriginSequenceIndependentPerOrigin(t *testing.T) {
	p := NewPeerState()
	require.True(t, p.CheckAndUpdateOriginSequence("origin-1", 5))
	require.True(t, p.CheckAndUpdateOriginSequence("origin-2", 1))
}

func TestPeerStateMarkSentIsMonotonic(t *testing.T) {
	p := NewPeerState()
	p.MarkSent("peer-1", 10)
	p.MarkSent("peer-1", 5)
	require.Equal(t, uint64(10), p.SentTo("peer-1"))
	p.MarkSent("peer-1", 20)
	require.Equal(t, uint64(20), p.SentTo("peer-1"))
}

func TestMembershipHeartbeatJoinsAsActive(t *testing.T) {
	m := NewMembership()
	m.Heartbeat("n1", "n1:7000", "n1:8000", 5)

	member, ok := m.Get("n1")
	require.True(t, ok)
	require.Equal(t, types.NodeActive, member.Status)
	require.Equal(t, uint64(5), member.LastSequence)
}

func TestMembershipTickTransitionsActiveToSuspectedToDead(t *testing.T) {
	m := NewMembershipWithThreshold(2)
	start := time.Now()
	m.Heartbeat("n1", "n1:7000", "n1:8000", 0)

	interval := 10 * time.Millisecond

	m.Tick(start.Add(20*time.Millisecond), interval)
	member, _ := m.Get("n1")
	require.Equal(t, types.NodeSuspected, member.Status)

	m.Tick(start.Add(30*time.Millisecond), interval)
	member, _ = m.Get("n1")
	require.Equal(t, types.NodeDead, member.Status)
}

func TestMembershipHeartbeatRecoversSuspectedNode(t *testing.T) {
	m := NewMembershipWithThreshold(5)
	start := time.Now()
	m.Heartbeat("n1", "n1:7000", "n1:8000", 0)
	m.Tick(start.Add(20*time.Millisecond), 10*time.Millisecond)

	member, _ := m.Get("n1")
	require.Equal(t, types.NodeSuspected, member.Status)

	m.Heartbeat("n1", "n1:7000", "n1:8000", 1)
	member, _ = m.Get("n1")
	require.Equal(t, types.NodeActive, member.Status)
}

func TestMembershipLiveExcludesDeadAndLeaving(t *testing.T) {
	m := NewMembership()
	m.Heartbeat("n1", "n1:7000", "n1:8000", 0)
	m.Heartbeat("n2", "n2:7000", "n2:8000", 0)
	m.MarkLeaving("n2")

	live := m.Live()
	require.Contains(t, live, "n1")
	require.NotContains(t, live, "n2")
}
