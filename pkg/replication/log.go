// Package replication implements §4.K: the per-node append-only
// replication log, duplicate/out-of-order suppression, and gossip-based
// cluster membership. Document replication is deliberately async and
// best-effort, in contrast to pkg/shard's Raft-replicated assignment
// table, which must stay linearizable — see DESIGN.md's Open Question
// resolution on that split.
package replication

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/types"
)

// Log is one node's append-only replication log, backed by the same
// embedded kv.Store every collection and index uses. Bolt's own commit
// fsyncs each Append, satisfying §4.K's "append assigns the next
// sequence and fsyncs".
type Log struct {
	mu    sync.Mutex
	store *kv.Store
	next  uint64
}

// Open loads (or initializes) the replication log in store, resuming
// the sequence counter from the highest entry on disk.
func Open(store *kv.Store) (*Log, error) {
	l := &Log{store: store}

	var last uint64
	err := store.ScanPrefix(kv.ReplLogPrefix(), func(k, _ []byte) bool {
		if seq, ok := seqFromKey(k); ok {
			last = seq
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("replication: scan log: %w", err)
	}
	l.next = last + 1
	return l, nil
}

func seqFromKey(k []byte) (uint64, bool) {
	prefix := kv.ReplLogPrefix()
	if len(k) != len(prefix)+16 {
		return 0, false
	}
	var seq uint64
	if _, err := fmt.Sscanf(string(k[len(prefix):]), "%016x", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// Append assigns the next sequence number to entry, persists it, and
// returns the assigned sequence. Callers building an entry for a local
// write leave Sequence unset; it is always overwritten here.
func (l *Log) Append(entry types.LogEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Sequence = l.next
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("replication: encode entry: %w", err)
	}
	if err := l.store.Put(kv.ReplLogKey(entry.Sequence), payload); err != nil {
		return 0, fmt.Errorf("replication: persist entry: %w", err)
	}
	l.next++
	return entry.Sequence, nil
}

// ReadSince returns every entry with sequence > since, in order, per
// §4.K read_since.
func (l *Log) ReadSince(since uint64) ([]types.LogEntry, error) {
	var out []types.LogEntry
	err := l.store.ScanPrefix(kv.ReplLogPrefix(), func(k, v []byte) bool {
		seq, ok := seqFromKey(k)
		if !ok || seq <= since {
			return true
		}
		var entry types.LogEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return true
		}
		out = append(out, entry)
		return true
	})
	return out, err
}

// LastSequence returns the highest sequence number assigned so far, 0
// if the log is empty, for gossiping this node's own last_sequence.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next == 0 {
		return 0
	}
	return l.next - 1
}
