package shard

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Command is one Raft log entry applied to the assignment table. The
// shape mirrors cuemby-warren's pkg/manager WarrenFSM: an opaque op tag
// plus a per-op JSON payload, switched on in Apply.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opAssignShard = "assign_shard"
	opRemoveNode  = "remove_node"
)

type assignShardPayload struct {
	Database   string   `json:"database"`
	Collection string   `json:"collection"`
	ShardID    int      `json:"shardId"`
	Primary    string   `json:"primary"`
	Replicas   []string `json:"replicas"`
}

type removeNodePayload struct {
	NodeAddr string `json:"nodeAddr"`
}

// FSM wraps a Table behind the raft.FSM interface, making shard
// assignment a linearizable, Raft-replicated operation even though
// document replication itself is async gossip (§4.K).
type FSM struct {
	mu    sync.RWMutex
	table *Table
}

// NewFSM constructs an FSM backed by a fresh empty assignment table.
func NewFSM() *FSM {
	return &FSM{table: NewTable()}
}

// Table returns the live assignment table for read-side queries
// (Route, GetReplicas, GetShardAddress). Safe to call concurrently with
// Apply: the Table itself holds its own lock.
func (f *FSM) Table() *Table {
	return f.table
}

// Apply implements raft.FSM.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("shard: decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opAssignShard:
		var p assignShardPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return fmt.Errorf("shard: decode assign_shard: %w", err)
		}
		f.table.Set(p.Database, p.Collection, Assignment{
			ShardID:  p.ShardID,
			Primary:  p.Primary,
			Replicas: p.Replicas,
		})
		return nil

	case opRemoveNode:
		var p removeNodePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return fmt.Errorf("shard: decode remove_node: %w", err)
		}
		return f.table.RemoveNode(p.NodeAddr)

	default:
		return fmt.Errorf("shard: unknown command %q", cmd.Op)
	}
}

// snapshotEntry is one row of the flattened assignment table, used only
// for Snapshot/Restore serialization.
type snapshotEntry struct {
	Database   string     `json:"database"`
	Collection string     `json:"collection"`
	Assignment Assignment `json:"assignment"`
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	f.table.mu.RLock()
	defer f.table.mu.RUnlock()

	entries := make([]snapshotEntry, 0)
	for key, byShard := range f.table.assignments {
		database, collection := splitCollectionKey(key)
		for _, a := range byShard {
			entries = append(entries, snapshotEntry{Database: database, Collection: collection, Assignment: a})
		}
	}
	return &fsmSnapshot{entries: entries}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var entries []snapshotEntry
	if err := json.NewDecoder(rc).Decode(&entries); err != nil {
		return fmt.Errorf("shard: decode snapshot: %w", err)
	}

	table := NewTable()
	for _, e := range entries {
		table.Set(e.Database, e.Collection, e.Assignment)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.table = table
	return nil
}

type fsmSnapshot struct {
	entries []snapshotEntry
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.entries); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func splitCollectionKey(key string) (database, collection string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
