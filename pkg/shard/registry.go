// Package shard implements §4.I: the shard router and coordinator. Key
// routing (StableHash) is pure and process-local; shard-to-node
// assignment is cluster state, kept linearizable across coordinator
// nodes via a Raft-replicated table (see fsm.go), the same role
// cuemby-warren's WarrenFSM plays for node/service/task state.
package shard

import (
	"fmt"
	"sync"
)

// Assignment is one shard's current placement: one primary plus zero or
// more replicas, ordered as §4.I's get_replicas requires
// ([primary, replica1, ...]).
type Assignment struct {
	ShardID  int      `json:"shardId"`
	Primary  string   `json:"primary"`
	Replicas []string `json:"replicas,omitempty"`
}

// addresses returns [primary, replica1, ...] as a fresh slice.
func (a Assignment) addresses() []string {
	out := make([]string, 0, 1+len(a.Replicas))
	out = append(out, a.Primary)
	out = append(out, a.Replicas...)
	return out
}

// collectionKey namespaces assignments by database+collection, since
// shard ids are only unique within one collection's shard space.
func collectionKey(database, collection string) string {
	return database + "/" + collection
}

// Table is the in-memory assignment table the FSM applies commands to.
// Reads take the read lock; every mutation goes through Apply from the
// Raft log so every coordinator node converges on the same table.
type Table struct {
	mu          sync.RWMutex
	assignments map[string]map[int]Assignment // collectionKey -> shardID -> Assignment
}

// NewTable constructs an empty assignment table.
func NewTable() *Table {
	return &Table{assignments: make(map[string]map[int]Assignment)}
}

// Set records or overwrites one shard's assignment.
func (t *Table) Set(database, collection string, a Assignment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := collectionKey(database, collection)
	if t.assignments[key] == nil {
		t.assignments[key] = make(map[int]Assignment)
	}
	t.assignments[key][a.ShardID] = a
}

// Get returns one shard's assignment and whether it exists.
func (t *Table) Get(database, collection string, shardID int) (Assignment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.assignments[collectionKey(database, collection)][shardID]
	return a, ok
}

// All returns every shard assignment for one collection, ordered by
// shard id.
func (t *Table) All(database, collection string) []Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byShard := t.assignments[collectionKey(database, collection)]
	out := make([]Assignment, len(byShard))
	for id, a := range byShard {
		if id < 0 || id >= len(out) {
			// Sparse shard ids (e.g. post-reshard gaps) fall outside the
			// dense-slice fast path; collect separately below.
			return t.allSparse(byShard)
		}
		out[id] = a
	}
	return out
}

func (t *Table) allSparse(byShard map[int]Assignment) []Assignment {
	out := make([]Assignment, 0, len(byShard))
	for _, a := range byShard {
		out = append(out, a)
	}
	return out
}

// RemoveNode drops nodeAddr from every assignment it appears in
// (primary or replica) across all collections, returning the shards
// left with no primary so the caller can trigger migration (§4.I
// "remove_node ... recomputes assignments excluding the departed node").
func (t *Table) RemoveNode(nodeAddr string) []Assignment {
	t.mu.Lock()
	defer t.mu.Unlock()

	var orphaned []Assignment
	for collKey, byShard := range t.assignments {
		for id, a := range byShard {
			changed := false
			if a.Primary == nodeAddr {
				a.Primary = ""
				changed = true
			}
			filtered := a.Replicas[:0:0]
			for _, r := range a.Replicas {
				if r == nodeAddr {
					changed = true
					continue
				}
				filtered = append(filtered, r)
			}
			if changed {
				a.Replicas = filtered
				t.assignments[collKey][id] = a
				if a.Primary == "" {
					orphaned = append(orphaned, a)
				}
			}
		}
	}
	return orphaned
}

// GetReplicas returns the ordered [primary, replica1, ...] address list
// for the shard owning key, per §4.I get_replicas.
func (t *Table) GetReplicas(database, collection, key string, numShards int) ([]string, error) {
	shardID := StableHash(collection, key, numShards)
	a, ok := t.Get(database, collection, shardID)
	if !ok {
		return nil, fmt.Errorf("shard: %s/%s shard %d has no assignment", database, collection, shardID)
	}
	return a.addresses(), nil
}

// GetShardAddress returns the primary's address for reads routed to the
// leader, per §4.I get_shard_address.
func (t *Table) GetShardAddress(database, collection string, shardID int) (string, error) {
	a, ok := t.Get(database, collection, shardID)
	if !ok || a.Primary == "" {
		return "", fmt.Errorf("shard: %s/%s shard %d has no primary", database, collection, shardID)
	}
	return a.Primary, nil
}
