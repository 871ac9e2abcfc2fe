package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/solidb/solidb/pkg/log"
	"github.com/solidb/solidb/pkg/transport"
	"github.com/solidb/solidb/pkg/types"
)

// Config configures a Coordinator's Raft participation, mirroring
// cuemby-warren's manager.Config.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Coordinator owns the Raft-replicated shard assignment table and
// answers routing queries for the node it runs on. Document replication
// is async gossip (pkg/replication); only *placement* goes through
// Raft, since two coordinators disagreeing about which node owns a
// shard is a split-brain bug, not an eventual-consistency tradeoff.
type Coordinator struct {
	cfg       Config
	raft      *raft.Raft
	fsm       *FSM
	transport transport.ShardTransport
}

// New constructs a Coordinator. Call Bootstrap or Join before routing
// traffic through it.
func New(cfg Config, st transport.ShardTransport) *Coordinator {
	return &Coordinator{cfg: cfg, fsm: NewFSM(), transport: st}
}

// Bootstrap starts a brand-new single-node Raft cluster, tuned the same
// way cuemby-warren tunes its manager FSM for sub-10s failover.
func (c *Coordinator) Bootstrap() error {
	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("shard: create data dir: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.cfg.NodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("shard: resolve bind address: %w", err)
	}
	trans, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("shard: create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("shard: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "shard-raft-log.db"))
	if err != nil {
		return fmt.Errorf("shard: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "shard-raft-stable.db"))
	if err != nil {
		return fmt.Errorf("shard: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, trans)
	if err != nil {
		return fmt.Errorf("shard: create raft: %w", err)
	}
	c.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: trans.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("shard: bootstrap cluster: %w", err)
	}
	return nil
}

// apply marshals and submits a command to the Raft log, blocking until
// committed or the timeout elapses.
func (c *Coordinator) apply(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return err
	}
	future := c.raft.Apply(cmd, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("shard: apply %s: %w", op, err)
	}
	if errResp, ok := future.Response().(error); ok && errResp != nil {
		return fmt.Errorf("shard: apply %s: %w", op, errResp)
	}
	return nil
}

// InitCollection assigns every shard of a newly created collection
// across the given live nodes, balancing by fewest-shards-assigned
// (the same greedy rule cuemby-warren's scheduler.selectNode uses for
// container placement) and spreading a shard's own replicas across
// distinct nodes (anti-affinity: a replica is worthless on the same
// node as its primary).
func (c *Coordinator) InitCollection(ctx context.Context, database, collection string, cfg types.ShardConfig, liveNodes []string) error {
	if len(liveNodes) == 0 {
		return fmt.Errorf("shard: no live nodes to place %s/%s", database, collection)
	}

	assignedCount := make(map[string]int, len(liveNodes))
	for _, n := range liveNodes {
		assignedCount[n] = 0
	}

	for shardID := 0; shardID < cfg.NumShards; shardID++ {
		nodes := pickNodes(liveNodes, assignedCount, 1+cfg.ReplicationFactor-1)
		if len(nodes) == 0 {
			return fmt.Errorf("shard: could not place shard %d of %s/%s", shardID, database, collection)
		}
		primary := nodes[0]
		replicas := nodes[1:]
		for _, n := range nodes {
			assignedCount[n]++
		}

		if err := c.apply(opAssignShard, assignShardPayload{
			Database: database, Collection: collection, ShardID: shardID,
			Primary: primary, Replicas: replicas,
		}); err != nil {
			return err
		}
		if err := c.transport.CreateShard(ctx, primary, database, collection, shardID); err != nil {
			return fmt.Errorf("shard: create primary shard %d on %s: %w", shardID, primary, err)
		}
		for _, r := range replicas {
			if err := c.transport.CreateShard(ctx, r, database, collection, shardID); err != nil {
				return fmt.Errorf("shard: create replica shard %d on %s: %w", shardID, r, err)
			}
		}
	}
	return nil
}

// pickNodes selects up to want distinct nodes from candidates, always
// preferring the ones with the fewest shards already assigned
// (anti-affinity falls out naturally: once a node is picked for this
// shard its count is bumped locally so it won't be picked twice).
func pickNodes(candidates []string, assignedCount map[string]int, want int) []string {
	if want > len(candidates) {
		want = len(candidates)
	}
	pool := make([]string, len(candidates))
	copy(pool, candidates)
	local := make(map[string]int, len(assignedCount))
	for k, v := range assignedCount {
		local[k] = v
	}

	out := make([]string, 0, want)
	for i := 0; i < want; i++ {
		sort.SliceStable(pool, func(a, b int) bool { return local[pool[a]] < local[pool[b]] })
		pick := pool[0]
		out = append(out, pick)
		local[pick]++
		pool = pool[1:]
	}
	return out
}

// Route returns the shard id key belongs to.
func (c *Coordinator) Route(collection, key string, numShards int) int {
	return StableHash(collection, key, numShards)
}

// GetReplicas returns [primary, replica1, ...] for the shard owning
// key, per §4.I get_replicas.
func (c *Coordinator) GetReplicas(database, collection, key string, numShards int) ([]string, error) {
	return c.fsm.Table().GetReplicas(database, collection, key, numShards)
}

// GetShardAddress returns the primary's address for shard shardID.
func (c *Coordinator) GetShardAddress(database, collection string, shardID int) (string, error) {
	return c.fsm.Table().GetShardAddress(database, collection, shardID)
}

// RemoveNode evicts a departed node from every assignment and returns
// the shards left without a primary, which the caller hands to
// pkg/reshard for re-placement (§4.I "remove_node").
func (c *Coordinator) RemoveNode(nodeAddr string, replacement string) ([]Assignment, error) {
	data, err := json.Marshal(removeNodePayload{NodeAddr: nodeAddr})
	if err != nil {
		return nil, err
	}
	cmd, err := json.Marshal(Command{Op: opRemoveNode, Data: data})
	if err != nil {
		return nil, err
	}
	future := c.raft.Apply(cmd, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("shard: apply %s: %w", opRemoveNode, err)
	}
	orphaned, _ := future.Response().([]Assignment)
	if replacement == "" {
		return orphaned, nil
	}
	for _, a := range orphaned {
		if err := c.apply(opAssignShard, assignShardPayload{
			ShardID: a.ShardID, Primary: replacement, Replicas: a.Replicas,
		}); err != nil {
			return orphaned, err
		}
	}
	return orphaned, nil
}

// CreateShards asks every node in addrs to materialize the physical
// shard collection for shardID. Used when manually growing a
// collection's replica set outside InitCollection's initial placement.
func (c *Coordinator) CreateShards(ctx context.Context, database, collection string, shardID int, addrs []string) error {
	for _, addr := range addrs {
		if err := c.transport.CreateShard(ctx, addr, database, collection, shardID); err != nil {
			return err
		}
	}
	return nil
}

// Less compares two scatter/gather result rows. Query result rows are
// untyped (map[string]any or scalars), so the merge step takes a
// caller-supplied comparator rather than depending on pkg/query's AST
// — that would make pkg/query and pkg/shard import each other.
type Less func(a, b any) bool

// ScatterGather runs the same SDBQL query against every shard of a
// collection concurrently and merges the per-shard result streams.
// When less is non-nil the merge is a k-way merge assuming each
// per-shard result is already sorted by that order (each shard runs the
// full query, SORT included); when less is nil the shards' results
// are simply concatenated. limit truncates the merged output to at
// most limit rows when positive.
func (c *Coordinator) ScatterGather(ctx context.Context, database, collection string, numShards int, sdbqlSrc string, binds map[string]any, less Less, limit int) ([]any, error) {
	logger := log.WithComponent("shard-coordinator")

	perShard := make([][]any, numShards)
	errs := make([]error, numShards)
	var wg sync.WaitGroup
	for shardID := 0; shardID < numShards; shardID++ {
		addr, err := c.GetShardAddress(database, collection, shardID)
		if err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(shardID int, addr string) {
			defer wg.Done()
			perShard[shardID], errs[shardID] = c.transport.ExecuteQuery(ctx, addr, database, collection, shardID, sdbqlSrc, binds)
		}(shardID, addr)
	}
	wg.Wait()
	for shardID, err := range errs {
		if err != nil {
			logger.Warn().Err(err).Int("shard", shardID).Msg("scatter query failed")
			return nil, fmt.Errorf("shard: query shard %d: %w", shardID, err)
		}
	}

	merged := MergeResults(perShard, less)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// MergeResults merges independently-produced per-shard result slices,
// either by concatenation (less == nil) or a k-way merge assuming each
// slice is already sorted by less. Exported so pkg/node can reuse the
// same merge for shards it hosts locally, without going through
// ScatterGather's transport dispatch.
func MergeResults(perShard [][]any, less Less) []any {
	if less == nil {
		var out []any
		for _, rows := range perShard {
			out = append(out, rows...)
		}
		return out
	}

	idx := make([]int, len(perShard))
	total := 0
	for _, rows := range perShard {
		total += len(rows)
	}
	out := make([]any, 0, total)
	for {
		best := -1
		for i, rows := range perShard {
			if idx[i] >= len(rows) {
				continue
			}
			if best == -1 || less(rows[idx[i]], perShard[best][idx[best]]) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		out = append(out, perShard[best][idx[best]])
		idx[best]++
	}
	return out
}
