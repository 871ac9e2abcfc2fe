// Package transport defines the external-collaborator boundary pkg/shard
// and pkg/reshard are built against. The wire protocol itself — the
// binary request/response framing in §6 — is an explicit Non-goal; only
// the Go interfaces a coordinator or resharder needs to call across a
// cluster are defined here, so those packages compile and test fully
// against an in-memory fake with no network stack behind them.
package transport

import "context"

// DirectShardHeader is the marker a caller sets on a direct-shard
// request so the receiving node performs no further routing, just local
// execution against the named physical shard collection (§4.I
// "Direct-shard API").
const DirectShardHeader = "X-Shard-Direct"

// ShardTransport is the per-node surface the coordinator and resharder
// call to operate on one node's physical shards directly, bypassing
// routing (§4.I Direct-shard API, §4.J bulk transfer).
type ShardTransport interface {
	// CreateShard creates the physical shard collection <coll>_s<shardID>
	// on the target node.
	CreateShard(ctx context.Context, nodeAddr, database, collection string, shardID int) error

	// DeleteShard removes a physical shard collection once its contents
	// have been drained (§4.J step 4).
	DeleteShard(ctx context.Context, nodeAddr, database, collection string, shardID int) error

	// BulkInsert sends a batch of documents to the named physical shard,
	// returning per-key success so the caller only deletes its local
	// copies once every key is acknowledged (§4.J step 3).
	BulkInsert(ctx context.Context, nodeAddr, database, collection string, shardID int, docs []map[string]any) (acked []string, err error)

	// ExecuteQuery runs an already-planned SDBQL query against one
	// physical shard's leader, used by scatter/gather (§4.I).
	ExecuteQuery(ctx context.Context, nodeAddr, database, collection string, shardID int, sdbql string, binds map[string]any) ([]any, error)
}

// ClusterTransport is the membership/gossip surface nodes use to
// exchange heartbeats and replication entries (§4.K).
type ClusterTransport interface {
	// SendHeartbeat gossips this node's own (node_id, status,
	// last_heartbeat, last_sequence) to a peer.
	SendHeartbeat(ctx context.Context, peerAddr string, self HeartbeatInfo) error

	// ReadSince pulls replication log entries with sequence > seq from
	// a peer's log for one origin.
	ReadSince(ctx context.Context, peerAddr string, originID string, seq uint64) ([]ReplicationEntryInfo, error)
}

// HeartbeatInfo is the gossip payload §4.K specifies.
type HeartbeatInfo struct {
	NodeID        string
	Status        string
	LastHeartbeat int64 // unix millis
	LastSequence  uint64
}

// ReplicationEntryInfo is the wire shape of one replication log entry,
// mirroring types.LogEntry without importing it (transport stays
// a leaf package with no dependency on the packages that consume it).
type ReplicationEntryInfo struct {
	Sequence       uint64
	OriginID       string
	OriginSequence uint64
	Database       string
	Collection     string
	Key            string
	Op             string
	Payload        []byte
}
