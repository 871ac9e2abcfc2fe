// Package types holds the value types shared across solidb's storage,
// query, sharding and replication packages.
package types

import (
	"encoding/json"
	"time"
)

// CollectionType distinguishes document layout and CRUD constraints.
type CollectionType string

const (
	CollectionDocument   CollectionType = "document"
	CollectionEdge       CollectionType = "edge"
	CollectionBlob       CollectionType = "blob"
	CollectionTimeseries CollectionType = "timeseries"
)

// ValidationMode controls schema enforcement on insert/update.
type ValidationMode string

const (
	ValidationOff     ValidationMode = "off"
	ValidationStrict  ValidationMode = "strict"
	ValidationLenient ValidationMode = "lenient"
)

// IndexType enumerates the index kinds the index manager maintains.
type IndexType string

const (
	IndexPersistent IndexType = "persistent"
	IndexHash       IndexType = "hash"
	IndexFulltext   IndexType = "fulltext"
	IndexGeo        IndexType = "geo"
	IndexTTL        IndexType = "ttl"
	IndexVector     IndexType = "vector"
	IndexBloom      IndexType = "bloom"
	IndexCuckoo     IndexType = "cuckoo"
)

// VectorMetric selects the distance function a vector index scores by.
type VectorMetric string

const (
	MetricCosine    VectorMetric = "cosine"
	MetricEuclidean VectorMetric = "euclidean"
	MetricDot       VectorMetric = "dot"
)

// IsolationLevel selects the consistency contract of a transaction.
type IsolationLevel string

const (
	ReadCommitted  IsolationLevel = "read_committed"
	RepeatableRead IsolationLevel = "repeatable_read"
	Serializable   IsolationLevel = "serializable"
)

// Document is the stored unit of a collection. Payload carries the user's
// JSON value; the remaining fields are system-managed metadata.
type Document struct {
	Key       string         `json:"_key"`
	Rev       string         `json:"_rev"`
	From      string         `json:"_from,omitempty"`
	To        string         `json:"_to,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Payload   map[string]any `json:"payload"`
}

// ID derives the collection-qualified identity of the document. It is never
// stored independently; callers recompute it from the owning collection name.
func (d *Document) ID(collection string) string {
	return collection + "/" + d.Key
}

// IndexSpec describes a requested index at creation time.
type IndexSpec struct {
	Name    string         `json:"name"`
	Type    IndexType      `json:"type"`
	Fields  []string       `json:"fields"`
	Unique  bool           `json:"unique,omitempty"`
	Options IndexOptions   `json:"options,omitempty"`
}

// IndexOptions carries type-specific tuning knobs. Only the fields relevant
// to IndexSpec.Type are consulted.
type IndexOptions struct {
	// fulltext
	NgramSize    int `json:"ngramSize,omitempty"`
	MinTokenLen  int `json:"minTokenLen,omitempty"`
	// ttl
	ExpireAfterSeconds int64 `json:"expireAfterSeconds,omitempty"`
	// vector
	Dimensions int          `json:"dimensions,omitempty"`
	Metric     VectorMetric `json:"metric,omitempty"`
	Quantize   bool         `json:"quantize,omitempty"`
	// bloom/cuckoo
	ExpectedItems    uint64  `json:"expectedItems,omitempty"`
	FalsePositiveRate float64 `json:"falsePositiveRate,omitempty"`
}

// ShardConfig is the per-collection sharding configuration from §3.
type ShardConfig struct {
	NumShards         int    `json:"numShards"`
	ShardKey          string `json:"shardKey"`
	ReplicationFactor int    `json:"replicationFactor"`
}

// DefaultShardConfig mirrors the single-shard, single-copy default any
// collection starts with before set_shard_config is called.
func DefaultShardConfig() ShardConfig {
	return ShardConfig{NumShards: 1, ShardKey: "_key", ReplicationFactor: 1}
}

// Schema is the compiled-at-use validation contract for a collection.
type Schema struct {
	Mode   ValidationMode `json:"mode"`
	Raw    []byte         `json:"raw"` // YAML or JSON source, re-validated on load
	Hash   string         `json:"hash"`
}

// NodeStatus is the lifecycle state of a cluster member, §3.
type NodeStatus string

const (
	NodeJoining   NodeStatus = "Joining"
	NodeSyncing   NodeStatus = "Syncing"
	NodeActive    NodeStatus = "Active"
	NodeSuspected NodeStatus = "Suspected"
	NodeDead      NodeStatus = "Dead"
	NodeLeaving   NodeStatus = "Leaving"
)

// ClusterMember is a gossiped cluster node record.
type ClusterMember struct {
	NodeID        string     `json:"nodeId"`
	ReplAddress   string     `json:"replAddress"`
	APIAddress    string     `json:"apiAddress"`
	Status        NodeStatus `json:"status"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	LastSequence  uint64     `json:"lastSequence"`
}

// ReplicationOp enumerates the mutation kinds a replication log entry carries.
type ReplicationOp string

const (
	OpInsert             ReplicationOp = "Insert"
	OpUpdate             ReplicationOp = "Update"
	OpDelete             ReplicationOp = "Delete"
	OpCreateCollection   ReplicationOp = "CreateCollection"
	OpDeleteCollection   ReplicationOp = "DeleteCollection"
	OpTruncateCollection ReplicationOp = "TruncateCollection"
)

// LogEntry is one record of a node's replication log, §3/§4.K.
type LogEntry struct {
	Sequence       uint64          `json:"sequence"`
	NodeID         string          `json:"nodeId"`
	Database       string          `json:"database"`
	Collection     string          `json:"collection"`
	Operation      ReplicationOp   `json:"operation"`
	Key            string          `json:"key"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	OriginSequence uint64          `json:"originSequence,omitempty"`
}
