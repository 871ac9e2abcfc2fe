package node

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/solidb/solidb/pkg/collection"
	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/log"
	"github.com/solidb/solidb/pkg/query"
	"github.com/solidb/solidb/pkg/sdbql"
	"github.com/solidb/solidb/pkg/shard"
	"github.com/solidb/solidb/pkg/txn"
	"github.com/solidb/solidb/pkg/types"
	"github.com/solidb/solidb/pkg/vversion"
)

// shardUnit is one physical shard of one collection: its own kv.Store
// file, Collection, per-shard transaction manager (§1 "per-shard
// transactional ACID"), and tombstone store for offline-sync conflict
// resolution (§4.L).
type shardUnit struct {
	shardID    int
	store      *kv.Store
	collection *collection.Collection
	txns       *txn.Manager
	tombstones *vversion.Store
}

func (u *shardUnit) close() {
	_ = u.txns.Close()
	u.tombstones.Close()
	_ = u.store.Close()
}

// CollectionHandle is a collection as seen by this node: the shards of
// it this node hosts locally, keyed by shard ID. A node typically hosts
// one shard per collection (replicas live on other nodes); it may host
// several when the collection is sharded but the cluster is small or
// single-node.
type CollectionHandle struct {
	mu     sync.RWMutex
	name   string
	cfg    types.ShardConfig
	shards map[int]*shardUnit
}

func (h *CollectionHandle) Name() string { return h.name }

func (h *CollectionHandle) ShardConfig() types.ShardConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// LocalShardIDs returns the shard IDs of this collection hosted on this
// node, for pkg/reshard's Migrate and pkg/replication's log shipping.
func (h *CollectionHandle) LocalShardIDs() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int, 0, len(h.shards))
	for id := range h.shards {
		ids = append(ids, id)
	}
	return ids
}

// ShardCollection returns the local collection backing shardID, for
// callers (pkg/reshard) that need direct access to one shard's storage.
func (h *CollectionHandle) ShardCollection(shardID int) (*collection.Collection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u, ok := h.shards[shardID]
	if !ok {
		return nil, false
	}
	return u.collection, true
}

// errShardNotLocal is returned when a key hashes to a shard this node
// does not host; dispatching the operation to the owning node is the
// HTTP/wire-transport layer's job (out of scope, see pkg/transport).
var errShardNotLocal = fmt.Errorf("node: shard not hosted on this node")

func (h *CollectionHandle) unitFor(key string) (*shardUnit, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	shardID := shard.StableHash(h.name, key, h.cfg.NumShards)
	u, ok := h.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("%w: shard %d for key %q", errShardNotLocal, shardID, key)
	}
	return u, nil
}

// firstUnit returns an arbitrary local shard, used when a key has not
// been assigned yet (auto-generated keys originate on whichever local
// shard receives the insert).
func (h *CollectionHandle) firstUnit() (*shardUnit, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, u := range h.shards {
		return u, nil
	}
	return nil, fmt.Errorf("node: collection %q has no locally hosted shards", h.name)
}

func (h *CollectionHandle) Insert(payload map[string]any, key string) (*types.Document, error) {
	var u *shardUnit
	var err error
	if key == "" {
		u, err = h.firstUnit()
	} else {
		u, err = h.unitFor(key)
	}
	if err != nil {
		return nil, err
	}
	return u.collection.Insert(payload, key)
}

func (h *CollectionHandle) Get(key string) (*types.Document, error) {
	u, err := h.unitFor(key)
	if err != nil {
		return nil, err
	}
	return u.collection.Get(key)
}

func (h *CollectionHandle) Update(key string, patch map[string]any, merge bool) (*types.Document, error) {
	u, err := h.unitFor(key)
	if err != nil {
		return nil, err
	}
	return u.collection.Update(key, patch, merge)
}

func (h *CollectionHandle) Delete(key string) error {
	u, err := h.unitFor(key)
	if err != nil {
		return err
	}
	return u.collection.Delete(key)
}

// PutBlob routes to the shard owning key the same way Insert/Update do,
// using firstUnit when key is empty so an auto-generated blob key lands on
// whichever local shard receives the upload.
func (h *CollectionHandle) PutBlob(key string, data []byte, contentType string) (*types.Document, error) {
	var u *shardUnit
	var err error
	if key == "" {
		u, err = h.firstUnit()
	} else {
		u, err = h.unitFor(key)
	}
	if err != nil {
		return nil, err
	}
	return u.collection.PutBlob(key, data, contentType)
}

func (h *CollectionHandle) GetBlob(key string) ([]byte, *types.Document, error) {
	u, err := h.unitFor(key)
	if err != nil {
		return nil, nil, err
	}
	return u.collection.GetBlob(key)
}

func (h *CollectionHandle) DeleteBlob(key string) error {
	u, err := h.unitFor(key)
	if err != nil {
		return err
	}
	return u.collection.DeleteBlob(key)
}

// RunQuery executes an already-parsed SDBQL query against every shard
// this node hosts locally for the collection and merges the results the
// same way shard.Coordinator.ScatterGather merges across nodes — the
// in-process case of the same scatter/gather operation. less orders a
// k-way merge when the query pushed down an ORDER BY; nil concatenates.
func (h *CollectionHandle) RunQuery(q *sdbql.Query, binds map[string]any, limits query.Limits, less shard.Less, limit int) ([]any, error) {
	h.mu.RLock()
	units := make([]*shardUnit, 0, len(h.shards))
	for _, u := range h.shards {
		units = append(units, u)
	}
	h.mu.RUnlock()

	perShard := make([][]any, len(units))
	for i, u := range units {
		exec := query.NewExecutor(map[string]*collection.Collection{h.name: u.collection}, limits)
		rows, err := exec.Run(q, binds)
		if err != nil {
			return nil, fmt.Errorf("node: query shard %d: %w", u.shardID, err)
		}
		perShard[i] = rows
	}

	merged := shard.MergeResults(perShard, less)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Database is one named database: a registry of collections, each
// potentially sharded across several locally-hosted kv.Store files.
type Database struct {
	mu          sync.RWMutex
	name        string
	dataDir     string
	collections map[string]*CollectionHandle
}

func openDatabase(dataDir, name string) (*Database, error) {
	dir := filepath.Join(dataDir, "databases", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("node: create database dir: %w", err)
	}
	return &Database{name: name, dataDir: dir, collections: make(map[string]*CollectionHandle)}, nil
}

func (d *Database) Name() string { return d.name }

func (d *Database) ListCollections() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	return names
}

func (d *Database) Collection(name string) (*CollectionHandle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.collections[name]
	if !ok {
		return nil, dberrors.NewCollectionNotFound(d.name, name)
	}
	return h, nil
}

// CreateCollection opens the local shards this node hosts for a new
// collection — shardIDs is the set this node was assigned by
// shard.Coordinator.InitCollection (or just {0} for an unsharded,
// single-node database).
func (d *Database) CreateCollection(name string, shardIDs []int, cfg types.ShardConfig, collType types.CollectionType) (*CollectionHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.collections[name]; exists {
		return nil, dberrors.ErrCollectionExists
	}

	h := &CollectionHandle{name: name, cfg: cfg, shards: make(map[int]*shardUnit)}
	for _, shardID := range shardIDs {
		u, err := openShardUnit(d.dataDir, name, shardID)
		if err != nil {
			for _, opened := range h.shards {
				opened.close()
			}
			return nil, err
		}
		if err := u.collection.SetShardConfig(cfg); err != nil {
			u.close()
			return nil, fmt.Errorf("node: set shard config: %w", err)
		}
		if err := u.collection.SetType(collType); err != nil {
			u.close()
			return nil, fmt.Errorf("node: set collection type: %w", err)
		}
		u.txns.Register(name, u.collection)
		if err := u.txns.Replay(); err != nil {
			u.close()
			return nil, fmt.Errorf("node: replay wal for shard %d: %w", shardID, err)
		}
		h.shards[shardID] = u
	}

	d.collections[name] = h
	log.WithComponent("node").Info().Str("database", d.name).Str("collection", name).
		Ints("shards", shardIDs).Msg("collection created")
	return h, nil
}

// DropCollection closes and removes every locally hosted shard of a
// collection.
func (d *Database) DropCollection(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.collections[name]
	if !ok {
		return dberrors.NewCollectionNotFound(d.name, name)
	}
	h.mu.Lock()
	for _, u := range h.shards {
		u.close()
	}
	h.mu.Unlock()
	delete(d.collections, name)
	return nil
}

func openShardUnit(dataDir, collName string, shardID int) (*shardUnit, error) {
	storeName := fmt.Sprintf("%s-shard%d", collName, shardID)
	store, err := kv.Open(dataDir, storeName)
	if err != nil {
		return nil, fmt.Errorf("node: open store for shard %d: %w", shardID, err)
	}
	coll, err := collection.Open(store, collName)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("node: open collection for shard %d: %w", shardID, err)
	}
	walDir := filepath.Join(dataDir, storeName+"-wal")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("node: create wal dir: %w", err)
	}
	txns, err := txn.Open(walDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("node: open txn manager for shard %d: %w", shardID, err)
	}
	return &shardUnit{
		shardID:    shardID,
		store:      store,
		collection: coll,
		txns:       txns,
		tombstones: vversion.NewStore(store),
	}, nil
}
