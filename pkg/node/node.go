// Package node ties storage, transactions, query execution, sharding,
// replication, resharding and security together into one running
// solidb server process — the role cuemby-warren's pkg/manager.Manager
// plays for a container cluster, retargeted at a document database
// and trimmed of everything that package does for gRPC, TLS, DNS,
// ingress and ACME (those surfaces are out of scope here).
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/solidb/solidb/pkg/config"
	"github.com/solidb/solidb/pkg/cursor"
	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/log"
	"github.com/solidb/solidb/pkg/security"
	"github.com/solidb/solidb/pkg/shard"
	"github.com/solidb/solidb/pkg/transport"
	"github.com/solidb/solidb/pkg/types"
)

// Node is one running solidb server process.
type Node struct {
	cfg     config.Config
	dataDir string

	coordinator *shard.Coordinator
	clusterAuth *security.ClusterAuthenticator
	tokens      *security.TokenIssuer
	cursors     *cursor.Store

	mu        sync.RWMutex
	databases map[string]*Database
}

// New opens (or creates) a node's data directory and wires its ambient
// subsystems from cfg. It does not yet participate in a Raft cluster;
// call Bootstrap for that.
func New(cfg config.Config, st transport.ShardTransport) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	clusterAuth, err := security.NewClusterAuthenticator([]byte(cfg.ClusterSecret))
	if err != nil {
		return nil, fmt.Errorf("node: cluster authenticator: %w", err)
	}

	jwtSecret := cfg.ClusterSecret
	if cfg.AdminPassword != "" {
		jwtSecret = jwtSecret + ":" + cfg.AdminPassword
	}
	tokens, err := security.NewTokenIssuer([]byte(jwtSecret))
	if err != nil {
		return nil, fmt.Errorf("node: token issuer: %w", err)
	}

	coordDir := filepath.Join(cfg.DataDir, "shard-coordinator")
	coordinator := shard.New(shard.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  coordDir,
	}, st)

	n := &Node{
		cfg:         cfg,
		dataDir:     cfg.DataDir,
		coordinator: coordinator,
		clusterAuth: clusterAuth,
		tokens:      tokens,
		cursors:     cursor.New(cfg.CursorIdleTimeout),
		databases:   make(map[string]*Database),
	}
	return n, nil
}

// Bootstrap starts this node as a single-node Raft cluster for shard
// assignment. Call once, on first startup of the first node.
func (n *Node) Bootstrap() error { return n.coordinator.Bootstrap() }

func (n *Node) Coordinator() *shard.Coordinator              { return n.coordinator }
func (n *Node) ClusterAuth() *security.ClusterAuthenticator { return n.clusterAuth }
func (n *Node) Tokens() *security.TokenIssuer                { return n.tokens }
func (n *Node) Cursors() *cursor.Store                       { return n.cursors }

// Close stops background loops and closes every open database.
func (n *Node) Close() {
	n.cursors.Close()
	n.mu.Lock()
	defer n.mu.Unlock()
	for name, db := range n.databases {
		db.mu.Lock()
		for _, h := range db.collections {
			h.mu.Lock()
			for _, u := range h.shards {
				u.close()
			}
			h.mu.Unlock()
		}
		db.mu.Unlock()
		delete(n.databases, name)
	}
}

// CreateDatabase creates and registers a new, empty database.
func (n *Node) CreateDatabase(name string) (*Database, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.databases[name]; exists {
		return nil, dberrors.ErrDatabaseExists
	}
	db, err := openDatabase(n.dataDir, name)
	if err != nil {
		return nil, err
	}
	n.databases[name] = db
	log.WithComponent("node").Info().Str("database", name).Msg("database created")
	return db, nil
}

// Database returns a previously created database.
func (n *Node) Database(name string) (*Database, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	db, ok := n.databases[name]
	if !ok {
		return nil, dberrors.NewDatabaseNotFound(name)
	}
	return db, nil
}

// ListDatabases returns every registered database's name.
func (n *Node) ListDatabases() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.databases))
	for name := range n.databases {
		names = append(names, name)
	}
	return names
}

// DropDatabase closes and removes a database and every collection in
// it.
func (n *Node) DropDatabase(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	db, ok := n.databases[name]
	if !ok {
		return dberrors.NewDatabaseNotFound(name)
	}
	db.mu.Lock()
	for _, h := range db.collections {
		h.mu.Lock()
		for _, u := range h.shards {
			u.close()
		}
		h.mu.Unlock()
	}
	db.mu.Unlock()
	delete(n.databases, name)
	return nil
}

// CreateCollection creates a collection within database, placing its
// shards via the cluster coordinator and opening the shards assigned to
// this node locally. liveNodes is the current set of reachable node
// addresses candidates are drawn from (this node's own BindAddr must be
// included to be eligible).
func (n *Node) CreateCollection(database, name string, cfg types.ShardConfig, collType types.CollectionType, liveNodes []string) (*CollectionHandle, error) {
	db, err := n.Database(database)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := n.coordinator.InitCollection(ctx, database, name, cfg, liveNodes); err != nil {
		return nil, fmt.Errorf("node: place shards: %w", err)
	}

	var localShards []int
	for shardID := 0; shardID < cfg.NumShards; shardID++ {
		addr, err := n.coordinator.GetShardAddress(database, name, shardID)
		if err != nil {
			continue
		}
		if addr == n.cfg.BindAddr {
			localShards = append(localShards, shardID)
		}
	}

	return db.CreateCollection(name, localShards, cfg, collType)
}
