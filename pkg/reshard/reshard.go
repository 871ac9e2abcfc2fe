// Package reshard implements §4.J: online migration when a
// collection's num_shards or replication_factor changes. Grounded on
// cuemby-warren's pkg/reconciler loop shape (Start/Stop/stopCh, a
// ticker-driven pass that compares desired vs. actual state and nudges
// the difference), generalized from node/container drift to shard
// placement drift: "desired" is the new routing table, "actual" is
// where each local document currently lives.
package reshard

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/solidb/solidb/pkg/collection"
	"github.com/solidb/solidb/pkg/log"
	"github.com/solidb/solidb/pkg/metrics"
	"github.com/solidb/solidb/pkg/shard"
	"github.com/solidb/solidb/pkg/transport"
	"github.com/solidb/solidb/pkg/types"
)

// batchSize bounds how many misplaced documents are sent to one
// destination node per bulk-insert call (§4.J step 3, "bounded
// batches").
const batchSize = 256

const maxRetries = 5

// Plan describes one collection's target shape after a resharding,
// already committed to the coordinator's Raft log before Migrate is
// called (§4.J step 1: "compute new assignments from the new
// configuration").
type Plan struct {
	Database     string
	Collection   string
	NewNumShards int
	// Assignments maps the new shard id to its [primary, replica...]
	// addresses.
	Assignments map[int][]string
}

// LocalShard is one physical shard collection this node currently
// hosts, the source of misplaced documents for one old shard id.
type LocalShard struct {
	ShardID    int
	Collection *collection.Collection
}

// Migrator drains misplaced documents out of local physical shards and
// truncates shards orphaned by a shrinking num_shards.
type Migrator struct {
	transport transport.ShardTransport
}

// New constructs a Migrator.
func New(st transport.ShardTransport) *Migrator {
	return &Migrator{transport: st}
}

// Migrate runs §4.J's algorithm once over the given local physical
// shards for one collection's reshard. It is idempotent and safe to
// call again after a crash: a document whose current shard already
// agrees with the new routing is left untouched, so a rescan just finds
// a smaller misplaced set (§4.J "treats any document whose current
// shard disagrees with the new routing as in-flight").
func (m *Migrator) Migrate(ctx context.Context, plan Plan, shards []LocalShard) error {
	logger := log.WithComponent("reshard")

	for _, ls := range shards {
		misplaced, err := m.collectMisplaced(plan, ls)
		if err != nil {
			return fmt.Errorf("reshard: scan shard %d: %w", ls.ShardID, err)
		}
		if len(misplaced) == 0 {
			logger.Debug().Int("shard", ls.ShardID).Msg("no misplaced documents")
			continue
		}

		for destAddr, docs := range misplaced {
			if err := m.drainBatches(ctx, logger, plan, ls, destAddr, docs); err != nil {
				return err
			}
		}
	}

	return m.cleanupOrphans(ctx, logger, plan, shards)
}

// collectMisplaced scans one local physical shard and groups every
// document whose new route disagrees with its current shard by
// destination node address (§4.J step 2-3).
func (m *Migrator) collectMisplaced(plan Plan, ls LocalShard) (map[string][]*types.Document, error) {
	misplaced := make(map[string][]*types.Document)

	err := ls.Collection.Scan(0, func(doc *types.Document) bool {
		sNew := shard.StableHash(plan.Collection, doc.Key, plan.NewNumShards)
		if sNew == ls.ShardID {
			return true
		}
		addrs, ok := plan.Assignments[sNew]
		if !ok || len(addrs) == 0 {
			return true
		}
		dest := addrs[0]
		misplaced[dest] = append(misplaced[dest], doc)
		return true
	})
	return misplaced, err
}

// drainBatches sends docs to destAddr in bounded batches, retrying a
// failed batch with exponential backoff, and deletes each document
// locally only once its batch is fully acknowledged (§4.J invariant:
// "no document is ever visible in two shards simultaneously").
func (m *Migrator) drainBatches(ctx context.Context, logger zerolog.Logger, plan Plan, ls LocalShard, destAddr string, docs []*types.Document) error {
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		acked, err := m.sendBatchWithRetry(ctx, plan, ls, destAddr, batch)
		if err != nil {
			metrics.ReshardTransferFailures.Inc()
			return fmt.Errorf("reshard: transfer to %s: %w", destAddr, err)
		}

		ackedSet := make(map[string]bool, len(acked))
		for _, k := range acked {
			ackedSet[k] = true
		}
		for _, doc := range batch {
			if !ackedSet[doc.Key] {
				logger.Warn().Str("key", doc.Key).Str("dest", destAddr).Msg("document not acknowledged, left in place for retry")
				continue
			}
			if err := ls.Collection.Delete(doc.Key); err != nil {
				return fmt.Errorf("reshard: delete transferred key %s: %w", doc.Key, err)
			}
			metrics.ReshardTransferTotal.Inc()
		}
	}
	return nil
}

func (m *Migrator) sendBatchWithRetry(ctx context.Context, plan Plan, ls LocalShard, destAddr string, batch []*types.Document) ([]string, error) {
	destShardID := -1
	for id, addrs := range plan.Assignments {
		if len(addrs) > 0 && addrs[0] == destAddr {
			destShardID = id
			break
		}
	}

	payloads := make([]map[string]any, len(batch))
	for i, doc := range batch {
		p := make(map[string]any, len(doc.Payload)+1)
		for k, v := range doc.Payload {
			p[k] = v
		}
		p["_key"] = doc.Key
		payloads[i] = p
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < maxRetries; attempt++ {
		acked, err := m.transport.BulkInsert(ctx, destAddr, plan.Database, plan.Collection, destShardID, payloads)
		if err == nil {
			return acked, nil
		}
		lastErr = err
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, lastErr
}

// cleanupOrphans truncates any local physical shard whose id is now >=
// the new num_shards, once draining has emptied it (§4.J step 4). The
// shard's collection itself is not removed; it stays in place, empty.
func (m *Migrator) cleanupOrphans(ctx context.Context, logger zerolog.Logger, plan Plan, shards []LocalShard) error {
	for _, ls := range shards {
		if ls.ShardID < plan.NewNumShards {
			continue
		}
		count, err := ls.Collection.Count()
		if err != nil {
			return fmt.Errorf("reshard: count orphaned shard %d: %w", ls.ShardID, err)
		}
		if count > 0 {
			logger.Debug().Int("shard", ls.ShardID).Int64("remaining", count).Msg("orphaned shard not yet drained")
			continue
		}
		if err := ls.Collection.Truncate(); err != nil {
			return fmt.Errorf("reshard: cleanup orphaned shard %d: %w", ls.ShardID, err)
		}
		logger.Info().Int("shard", ls.ShardID).Msg("orphaned shard cleaned up")
	}
	return nil
}
