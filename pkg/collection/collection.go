// Package collection implements §4.D: the document collection surface
// (insert/get/update/delete/scan/...), schema validation, index
// maintenance, and the best-effort change stream, all layered on
// pkg/kv and pkg/index. Grounded on cuemby-warren's pkg/storage
// CRUD-per-resource shape, generalized from one bucket per resource type
// to one collection per physical kv.Store, matching the rest of solidb's
// prefix-addressed layout.
package collection

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/document"
	"github.com/solidb/solidb/pkg/index"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/log"
	"github.com/solidb/solidb/pkg/types"
)

// isProtected reports whether a collection cannot be deleted or truncated
// through the public API: system collections and anything a caller named
// with a leading underscore.
func isProtected(name string) bool {
	switch name {
	case "_scripts", "_jobs", "_cron_jobs", "_schemas", "_sessions":
		return true
	}
	return strings.HasPrefix(name, "_")
}

// Collection owns one physical store and every index/schema/shard
// configuration attached to it.
type Collection struct {
	mu sync.RWMutex

	name    string
	store   *kv.Store
	indexes *index.Manager
	broker  *changeBroker
	cache   *schemaValidatorCache

	collType types.CollectionType
	schema   *types.Schema
	shardCfg types.ShardConfig
}

// Open opens (or creates) the collection backed by store, loading any
// persisted shard config / schema / type metadata.
func Open(store *kv.Store, name string) (*Collection, error) {
	idxMgr, err := index.NewManager(store, name)
	if err != nil {
		return nil, dberrors.NewInternal("open index manager", err)
	}

	c := &Collection{
		name:     name,
		store:    store,
		indexes:  idxMgr,
		broker:   newChangeBroker(),
		cache:    newSchemaValidatorCache(64),
		collType: types.CollectionDocument,
		shardCfg: types.DefaultShardConfig(),
	}

	if raw, found, err := store.Get([]byte(kv.StatsType)); err != nil {
		return nil, err
	} else if found {
		c.collType = types.CollectionType(raw)
	}

	if raw, found, err := store.Get([]byte(kv.StatsShardConfig)); err != nil {
		return nil, err
	} else if found {
		if err := json.Unmarshal(raw, &c.shardCfg); err != nil {
			return nil, dberrors.NewInternal("decode shard config", err)
		}
	}

	if raw, found, err := store.Get([]byte(kv.StatsSchema)); err != nil {
		return nil, err
	} else if found {
		var s types.Schema
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, dberrors.NewInternal("decode schema", err)
		}
		c.schema = &s
	}

	return c, nil
}

func (c *Collection) Name() string { return c.name }

// newKey generates an opaque document key. For timeseries collections the
// key embeds the current unix-millisecond timestamp in its high 48 bits so
// prune_older_than can recover it without a secondary index (§4.D).
func (c *Collection) newKey() string {
	if c.collType == types.CollectionTimeseries {
		ts := uint64(time.Now().UnixMilli()) & 0xFFFFFFFFFFFF // 48 bits
		rnd := uint16(rand.Uint32())
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], ts<<16|uint64(rnd))
		return hex.EncodeToString(buf[:])
	}
	return uuid.NewString()
}

func keyTimestamp(key string) (int64, bool) {
	buf, err := hex.DecodeString(key)
	if err != nil || len(buf) != 8 {
		return 0, false
	}
	raw := binary.BigEndian.Uint64(buf)
	return int64(raw >> 16), true
}

func newRev() string {
	return uuid.NewString()
}

// stripEdgeFields pulls _from/_to out of payload into dedicated return
// values, the way _key/_rev already live outside Payload (§3: edge
// collections require _from and _to string fields referencing _id's).
// For non-edge collections it is a no-op save for removing any _from/_to
// keys a caller happened to include. fallbackFrom/fallbackTo (an existing
// document's current From/To, empty on insert) are used when patch omits
// the field on an update.
func (c *Collection) stripEdgeFields(payload map[string]any, fallbackFrom, fallbackTo string) (from, to string, rest map[string]any, err error) {
	rest = make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case "_from":
			s, ok := v.(string)
			if !ok {
				return "", "", nil, dberrors.NewBadRequest("_from must be a string")
			}
			from = s
		case "_to":
			s, ok := v.(string)
			if !ok {
				return "", "", nil, dberrors.NewBadRequest("_to must be a string")
			}
			to = s
		default:
			rest[k] = v
		}
	}

	if c.collType != types.CollectionEdge {
		return from, to, rest, nil
	}

	if from == "" {
		from = fallbackFrom
	}
	if to == "" {
		to = fallbackTo
	}
	if from == "" || to == "" {
		return "", "", nil, dberrors.NewBadRequest("edge collection %q requires non-empty _from and _to fields", c.name)
	}
	return from, to, rest, nil
}

func (c *Collection) validate(payload map[string]any) error {
	if c.schema == nil || c.schema.Mode == types.ValidationOff {
		return nil
	}
	cs, err := c.cache.get(c.schema)
	if err != nil {
		return dberrors.NewInternal("compile schema", err)
	}
	violations := cs.validate(payload)
	if len(violations) == 0 {
		return nil
	}
	if c.schema.Mode == types.ValidationLenient {
		log.WithCollection(c.name).Warn().Strs("violations", violations).Msg("schema violations (lenient)")
		return nil
	}
	return dberrors.NewSchemaViolations(violations)
}

// Insert stores a new document, generating a key if key is empty.
// Returns DuplicateKey if the key is already present.
func (c *Collection) Insert(payload map[string]any, key string) (*types.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validate(payload); err != nil {
		return nil, err
	}
	from, to, rest, err := c.stripEdgeFields(payload, "", "")
	if err != nil {
		return nil, err
	}

	if key == "" {
		key = c.newKey()
	}

	if _, found, err := c.store.Get(kv.DocKey(c.name, key)); err != nil {
		return nil, dberrors.NewInternal("check existing key", err)
	} else if found {
		return nil, dberrors.NewDuplicateKey(key)
	}

	now := time.Now()
	doc := &types.Document{Key: key, Rev: newRev(), From: from, To: to, CreatedAt: now, UpdatedAt: now, Payload: rest}

	if err := c.write(doc); err != nil {
		return nil, err
	}
	if err := c.indexes.OnInsert(doc); err != nil {
		return nil, dberrors.NewInternal("update indexes", err)
	}
	c.bumpCount(1)
	c.publishInsert(doc)
	return doc, nil
}

// InsertBatch inserts every doc atomically: either all succeed or, on the
// first validation/duplicate failure, none are visible (§4.D algorithmic
// notes).
func (c *Collection) InsertBatch(payloads []map[string]any, keys []string) ([]*types.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	docs := make([]*types.Document, len(payloads))
	now := time.Now()

	for i, payload := range payloads {
		if err := c.validate(payload); err != nil {
			return nil, err
		}
		from, to, rest, err := c.stripEdgeFields(payload, "", "")
		if err != nil {
			return nil, err
		}
		key := ""
		if i < len(keys) {
			key = keys[i]
		}
		if key == "" {
			key = c.newKey()
		}
		if _, found, err := c.store.Get(kv.DocKey(c.name, key)); err != nil {
			return nil, dberrors.NewInternal("check existing key", err)
		} else if found {
			return nil, dberrors.NewDuplicateKey(key)
		}
		docs[i] = &types.Document{Key: key, Rev: newRev(), From: from, To: to, CreatedAt: now, UpdatedAt: now, Payload: rest}
	}

	err := c.store.Batch(func(b *kv.Batch) error {
		for _, doc := range docs {
			encoded, err := document.Serialize(doc)
			if err != nil {
				return err
			}
			if err := b.Put(kv.DocKey(c.name, doc.Key), encoded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, dberrors.NewInternal("write batch", err)
	}

	for _, doc := range docs {
		if err := c.indexes.OnInsert(doc); err != nil {
			return nil, dberrors.NewInternal("update indexes", err)
		}
		c.publishInsert(doc)
	}
	c.bumpCount(int64(len(docs)))
	return docs, nil
}

func (c *Collection) write(doc *types.Document) error {
	encoded, err := document.Serialize(doc)
	if err != nil {
		return dberrors.NewInternal("serialize document", err)
	}
	if err := c.store.Put(kv.DocKey(c.name, doc.Key), encoded); err != nil {
		return dberrors.NewInternal("write document", err)
	}
	return nil
}

// Get returns a document by key, or DocumentNotFound.
func (c *Collection) Get(key string) (*types.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.get(key)
}

func (c *Collection) get(key string) (*types.Document, error) {
	raw, found, err := c.store.Get(kv.DocKey(c.name, key))
	if err != nil {
		return nil, dberrors.NewInternal("read document", err)
	}
	if !found {
		return nil, dberrors.NewDocumentNotFound(key)
	}
	doc, err := document.Deserialize(raw)
	if err != nil {
		return nil, dberrors.NewInternal("deserialize document", err)
	}
	return doc, nil
}

// List returns up to limit documents after skipping offset, in key order.
func (c *Collection) List(limit, offset int) ([]*types.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var docs []*types.Document
	skipped := 0
	err := c.store.ScanPrefix(kv.DocPrefix(c.name), func(_, v []byte) bool {
		if skipped < offset {
			skipped++
			return true
		}
		doc, err := document.Deserialize(v)
		if err != nil {
			return true
		}
		docs = append(docs, doc)
		return limit <= 0 || len(docs) < limit
	})
	return docs, err
}

// Scan streams every document to fn in key order, stopping early if fn
// returns false. If limit > 0, stops after limit documents regardless.
func (c *Collection) Scan(limit int, fn func(*types.Document) bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := 0
	return c.store.ScanPrefix(kv.DocPrefix(c.name), func(_, v []byte) bool {
		doc, err := document.Deserialize(v)
		if err != nil {
			return true
		}
		seen++
		if !fn(doc) {
			return false
		}
		return limit <= 0 || seen < limit
	})
}

// Update applies patch to the document at key. When merge is true, patch
// fields are merged shallowly into the existing payload; otherwise the
// payload is replaced entirely.
func (c *Collection) Update(key string, patch map[string]any, merge bool) (*types.Document, error) {
	return c.updateWithOptionalRev(key, patch, merge, "", false)
}

// UpdateWithRev is Update with an optimistic-concurrency precondition:
// fails with RevisionMismatch if the document's current rev isn't
// expectedRev.
func (c *Collection) UpdateWithRev(key, expectedRev string, patch map[string]any, merge bool) (*types.Document, error) {
	return c.updateWithOptionalRev(key, patch, merge, expectedRev, true)
}

func (c *Collection) updateWithOptionalRev(key string, patch map[string]any, merge bool, expectedRev string, checkRev bool) (*types.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, err := c.get(key)
	if err != nil {
		return nil, err
	}
	if checkRev && old.Rev != expectedRev {
		return nil, dberrors.NewRevisionMismatch(expectedRev, old.Rev)
	}

	newPayload := patch
	if merge {
		newPayload = mergePayload(old.Payload, patch)
	}
	if err := c.validate(newPayload); err != nil {
		return nil, err
	}
	from, to, rest, err := c.stripEdgeFields(newPayload, old.From, old.To)
	if err != nil {
		return nil, err
	}

	updated := &types.Document{
		Key: old.Key, Rev: newRev(), From: from, To: to,
		CreatedAt: old.CreatedAt, UpdatedAt: time.Now(), Payload: rest,
	}
	if err := c.write(updated); err != nil {
		return nil, err
	}
	if err := c.indexes.OnUpdate(old, updated); err != nil {
		return nil, dberrors.NewInternal("update indexes", err)
	}
	c.publishUpdate(old, updated)
	return updated, nil
}

func mergePayload(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Delete removes the document at key.
func (c *Collection) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.get(key)
	if err != nil {
		return err
	}
	if err := c.store.Delete(kv.DocKey(c.name, key)); err != nil {
		return dberrors.NewInternal("delete document", err)
	}
	if err := c.indexes.OnDelete(doc); err != nil {
		return dberrors.NewInternal("update indexes", err)
	}
	c.bumpCount(-1)
	c.publishDelete(doc)
	return nil
}

// Truncate deletes every document and rebuilds indexes empty, preserving
// index definitions and shard configuration (§4.D).
func (c *Collection) Truncate() error {
	if isProtected(c.name) {
		return dberrors.NewBadRequest("cannot truncate protected collection %q", c.name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := deleteAllDocs(c.store, c.name); err != nil {
		return dberrors.NewInternal("truncate documents", err)
	}
	if err := c.indexes.Truncate(); err != nil {
		return dberrors.NewInternal("truncate indexes", err)
	}
	return c.store.Put([]byte(kv.StatsCount), encodeCount(0))
}

func deleteAllDocs(store *kv.Store, name string) error {
	var keys [][]byte
	err := store.ScanPrefix(kv.DocPrefix(name), func(k, _ []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := store.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// PruneOlderThan removes every document whose embedded key timestamp is
// before tsMillis. Only meaningful for timeseries collections.
func (c *Collection) PruneOlderThan(tsMillis int64) (int, error) {
	if c.collType != types.CollectionTimeseries {
		return 0, dberrors.NewBadRequest("prune_older_than is only valid for timeseries collections")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var toDelete []*types.Document
	err := c.store.ScanPrefix(kv.DocPrefix(c.name), func(_, v []byte) bool {
		doc, err := document.Deserialize(v)
		if err != nil {
			return true
		}
		if ts, ok := keyTimestamp(doc.Key); ok && ts < tsMillis {
			toDelete = append(toDelete, doc)
		}
		return true
	})
	if err != nil {
		return 0, dberrors.NewInternal("scan for prune", err)
	}

	for _, doc := range toDelete {
		if err := c.store.Delete(kv.DocKey(c.name, doc.Key)); err != nil {
			return 0, dberrors.NewInternal("delete pruned document", err)
		}
		if err := c.indexes.OnDelete(doc); err != nil {
			return 0, dberrors.NewInternal("update indexes", err)
		}
	}
	c.bumpCount(-int64(len(toDelete)))
	return len(toDelete), nil
}

// Compact is a no-op placeholder surfacing bbolt's own reclaim-on-write
// behavior; solidb does not implement an offline compaction pass distinct
// from bbolt's freelist reuse.
func (c *Collection) Compact() error { return nil }

// Count returns the number of live documents.
func (c *Collection) Count() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, found, err := c.store.Get([]byte(kv.StatsCount))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return decodeCount(raw), nil
}

func (c *Collection) bumpCount(delta int64) {
	raw, _, _ := c.store.Get([]byte(kv.StatsCount))
	cur := decodeCount(raw)
	_ = c.store.Put([]byte(kv.StatsCount), encodeCount(cur+delta))
}

func encodeCount(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func decodeCount(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// CreateIndex defines a new index, backfilling it from every existing
// document.
func (c *Collection) CreateIndex(spec types.IndexSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexes.Create(spec, func(feed func(*types.Document) error) error {
		return c.store.ScanPrefix(kv.DocPrefix(c.name), func(_, v []byte) bool {
			doc, err := document.Deserialize(v)
			if err != nil {
				return true
			}
			_ = feed(doc)
			return true
		})
	})
}

// DropIndex removes a previously created index by name.
func (c *Collection) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexes.Drop(name)
}

// Indexes returns the index manager backing this collection, for the query
// planner's index-scan rewrite.
func (c *Collection) Indexes() *index.Manager { return c.indexes }

// SetSchema installs a new validation schema; the compiled-validator cache
// naturally invalidates since it's keyed by content hash.
func (c *Collection) SetSchema(raw []byte, mode types.ValidationMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := compileSchema(raw); err != nil {
		return dberrors.NewBadRequest("invalid schema: %v", err)
	}

	schema := &types.Schema{Mode: mode, Raw: raw, Hash: hashSchema(raw)}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return dberrors.NewInternal("encode schema", err)
	}
	if err := c.store.Put([]byte(kv.StatsSchema), encoded); err != nil {
		return dberrors.NewInternal("persist schema", err)
	}
	c.schema = schema
	return nil
}

// RemoveSchema disables validation entirely.
func (c *Collection) RemoveSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Delete([]byte(kv.StatsSchema)); err != nil {
		return dberrors.NewInternal("remove schema", err)
	}
	c.schema = nil
	return nil
}

// SetShardConfig updates the collection's sharding configuration. Truncate
// preserves it (§4.D), so this is the only path that changes it.
func (c *Collection) SetShardConfig(cfg types.ShardConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return dberrors.NewInternal("encode shard config", err)
	}
	if err := c.store.Put([]byte(kv.StatsShardConfig), encoded); err != nil {
		return dberrors.NewInternal("persist shard config", err)
	}
	c.shardCfg = cfg
	return nil
}

// GetShardConfig returns the collection's current sharding configuration.
func (c *Collection) GetShardConfig() types.ShardConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shardCfg
}

// SetType changes the collection's declared type (document/edge/blob/timeseries).
func (c *Collection) SetType(t types.CollectionType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Put([]byte(kv.StatsType), []byte(t)); err != nil {
		return dberrors.NewInternal("persist collection type", err)
	}
	c.collType = t
	return nil
}

// Type returns the collection's declared type.
func (c *Collection) Type() types.CollectionType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collType
}

// Subscription is a live handle on a collection's change stream, returned
// by SubscribeChanges. Callers must call Close when done to free it.
type Subscription struct {
	events changeSubscriber
	broker *changeBroker
}

// Events returns the channel future ChangeEvents arrive on.
func (s *Subscription) Events() <-chan *ChangeEvent { return s.events }

// Close releases the subscription.
func (s *Subscription) Close() { s.broker.Unsubscribe(s.events) }

// SubscribeChanges opens a new change-stream subscription for this
// collection.
func (c *Collection) SubscribeChanges() *Subscription {
	return &Subscription{events: c.broker.Subscribe(), broker: c.broker}
}

func (c *Collection) publishInsert(doc *types.Document) {
	data, _ := json.Marshal(doc.Payload)
	c.broker.Publish(&ChangeEvent{Type: ChangeInsert, Key: doc.Key, Data: data})
}

func (c *Collection) publishUpdate(old, updated *types.Document) {
	data, _ := json.Marshal(updated.Payload)
	oldData, _ := json.Marshal(old.Payload)
	c.broker.Publish(&ChangeEvent{Type: ChangeUpdate, Key: updated.Key, Data: data, OldData: oldData})
}

func (c *Collection) publishDelete(doc *types.Document) {
	oldData, _ := json.Marshal(doc.Payload)
	c.broker.Publish(&ChangeEvent{Type: ChangeDelete, Key: doc.Key, OldData: oldData})
}
