// Package index implements the index manager of spec §4.C: persistent,
// hash, fulltext, geo, ttl, vector, bloom and cuckoo indexes, each
// maintained in lockstep with collection writes under the invariant that
// every non-null indexed value of every document appears in the index
// exactly once.
//
// Grounded on cuemby-warren's pkg/storage/boltdb.go bucket-per-concern
// layout (generalized here to key prefixes via pkg/kv), and on
// AKJUS-bsc-erigon's use of RoaringBitmap/roaring and holiman/bloomfilter
// for posting lists and probabilistic membership.
package index

import (
	"fmt"
	"sync"

	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/log"
	"github.com/solidb/solidb/pkg/types"
)

// Index is the common contract every index type satisfies. Type-specific
// query surfaces (range scan, k-NN, geo search, ...) live on the concrete
// type and are reached via a type switch/assertion on Manager.Get.
type Index interface {
	Name() string
	Spec() types.IndexSpec
	// OnInsert indexes a newly inserted document.
	OnInsert(doc *types.Document) error
	// OnUpdate removes old entries before adding new ones, atomically with
	// the document write (§4.C persistent/hash maintenance rule).
	OnUpdate(oldDoc, newDoc *types.Document) error
	// OnDelete removes a document's entries.
	OnDelete(doc *types.Document) error
	// Drop deletes all physical state and metadata for this index.
	Drop() error
}

// Manager owns every index defined on one collection and dispatches
// maintenance calls to each on every write.
type Manager struct {
	mu      sync.RWMutex
	store   *kv.Store
	coll    string
	indexes map[string]Index
}

// NewManager creates an index manager for one collection's physical store,
// loading any index metadata already persisted (collection reopen).
func NewManager(store *kv.Store, collection string) (*Manager, error) {
	m := &Manager{store: store, coll: collection, indexes: make(map[string]Index)}
	if err := m.loadExisting(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadExisting() error {
	var loadErr error
	_ = m.store.ScanPrefix([]byte(kv.PrefixIndexMeta), func(k, v []byte) bool {
		spec, err := decodeSpec(v)
		if err != nil {
			loadErr = err
			return false
		}
		idx, err := build(m.store, m.coll, spec)
		if err != nil {
			loadErr = err
			return false
		}
		m.indexes[spec.Name] = idx
		return true
	})
	return loadErr
}

// Create builds a new index from spec and, when backfill is non-nil, feeds
// every existing document through OnInsert to populate it immediately.
func (m *Manager) Create(spec types.IndexSpec, backfill func(func(*types.Document) error) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[spec.Name]; exists {
		return fmt.Errorf("index: %q already exists", spec.Name)
	}

	idx, err := build(m.store, m.coll, spec)
	if err != nil {
		return err
	}

	if backfill != nil {
		if err := backfill(idx.OnInsert); err != nil {
			return fmt.Errorf("index: backfill %q: %w", spec.Name, err)
		}
	}

	encoded, err := encodeSpec(spec)
	if err != nil {
		return err
	}
	if err := m.store.Put(kv.IndexMetaKey(spec.Name), encoded); err != nil {
		return err
	}

	m.indexes[spec.Name] = idx
	log.WithComponent("index").Debug().Str("index", spec.Name).Str("collection", m.coll).Msg("index created")
	return nil
}

// Drop removes an index by name, deleting its entries and metadata in one
// logical step per §4.C.
func (m *Manager) Drop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexes[name]
	if !ok {
		return fmt.Errorf("index: %q not found", name)
	}
	if err := idx.Drop(); err != nil {
		return err
	}
	if err := m.store.Delete(kv.IndexMetaKey(name)); err != nil {
		return err
	}
	delete(m.indexes, name)
	return nil
}

// Get returns an index by name for type-specific queries (range scan,
// fulltext search, geo search, k-NN, ...).
func (m *Manager) Get(name string) (Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[name]
	return idx, ok
}

// List returns every index definition on the collection, for list_indexes.
func (m *Manager) List() []types.IndexSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.IndexSpec, 0, len(m.indexes))
	for _, idx := range m.indexes {
		out = append(out, idx.Spec())
	}
	return out
}

// ForFieldPrefix finds a persistent or hash index whose leading field
// matches, used by the query planner's IndexScan rewrite (§4.G rule 1).
func (m *Manager) ForFieldPrefix(field string) (Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, idx := range m.indexes {
		spec := idx.Spec()
		if len(spec.Fields) == 0 {
			continue
		}
		if spec.Fields[0] == field && (spec.Type == types.IndexPersistent || spec.Type == types.IndexHash) {
			return idx, true
		}
	}
	return nil, false
}

// OnInsert fans a new document out to every index.
func (m *Manager) OnInsert(doc *types.Document) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, idx := range m.indexes {
		if err := idx.OnInsert(doc); err != nil {
			return fmt.Errorf("index %q: %w", idx.Name(), err)
		}
	}
	return nil
}

// OnUpdate fans an update out to every index.
func (m *Manager) OnUpdate(oldDoc, newDoc *types.Document) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, idx := range m.indexes {
		if err := idx.OnUpdate(oldDoc, newDoc); err != nil {
			return fmt.Errorf("index %q: %w", idx.Name(), err)
		}
	}
	return nil
}

// OnDelete fans a deletion out to every index.
func (m *Manager) OnDelete(doc *types.Document) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, idx := range m.indexes {
		if err := idx.OnDelete(doc); err != nil {
			return fmt.Errorf("index %q: %w", idx.Name(), err)
		}
	}
	return nil
}

// Truncate rebuilds every index empty, preserving definitions (§4.D truncate).
func (m *Manager) Truncate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, idx := range m.indexes {
		spec := idx.Spec()
		if err := idx.Drop(); err != nil {
			return err
		}
		fresh, err := build(m.store, m.coll, spec)
		if err != nil {
			return err
		}
		m.indexes[name] = fresh
	}
	return nil
}

func build(store *kv.Store, coll string, spec types.IndexSpec) (Index, error) {
	switch spec.Type {
	case types.IndexPersistent:
		return newPersistentIndex(store, spec), nil
	case types.IndexHash:
		return newHashIndex(store, spec), nil
	case types.IndexFulltext:
		return newFulltextIndex(store, spec), nil
	case types.IndexGeo:
		return newGeoIndex(store, spec), nil
	case types.IndexTTL:
		return newTTLIndex(store, spec), nil
	case types.IndexVector:
		return newVectorIndex(store, spec), nil
	case types.IndexBloom:
		return newBloomIndex(store, spec)
	case types.IndexCuckoo:
		return newCuckooIndex(store, spec), nil
	default:
		return nil, fmt.Errorf("index: unknown type %q", spec.Type)
	}
}

// fieldValue extracts a (possibly dotted) field path from a document
// payload. ok is false if any path segment is absent or null.
func fieldValue(payload map[string]any, path string) (any, bool) {
	cur := any(payload)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			v, ok := m[seg]
			if !ok || v == nil {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}
