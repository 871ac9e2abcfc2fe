package txn

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solidb/solidb/pkg/collection"
	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/log"
	"github.com/solidb/solidb/pkg/metrics"
	"github.com/solidb/solidb/pkg/types"
)

// State is a transaction's lifecycle stage: Active → (Committing) →
// Committed | RolledBack (§4.E).
type State string

const (
	Active     State = "Active"
	Committing State = "Committing"
	Committed  State = "Committed"
	RolledBack State = "RolledBack"
)

// Manager owns the WAL and the registry of collections a transaction can
// touch, plus the recent-commit window serializable isolation validates
// new commits against.
type Manager struct {
	mu          sync.Mutex
	wal         *wal
	collections map[string]*collection.Collection
	recent      []commitWindow
}

type commitWindow struct {
	commitTS time.Time
	keys     map[string]bool
}

// Open creates (or reopens) the transaction manager and its WAL file. It
// does not replay the WAL; call Replay once collections are registered.
func Open(dataDir string) (*Manager, error) {
	w, err := openWAL(dataDir)
	if err != nil {
		return nil, err
	}
	m := &Manager{wal: w, collections: make(map[string]*collection.Collection)}
	return m, nil
}

func (m *Manager) Close() error { return m.wal.close() }

// Register makes a collection reachable by name within transactions.
func (m *Manager) Register(name string, c *collection.Collection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[name] = c
}

// Replay re-applies every committed WAL record whose effect is not already
// present, and discards any uncommitted tail (§4.E). Call once at startup,
// after every collection has been Register'd.
func (m *Manager) Replay() error {
	records, err := m.wal.replay()
	if err != nil {
		return fmt.Errorf("txn: replay wal: %w", err)
	}
	for _, rec := range records {
		if !rec.Committed {
			continue
		}
		for _, op := range rec.Ops {
			m.applyOpIdempotent(op)
		}
	}
	return nil
}

func (m *Manager) applyOpIdempotent(op Op) {
	c, ok := m.collections[op.Collection]
	if !ok {
		log.Logger.Warn().Str("collection", op.Collection).Msg("txn replay: unknown collection, skipping op")
		return
	}
	switch op.Type {
	case types.OpInsert:
		var payload map[string]any
		_ = json.Unmarshal(op.Data, &payload)
		if _, err := c.Get(op.Key); err != nil {
			_, _ = c.Insert(payload, op.Key)
		}
	case types.OpUpdate:
		var payload map[string]any
		_ = json.Unmarshal(op.Data, &payload)
		_, _ = c.Update(op.Key, payload, false)
	case types.OpDelete:
		_ = c.Delete(op.Key)
	}
}

// Begin starts a new transaction under the given isolation level.
func (m *Manager) Begin(isolation types.IsolationLevel) *Txn {
	return &Txn{
		id:        uuid.NewString(),
		mgr:       m,
		isolation: isolation,
		beginTS:   time.Now(),
		state:     Active,
		keyState:  make(map[string]types.ReplicationOp),
		readSet:   make(map[string]string),
		snapshot:  make(map[string]*types.Document),
	}
}

// Txn accumulates a write set (and, for higher isolation, a read set)
// before an atomic commit.
type Txn struct {
	mu sync.Mutex

	id        string
	mgr       *Manager
	isolation types.IsolationLevel
	beginTS   time.Time
	state     State

	ops      []Op
	keyState map[string]types.ReplicationOp // coll:key -> last recorded op kind, for validation
	readSet  map[string]string              // coll:key -> rev observed
	snapshot map[string]*types.Document      // coll:key -> value at first read, for repeatable_read/serializable
}

func (t *Txn) ID() string    { return t.id }
func (t *Txn) State() State  { return t.state }

func compositeKey(collectionName, key string) string { return collectionName + ":" + key }

func (t *Txn) collection(name string) (*collection.Collection, error) {
	t.mgr.mu.Lock()
	c, ok := t.mgr.collections[name]
	t.mgr.mu.Unlock()
	if !ok {
		return nil, dberrors.NewBadRequest("unknown collection %q", name)
	}
	return c, nil
}

// Get reads a document within the transaction. read_committed always sees
// the latest committed value; repeatable_read and serializable pin the
// first value observed for the remainder of the transaction.
func (t *Txn) Get(collectionName, key string) (*types.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ck := compositeKey(collectionName, key)
	if t.isolation != types.ReadCommitted {
		if doc, ok := t.snapshot[ck]; ok {
			return doc, nil
		}
	}

	c, err := t.collection(collectionName)
	if err != nil {
		return nil, err
	}
	doc, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	t.readSet[ck] = doc.Rev
	if t.isolation != types.ReadCommitted {
		t.snapshot[ck] = doc
	}
	return doc, nil
}

// Insert stages an insert. Rejects a duplicate insert(key) within this
// same transaction, and an insert(key) after a delete(key) of the same key
// within this transaction (§4.E validation).
func (t *Txn) Insert(collectionName, key string, payload map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return dberrors.NewInvalidTransaction("transaction is not active")
	}

	ck := compositeKey(collectionName, key)
	switch t.keyState[ck] {
	case types.OpInsert:
		return dberrors.NewInvalidTransaction(fmt.Sprintf("duplicate insert of %q within transaction", ck))
	case types.OpDelete:
		return dberrors.NewInvalidTransaction(fmt.Sprintf("insert of %q after delete within transaction", ck))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return dberrors.NewInternal("encode insert payload", err)
	}
	t.ops = append(t.ops, Op{Type: types.OpInsert, Collection: collectionName, Key: key, Data: data})
	t.keyState[ck] = types.OpInsert
	return nil
}

// Update stages an update. Rejects update(key) after delete(key) of the
// same key within this transaction.
func (t *Txn) Update(collectionName, key string, payload map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return dberrors.NewInvalidTransaction("transaction is not active")
	}

	ck := compositeKey(collectionName, key)
	if t.keyState[ck] == types.OpDelete {
		return dberrors.NewInvalidTransaction(fmt.Sprintf("update of %q after delete within transaction", ck))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return dberrors.NewInternal("encode update payload", err)
	}
	t.ops = append(t.ops, Op{Type: types.OpUpdate, Collection: collectionName, Key: key, Data: data})
	if t.keyState[ck] == "" {
		t.keyState[ck] = types.OpUpdate
	}
	return nil
}

// Delete stages a delete.
func (t *Txn) Delete(collectionName, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return dberrors.NewInvalidTransaction("transaction is not active")
	}

	ck := compositeKey(collectionName, key)
	t.ops = append(t.ops, Op{Type: types.OpDelete, Collection: collectionName, Key: key})
	t.keyState[ck] = types.OpDelete
	return nil
}

// touchedKeys is every composite key this transaction read or wrote, for
// serializable conflict detection.
func (t *Txn) touchedKeys() map[string]bool {
	out := make(map[string]bool, len(t.keyState)+len(t.readSet))
	for k := range t.keyState {
		out[k] = true
	}
	for k := range t.readSet {
		out[k] = true
	}
	return out
}

// Commit validates, appends one commit record to the WAL (fsync'd),
// applies every staged op, then records the commit for serializable
// conflict detection (§4.E).
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return dberrors.NewInvalidTransaction("transaction is not active")
	}
	t.state = Committing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TxnCommitDuration)

	if t.isolation == types.Serializable {
		if err := t.checkConflicts(); err != nil {
			t.state = RolledBack
			metrics.TxnConflicts.Inc()
			return err
		}
	}

	commitTS := time.Now()
	rec := record{TxnID: t.id, BeginTS: t.beginTS, CommitTS: commitTS, Ops: t.ops, Committed: true}
	if err := t.mgr.wal.append(rec); err != nil {
		t.state = RolledBack
		return dberrors.NewInternal("append wal commit record", err)
	}

	for _, op := range t.ops {
		if err := t.apply(op); err != nil {
			// The record is already durable; a partial apply here is a bug
			// surfaced as Internal rather than silently rolling back state
			// that replay will reconcile on next restart.
			return dberrors.NewInternal("apply committed op", err)
		}
	}

	t.mgr.mu.Lock()
	t.mgr.recordCommit(commitTS, t.touchedKeys())
	t.mgr.mu.Unlock()

	t.state = Committed
	return nil
}

func (t *Txn) apply(op Op) error {
	c, err := t.collection(op.Collection)
	if err != nil {
		return err
	}
	switch op.Type {
	case types.OpInsert:
		var payload map[string]any
		if err := json.Unmarshal(op.Data, &payload); err != nil {
			return err
		}
		_, err := c.Insert(payload, op.Key)
		return err
	case types.OpUpdate:
		var payload map[string]any
		if err := json.Unmarshal(op.Data, &payload); err != nil {
			return err
		}
		_, err := c.Update(op.Key, payload, false)
		return err
	case types.OpDelete:
		return c.Delete(op.Key)
	default:
		return fmt.Errorf("txn: unknown op type %q", op.Type)
	}
}

// checkConflicts rejects commit if any transaction committed between this
// transaction's begin and now touched an overlapping key (§4.E
// serializable).
func (t *Txn) checkConflicts() error {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()

	mine := t.touchedKeys()
	for _, w := range t.mgr.recent {
		if w.commitTS.Before(t.beginTS) {
			continue
		}
		for k := range mine {
			if w.keys[k] {
				return dberrors.ErrConflict
			}
		}
	}
	return nil
}

// recordCommit appends to the sliding conflict-detection window, trimming
// anything older than the oldest currently-active transaction could need
// (kept simple: bounded to the most recent 1000 commits).
func (m *Manager) recordCommit(commitTS time.Time, keys map[string]bool) {
	m.recent = append(m.recent, commitWindow{commitTS: commitTS, keys: keys})
	if len(m.recent) > 1000 {
		m.recent = m.recent[len(m.recent)-1000:]
	}
}

// Rollback discards all staged state without touching the store.
func (t *Txn) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = nil
	t.keyState = make(map[string]types.ReplicationOp)
	t.state = RolledBack
}
