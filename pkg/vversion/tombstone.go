package vversion

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/log"
)

// DefaultRetention is §4.L's default tombstone retention_period.
const DefaultRetention = 30 * 24 * time.Hour

// Tombstone records a deleted document's last known version, kept
// around so a late-arriving older write doesn't resurrect it and so
// sync peers can learn a key was deleted rather than never having
// existed.
type Tombstone struct {
	Collection string    `json:"collection"`
	Key        string    `json:"key"`
	DeletedAt  time.Time `json:"deletedAt"`
	Vector     Vector    `json:"vector"`
	Sequence   uint64    `json:"sequence"`
}

// expired reports whether t has outlived retention as of now.
func (t Tombstone) expired(now time.Time, retention time.Duration) bool {
	return now.Sub(t.DeletedAt) > retention
}

// Store persists tombstones in the same embedded kv engine every other
// durable piece of state uses, and sweeps expired ones on a ticker —
// the same background-eviction shape pkg/cursor uses for idle cursors
// and pkg/index uses for TTL-expired documents, here applied to
// retention-expired tombstones instead.
type Store struct {
	mu        sync.Mutex
	kv        *kv.Store
	retention time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewStore opens a tombstone store with the default retention and
// starts its background sweep loop.
func NewStore(store *kv.Store) *Store {
	return NewStoreWithRetention(store, DefaultRetention)
}

// NewStoreWithRetention lets callers (and tests) override retention.
func NewStoreWithRetention(store *kv.Store, retention time.Duration) *Store {
	s := &Store{kv: store, retention: retention, stopCh: make(chan struct{})}
	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// Close stops the background sweep.
func (s *Store) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// Put records or overwrites the tombstone for collection/key.
func (s *Store) Put(t Tombstone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("vversion: encode tombstone: %w", err)
	}
	return s.kv.Put(kv.TombstoneKey(t.Collection, t.Key), payload)
}

// Get returns collection/key's tombstone, if one is retained.
func (s *Store) Get(collection, key string) (Tombstone, bool, error) {
	v, ok, err := s.kv.Get(kv.TombstoneKey(collection, key))
	if err != nil || !ok {
		return Tombstone{}, false, err
	}
	var t Tombstone
	if err := json.Unmarshal(v, &t); err != nil {
		return Tombstone{}, false, fmt.Errorf("vversion: decode tombstone: %w", err)
	}
	return t, true, nil
}

// Delete removes a tombstone outright, used when a resurrection write
// supersedes it.
func (s *Store) Delete(collection, key string) error {
	return s.kv.Delete(kv.TombstoneKey(collection, key))
}

// CanResurrect implements §4.L's resurrection rule: a write is allowed
// to override a tombstone only if the write's vector dominates it.
func CanResurrect(writeVector, tombstoneVector Vector) bool {
	return writeVector.Compare(tombstoneVector) == Dominates
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	interval := s.retention / 30
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := log.WithComponent("vversion")

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(logger)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweepOnce(logger zerolog.Logger) {
	now := time.Now()
	var expiredKeys [][]byte

	_ = s.kv.ScanPrefix([]byte(kv.PrefixTombstone), func(k, v []byte) bool {
		var t Tombstone
		if err := json.Unmarshal(v, &t); err != nil {
			return true
		}
		if t.expired(now, s.retention) {
			expiredKeys = append(expiredKeys, append([]byte(nil), k...))
		}
		return true
	})

	for _, k := range expiredKeys {
		_ = s.kv.Delete(k)
	}
	if len(expiredKeys) > 0 {
		logger.Debug().Int("removed", len(expiredKeys)).Msg("swept expired tombstones")
	}
}
