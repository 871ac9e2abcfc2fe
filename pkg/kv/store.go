// Package kv wraps go.etcd.io/bbolt as solidb's embedded key-value engine.
// It is adapted from cuemby-warren's pkg/storage/boltdb.go, generalized from
// per-entity buckets to the prefixed-namespace layout §6 "Persisted layout"
// requires (doc:, idx:<name>:, geo:, ft:, ttl_exp:, vec_meta:, ...).
package kv

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// rootBucket is the single top-level bbolt bucket; all solidb keys live
// inside it with a byte-string prefix, so range scans over a prefix are a
// plain bbolt cursor walk bounded by codec.PrefixUpperBound.
var rootBucket = []byte("solidb")

// Store is the embedded KV engine backing one shard's physical storage.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the bbolt file at <dataDir>/<name>.db.
func Open(dataDir, name string) (*Store, error) {
	path := filepath.Join(dataDir, name+".db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: create root bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns a copy of the value at key, or (nil, false) if absent.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get(key)
		if v == nil {
			return nil
		}
		found = true
		out = append([]byte(nil), v...)
		return nil
	})
	return out, found, err
}

// Put writes key=value in its own transaction.
func (s *Store) Put(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Put(key, value)
	})
}

// Delete removes key, a no-op if it doesn't exist.
func (s *Store) Delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Delete(key)
	})
}

// KV is a single prefix-scan result entry. Key and Value are copies safe to
// retain past the scan call.
type KV struct {
	Key   []byte
	Value []byte
}

// ScanPrefix walks every key with the given prefix in ascending order,
// calling fn for each. Returning false from fn stops the scan early.
func (s *Store) ScanPrefix(prefix []byte, fn func(k, v []byte) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

// ScanRange walks keys in [lo, hi) order, or [lo, +inf) if hi is nil.
func (s *Store) ScanRange(lo, hi []byte, fn func(k, v []byte) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, v := c.Seek(lo); k != nil; k, v = c.Next() {
			if hi != nil && compareBytes(k, hi) >= 0 {
				break
			}
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

// Batch runs fn inside a single read-write transaction, so multiple Put/
// Delete calls become atomic and fsync once, matching collection insert_batch
// and transaction commit semantics.
func (s *Store) Batch(fn func(b *Batch) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Batch{bucket: tx.Bucket(rootBucket)})
	})
}

// Batch is the write surface exposed inside Store.Batch's callback.
type Batch struct {
	bucket *bolt.Bucket
}

func (b *Batch) Put(key, value []byte) error { return b.bucket.Put(key, value) }
func (b *Batch) Delete(key []byte) error      { return b.bucket.Delete(key) }

func (b *Batch) Get(key []byte) ([]byte, bool) {
	v := b.bucket.Get(key)
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
