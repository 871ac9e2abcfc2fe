package index

import (
	"github.com/solidb/solidb/pkg/codec"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/types"
)

// persistentIndex maintains order-preserving entries idx:<name>:<encoded
// value><doc key> so range scans (>, >=, <, <=, BETWEEN) and equality
// lookups are both a single bbolt cursor walk. Composite indexes
// concatenate each field's encoded value in declaration order.
type persistentIndex struct {
	store *kv.Store
	spec  types.IndexSpec
}

func newPersistentIndex(store *kv.Store, spec types.IndexSpec) *persistentIndex {
	return &persistentIndex{store: store, spec: spec}
}

func (p *persistentIndex) Name() string          { return p.spec.Name }
func (p *persistentIndex) Spec() types.IndexSpec { return p.spec }

func (p *persistentIndex) encodeKey(doc *types.Document) ([]byte, bool) {
	var enc []byte
	for _, f := range p.spec.Fields {
		v, ok := fieldValue(doc.Payload, f)
		if !ok {
			return nil, false
		}
		b, err := codec.Encode(v)
		if err != nil {
			return nil, false
		}
		enc = append(enc, b...)
	}
	return enc, true
}

func (p *persistentIndex) OnInsert(doc *types.Document) error {
	enc, ok := p.encodeKey(doc)
	if !ok {
		return nil // missing field values are simply not indexed
	}
	return p.store.Put(kv.IndexEntryKey(p.spec.Name, enc, doc.Key), []byte(doc.Key))
}

func (p *persistentIndex) OnUpdate(oldDoc, newDoc *types.Document) error {
	if oldEnc, ok := p.encodeKey(oldDoc); ok {
		if err := p.store.Delete(kv.IndexEntryKey(p.spec.Name, oldEnc, oldDoc.Key)); err != nil {
			return err
		}
	}
	return p.OnInsert(newDoc)
}

func (p *persistentIndex) OnDelete(doc *types.Document) error {
	enc, ok := p.encodeKey(doc)
	if !ok {
		return nil
	}
	return p.store.Delete(kv.IndexEntryKey(p.spec.Name, enc, doc.Key))
}

func (p *persistentIndex) Drop() error {
	return deletePrefix(p.store, kv.IndexPrefix(p.spec.Name))
}

// Equals returns every document key whose indexed value equals v.
func (p *persistentIndex) Equals(v any) ([]string, error) {
	enc, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	prefix := kv.IndexEntryKey(p.spec.Name, enc, "")
	var keys []string
	err = p.store.ScanPrefix(prefix, func(_, val []byte) bool {
		keys = append(keys, string(val))
		return true
	})
	return keys, err
}

// Range returns every document key whose encoded value lies between lo and
// hi; loIncl/hiIncl make the respective bound inclusive. A nil lo/hi means
// unbounded on that side.
func (p *persistentIndex) Range(lo, hi any, loIncl, hiIncl bool) ([]string, error) {
	base := kv.IndexPrefix(p.spec.Name)

	var loKey []byte
	if lo == nil {
		loKey = base
	} else {
		enc, err := codec.Encode(lo)
		if err != nil {
			return nil, err
		}
		loKey = kv.IndexEntryKey(p.spec.Name, enc, "")
		if !loIncl {
			loKey = codec.PrefixUpperBound(loKey)
		}
	}

	var hiKey []byte
	if hi != nil {
		enc, err := codec.Encode(hi)
		if err != nil {
			return nil, err
		}
		hiKey = kv.IndexEntryKey(p.spec.Name, enc, "")
		if hiIncl {
			hiKey = codec.PrefixUpperBound(hiKey)
		}
	} else {
		hiKey = codec.PrefixUpperBound(base)
	}

	var keys []string
	err := p.store.ScanRange(loKey, hiKey, func(k, val []byte) bool {
		if !hasPrefixBytes(k, base) {
			return false
		}
		keys = append(keys, string(val))
		return true
	})
	return keys, err
}

func hasPrefixBytes(k, prefix []byte) bool {
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

// deletePrefix removes every key under prefix; used by Drop and Truncate.
func deletePrefix(store *kv.Store, prefix []byte) error {
	var keys [][]byte
	err := store.ScanPrefix(prefix, func(k, _ []byte) bool {
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
