package index

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/solidb/solidb/pkg/codec"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/types"
)

// hashIndex supports only equality lookups, trading away range scans for a
// fixed-width bucket key so unique constraint checks and point lookups
// don't pay for a variable-length comparable encoding. Collisions (distinct
// values sharing an xxhash64 bucket) are resolved by storing the encoded
// value alongside the document key and re-checking on read.
type hashIndex struct {
	store *kv.Store
	spec  types.IndexSpec
}

func newHashIndex(store *kv.Store, spec types.IndexSpec) *hashIndex {
	return &hashIndex{store: store, spec: spec}
}

func (h *hashIndex) Name() string          { return h.spec.Name }
func (h *hashIndex) Spec() types.IndexSpec { return h.spec }

func (h *hashIndex) bucketKey(doc *types.Document) (bucket, encoded []byte, ok bool) {
	var enc []byte
	for _, f := range h.spec.Fields {
		v, present := fieldValue(doc.Payload, f)
		if !present {
			return nil, nil, false
		}
		b, err := codec.Encode(v)
		if err != nil {
			return nil, nil, false
		}
		enc = append(enc, b...)
	}
	sum := xxhash.Sum64(enc)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sum)
	return buf, enc, true
}

func (h *hashIndex) entryValue(encoded []byte, docKey string) []byte {
	out := make([]byte, 0, 2+len(encoded)+len(docKey))
	out = binary.BigEndian.AppendUint16(out, uint16(len(encoded)))
	out = append(out, encoded...)
	out = append(out, []byte(docKey)...)
	return out
}

func (h *hashIndex) OnInsert(doc *types.Document) error {
	bucket, enc, ok := h.bucketKey(doc)
	if !ok {
		return nil
	}
	key := kv.IndexEntryKey(h.spec.Name, bucket, doc.Key)
	return h.store.Put(key, h.entryValue(enc, doc.Key))
}

func (h *hashIndex) OnUpdate(oldDoc, newDoc *types.Document) error {
	if bucket, _, ok := h.bucketKey(oldDoc); ok {
		if err := h.store.Delete(kv.IndexEntryKey(h.spec.Name, bucket, oldDoc.Key)); err != nil {
			return err
		}
	}
	return h.OnInsert(newDoc)
}

func (h *hashIndex) OnDelete(doc *types.Document) error {
	bucket, _, ok := h.bucketKey(doc)
	if !ok {
		return nil
	}
	return h.store.Delete(kv.IndexEntryKey(h.spec.Name, bucket, doc.Key))
}

func (h *hashIndex) Drop() error {
	return deletePrefix(h.store, kv.IndexPrefix(h.spec.Name))
}

// Equals returns every document key whose indexed value equals v. It
// serves single-field indexes only: v is encoded as one value, so it never
// matches the concatenated entry of a composite index.
func (h *hashIndex) Equals(v any) ([]string, error) {
	enc, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	sum := xxhash.Sum64(enc)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sum)
	prefix := kv.IndexEntryKey(h.spec.Name, buf, "")

	var keys []string
	err = h.store.ScanPrefix(prefix, func(_, val []byte) bool {
		if len(val) < 2 {
			return true
		}
		n := binary.BigEndian.Uint16(val[:2])
		if int(2+n) > len(val) {
			return true
		}
		storedEnc := val[2 : 2+n]
		if !bytesEqual(storedEnc, enc) {
			return true // hash collision on a different value, skip
		}
		keys = append(keys, string(val[2+n:]))
		return true
	})
	return keys, err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
