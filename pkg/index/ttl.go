package index

import (
	"encoding/binary"
	"time"

	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/types"
)

// ttlIndex keeps a sorted-by-expiry secondary key ttl_exp:<name>:<expiry
// unix nanos big-endian><doc key> so a sweeper need only scan the prefix up
// to "now" to find expired documents (§4.C ttl).
type ttlIndex struct {
	store *kv.Store
	spec  types.IndexSpec
}

func newTTLIndex(store *kv.Store, spec types.IndexSpec) *ttlIndex {
	return &ttlIndex{store: store, spec: spec}
}

func (t *ttlIndex) Name() string          { return t.spec.Name }
func (t *ttlIndex) Spec() types.IndexSpec { return t.spec }

func (t *ttlIndex) expiry(doc *types.Document) (time.Time, bool) {
	if len(t.spec.Fields) == 0 {
		return time.Time{}, false
	}
	v, ok := fieldValue(doc.Payload, t.spec.Fields[0])
	if !ok {
		return time.Time{}, false
	}

	var base time.Time
	switch n := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, n)
		if err != nil {
			return time.Time{}, false
		}
		base = parsed
	case float64:
		base = time.Unix(int64(n), 0)
	default:
		return time.Time{}, false
	}

	if t.spec.Options.ExpireAfterSeconds > 0 {
		base = base.Add(time.Duration(t.spec.Options.ExpireAfterSeconds) * time.Second)
	}
	return base, true
}

func (t *ttlIndex) expiryKey(expiry time.Time, docKey string) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(expiry.UnixNano()))
	return []byte(kv.PrefixTTLExpiry + t.spec.Name + ":" + string(buf) + docKey)
}

func (t *ttlIndex) metaKey(docKey string) []byte {
	return []byte(kv.PrefixTTLMeta + t.spec.Name + ":" + docKey)
}

func (t *ttlIndex) OnInsert(doc *types.Document) error {
	exp, ok := t.expiry(doc)
	if !ok {
		return nil
	}
	if err := t.store.Put(t.expiryKey(exp, doc.Key), []byte(doc.Key)); err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(exp.UnixNano()))
	return t.store.Put(t.metaKey(doc.Key), buf)
}

func (t *ttlIndex) OnDelete(doc *types.Document) error {
	expBytes, found, err := t.store.Get(t.metaKey(doc.Key))
	if err != nil || !found {
		return err
	}
	nanos := binary.BigEndian.Uint64(expBytes)
	if err := t.store.Delete(t.expiryKey(time.Unix(0, int64(nanos)), doc.Key)); err != nil {
		return err
	}
	return t.store.Delete(t.metaKey(doc.Key))
}

func (t *ttlIndex) OnUpdate(oldDoc, newDoc *types.Document) error {
	if err := t.OnDelete(oldDoc); err != nil {
		return err
	}
	return t.OnInsert(newDoc)
}

func (t *ttlIndex) Drop() error {
	if err := deletePrefix(t.store, []byte(kv.PrefixTTLExpiry+t.spec.Name+":")); err != nil {
		return err
	}
	return deletePrefix(t.store, []byte(kv.PrefixTTLMeta+t.spec.Name+":"))
}

// Expired returns every document key whose expiry is at or before now, for
// the background TTL sweeper.
func (t *ttlIndex) Expired(now time.Time) ([]string, error) {
	base := []byte(kv.PrefixTTLExpiry + t.spec.Name + ":")
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(now.UnixNano()))
	hi := append(append([]byte(nil), base...), buf...)
	// inclusive of exact-now matches: extend by one nanosecond
	hi = incrementKey(hi)

	var keys []string
	err := t.store.ScanRange(base, hi, func(_, v []byte) bool {
		keys = append(keys, string(v))
		return true
	})
	return keys, err
}

func incrementKey(k []byte) []byte {
	out := append([]byte(nil), k...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out
		}
		out[i] = 0
	}
	return append(out, 0xFF)
}
