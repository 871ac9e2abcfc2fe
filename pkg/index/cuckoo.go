package index

import (
	"encoding/binary"
	"math/bits"

	"github.com/cespare/xxhash/v2"
	"github.com/solidb/solidb/pkg/codec"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/types"
)

// cuckooIndex is a membership filter like bloomIndex but supporting
// deletion, traded against a (small, bounded) chance of insert failure
// once load gets high (§4.C cuckoo). No example repo in the corpus vendors
// a cuckoo filter, so this is a from-scratch stdlib implementation
// following the standard "fingerprint in one of two candidate buckets,
// relocate on collision" design; see the grounding ledger.
type cuckooIndex struct {
	store  *kv.Store
	spec   types.IndexSpec
	filter *cuckooFilter
}

func newCuckooIndex(store *kv.Store, spec types.IndexSpec) *cuckooIndex {
	if spec.Options.ExpectedItems == 0 {
		spec.Options.ExpectedItems = 10000
	}
	return &cuckooIndex{store: store, spec: spec, filter: newCuckooFilter(spec.Options.ExpectedItems)}
}

func (c *cuckooIndex) Name() string          { return c.spec.Name }
func (c *cuckooIndex) Spec() types.IndexSpec { return c.spec }

func (c *cuckooIndex) dataKey() []byte {
	return []byte(kv.PrefixIndexMeta + c.spec.Name + ":cuckoo_data")
}

func (c *cuckooIndex) encodedOf(doc *types.Document) ([]byte, bool) {
	var enc []byte
	for _, f := range c.spec.Fields {
		v, ok := fieldValue(doc.Payload, f)
		if !ok {
			return nil, false
		}
		eb, err := codec.Encode(v)
		if err != nil {
			return nil, false
		}
		enc = append(enc, eb...)
	}
	return enc, true
}

func (c *cuckooIndex) load() error {
	b, found, err := c.store.Get(c.dataKey())
	if err != nil || !found {
		return err
	}
	c.filter.unmarshal(b)
	return nil
}

func (c *cuckooIndex) persist() error {
	return c.store.Put(c.dataKey(), c.filter.marshal())
}

func (c *cuckooIndex) OnInsert(doc *types.Document) error {
	enc, ok := c.encodedOf(doc)
	if !ok {
		return nil
	}
	if err := c.load(); err != nil {
		return err
	}
	c.filter.insert(enc)
	return c.persist()
}

func (c *cuckooIndex) OnDelete(doc *types.Document) error {
	enc, ok := c.encodedOf(doc)
	if !ok {
		return nil
	}
	if err := c.load(); err != nil {
		return err
	}
	c.filter.remove(enc)
	return c.persist()
}

func (c *cuckooIndex) OnUpdate(oldDoc, newDoc *types.Document) error {
	if err := c.OnDelete(oldDoc); err != nil {
		return err
	}
	return c.OnInsert(newDoc)
}

func (c *cuckooIndex) Drop() error {
	return c.store.Delete(c.dataKey())
}

// MightContain reports whether v could be present.
func (c *cuckooIndex) MightContain(v any) (bool, error) {
	enc, err := codec.Encode(v)
	if err != nil {
		return false, err
	}
	if err := c.load(); err != nil {
		return false, err
	}
	return c.filter.lookup(enc), nil
}

const (
	cuckooBucketSize  = 4
	cuckooMaxKicks    = 500
	cuckooFingerprint = 16 // bits
)

// cuckooFilter is a minimal cuckoo filter: bucketCount buckets of
// cuckooBucketSize 16-bit fingerprint slots each, two candidate buckets per
// item derived from a base hash and an XOR partial-key trick (the alternate
// bucket is the current one XOR a hash of the fingerprint alone, so a
// relocated fingerprint can find its other bucket without the item).
type cuckooFilter struct {
	buckets [][cuckooBucketSize]uint16
}

func newCuckooFilter(expectedItems uint64) *cuckooFilter {
	n := expectedItems / cuckooBucketSize
	if n < 16 {
		n = 16
	}
	n = nextPow2(n)
	return &cuckooFilter{buckets: make([][cuckooBucketSize]uint16, n)}
}

func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}

func (f *cuckooFilter) indices(item []byte) (i1 uint64, i2 uint64, fp uint16) {
	h := xxhash.Sum64(item)
	fp = uint16(h&0xFFFF) | 1 // never zero, zero marks an empty slot
	i1 = h % uint64(len(f.buckets))
	fph := xxhash.Sum64([]byte{byte(fp), byte(fp >> 8)})
	i2 = (i1 ^ (fph % uint64(len(f.buckets)))) % uint64(len(f.buckets))
	return
}

func (f *cuckooFilter) insert(item []byte) bool {
	i1, i2, fp := f.indices(item)
	if f.insertAt(i1, fp) || f.insertAt(i2, fp) {
		return true
	}

	i := i1
	for n := 0; n < cuckooMaxKicks; n++ {
		slot := n % cuckooBucketSize
		victim := f.buckets[i][slot]
		f.buckets[i][slot] = fp
		fp = victim

		altH := xxhash.Sum64([]byte{byte(fp), byte(fp >> 8)})
		i = (i ^ (altH % uint64(len(f.buckets)))) % uint64(len(f.buckets))
		if f.insertAt(i, fp) {
			return true
		}
	}
	return false // filter considered full; caller accepts the false negative risk
}

func (f *cuckooFilter) insertAt(bucket uint64, fp uint16) bool {
	for i, v := range f.buckets[bucket] {
		if v == 0 {
			f.buckets[bucket][i] = fp
			return true
		}
	}
	return false
}

func (f *cuckooFilter) lookup(item []byte) bool {
	i1, i2, fp := f.indices(item)
	return f.hasFingerprint(i1, fp) || f.hasFingerprint(i2, fp)
}

func (f *cuckooFilter) hasFingerprint(bucket uint64, fp uint16) bool {
	for _, v := range f.buckets[bucket] {
		if v == fp {
			return true
		}
	}
	return false
}

func (f *cuckooFilter) remove(item []byte) bool {
	i1, i2, fp := f.indices(item)
	if f.removeAt(i1, fp) || f.removeAt(i2, fp) {
		return true
	}
	return false
}

func (f *cuckooFilter) removeAt(bucket uint64, fp uint16) bool {
	for i, v := range f.buckets[bucket] {
		if v == fp {
			f.buckets[bucket][i] = 0
			return true
		}
	}
	return false
}

func (f *cuckooFilter) marshal() []byte {
	buf := make([]byte, 8+len(f.buckets)*cuckooBucketSize*2)
	binary.BigEndian.PutUint64(buf, uint64(len(f.buckets)))
	off := 8
	for _, b := range f.buckets {
		for _, v := range b {
			binary.BigEndian.PutUint16(buf[off:], v)
			off += 2
		}
	}
	return buf
}

func (f *cuckooFilter) unmarshal(b []byte) {
	if len(b) < 8 {
		return
	}
	n := binary.BigEndian.Uint64(b)
	buckets := make([][cuckooBucketSize]uint16, n)
	off := 8
	for i := range buckets {
		for j := 0; j < cuckooBucketSize; j++ {
			if off+2 > len(b) {
				break
			}
			buckets[i][j] = binary.BigEndian.Uint16(b[off:])
			off += 2
		}
	}
	f.buckets = buckets
}
