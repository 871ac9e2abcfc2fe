package index

import (
	"encoding/binary"
	"hash"

	"github.com/holiman/bloomfilter/v2"

	"github.com/cespare/xxhash/v2"
	"github.com/solidb/solidb/pkg/codec"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/types"
)

// bloomIndex answers cheap, false-positive-tolerant "might this value
// exist" membership checks through MightContain (§4.C bloom). The filter is
// never rebuilt: OnDelete is a no-op and OnUpdate only adds the new value,
// so a deleted or overwritten value keeps answering true. The query planner
// does not consult this index.
type bloomIndex struct {
	store  *kv.Store
	spec   types.IndexSpec
	filter *bloomfilter.Filter
}

func newBloomIndex(store *kv.Store, spec types.IndexSpec) (*bloomIndex, error) {
	if spec.Options.ExpectedItems == 0 {
		spec.Options.ExpectedItems = 10000
	}
	if spec.Options.FalsePositiveRate == 0 {
		spec.Options.FalsePositiveRate = 0.01
	}

	bi := &bloomIndex{store: store, spec: spec}

	stored, found, err := store.Get(bi.dataKey())
	if err != nil {
		return nil, err
	}
	if found {
		f := &bloomfilter.Filter{}
		if err := f.UnmarshalBinary(stored); err != nil {
			return nil, err
		}
		bi.filter = f
		return bi, nil
	}

	f, err := bloomfilter.NewOptimal(spec.Options.ExpectedItems, spec.Options.FalsePositiveRate)
	if err != nil {
		return nil, err
	}
	bi.filter = f
	return bi, nil
}

func (b *bloomIndex) Name() string          { return b.spec.Name }
func (b *bloomIndex) Spec() types.IndexSpec { return b.spec }

func (b *bloomIndex) dataKey() []byte {
	return []byte(kv.PrefixIndexMeta + b.spec.Name + ":bloom_data")
}

// fixedHash64 lets a precomputed xxhash sum satisfy hash.Hash64, which is
// the interface bloomfilter.Filter.Add/Contains consume.
type fixedHash64 uint64

func (f fixedHash64) Write(p []byte) (int, error) { return len(p), nil }
func (f fixedHash64) Sum(b []byte) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(f))
	return append(b, buf...)
}
func (f fixedHash64) Reset()         {}
func (f fixedHash64) Size() int      { return 8 }
func (f fixedHash64) BlockSize() int { return 8 }
func (f fixedHash64) Sum64() uint64  { return uint64(f) }

var _ hash.Hash64 = fixedHash64(0)

func (b *bloomIndex) hashOf(doc *types.Document) (hash.Hash64, bool) {
	var enc []byte
	for _, f := range b.spec.Fields {
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
	return fixedHash64(xxhash.Sum64(enc)), true
}

func (b *bloomIndex) persist() error {
	data, err := b.filter.MarshalBinary()
	if err != nil {
		return err
	}
	return b.store.Put(b.dataKey(), data)
}

func (b *bloomIndex) OnInsert(doc *types.Document) error {
	h, ok := b.hashOf(doc)
	if !ok {
		return nil
	}
	b.filter.Add(h)
	return b.persist()
}

// OnDelete is a no-op: bloom filters do not support removal. Membership
// checks remain correct (no false negatives); stale positives just fall
// back to a real scan.
func (b *bloomIndex) OnDelete(doc *types.Document) error { return nil }

func (b *bloomIndex) OnUpdate(oldDoc, newDoc *types.Document) error {
	return b.OnInsert(newDoc)
}

func (b *bloomIndex) Drop() error {
	return b.store.Delete(b.dataKey())
}

// MightContain reports whether v could be present; false means definitely
// absent.
func (b *bloomIndex) MightContain(v any) (bool, error) {
	enc, err := codec.Encode(v)
	if err != nil {
		return false, err
	}
	return b.filter.Contains(fixedHash64(xxhash.Sum64(enc))), nil
}
