package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/types"
)

// fulltextIndex tokenizes indexed fields into terms (or character n-grams
// when spec.Options.NgramSize > 0) and keeps a roaring-bitmap posting list
// per term, plus per-(term,doc) frequencies for BM25 scoring (§4.C fulltext).
//
// Document keys are mapped to dense uint32 ids because roaring bitmaps only
// hold integers; the id<->key mapping and per-doc term lists are persisted
// so OnDelete/OnUpdate can retract exactly the postings a document
// contributed.
type fulltextIndex struct {
	store *kv.Store
	spec  types.IndexSpec

	mu sync.Mutex
}

func newFulltextIndex(store *kv.Store, spec types.IndexSpec) *fulltextIndex {
	if spec.Options.MinTokenLen <= 0 {
		spec.Options.MinTokenLen = 2
	}
	return &fulltextIndex{store: store, spec: spec}
}

func (f *fulltextIndex) Name() string          { return f.spec.Name }
func (f *fulltextIndex) Spec() types.IndexSpec { return f.spec }

func (f *fulltextIndex) metaKey(parts ...string) []byte {
	return []byte(kv.PrefixFulltextMeta + f.spec.Name + ":" + strings.Join(parts, ":"))
}

func (f *fulltextIndex) termKey(term string) []byte {
	return []byte(kv.PrefixFulltextTerm + f.spec.Name + ":" + term)
}

func tokenize(text string, ngram, minLen int) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	if ngram <= 0 {
		out := fields[:0:0]
		for _, w := range fields {
			if len(w) >= minLen {
				out = append(out, w)
			}
		}
		return out
	}

	var out []string
	for _, w := range fields {
		padded := w
		if len(padded) < ngram {
			out = append(out, padded)
			continue
		}
		for i := 0; i+ngram <= len(padded); i++ {
			out = append(out, padded[i:i+ngram])
		}
	}
	return out
}

func (f *fulltextIndex) text(doc *types.Document) string {
	var sb strings.Builder
	for _, field := range f.spec.Fields {
		v, ok := fieldValue(doc.Payload, field)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			sb.WriteString(s)
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

func (f *fulltextIndex) docID(docKey string, create bool) (uint32, bool, error) {
	idBytes, found, err := f.store.Get(f.metaKey("id", docKey))
	if err != nil {
		return 0, false, err
	}
	if found {
		return binary.BigEndian.Uint32(idBytes), true, nil
	}
	if !create {
		return 0, false, nil
	}

	nextBytes, _, err := f.store.Get(f.metaKey("nextid"))
	if err != nil {
		return 0, false, err
	}
	var next uint32
	if nextBytes != nil {
		next = binary.BigEndian.Uint32(nextBytes)
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, next+1)
	if err := f.store.Put(f.metaKey("nextid"), buf); err != nil {
		return 0, false, err
	}

	idBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(idBuf, next)
	if err := f.store.Put(f.metaKey("id", docKey), idBuf); err != nil {
		return 0, false, err
	}
	if err := f.store.Put(f.metaKey("key", fmt.Sprint(next)), []byte(docKey)); err != nil {
		return 0, false, err
	}
	return next, true, nil
}

func (f *fulltextIndex) loadBitmap(term string) (*roaring.Bitmap, error) {
	b, found, err := f.store.Get(f.termKey(term))
	bm := roaring.New()
	if err != nil {
		return nil, err
	}
	if found {
		if _, err := bm.FromBuffer(b); err != nil {
			return nil, err
		}
	}
	return bm, nil
}

func (f *fulltextIndex) saveBitmap(term string, bm *roaring.Bitmap) error {
	if bm.IsEmpty() {
		return f.store.Delete(f.termKey(term))
	}
	b, err := bm.ToBytes()
	if err != nil {
		return err
	}
	return f.store.Put(f.termKey(term), b)
}

func (f *fulltextIndex) OnInsert(doc *types.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	text := f.text(doc)
	if text == "" {
		return nil
	}
	tokens := tokenize(text, f.spec.Options.NgramSize, f.spec.Options.MinTokenLen)
	if len(tokens) == 0 {
		return nil
	}

	id, _, err := f.docID(doc.Key, true)
	if err != nil {
		return err
	}

	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}

	terms := make([]string, 0, len(freq))
	for term, count := range freq {
		bm, err := f.loadBitmap(term)
		if err != nil {
			return err
		}
		bm.Add(id)
		if err := f.saveBitmap(term, bm); err != nil {
			return err
		}
		if err := f.store.Put(f.freqKey(term, id), encodeFreq(count)); err != nil {
			return err
		}
		terms = append(terms, term)
	}

	sort.Strings(terms)
	if err := f.store.Put(f.metaKey("terms", doc.Key), []byte(strings.Join(terms, "\x00"))); err != nil {
		return err
	}
	return f.store.Put(f.metaKey("doclen", fmt.Sprint(id)), encodeFreq(len(tokens)))
}

func (f *fulltextIndex) freqKey(term string, id uint32) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%d", kv.PrefixFulltextTerm, f.spec.Name, "f:"+term, id))
}

func encodeFreq(n int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(n))
	return buf
}

func decodeFreq(b []byte) int {
	if len(b) != 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(b))
}

func (f *fulltextIndex) OnDelete(doc *types.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retract(doc.Key)
}

func (f *fulltextIndex) retract(docKey string) error {
	id, ok, err := f.docID(docKey, false)
	if err != nil || !ok {
		return err
	}
	termsRaw, found, err := f.store.Get(f.metaKey("terms", docKey))
	if err != nil {
		return err
	}
	if found && len(termsRaw) > 0 {
		for _, term := range strings.Split(string(termsRaw), "\x00") {
			bm, err := f.loadBitmap(term)
			if err != nil {
				return err
			}
			bm.Remove(id)
			if err := f.saveBitmap(term, bm); err != nil {
				return err
			}
			if err := f.store.Delete(f.freqKey(term, id)); err != nil {
				return err
			}
		}
	}
	_ = f.store.Delete(f.metaKey("terms", docKey))
	_ = f.store.Delete(f.metaKey("doclen", fmt.Sprint(id)))
	_ = f.store.Delete(f.metaKey("id", docKey))
	_ = f.store.Delete(f.metaKey("key", fmt.Sprint(id)))
	return nil
}

func (f *fulltextIndex) OnUpdate(oldDoc, newDoc *types.Document) error {
	f.mu.Lock()
	if err := f.retract(oldDoc.Key); err != nil {
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return f.OnInsert(newDoc)
}

func (f *fulltextIndex) Drop() error {
	if err := deletePrefix(f.store, []byte(kv.PrefixFulltextMeta+f.spec.Name+":")); err != nil {
		return err
	}
	return deletePrefix(f.store, []byte(kv.PrefixFulltextTerm+f.spec.Name+":"))
}

// Scored is one BM25-ranked search hit.
type Scored struct {
	DocKey string
	Score  float64
}

// bm25 constants, standard defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Search tokenizes query the same way documents were indexed, computes
// BM25 over the matching postings, and returns hits sorted by descending
// score.
func (f *fulltextIndex) Search(query string, limit int) ([]Scored, error) {
	tokens := tokenize(query, f.spec.Options.NgramSize, f.spec.Options.MinTokenLen)
	if len(tokens) == 0 {
		return nil, nil
	}

	docCount, avgLen, err := f.corpusStats()
	if err != nil {
		return nil, err
	}
	if docCount == 0 {
		return nil, nil
	}

	scores := make(map[uint32]float64)
	seen := map[string]bool{}
	for _, term := range tokens {
		if seen[term] {
			continue
		}
		seen[term] = true
		bm, err := f.loadBitmap(term)
		if err != nil {
			return nil, err
		}
		df := float64(bm.GetCardinality())
		if df == 0 {
			continue
		}
		idf := idfWeight(float64(docCount), df)

		it := bm.Iterator()
		for it.HasNext() {
			id := it.Next()
			freqBytes, found, err := f.store.Get(f.freqKey(term, id))
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			tf := float64(decodeFreq(freqBytes))
			dl := f.docLen(id)
			denom := tf + bm25K1*(1-bm25B+bm25B*dl/avgLen)
			scores[id] += idf * (tf * (bm25K1 + 1) / denom)
		}
	}

	hits := make([]Scored, 0, len(scores))
	for id, score := range scores {
		keyBytes, found, err := f.store.Get(f.metaKey("key", fmt.Sprint(id)))
		if err != nil || !found {
			continue
		}
		hits = append(hits, Scored{DocKey: string(keyBytes), Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func idfWeight(n, df float64) float64 {
	v := (n-df+0.5)/(df+0.5) + 1
	if v <= 0 {
		return 0
	}
	return math.Log(v)
}

func (f *fulltextIndex) docLen(id uint32) float64 {
	b, found, err := f.store.Get(f.metaKey("doclen", fmt.Sprint(id)))
	if err != nil || !found {
		return 1
	}
	return float64(decodeFreq(b))
}

func (f *fulltextIndex) corpusStats() (count int, avgLen float64, err error) {
	var total int
	prefix := []byte(kv.PrefixFulltextMeta + f.spec.Name + ":doclen:")
	err = f.store.ScanPrefix(prefix, func(_, v []byte) bool {
		count++
		total += decodeFreq(v)
		return true
	})
	if err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 1, nil
	}
	return count, float64(total) / float64(count), nil
}
