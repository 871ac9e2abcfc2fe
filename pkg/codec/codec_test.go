package codec

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeOrder(t *testing.T) {
	values := []any{nil, false, 3.14, "abc", []any{float64(1), float64(2)}}
	var encoded [][]byte
	for _, v := range values {
		b, err := Encode(v)
		require.NoError(t, err)
		encoded = append(encoded, b)
	}
	for i := 0; i < len(encoded)-1; i++ {
		assert.Negative(t, Compare(encoded[i], encoded[i+1]), "expected tag order Null<Bool<Number<String<Complex at index %d", i)
	}
}

func TestNumberOrderingAcrossSign(t *testing.T) {
	nums := []float64{-100, -1.5, -0.0001, 0, 0.0001, 1.5, 100}
	var encoded [][]byte
	for _, n := range nums {
		b, err := Encode(n)
		require.NoError(t, err)
		encoded = append(encoded, b)
	}
	sorted := append([][]byte{}, encoded...)
	sort.Slice(sorted, func(i, j int) bool { return Compare(sorted[i], sorted[j]) < 0 })
	for i := range sorted {
		assert.Equal(t, encoded[i], sorted[i], "numbers must already be in encoded order")
	}
}

func TestStringOrdering(t *testing.T) {
	a, _ := Encode("apple")
	b, _ := Encode("banana")
	assert.Negative(t, Compare(a, b))
}

func TestRoundTrip(t *testing.T) {
	cases := []any{nil, true, false, 42.0, -42.0, "hello", []any{"a", float64(1)}}
	for _, c := range cases {
		enc, err := Encode(c)
		require.NoError(t, err)
		dec, ok := Decode(enc)
		require.True(t, ok)
		assert.Equal(t, c, dec)
	}
}

func TestDecodeUnrecognizedTag(t *testing.T) {
	_, ok := Decode([]byte{0xFE})
	assert.False(t, ok)
}

func TestPrefixUpperBound(t *testing.T) {
	p := []byte{0x01, 0x02}
	up := PrefixUpperBound(p)
	assert.Equal(t, []byte{0x01, 0x03}, up)
	assert.Nil(t, PrefixUpperBound([]byte{0xFF, 0xFF}))
}
