package document

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/solidb/solidb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *types.Document {
	return &types.Document{
		Key:       "abc123",
		Rev:       "rev-1",
		CreatedAt: time.Now().UTC().Truncate(time.Nanosecond),
		UpdatedAt: time.Now().UTC().Truncate(time.Nanosecond),
		Payload:   map[string]any{"name": "Bob", "age": float64(30)},
	}
}

func TestRoundTrip(t *testing.T) {
	d := sample()
	enc, err := Serialize(d)
	require.NoError(t, err)
	require.False(t, NeedsMigration(enc))

	dec, err := Deserialize(enc)
	require.NoError(t, err)
	assert.Equal(t, d.Key, dec.Key)
	assert.Equal(t, d.Rev, dec.Rev)
	assert.Equal(t, d.Payload, dec.Payload)
	assert.True(t, d.CreatedAt.Equal(dec.CreatedAt))
}

func TestEdgeFields(t *testing.T) {
	d := sample()
	d.From = "users/a"
	d.To = "users/b"
	enc, err := Serialize(d)
	require.NoError(t, err)
	dec, err := Deserialize(enc)
	require.NoError(t, err)
	assert.Equal(t, "users/a", dec.From)
	assert.Equal(t, "users/b", dec.To)
}

func TestLegacyFallback(t *testing.T) {
	d := sample()
	legacy, err := json.Marshal(d)
	require.NoError(t, err)

	require.True(t, NeedsMigration(legacy))
	dec, err := Deserialize(legacy)
	require.NoError(t, err)
	assert.Equal(t, d.Key, dec.Key)
	assert.Equal(t, d.Payload, dec.Payload)
}

func TestEmptyBufferErrors(t *testing.T) {
	_, err := Deserialize(nil)
	assert.Error(t, err)
}
