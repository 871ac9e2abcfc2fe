package collection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/types"
)

func openTestCollection(t *testing.T, name string) *Collection {
	t.Helper()
	store, err := kv.Open(t.TempDir(), "colltest")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c, err := Open(store, name)
	require.NoError(t, err)
	return c
}

func TestInsertGetDelete(t *testing.T) {
	c := openTestCollection(t, "widgets")

	doc, err := c.Insert(map[string]any{"name": "sprocket"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, doc.Key)

	got, err := c.Get(doc.Key)
	require.NoError(t, err)
	require.Equal(t, "sprocket", got.Payload["name"])

	require.NoError(t, c.Delete(doc.Key))
	_, err = c.Get(doc.Key)
	require.ErrorIs(t, err, dberrors.ErrDocumentNotFound)
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	c := openTestCollection(t, "widgets")
	_, err := c.Insert(map[string]any{"a": 1}, "fixed-key")
	require.NoError(t, err)

	_, err = c.Insert(map[string]any{"a": 2}, "fixed-key")
	require.ErrorIs(t, err, dberrors.ErrDuplicateKey)
}

func TestUpdateMergeAndReplace(t *testing.T) {
	c := openTestCollection(t, "widgets")
	doc, err := c.Insert(map[string]any{"a": float64(1), "b": float64(2)}, "")
	require.NoError(t, err)

	merged, err := c.Update(doc.Key, map[string]any{"b": float64(3)}, true)
	require.NoError(t, err)
	require.Equal(t, float64(1), merged.Payload["a"])
	require.Equal(t, float64(3), merged.Payload["b"])

	replaced, err := c.Update(doc.Key, map[string]any{"c": float64(9)}, false)
	require.NoError(t, err)
	require.NotContains(t, replaced.Payload, "a")
	require.Equal(t, float64(9), replaced.Payload["c"])
}

func TestUpdateWithRevConflict(t *testing.T) {
	c := openTestCollection(t, "widgets")
	doc, err := c.Insert(map[string]any{"a": float64(1)}, "")
	require.NoError(t, err)

	_, err = c.UpdateWithRev(doc.Key, "wrong-rev", map[string]any{"a": float64(2)}, true)
	require.ErrorIs(t, err, dberrors.ErrRevisionMismatch)

	updated, err := c.UpdateWithRev(doc.Key, doc.Rev, map[string]any{"a": float64(2)}, true)
	require.NoError(t, err)
	require.Equal(t, float64(2), updated.Payload["a"])
}

func TestInsertBatchAtomicity(t *testing.T) {
	c := openTestCollection(t, "widgets")
	_, err := c.Insert(map[string]any{"a": 1}, "dup")
	require.NoError(t, err)

	_, err = c.InsertBatch(
		[]map[string]any{{"a": 1}, {"a": 2}},
		[]string{"ok-1", "dup"},
	)
	require.ErrorIs(t, err, dberrors.ErrDuplicateKey)

	_, err = c.Get("ok-1")
	require.ErrorIs(t, err, dberrors.ErrDocumentNotFound, "failed batch must not leave partial writes visible")
}

func TestTruncatePreservesShardConfigAndIndexes(t *testing.T) {
	c := openTestCollection(t, "widgets")
	require.NoError(t, c.SetShardConfig(types.ShardConfig{NumShards: 4, ShardKey: "_key", ReplicationFactor: 2}))
	require.NoError(t, c.CreateIndex(types.IndexSpec{Name: "by_a", Type: types.IndexPersistent, Fields: []string{"a"}}))

	_, err := c.Insert(map[string]any{"a": float64(1)}, "")
	require.NoError(t, err)

	require.NoError(t, c.Truncate())

	count, err := c.Count()
	require.NoError(t, err)
	require.Zero(t, count)

	require.Equal(t, 4, c.GetShardConfig().NumShards)
	_, ok := c.Indexes().Get("by_a")
	require.True(t, ok, "truncate must preserve index definitions")
}

func TestProtectedCollectionCannotBeTruncated(t *testing.T) {
	c := openTestCollection(t, "_schemas")
	err := c.Truncate()
	require.ErrorIs(t, err, dberrors.ErrBadRequest)
}

func TestSchemaValidationStrictRejectsMissingField(t *testing.T) {
	c := openTestCollection(t, "people")
	require.NoError(t, c.SetSchema([]byte("required: [name]\nproperties:\n  name: string\n"), types.ValidationStrict))

	_, err := c.Insert(map[string]any{"age": float64(5)}, "")
	require.Error(t, err)
	var violation *dberrors.SchemaViolationsError
	require.ErrorAs(t, err, &violation)
}

func TestSchemaValidationLenientAccepts(t *testing.T) {
	c := openTestCollection(t, "people")
	require.NoError(t, c.SetSchema([]byte("required: [name]\n"), types.ValidationLenient))

	doc, err := c.Insert(map[string]any{"age": float64(5)}, "")
	require.NoError(t, err)
	require.NotNil(t, doc)
}

func TestPruneOlderThanTimeseries(t *testing.T) {
	c := openTestCollection(t, "events")
	require.NoError(t, c.SetType(types.CollectionTimeseries))

	doc, err := c.Insert(map[string]any{"v": 1}, "")
	require.NoError(t, err)

	pruned, err := c.PruneOlderThan(time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	require.Equal(t, 1, pruned)

	_, err = c.Get(doc.Key)
	require.ErrorIs(t, err, dberrors.ErrDocumentNotFound)
}

func TestPruneOlderThanRejectsNonTimeseries(t *testing.T) {
	c := openTestCollection(t, "widgets")
	_, err := c.PruneOlderThan(0)
	require.ErrorIs(t, err, dberrors.ErrBadRequest)
}

func TestEdgeCollectionRequiresFromAndTo(t *testing.T) {
	c := openTestCollection(t, "knows")
	require.NoError(t, c.SetType(types.CollectionEdge))

	_, err := c.Insert(map[string]any{"weight": float64(1)}, "")
	require.ErrorIs(t, err, dberrors.ErrBadRequest)

	doc, err := c.Insert(map[string]any{"_from": "people/a", "_to": "people/b", "weight": float64(1)}, "")
	require.NoError(t, err)
	require.Equal(t, "people/a", doc.From)
	require.Equal(t, "people/b", doc.To)
	require.NotContains(t, doc.Payload, "_from")
	require.NotContains(t, doc.Payload, "_to")
}

func TestEdgeCollectionBatchRejectsMissingEndpoint(t *testing.T) {
	c := openTestCollection(t, "knows")
	require.NoError(t, c.SetType(types.CollectionEdge))

	_, err := c.InsertBatch(
		[]map[string]any{{"_from": "a", "_to": "b"}, {"_from": "a"}},
		[]string{"", ""},
	)
	require.ErrorIs(t, err, dberrors.ErrBadRequest)
}

func TestEdgeCollectionUpdatePreservesEndpointsWhenOmitted(t *testing.T) {
	c := openTestCollection(t, "knows")
	require.NoError(t, c.SetType(types.CollectionEdge))

	doc, err := c.Insert(map[string]any{"_from": "people/a", "_to": "people/b"}, "")
	require.NoError(t, err)

	updated, err := c.Update(doc.Key, map[string]any{"weight": float64(5)}, true)
	require.NoError(t, err)
	require.Equal(t, "people/a", updated.From)
	require.Equal(t, "people/b", updated.To)
}

func TestNonEdgeCollectionDoesNotRequireFromTo(t *testing.T) {
	c := openTestCollection(t, "widgets")
	doc, err := c.Insert(map[string]any{"name": "sprocket"}, "")
	require.NoError(t, err)
	require.Empty(t, doc.From)
	require.Empty(t, doc.To)
}

func TestPutBlobAndGetBlobRoundTrips(t *testing.T) {
	c := openTestCollection(t, "images")
	require.NoError(t, c.SetType(types.CollectionBlob))

	data := make([]byte, BlobChunkSize+10)
	for i := range data {
		data[i] = byte(i % 251)
	}

	doc, err := c.PutBlob("pic.png", data, "image/png")
	require.NoError(t, err)
	require.Equal(t, "image/png", doc.Payload["contentType"])
	require.Equal(t, 2, doc.Payload["chunkCount"])

	got, meta, err := c.GetBlob("pic.png")
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, doc.Rev, meta.Rev)
}

func TestPutBlobOverwriteTrimsOrphanChunks(t *testing.T) {
	c := openTestCollection(t, "images")
	require.NoError(t, c.SetType(types.CollectionBlob))

	big := make([]byte, BlobChunkSize+1)
	_, err := c.PutBlob("pic.png", big, "image/png")
	require.NoError(t, err)

	small := []byte("tiny")
	doc, err := c.PutBlob("pic.png", small, "image/png")
	require.NoError(t, err)
	require.Equal(t, 1, doc.Payload["chunkCount"])

	got, _, err := c.GetBlob("pic.png")
	require.NoError(t, err)
	require.Equal(t, small, got)
}

func TestDeleteBlobRemovesAllChunks(t *testing.T) {
	c := openTestCollection(t, "images")
	require.NoError(t, c.SetType(types.CollectionBlob))

	_, err := c.PutBlob("pic.png", []byte("hello"), "image/png")
	require.NoError(t, err)

	require.NoError(t, c.DeleteBlob("pic.png"))
	_, _, err = c.GetBlob("pic.png")
	require.ErrorIs(t, err, dberrors.ErrDocumentNotFound)
}

func TestBlobMethodsRejectNonBlobCollection(t *testing.T) {
	c := openTestCollection(t, "widgets")
	_, err := c.PutBlob("k", []byte("x"), "text/plain")
	require.ErrorIs(t, err, dberrors.ErrBadRequest)
}

func TestSubscribeChangesReceivesEvents(t *testing.T) {
	c := openTestCollection(t, "widgets")
	sub := c.SubscribeChanges()
	defer sub.Close()

	_, err := c.Insert(map[string]any{"a": 1}, "k1")
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		require.Equal(t, ChangeInsert, ev.Type)
		require.Equal(t, "k1", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
}
