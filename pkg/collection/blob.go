package collection

import (
	"time"

	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/document"
	"github.com/solidb/solidb/pkg/kv"
	"github.com/solidb/solidb/pkg/types"
)

// BlobChunkSize is the fixed size a blob document's payload is split into
// before being persisted as ordered blo:<collection>:<key>:<n> entries
// (§2 component D, §6 persisted layout). Chosen to keep a single chunk
// well under typical kv.Store value-size comfort zones.
const BlobChunkSize = 1 << 20 // 1 MiB

// PutBlob chunks data at BlobChunkSize and stores it under key, replacing
// whatever chunks (and however many) a prior PutBlob left behind. Only
// valid for collections declared CollectionBlob.
func (c *Collection) PutBlob(key string, data []byte, contentType string) (*types.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.collType != types.CollectionBlob {
		return nil, dberrors.NewBadRequest("collection %q is not a blob collection", c.name)
	}
	if key == "" {
		key = c.newKey()
	}

	existing, found, err := c.store.Get(kv.DocKey(c.name, key))
	if err != nil {
		return nil, dberrors.NewInternal("check existing blob", err)
	}

	chunkCount := (len(data) + BlobChunkSize - 1) / BlobChunkSize
	if len(data) == 0 {
		chunkCount = 1
	}

	err = c.store.Batch(func(b *kv.Batch) error {
		for i := 0; i < chunkCount; i++ {
			start := i * BlobChunkSize
			end := start + BlobChunkSize
			if end > len(data) {
				end = len(data)
			}
			if err := b.Put(kv.BlobChunkKey(c.name, key, i), data[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, dberrors.NewInternal("write blob chunks", err)
	}

	now := time.Now()
	createdAt := now
	rev := newRev()
	var oldDoc *types.Document
	if found {
		if oldDoc, err = document.Deserialize(existing); err == nil {
			createdAt = oldDoc.CreatedAt
		}
		if oldCount := blobChunkCount(oldDoc); oldCount > chunkCount {
			if err := c.deleteOrphanChunks(key, chunkCount, oldCount); err != nil {
				return nil, err
			}
		}
	}

	doc := &types.Document{
		Key: key, Rev: rev, CreatedAt: createdAt, UpdatedAt: now,
		Payload: map[string]any{
			"contentType": contentType,
			"size":        len(data),
			"chunkCount":  chunkCount,
		},
	}
	if err := c.write(doc); err != nil {
		return nil, err
	}
	if !found {
		c.bumpCount(1)
		c.publishInsert(doc)
	} else {
		c.publishUpdate(oldDoc, doc)
	}
	return doc, nil
}

// GetBlob reassembles every chunk of the blob stored at key, in order, and
// returns it alongside the blob's metadata document.
func (c *Collection) GetBlob(key string) ([]byte, *types.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.collType != types.CollectionBlob {
		return nil, nil, dberrors.NewBadRequest("collection %q is not a blob collection", c.name)
	}
	doc, err := c.get(key)
	if err != nil {
		return nil, nil, err
	}

	count := blobChunkCount(doc)
	var data []byte
	for i := 0; i < count; i++ {
		chunk, found, err := c.store.Get(kv.BlobChunkKey(c.name, key, i))
		if err != nil {
			return nil, nil, dberrors.NewInternal("read blob chunk", err)
		}
		if !found {
			return nil, nil, dberrors.NewInternal("read blob chunk", dberrors.NewDocumentNotFound(key))
		}
		data = append(data, chunk...)
	}
	return data, doc, nil
}

// DeleteBlob removes every chunk of the blob at key plus its metadata
// document.
func (c *Collection) DeleteBlob(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.collType != types.CollectionBlob {
		return dberrors.NewBadRequest("collection %q is not a blob collection", c.name)
	}
	doc, err := c.get(key)
	if err != nil {
		return err
	}

	count := blobChunkCount(doc)
	if err := c.deleteOrphanChunks(key, 0, count); err != nil {
		return err
	}
	if err := c.store.Delete(kv.DocKey(c.name, key)); err != nil {
		return dberrors.NewInternal("delete blob metadata", err)
	}
	c.bumpCount(-1)
	c.publishDelete(doc)
	return nil
}

// deleteOrphanChunks removes chunks [from, to) for key, used both to trim
// trailing chunks a shorter overwrite leaves behind and to clear every
// chunk on delete.
func (c *Collection) deleteOrphanChunks(key string, from, to int) error {
	for i := from; i < to; i++ {
		if err := c.store.Delete(kv.BlobChunkKey(c.name, key, i)); err != nil {
			return dberrors.NewInternal("delete orphan blob chunk", err)
		}
	}
	return nil
}

// blobChunkCount reads a blob metadata document's chunkCount field,
// tolerating both the in-memory int written by PutBlob and the float64
// json.Unmarshal produces after a document.Serialize/Deserialize round
// trip.
func blobChunkCount(doc *types.Document) int {
	if doc == nil {
		return 0
	}
	switch v := doc.Payload["chunkCount"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
