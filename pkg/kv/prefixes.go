package kv

import "fmt"

// Key prefixes, normative per spec §6 "Persisted layout". Future versions
// must keep these stable or ship a documented migration.
const (
	PrefixDoc         = "doc:"
	PrefixIndex       = "idx:"       // idx:<name>:
	PrefixIndexMeta   = "idx_meta:"  // idx_meta:<name>
	PrefixGeo         = "geo:"
	PrefixGeoMeta      = "geo_meta:"
	PrefixFulltext    = "ft:"
	PrefixFulltextMeta = "ft_meta:"
	PrefixFulltextTerm = "ft_term:"
	PrefixTTLMeta     = "ttl_meta:"
	PrefixTTLExpiry   = "ttl_exp:"
	PrefixVectorMeta  = "vec_meta:"
	PrefixVectorData  = "vec_data:"
	PrefixBlobChunk   = "blo:"
	PrefixReplLog     = "repl:" // repl:<16-hex-digit zero-padded sequence>
	PrefixTombstone   = "tomb:" // tomb:<collection>:<key>
	StatsCount        = "_stats:count"
	StatsType         = "_stats:type"
	StatsShardConfig  = "_stats:shard_config"
	StatsShardTable   = "_stats:shard_table"
	StatsSchema       = "_stats:schema"
)

// DocKey builds the storage key for a document in a given collection.
func DocKey(collection, key string) []byte {
	return []byte(PrefixDoc + collection + ":" + key)
}

// DocPrefix returns the scan prefix for every document in a collection.
func DocPrefix(collection string) []byte {
	return []byte(PrefixDoc + collection + ":")
}

// IndexEntryKey builds the storage key for one persistent/hash index entry:
// idx:<name>:<encoded field value><doc key>.
func IndexEntryKey(indexName string, encodedValue []byte, docKey string) []byte {
	b := []byte(PrefixIndex + indexName + ":")
	b = append(b, encodedValue...)
	b = append(b, []byte(docKey)...)
	return b
}

// IndexPrefix returns the scan prefix for all entries of an index.
func IndexPrefix(indexName string) []byte {
	return []byte(PrefixIndex + indexName + ":")
}

// IndexMetaKey is where an index's descriptor (types.IndexSpec) is stored.
func IndexMetaKey(indexName string) []byte {
	return []byte(PrefixIndexMeta + indexName)
}

// ReplLogKey builds the storage key for one replication log entry,
// zero-padded so lexicographic key order matches sequence order.
func ReplLogKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", PrefixReplLog, seq))
}

// ReplLogPrefix returns the scan prefix covering the whole replication
// log.
func ReplLogPrefix() []byte {
	return []byte(PrefixReplLog)
}

// TombstoneKey builds the storage key for one deleted document's
// retained tombstone record.
func TombstoneKey(collection, key string) []byte {
	return []byte(PrefixTombstone + collection + ":" + key)
}

// TombstonePrefix returns the scan prefix for every tombstone in a
// collection.
func TombstonePrefix(collection string) []byte {
	return []byte(PrefixTombstone + collection + ":")
}

// BlobChunkKey builds the storage key for one chunk of a blob document:
// blo:<collection>:<key>:<zero-padded chunk index>, so a prefix scan over
// BlobChunkPrefix yields every chunk in order.
func BlobChunkKey(collection, key string, chunkIndex int) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%08d", PrefixBlobChunk, collection, key, chunkIndex))
}

// BlobChunkPrefix returns the scan prefix covering every chunk of one blob
// document.
func BlobChunkPrefix(collection, key string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", PrefixBlobChunk, collection, key))
}
