// Package document implements the versioned row encoding described in
// spec §4.B: serialize/deserialize a types.Document to/from bytes, with a
// legacy-JSON fallback for any buffer that doesn't carry a known version
// prefix.
package document

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solidb/solidb/pkg/types"
)

// CurrentVersion is the only version prefix this package writes. Any other
// leading byte triggers legacy JSON fallback on read.
const CurrentVersion byte = 1

// Serialize encodes a document as `<version byte><body>`. The body is a
// compact binary layout: length-prefixed strings, varint-encoded payload
// length, then the raw JSON payload blob.
func Serialize(d *types.Document) ([]byte, error) {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("document: marshal payload: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteByte(CurrentVersion)

	writeString(&buf, d.Key)
	writeString(&buf, d.Rev)
	writeString(&buf, d.From)
	writeString(&buf, d.To)
	writeVarint(&buf, d.CreatedAt.UnixNano())
	writeVarint(&buf, d.UpdatedAt.UnixNano())
	writeVarint(&buf, int64(len(payload)))
	buf.Write(payload)

	return buf.Bytes(), nil
}

// Deserialize decodes bytes produced by Serialize, or falls back to plain
// JSON decode for any buffer whose leading byte isn't CurrentVersion —
// the "legacy fallback" path of §4.B.
func Deserialize(b []byte) (*types.Document, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("document: empty buffer")
	}
	if b[0] != CurrentVersion {
		return deserializeLegacy(b)
	}

	r := bytes.NewReader(b[1:])
	key, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("document: read key: %w", err)
	}
	rev, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("document: read rev: %w", err)
	}
	from, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("document: read from: %w", err)
	}
	to, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("document: read to: %w", err)
	}
	createdNano, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("document: read createdAt: %w", err)
	}
	updatedNano, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("document: read updatedAt: %w", err)
	}
	payloadLen, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("document: read payload length: %w", err)
	}
	payload := make([]byte, payloadLen)
	if _, err := r.Read(payload); err != nil && payloadLen > 0 {
		return nil, fmt.Errorf("document: read payload: %w", err)
	}

	var fields map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("document: unmarshal payload: %w", err)
		}
	}

	return &types.Document{
		Key:       key,
		Rev:       rev,
		From:      from,
		To:        to,
		CreatedAt: time.Unix(0, createdNano).UTC(),
		UpdatedAt: time.Unix(0, updatedNano).UTC(),
		Payload:   fields,
	}, nil
}

func deserializeLegacy(b []byte) (*types.Document, error) {
	var d types.Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("document: legacy fallback decode: %w", err)
	}
	return &d, nil
}

// NeedsMigration reports whether a stored buffer predates CurrentVersion
// and would be rewritten to the current format on next write.
func NeedsMigration(b []byte) bool {
	return len(b) == 0 || b[0] != CurrentVersion
}

func writeString(buf *bytes.Buffer, s string) {
	writeVarint(buf, int64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readVarint(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeVarint(buf *bytes.Buffer, v int64) {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutVarint(tmp, v)
	buf.Write(tmp[:n])
}

func readVarint(r *bytes.Reader) (int64, error) {
	return binary.ReadVarint(r)
}
