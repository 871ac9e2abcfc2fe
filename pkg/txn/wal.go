// Package txn implements §4.E: the transaction manager and its
// write-ahead log. Grounded on cuemby-warren's manager/fsm.go Command/
// Apply pattern for "one JSON-framed record per state change, replayed in
// order on restart" — generalized here from a Raft-replicated command log
// to a local, fsync'd WAL, since document replication (§4.K) is a
// separate, asynchronous concern from transaction durability.
package txn

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/solidb/solidb/pkg/metrics"
	"github.com/solidb/solidb/pkg/types"
)

// Op is one staged mutation within a transaction's write set.
type Op struct {
	Type       types.ReplicationOp `json:"type"`
	Collection string              `json:"collection"`
	Key        string              `json:"key"`
	Data       json.RawMessage     `json:"data,omitempty"`
}

// record is the WAL's framed unit: {txn_id, begin_ts, commit_ts, ops,
// checksum} per §4.E, with Committed distinguishing a fully-written commit
// marker from a torn write left by a crash mid-append.
type record struct {
	TxnID     string    `json:"txnId"`
	BeginTS   time.Time `json:"beginTs"`
	CommitTS  time.Time `json:"commitTs"`
	Ops       []Op      `json:"ops"`
	Committed bool      `json:"committed"`
}

// wal is a length-prefixed, crc32-checked append-only log file.
type wal struct {
	mu   sync.Mutex
	file *os.File
}

func openWAL(dataDir string) (*wal, error) {
	path := filepath.Join(dataDir, "wal.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("txn: open wal: %w", err)
	}
	return &wal{file: f}, nil
}

func (w *wal) close() error {
	return w.file.Close()
}

// append writes one record frame and fsyncs before returning, so a crash
// immediately after append never loses an acknowledged commit.
func (w *wal) append(r record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WALFsyncDuration)

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("txn: encode wal record: %w", err)
	}
	checksum := crc32.ChecksumIEEE(payload)

	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:], checksum)

	if _, err := w.file.Write(header); err != nil {
		return fmt.Errorf("txn: write wal header: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("txn: write wal payload: %w", err)
	}
	return w.file.Sync()
}

// replay reads every well-formed record in order. A record whose checksum
// fails (a torn write from a crash mid-append) truncates the log at that
// point rather than erroring, per §4.E "uncommitted tails are truncated".
func (w *wal) replay() ([]record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReader(w.file)

	var records []record
	var offset int64
	for {
		header := make([]byte, 8)
		n, err := io.ReadFull(r, header)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n < 8) {
			break
		}
		if err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(header[:4])
		wantCRC := binary.BigEndian.Uint32(header[4:])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // torn write: stop before the incomplete record
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break // corrupted record: treat as an uncommitted tail
		}

		var rec record
		if err := json.Unmarshal(payload, &rec); err != nil {
			break
		}
		records = append(records, rec)
		offset += int64(8 + length)
	}

	// Truncate any torn tail so future appends start clean.
	if err := w.file.Truncate(offset); err != nil {
		return nil, err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return records, nil
}
