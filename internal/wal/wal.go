// Package wal implements the framed, streamed write-ahead log: a 12-byte
// file header followed by a stream of checksummed records describing
// nested BEGIN/COMMIT/ABORT transactions over fact and property writes.
//
// Unlike the teacher's footer-validated WAL (pkg/mddb/wal.go,
// internal/store/wal.go), which buffers a whole transaction body and
// validates a trailing footer before any of it can be trusted, this WAL is
// replayed record-by-record: a torn write at any point simply truncates the
// log back to the last fully-committed outermost transaction boundary, with
// no footer required to begin parsing.
package wal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/synapsedb/synapsedb/internal/codec"
	"github.com/synapsedb/synapsedb/internal/staging"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

const (
	magic          = "SYNWAL"
	headerSize     = 12
	currentVersion uint32 = 2
)

// Record types. BEGIN/COMMIT/ABORT frame nested transactions; the other four
// describe the actual write being logged.
const (
	RecordBegin             byte = 0x10
	RecordAddFact           byte = 0x20
	RecordDeleteFact        byte = 0x30
	RecordSetNodeProperties byte = 0x31
	RecordSetEdgeProperties byte = 0x40
	RecordCommit            byte = 0x41
	RecordAbort             byte = 0x42
)

// beginFlagHasTxID is set in a BEGIN record's mask byte when a transaction
// id follows the mask (used for cross-session idempotence on replay).
const beginFlagHasTxID byte = 1 << 0

// ErrCorrupt reports a WAL whose header or a record's checksum does not
// validate.
var ErrCorrupt = errors.New("wal: corrupt")

// ErrUnsupportedVersion reports a WAL header with a version this build
// does not know how to replay.
var ErrUnsupportedVersion = errors.New("wal: unsupported version")

// ErrRecordOutsideTransaction reports a write record appearing without an
// enclosing BEGIN, which should never happen for a WAL this package wrote.
var ErrRecordOutsideTransaction = errors.New("wal: record outside transaction")

// Applier receives the operations replayed from a WAL, applied exactly once
// per outermost-committed transaction, in log order.
type Applier interface {
	AddFact(t staging.Triple)
	DeleteFact(t staging.Triple)
	SetNodeProperties(id uint32, data map[string]any)
	SetEdgeProperties(t staging.Triple, data map[string]any)
}

// WAL is an open write-ahead log file positioned for appending after its
// header and any previously-replayed records.
type WAL struct {
	file       fs.File
	offset     int64 // current append offset, end of file
	safeOffset int64 // offset just past the last fully-replayed outermost transaction
}

// Open opens (creating if necessary) the WAL file at path, writing a fresh
// header if the file is empty, and validating the header otherwise.
func Open(fsys fs.FS, path string) (*WAL, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("wal: stat %q: %w", path, err)
	}

	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %q: %w", path, err)
	}

	w := &WAL{file: file}

	if !exists {
		if err := w.writeHeader(); err != nil {
			return nil, err
		}

		return w, nil
	}

	if err := w.readAndValidateHeader(); err != nil {
		return nil, err
	}

	size, err := w.fileSize()
	if err != nil {
		return nil, err
	}

	w.offset = size
	w.safeOffset = headerSize

	return w, nil
}

func (w *WAL) writeHeader() error {
	var buf [headerSize]byte

	copy(buf[:6], magic)
	codec.PutUint32LE(buf[8:12], currentVersion)

	if _, err := w.file.Write(buf[:]); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync header: %w", err)
	}

	w.offset = headerSize
	w.safeOffset = headerSize

	return nil
}

func (w *WAL) readAndValidateHeader() error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek header: %w", err)
	}

	var buf [headerSize]byte

	n, err := io.ReadFull(w.file, buf[:])
	if err != nil || n < headerSize {
		return fmt.Errorf("%w: short header", ErrCorrupt)
	}

	if string(buf[:6]) != magic {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	version := codec.Uint32LE(buf[8:12])
	if version != currentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	return nil
}

func (w *WAL) fileSize() (int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("wal: stat: %w", err)
	}

	return info.Size(), nil
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close: %w", err)
	}

	return nil
}

// --- append path ---

func (w *WAL) appendRecord(kind byte, payload []byte) error {
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek end: %w", err)
	}

	var head [9]byte

	head[0] = kind
	codec.PutUint32LE(head[1:5], uint32(len(payload)))
	codec.PutUint32LE(head[5:9], codec.ByteSum32(payload))

	if _, err := w.file.Write(head[:]); err != nil {
		return fmt.Errorf("wal: write record header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := w.file.Write(payload); err != nil {
			return fmt.Errorf("wal: write record payload: %w", err)
		}
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync record: %w", err)
	}

	w.offset += int64(len(head)) + int64(len(payload))

	return nil
}

// AppendBegin logs the start of a (possibly nested) transaction. txID, when
// non-nil, is used to deduplicate this transaction on replay.
func (w *WAL) AppendBegin(txID *uint64, sessionID string) error {
	var mask byte

	if txID != nil {
		mask |= beginFlagHasTxID
	}

	var buf []byte

	buf = append(buf, mask)

	if txID != nil {
		var idBuf [8]byte
		codec.PutUint64LE(idBuf[:], *txID)
		buf = append(buf, idBuf[:]...)
	}

	var sessBuf [4]byte
	codec.PutUint32LE(sessBuf[:], uint32(len(sessionID)))
	buf = append(buf, sessBuf[:]...)
	buf = append(buf, sessionID...)

	return w.appendRecord(RecordBegin, buf)
}

// AppendAddFact logs a staged triple insertion.
func (w *WAL) AppendAddFact(t staging.Triple) error {
	return w.appendRecord(RecordAddFact, encodeTriple(t))
}

// AppendDeleteFact logs a staged triple tombstone.
func (w *WAL) AppendDeleteFact(t staging.Triple) error {
	return w.appendRecord(RecordDeleteFact, encodeTriple(t))
}

// AppendSetNodeProperties logs a node property bag replacement.
func (w *WAL) AppendSetNodeProperties(id uint32, data map[string]any) error {
	var buf []byte

	var idBuf [4]byte
	codec.PutUint32LE(idBuf[:], id)
	buf = append(buf, idBuf[:]...)

	payload, err := encodeJSON(data)
	if err != nil {
		return fmt.Errorf("wal: encode node properties: %w", err)
	}

	buf = append(buf, payload...)

	return w.appendRecord(RecordSetNodeProperties, buf)
}

// AppendSetEdgeProperties logs an edge property bag replacement.
func (w *WAL) AppendSetEdgeProperties(t staging.Triple, data map[string]any) error {
	buf := encodeTriple(t)

	payload, err := encodeJSON(data)
	if err != nil {
		return fmt.Errorf("wal: encode edge properties: %w", err)
	}

	buf = append(buf, payload...)

	return w.appendRecord(RecordSetEdgeProperties, buf)
}

// AppendCommit logs the end of the current transaction.
func (w *WAL) AppendCommit() error {
	return w.appendRecord(RecordCommit, nil)
}

// AppendAbort logs the abandonment of the current transaction.
func (w *WAL) AppendAbort() error {
	return w.appendRecord(RecordAbort, nil)
}

// Reset truncates the log back to just after the header, discarding all
// records. Called after a successful flush, once every staged write has
// been durably persisted into the main file.
func (w *WAL) Reset() error {
	return w.truncateTo(headerSize)
}

// SafeOffset returns the file offset just past the last fully-replayed
// outermost transaction, as of the most recent Replay call (or headerSize,
// if Replay has not yet run).
func (w *WAL) SafeOffset() int64 {
	return w.safeOffset
}

// TruncateToSafeOffset discards any bytes after SafeOffset — a dangling,
// unterminated transaction or a torn/corrupt tail record left over from a
// crash mid-append.
func (w *WAL) TruncateToSafeOffset() error {
	return w.truncateTo(w.safeOffset)
}

// truncateTo shrinks the file to size bytes, exactly as the teacher's
// truncateWal does via syscall.Ftruncate, and repositions the append offset.
func (w *WAL) truncateTo(size int64) error {
	if err := syscall.Ftruncate(int(w.file.Fd()), size); err != nil {
		return fmt.Errorf("wal: truncate to %d: %w", size, err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync truncate: %w", err)
	}

	w.offset = size
	w.safeOffset = size

	return nil
}

func encodeTriple(t staging.Triple) []byte {
	buf := make([]byte, 12)
	codec.PutUint32LE(buf[0:4], t.S)
	codec.PutUint32LE(buf[4:8], t.P)
	codec.PutUint32LE(buf[8:12], t.O)

	return buf
}

func decodeTriple(buf []byte) (staging.Triple, error) {
	if len(buf) < 12 {
		return staging.Triple{}, fmt.Errorf("wal: %w: triple payload", codec.ErrShortBuffer)
	}

	return staging.Triple{
		S: codec.Uint32LE(buf[0:4]),
		P: codec.Uint32LE(buf[4:8]),
		O: codec.Uint32LE(buf[8:12]),
	}, nil
}

func encodeJSON(data map[string]any) ([]byte, error) {
	var buf bytes.Buffer

	if err := codec.WriteJSONValue(&buf, data); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeJSON(r *bytes.Reader) (map[string]any, error) {
	var data map[string]any

	if err := codec.ReadJSONValue(r, &data); err != nil {
		return nil, err
	}

	return data, nil
}

// op is one logged write, deferred until its enclosing outermost
// transaction commits.
type op struct {
	kind byte
	t    staging.Triple
	id   uint32
	data map[string]any
}

func (o op) apply(a Applier) {
	switch o.kind {
	case RecordAddFact:
		a.AddFact(o.t)
	case RecordDeleteFact:
		a.DeleteFact(o.t)
	case RecordSetNodeProperties:
		a.SetNodeProperties(o.id, o.data)
	case RecordSetEdgeProperties:
		a.SetEdgeProperties(o.t, o.data)
	}
}

// layer is one open (possibly nested) transaction's accumulated ops.
type layer struct {
	txID *uint64
	ops  []op
}

// Replay reads every fully-formed record after the header and applies the
// writes of each committed outermost transaction, in order, to a. A nested
// transaction's COMMIT merges its ops into the enclosing layer rather than
// applying them ("merge upward"); only the outermost COMMIT actually calls
// into a. A transaction still open, or followed by a corrupt or truncated
// record, is discarded, and SafeOffset is left at the end of the last
// fully-replayed outermost transaction. Replay does not truncate the file
// itself; callers decide whether to do so via TruncateToSafeOffset.
//
// appliedTxIDs, if non-nil, is consulted and updated in place: a BEGIN
// carrying a txID already present is replayed structurally (so nesting stays
// balanced) but its ops are not applied a second time.
func (w *WAL) Replay(a Applier, appliedTxIDs map[uint64]struct{}) error {
	if _, err := w.file.Seek(headerSize, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek for replay: %w", err)
	}

	pos := int64(headerSize)
	w.safeOffset = headerSize

	var stack []*layer

	for {
		kind, payload, recordLen, err := w.readRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Any other error (short read, bad checksum) means a torn or
			// corrupt tail: stop here, keep safeOffset at the last good
			// boundary.
			break
		}

		switch kind {
		case RecordBegin:
			txID, _, decodeErr := decodeBegin(payload)
			if decodeErr != nil {
				return nil // malformed BEGIN: treat as torn tail, like other decode failures below
			}

			stack = append(stack, &layer{txID: txID})

		case RecordAddFact, RecordDeleteFact:
			t, decodeErr := decodeTriple(payload)
			if decodeErr != nil {
				return nil
			}

			if len(stack) == 0 {
				return fmt.Errorf("wal: %w at offset %d", ErrRecordOutsideTransaction, pos)
			}

			top := stack[len(stack)-1]
			top.ops = append(top.ops, op{kind: kind, t: t})

		case RecordSetNodeProperties:
			if len(payload) < 4 {
				return nil
			}

			id := codec.Uint32LE(payload[0:4])

			data, decodeErr := decodeJSON(bytes.NewReader(payload[4:]))
			if decodeErr != nil {
				return nil
			}

			if len(stack) == 0 {
				return fmt.Errorf("wal: %w at offset %d", ErrRecordOutsideTransaction, pos)
			}

			top := stack[len(stack)-1]
			top.ops = append(top.ops, op{kind: kind, id: id, data: data})

		case RecordSetEdgeProperties:
			t, decodeErr := decodeTriple(payload)
			if decodeErr != nil {
				return nil
			}

			data, decodeErr := decodeJSON(bytes.NewReader(payload[12:]))
			if decodeErr != nil {
				return nil
			}

			if len(stack) == 0 {
				return fmt.Errorf("wal: %w at offset %d", ErrRecordOutsideTransaction, pos)
			}

			top := stack[len(stack)-1]
			top.ops = append(top.ops, op{kind: kind, t: t, data: data})

		case RecordCommit:
			if len(stack) == 0 {
				return fmt.Errorf("wal: %w: commit with no open transaction at offset %d", ErrCorrupt, pos)
			}

			closed := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if len(stack) > 0 {
				// nested commit: merge upward into the parent layer.
				parent := stack[len(stack)-1]
				parent.ops = append(parent.ops, closed.ops...)
			} else {
				applyLayer(closed, a, appliedTxIDs)
				pos += recordLen
				w.safeOffset = pos

				continue
			}

		case RecordAbort:
			if len(stack) == 0 {
				return fmt.Errorf("wal: %w: abort with no open transaction at offset %d", ErrCorrupt, pos)
			}

			stack = stack[:len(stack)-1]

			if len(stack) == 0 {
				pos += recordLen
				w.safeOffset = pos

				continue
			}

		default:
			return fmt.Errorf("wal: %w: unknown record type 0x%02x at offset %d", ErrCorrupt, kind, pos)
		}

		pos += recordLen
	}

	return nil
}

func applyLayer(l *layer, a Applier, appliedTxIDs map[uint64]struct{}) {
	if l.txID != nil && appliedTxIDs != nil {
		if _, seen := appliedTxIDs[*l.txID]; seen {
			return
		}

		appliedTxIDs[*l.txID] = struct{}{}
	}

	for _, o := range l.ops {
		o.apply(a)
	}
}

func decodeBegin(payload []byte) (*uint64, string, error) {
	if len(payload) < 1 {
		return nil, "", fmt.Errorf("wal: %w: begin payload", codec.ErrShortBuffer)
	}

	mask := payload[0]
	rest := payload[1:]

	var txID *uint64

	if mask&beginFlagHasTxID != 0 {
		if len(rest) < 8 {
			return nil, "", fmt.Errorf("wal: %w: begin txid", codec.ErrShortBuffer)
		}

		id := codec.Uint64LE(rest[:8])
		txID = &id
		rest = rest[8:]
	}

	if len(rest) < 4 {
		return nil, "", fmt.Errorf("wal: %w: begin session length", codec.ErrShortBuffer)
	}

	n := codec.Uint32LE(rest[:4])
	rest = rest[4:]

	if uint32(len(rest)) < n {
		return nil, "", fmt.Errorf("wal: %w: begin session bytes", codec.ErrShortBuffer)
	}

	return txID, string(rest[:n]), nil
}

// readRecord reads one [type:1][len:4][checksum:4][payload] record at the
// file's current position, validating the checksum. recordLen is the total
// number of bytes the record occupies (header + payload).
func (w *WAL) readRecord() (kind byte, payload []byte, recordLen int64, err error) {
	var head [9]byte

	n, err := io.ReadFull(w.file, head[:])
	if err != nil {
		if n == 0 {
			return 0, nil, 0, io.EOF
		}

		return 0, nil, 0, fmt.Errorf("%w: short record header", ErrCorrupt)
	}

	kind = head[0]
	length := codec.Uint32LE(head[1:5])
	checksum := codec.Uint32LE(head[5:9])

	payload = make([]byte, length)

	if length > 0 {
		if _, err := io.ReadFull(w.file, payload); err != nil {
			return 0, nil, 0, fmt.Errorf("%w: short record payload", ErrCorrupt)
		}
	}

	if codec.ByteSum32(payload) != checksum {
		return 0, nil, 0, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	return kind, payload, int64(len(head)) + int64(length), nil
}
