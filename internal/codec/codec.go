// Package codec provides the little-endian integer, length-prefixed string,
// JSON-value, and checksum primitives shared by every on-disk format in
// synapsedb: the storage file header, the dictionary, the WAL, and the
// paged indexes.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// ErrShortBuffer is returned when a decode call is given fewer bytes than
// the encoding requires.
var ErrShortBuffer = errors.New("codec: short buffer")

// crc32Table is the CRC-32 table built from the IEEE/0xEDB88320 polynomial,
// used for page checksums.
var crc32Table = crc32.MakeTable(crc32.IEEE)

// CRC32 computes the checksum used for page bodies. The main-file header
// carries no checksum.
func CRC32(b []byte) uint32 {
	return crc32.Checksum(b, crc32Table)
}

// ByteSum32 is the WAL per-record checksum: a plain sum of payload bytes
// modulo 2^32, per spec.md section 4.3. It is deliberately not a CRC.
func ByteSum32(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}

	return sum
}

// PutUint32LE writes v as 4 little-endian bytes into buf.
func PutUint32LE(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// Uint32LE reads a 4-byte little-endian uint32 from buf.
func Uint32LE(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// PutUint64LE writes v as 8 little-endian bytes into buf.
func PutUint64LE(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf, v)
}

// Uint64LE reads an 8-byte little-endian uint64 from buf.
func Uint64LE(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// WriteString appends a length-prefixed ([len:4 LE][bytes]) UTF-8 string to w.
func WriteString(w io.Writer, s string) error {
	var lenBuf [4]byte

	PutUint32LE(lenBuf[:], uint32(len(s)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write string length: %w", err)
	}

	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("write string bytes: %w", err)
	}

	return nil
}

// ReadString reads a length-prefixed UTF-8 string from r.
func ReadString(r io.Reader) (string, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}

	n := Uint32LE(lenBuf[:])

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read string bytes: %w", err)
	}

	return string(buf), nil
}

// WriteJSONValue writes v as a length-prefixed JSON payload.
func WriteJSONValue(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json value: %w", err)
	}

	var lenBuf [4]byte

	PutUint32LE(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write json value length: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write json value bytes: %w", err)
	}

	return nil
}

// ReadJSONValue reads a length-prefixed JSON payload into v.
func ReadJSONValue(r io.Reader, v any) error {
	var lenBuf [4]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("read json value length: %w", err)
	}

	n := Uint32LE(lenBuf[:])

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read json value bytes: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal json value: %w", err)
	}

	return nil
}
