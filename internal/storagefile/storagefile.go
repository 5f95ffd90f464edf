// Package storagefile implements the crash-safe main-file header and
// section layout described in spec.md section 4.1: a fixed 64-byte header
// (magic, version, three {offset,length} section pointers) followed by
// three contiguous sections (dictionary, triples, properties).
//
// Triple data itself no longer lives in this file: the six paged indexes
// are each their own append-only file under "<dir>/pages/" (see
// internal/manifest.OrderFilePath), so only the dictionary, a reserved
// (always-empty) triples section, and node/edge properties are packed here.
package storagefile

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/synapsedb/synapsedb/internal/codec"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

const (
	// Magic is the 9-byte file magic stamped at offset 0.
	Magic = "SYNAPSEDB"
	// Version is the current main-file format version. Bumped from 2 to 3
	// when the indexes section was removed in favor of per-order page
	// files; a version-2 file (which still carries an indexes section this
	// package no longer knows how to place) is rejected by decodeHeader.
	Version uint32 = 3

	// HeaderSize is the fixed on-disk header size; also the absolute file
	// offset at which the first section (Dictionary) begins.
	HeaderSize = 64

	headerSize  = HeaderSize
	sectionBase = HeaderSize

	offMagic     = 0
	offVersion   = 9
	// 3 bytes padding at offset 13 bring section pointers to offset 16.
	offSections = 16

	numSections   = 3
	sectionStride = 16 // {uint32 offset, uint32 length} followed by 8 unused bytes
)

// SectionKind names the three fixed sections, in on-disk order.
type SectionKind int

const (
	SectionDictionary SectionKind = iota
	SectionTriples
	SectionProperties
)

// ErrCorruptHeader reports a main file that is too short or carries a bad
// magic or version. It is fatal on open, per spec.md section 7.
var ErrCorruptHeader = errors.New("storagefile: corrupt header")

// Section describes one {offset, length} pointer.
type Section struct {
	Offset uint32
	Length uint32
}

// Layout is the decoded 64-byte header plus the three section pointers.
type Layout struct {
	Version  uint32
	Sections [numSections]Section
}

// Bytes returns the section's payload, given the full file bytes.
func (l Layout) Bytes(full []byte, kind SectionKind) []byte {
	s := l.Sections[kind]

	return full[s.Offset : s.Offset+s.Length]
}

// encodeHeader renders the 64-byte header for the given section lengths, in
// SectionDictionary..SectionProperties order, assuming sections are packed
// contiguously starting at offset 64.
func encodeHeader(lengths [numSections]uint32) []byte {
	buf := make([]byte, headerSize)

	copy(buf[offMagic:], Magic)
	codec.PutUint32LE(buf[offVersion:], Version)

	offset := uint32(sectionBase)

	for i, length := range lengths {
		p := offSections + i*sectionStride
		codec.PutUint32LE(buf[p:], offset)
		codec.PutUint32LE(buf[p+4:], length)
		offset += length
	}

	return buf
}

// decodeHeader validates and parses the 64-byte header.
func decodeHeader(buf []byte) (Layout, error) {
	if len(buf) < headerSize {
		return Layout{}, fmt.Errorf("%w: header too short (%d bytes)", ErrCorruptHeader, len(buf))
	}

	if !bytes.Equal(buf[offMagic:offMagic+len(Magic)], []byte(Magic)) {
		return Layout{}, fmt.Errorf("%w: bad magic", ErrCorruptHeader)
	}

	version := codec.Uint32LE(buf[offVersion:])
	if version != Version {
		return Layout{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptHeader, version)
	}

	var layout Layout
	layout.Version = version

	for i := range numSections {
		p := offSections + i*sectionStride
		layout.Sections[i] = Section{
			Offset: codec.Uint32LE(buf[p:]),
			Length: codec.Uint32LE(buf[p+4:]),
		}
	}

	return layout, nil
}

// Write atomically (re)writes path with the given three section payloads,
// in SectionDictionary..SectionProperties order. Through atomic it writes a
// temp file in the same directory, fsyncs it, renames it over path, then
// fsyncs the containing directory (a failure there is returned).
func Write(atomic *fs.AtomicWriter, path string, sections [numSections][]byte) error {
	var lengths [numSections]uint32
	for i, s := range sections {
		lengths[i] = uint32(len(s))
	}

	header := encodeHeader(lengths)

	var buf bytes.Buffer

	buf.Write(header)

	for _, s := range sections {
		buf.Write(s)
	}

	if err := atomic.WriteWithDefaults(path, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("storagefile: write %q: %w", path, err)
	}

	return nil
}

// Read loads and validates the full main file, returning its layout and raw
// bytes (callers slice sections out of the raw bytes via Layout.Bytes).
func Read(fsys fs.FS, path string) (Layout, []byte, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return Layout{}, nil, fmt.Errorf("storagefile: read %q: %w", path, err)
	}

	layout, err := decodeHeader(data)
	if err != nil {
		return Layout{}, nil, fmt.Errorf("storagefile: %q: %w", path, err)
	}

	return layout, data, nil
}

// InitializeIfMissing writes an empty main file (zero-count dictionary,
// triples, and properties sections) at path if it does not already exist.
func InitializeIfMissing(fsys fs.FS, atomic *fs.AtomicWriter, path string) error {
	exists, err := fsys.Exists(path)
	if err != nil {
		return fmt.Errorf("storagefile: stat %q: %w", path, err)
	}

	if exists {
		return nil
	}

	empty := []byte{0, 0, 0, 0} // a zero-length count, shared by every empty section

	return Write(atomic, path, [numSections][]byte{empty, empty, empty})
}
