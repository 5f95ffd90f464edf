// Package manifest implements the versioned JSON manifest persisted at
// index-manifest.json: the epoch counter, per-order page tables, pending
// tombstones, compression configuration, and orphaned pages awaiting GC.
//
// Grounded on pkg/fs.AtomicWriter for the write path (mirroring how
// pkg/mddb persists its schema fingerprint atomically) and on
// encoding/json's default tolerant decoding (unknown fields are ignored,
// letting an older reader open a manifest written by a newer version as
// long as it doesn't need the new field).
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/synapsedb/synapsedb/internal/pagedindex"
	"github.com/synapsedb/synapsedb/internal/staging"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

// pagesDirName is the subdirectory, relative to a database's directory,
// holding each order's append-only page file.
const pagesDirName = "pages"

// OrderFilePath returns the canonical append-only page file path for name,
// rooted at dir — "<dir>/pages/<name>.idxpage", matching spec.md section
// 6.1/6.4's per-order layout.
func OrderFilePath(dir string, name OrderName) string {
	return filepath.Join(dir, pagesDirName, string(name)+".idxpage")
}

// PagesDir returns the directory holding every order's page file, rooted at
// dir.
func PagesDir(dir string) string {
	return filepath.Join(dir, pagesDirName)
}

// OrderName is the on-disk key for one of the six sort orders.
type OrderName string

const (
	NameSPO OrderName = "spo"
	NameSOP OrderName = "sop"
	NamePOS OrderName = "pos"
	NamePSO OrderName = "pso"
	NameOSP OrderName = "osp"
	NameOPS OrderName = "ops"
)

var orderNames = map[pagedindex.Order]OrderName{
	pagedindex.SPO: NameSPO,
	pagedindex.SOP: NameSOP,
	pagedindex.POS: NamePOS,
	pagedindex.PSO: NamePSO,
	pagedindex.OSP: NameOSP,
	pagedindex.OPS: NameOPS,
}

var namesToOrder = map[OrderName]pagedindex.Order{
	NameSPO: pagedindex.SPO,
	NameSOP: pagedindex.SOP,
	NamePOS: pagedindex.POS,
	NamePSO: pagedindex.PSO,
	NameOSP: pagedindex.OSP,
	NameOPS: pagedindex.OPS,
}

// OrderNameOf returns the manifest key for order.
func OrderNameOf(order pagedindex.Order) OrderName { return orderNames[order] }

// OrderOf returns the order for a manifest key.
func OrderOf(name OrderName) (pagedindex.Order, bool) {
	o, ok := namesToOrder[name]

	return o, ok
}

// CompressionConfig records which codec, if any, page bodies are compressed
// with.
type CompressionConfig struct {
	Codec string `json:"codec"`
}

// OrderManifest is one order's page table.
type OrderManifest struct {
	Pages []pagedindex.PageMeta `json:"pages"`
}

// Manifest is the full persisted state of the index layer, versioned by a
// monotonically increasing Epoch. A new Manifest supersedes the previous
// one only once it has been atomically written; readers holding a pinned
// epoch keep reading the old manifest's pages until they release their pin.
type Manifest struct {
	Epoch       uint64                      `json:"epoch"`
	Compression CompressionConfig           `json:"compression"`
	Orders      map[OrderName]OrderManifest `json:"orders"`
	Tombstones  []staging.Triple            `json:"tombstones"`
	Orphans     []string                    `json:"orphans"`
}

// New returns an empty manifest at epoch 0 with no compression.
func New() *Manifest {
	return &Manifest{
		Orders: make(map[OrderName]OrderManifest),
	}
}

// NextEpoch returns a copy of m with Epoch incremented by one, ready for the
// caller to populate with the next generation's page tables before writing.
func (m *Manifest) NextEpoch() *Manifest {
	next := &Manifest{
		Epoch:       m.Epoch + 1,
		Compression: m.Compression,
		Orders:      make(map[OrderName]OrderManifest, len(m.Orders)),
		Tombstones:  append([]staging.Triple(nil), m.Tombstones...),
		Orphans:     append([]string(nil), m.Orphans...),
	}

	for k, v := range m.Orders {
		next.Orders[k] = v
	}

	return next
}

// Write atomically (re)writes the manifest at path as indented JSON.
func Write(atomic *fs.AtomicWriter, path string, m *Manifest) error {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}

	if err := atomic.WriteWithDefaults(path, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("manifest: write %q: %w", path, err)
	}

	return nil
}

// Read loads and decodes the manifest at path. Unknown JSON fields (from a
// newer manifest version) are silently ignored, per encoding/json's default
// behavior.
func Read(fsys fs.FS, path string) (*Manifest, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %q: %w", path, err)
	}

	var m Manifest

	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode %q: %w", path, err)
	}

	if m.Orders == nil {
		m.Orders = make(map[OrderName]OrderManifest)
	}

	return &m, nil
}

// InitializeIfMissing writes an empty manifest at path if it does not
// already exist.
func InitializeIfMissing(fsys fs.FS, atomic *fs.AtomicWriter, path string) error {
	exists, err := fsys.Exists(path)
	if err != nil {
		return fmt.Errorf("manifest: stat %q: %w", path, err)
	}

	if exists {
		return nil
	}

	return Write(atomic, path, New())
}
