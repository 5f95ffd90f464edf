// Package dictionary implements the bidirectional string<->uint32 id map
// that every triple's subject, predicate, and object value is resolved
// through before being stored in any index order.
package dictionary

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/synapsedb/synapsedb/internal/codec"
)

// Dictionary is a bidirectional, append-only string<->id map. Ids are dense
// and assigned in insertion order starting at 0; they are never reused or
// renumbered, so a serialized dictionary is stable across opens as long as
// no entries are appended ahead of it.
//
// Safe for concurrent use: GetOrCreateID takes the write lock, and
// GetID/Value/Size/Serialize take the read lock.
type Dictionary struct {
	mu     sync.RWMutex
	byID   []string
	byName map[string]uint32
}

// New returns an empty dictionary.
func New() *Dictionary {
	return &Dictionary{
		byName: make(map[string]uint32),
	}
}

// GetOrCreateID returns the id for value, creating a new dense id if value
// has not been seen before. Only the writer calls this.
func (d *Dictionary) GetOrCreateID(value string) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.byName[value]; ok {
		return id
	}

	id := uint32(len(d.byID))
	d.byID = append(d.byID, value)
	d.byName[value] = id

	return id
}

// GetID returns the id for value and whether it exists.
func (d *Dictionary) GetID(value string) (uint32, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byName[value]

	return id, ok
}

// Value returns the string for id and whether it exists.
func (d *Dictionary) Value(id uint32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if int(id) >= len(d.byID) {
		return "", false
	}

	return d.byID[id], true
}

// Size returns the number of entries in the dictionary.
func (d *Dictionary) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.byID)
}

// Serialize encodes the dictionary as [count:4 LE]{[len:4 LE][bytes]}*, in
// id order, so the byte stream can be replayed back into the same ids.
func (d *Dictionary) Serialize() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var buf bytes.Buffer

	var countBuf [4]byte
	codec.PutUint32LE(countBuf[:], uint32(len(d.byID)))
	buf.Write(countBuf[:])

	for _, v := range d.byID {
		// WriteString cannot fail writing into a bytes.Buffer.
		_ = codec.WriteString(&buf, v)
	}

	return buf.Bytes()
}

// Deserialize rebuilds a dictionary from bytes produced by Serialize.
func Deserialize(data []byte) (*Dictionary, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("dictionary: %w: need at least 4 bytes, got %d", codec.ErrShortBuffer, len(data))
	}

	count := codec.Uint32LE(data[:4])

	r := bytes.NewReader(data[4:])

	d := New()

	for i := uint32(0); i < count; i++ {
		v, err := codec.ReadString(r)
		if err != nil {
			return nil, fmt.Errorf("dictionary: decode entry %d: %w", i, err)
		}

		id := uint32(len(d.byID))
		d.byID = append(d.byID, v)
		d.byName[v] = id
	}

	return d, nil
}
