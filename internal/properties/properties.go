// Package properties implements the node and edge property bags: arbitrary
// JSON-shaped side data attached to a dictionary id (node) or a full triple
// (edge), each wrapped in a {"__v": <version>, "data": <value>} envelope so
// future schema changes can be detected on read.
package properties

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/synapsedb/synapsedb/internal/codec"
	"github.com/synapsedb/synapsedb/internal/staging"
)

// CurrentVersion is the envelope version written for new property bags.
const CurrentVersion = 1

// Bag is the envelope every property value is wrapped in on disk.
type Bag struct {
	V    int            `json:"__v"`
	Data map[string]any `json:"data"`
}

// Store holds the node and edge property bags for a single database.
//
// Safe for concurrent use: writes happen under the store's write lock, and
// Get* calls take the read lock internally.
type Store struct {
	mu    sync.RWMutex
	nodes map[uint32]Bag
	edges map[staging.Triple]Bag
}

// New returns an empty property store.
func New() *Store {
	return &Store{
		nodes: make(map[uint32]Bag),
		edges: make(map[staging.Triple]Bag),
	}
}

// SetNodeProperties replaces the property bag for node id.
func (s *Store) SetNodeProperties(id uint32, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[id] = Bag{V: CurrentVersion, Data: data}
}

// GetNodeProperties returns the property bag for node id, or (nil, false)
// if none has been set.
func (s *Store) GetNodeProperties(id uint32) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.nodes[id]
	if !ok {
		return nil, false
	}

	return b.Data, true
}

// DeleteNodeProperties removes the property bag for node id, if any.
func (s *Store) DeleteNodeProperties(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nodes, id)
}

// SetEdgeProperties replaces the property bag for the edge identified by t.
func (s *Store) SetEdgeProperties(t staging.Triple, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.edges[t] = Bag{V: CurrentVersion, Data: data}
}

// GetEdgeProperties returns the property bag for the edge t, or (nil, false)
// if none has been set.
func (s *Store) GetEdgeProperties(t staging.Triple) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.edges[t]
	if !ok {
		return nil, false
	}

	return b.Data, true
}

// DeleteEdgeProperties removes the property bag for edge t, if any. Called
// when the underlying triple is deleted, since an edge's properties have no
// meaning once the edge itself is gone.
func (s *Store) DeleteEdgeProperties(t staging.Triple) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.edges, t)
}

// Serialize encodes the node and edge property bags as two length-prefixed
// tables: [nodeCount:4]{[id:4][json-value]}* then [edgeCount:4]{[s:4][p:4]
// [o:4][json-value]}*, with each json-value itself length-prefixed per
// codec.WriteJSONValue.
func (s *Store) Serialize() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer

	var countBuf [4]byte

	codec.PutUint32LE(countBuf[:], uint32(len(s.nodes)))
	buf.Write(countBuf[:])

	for id, bag := range s.nodes {
		var idBuf [4]byte
		codec.PutUint32LE(idBuf[:], id)
		buf.Write(idBuf[:])

		if err := codec.WriteJSONValue(&buf, bag); err != nil {
			return nil, fmt.Errorf("properties: encode node %d: %w", id, err)
		}
	}

	codec.PutUint32LE(countBuf[:], uint32(len(s.edges)))
	buf.Write(countBuf[:])

	for t, bag := range s.edges {
		var tBuf [12]byte
		codec.PutUint32LE(tBuf[0:4], t.S)
		codec.PutUint32LE(tBuf[4:8], t.P)
		codec.PutUint32LE(tBuf[8:12], t.O)
		buf.Write(tBuf[:])

		if err := codec.WriteJSONValue(&buf, bag); err != nil {
			return nil, fmt.Errorf("properties: encode edge %+v: %w", t, err)
		}
	}

	return buf.Bytes(), nil
}

// Deserialize rebuilds a Store from bytes produced by Serialize.
func Deserialize(data []byte) (*Store, error) {
	r := bytes.NewReader(data)
	s := New()

	var countBuf [4]byte

	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("properties: read node count: %w", err)
	}

	nodeCount := codec.Uint32LE(countBuf[:])

	for i := uint32(0); i < nodeCount; i++ {
		var idBuf [4]byte
		if _, err := io.ReadFull(r, idBuf[:]); err != nil {
			return nil, fmt.Errorf("properties: read node id %d: %w", i, err)
		}

		id := codec.Uint32LE(idBuf[:])

		var bag Bag
		if err := codec.ReadJSONValue(r, &bag); err != nil {
			return nil, fmt.Errorf("properties: decode node %d: %w", id, err)
		}

		s.nodes[id] = bag
	}

	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("properties: read edge count: %w", err)
	}

	edgeCount := codec.Uint32LE(countBuf[:])

	for i := uint32(0); i < edgeCount; i++ {
		var tBuf [12]byte
		if _, err := io.ReadFull(r, tBuf[:]); err != nil {
			return nil, fmt.Errorf("properties: read edge key %d: %w", i, err)
		}

		t := staging.Triple{
			S: codec.Uint32LE(tBuf[0:4]),
			P: codec.Uint32LE(tBuf[4:8]),
			O: codec.Uint32LE(tBuf[8:12]),
		}

		var bag Bag
		if err := codec.ReadJSONValue(r, &bag); err != nil {
			return nil, fmt.Errorf("properties: decode edge %+v: %w", t, err)
		}

		s.edges[t] = bag
	}

	return s, nil
}
