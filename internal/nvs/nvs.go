// Package nvs provides the raw non-volatile key/blob primitive the storage
// layer is built on.
//
// A Partition is a named region of non-volatile storage divided into
// namespaces. A Namespace maps opaque keys to opaque blobs and can enumerate
// its entries in the order the store keeps them, which for every backend here
// is the order in which each key was first written. Nothing above this
// package may assume more than Get/Set/Entries.
//
// The underlying primitive is not reentrant; every backend serialises access
// through its own mutex.
package nvs

import (
	"fmt"
	"sync"

	"github.com/kilnworks/dehydrator/internal/errors"
)

// MaxKeyLen bounds key length for every backend.
const MaxKeyLen = 255

// Namespace is the raw get/put/enumerate primitive.
type Namespace interface {
	// Get returns the blob stored at key, or an error wrapping
	// errors.ErrBlobNotFound when nothing is stored there.
	Get(key []byte) ([]byte, error)

	// Set stores blob at key and commits it before returning.
	Set(key, blob []byte) error

	// Entries calls fn with every key in store order until fn returns false.
	Entries(fn func(key []byte) bool) error
}

// Partition hands out namespaces of one storage region.
type Partition interface {
	Namespace(name string) (Namespace, error)
	Close() error
}

func checkKey(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return fmt.Errorf("key length %d: %w", len(key), errors.ErrInvalidKey)
	}
	return nil
}

// =============================================================================
// In-memory index shared by the backends
// =============================================================================

// index keeps one namespace's entries in first-write order.
type index struct {
	order  []string
	values map[string][]byte
}

func newIndex() *index {
	return &index{values: make(map[string][]byte)}
}

func (ix *index) put(key string, blob []byte) {
	if _, ok := ix.values[key]; !ok {
		ix.order = append(ix.order, key)
	}
	ix.values[key] = blob
}

func (ix *index) get(key string) ([]byte, bool) {
	v, ok := ix.values[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

func (ix *index) keys() [][]byte {
	out := make([][]byte, len(ix.order))
	for i, k := range ix.order {
		out[i] = []byte(k)
	}
	return out
}

// =============================================================================
// Mem
// =============================================================================

// Mem is a volatile Partition used by tests and the simulator.
// It counts writes and can inject failures.
type Mem struct {
	mu         sync.Mutex
	namespaces map[string]*index
	writes     map[string]int
	failGet    error
	failSet    error
	closed     bool
}

// NewMem creates an empty in-memory partition.
func NewMem() *Mem {
	return &Mem{
		namespaces: make(map[string]*index),
		writes:     make(map[string]int),
	}
}

// Namespace returns the named namespace, creating it on first use.
func (m *Mem) Namespace(name string) (Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.ErrStoreClosed
	}
	if _, ok := m.namespaces[name]; !ok {
		m.namespaces[name] = newIndex()
	}
	return &memNamespace{mem: m, name: name}, nil
}

// Close marks the partition closed.
func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Writes returns the number of Set calls that reached the namespace.
func (m *Mem) Writes(namespace string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[namespace]
}

// FailGets makes every Get return err until cleared with nil.
func (m *Mem) FailGets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = err
}

// FailSets makes every Set return err until cleared with nil.
func (m *Mem) FailSets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSet = err
}

// Delete removes a key without disturbing the order of the others.
// It models an entry lost to a torn write.
func (m *Mem) Delete(namespace string, key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ix, ok := m.namespaces[namespace]
	if !ok {
		return
	}
	delete(ix.values, string(key))
	for i, k := range ix.order {
		if k == string(key) {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
}

type memNamespace struct {
	mem  *Mem
	name string
}

func (n *memNamespace) Get(key []byte) ([]byte, error) {
	n.mem.mu.Lock()
	defer n.mem.mu.Unlock()

	if n.mem.closed {
		return nil, errors.ErrStoreClosed
	}
	if n.mem.failGet != nil {
		return nil, errors.Hardware("mem "+n.name, n.mem.failGet)
	}
	v, ok := n.mem.namespaces[n.name].get(string(key))
	if !ok {
		return nil, fmt.Errorf("%s/%x: %w", n.name, key, errors.ErrBlobNotFound)
	}
	return v, nil
}

func (n *memNamespace) Set(key, blob []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}

	n.mem.mu.Lock()
	defer n.mem.mu.Unlock()

	if n.mem.closed {
		return errors.ErrStoreClosed
	}
	if n.mem.failSet != nil {
		return errors.Hardware("mem "+n.name, n.mem.failSet)
	}
	stored := make([]byte, len(blob))
	copy(stored, blob)
	n.mem.namespaces[n.name].put(string(key), stored)
	n.mem.writes[n.name]++
	return nil
}

func (n *memNamespace) Entries(fn func(key []byte) bool) error {
	n.mem.mu.Lock()
	if n.mem.closed {
		n.mem.mu.Unlock()
		return errors.ErrStoreClosed
	}
	keys := n.mem.namespaces[n.name].keys()
	n.mem.mu.Unlock()

	for _, k := range keys {
		if !fn(k) {
			return nil
		}
	}
	return nil
}
