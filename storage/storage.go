// Package storage implements the pluggable key/value constant store
// spec.md §4.7/§5 requires for two things: the link-table and
// deployment vector a Deployer publishes once per deployment, and the
// Registry/Tags cluster membership stores (spec.md §4.6), both of
// which are single-writer/many-reader key/value data with no need for
// range queries beyond a prefix scan.
//
// The Interface/Tx split and MemStore wrap View/Update transactions
// over a ReadOperator/WriteOperator pair, with no registrar or
// secondary-index machinery this module has no use for.
package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNoKeyExists is returned by Get/transactional Get for a missing key.
var ErrNoKeyExists = errors.New("storage: no key exists")

// KeyValue is one stored entry.
type KeyValue struct {
	Key   string
	Value []byte
}

// ReadOperator performs read-only key/value operations.
type ReadOperator interface {
	Get(key string) (*KeyValue, error)
	Exists(key string) (bool, error)
	List(prefix string) ([]*KeyValue, error)
}

// WriteOperator performs write key/value operations. Deleting a
// non-existent key is not an error.
type WriteOperator interface {
	Put(key string, value []byte) error
	Delete(key string) error
}

// ReadOnlyTx is a single read-only transaction; Rollback must always
// be called.
type ReadOnlyTx interface {
	ReadOperator
	Rollback() error
}

// Tx is a read/write transaction; exactly one of Commit or Rollback
// must be called.
type Tx interface {
	ReadOnlyTx
	WriteOperator
	Commit() error
}

// TxOperator begins transactions.
type TxOperator interface {
	BeginReadOnlyTx() (ReadOnlyTx, error)
	BeginTx() (Tx, error)
}

// Interface is the common contract every constant-store backend
// implements: the Registry, the Tags store, and the per-deployment
// link-table/deployment-vector store all speak this.
type Interface interface {
	View(func(ReadOnlyTx) error) error
	Update(func(Tx) error) error
}

// DoView runs f against a fresh read-only transaction on o, always
// rolling it back afterward.
func DoView(o TxOperator, f func(ReadOnlyTx) error) error {
	tx, err := o.BeginReadOnlyTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

// DoUpdate runs f against a fresh read/write transaction on o,
// committing iff f returns nil and rolling back otherwise.
func DoUpdate(o TxOperator, f func(Tx) error) error {
	tx, err := o.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// MemStore is an in-memory Interface, used for cluster.Registry/Tags
// on a single-node "skitter local" deployment and in tests.
type MemStore struct {
	mu    sync.Mutex
	store map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{store: make(map[string][]byte)}
}

func (s *MemStore) View(f func(ReadOnlyTx) error) error { return DoView(s, f) }
func (s *MemStore) Update(f func(Tx) error) error       { return DoUpdate(s, f) }

func (s *MemStore) Put(key string, value []byte) error {
	s.mu.Lock()
	s.store[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Get(key string) (*KeyValue, error) {
	s.mu.Lock()
	v, ok := s.store[key]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoKeyExists
	}
	return &KeyValue{Key: key, Value: v}, nil
}

func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.store, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Exists(key string) (bool, error) {
	s.mu.Lock()
	_, ok := s.store[key]
	s.mu.Unlock()
	return ok, nil
}

func (s *MemStore) List(prefix string) ([]*KeyValue, error) {
	s.mu.Lock()
	kvs := make([]*KeyValue, 0, len(s.store))
	for k, v := range s.store {
		if strings.HasPrefix(k, prefix) {
			kvs = append(kvs, &KeyValue{Key: k, Value: v})
		}
	}
	s.mu.Unlock()
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

func (s *MemStore) BeginTx() (Tx, error)                 { return s.newTx() }
func (s *MemStore) BeginReadOnlyTx() (ReadOnlyTx, error) { return s.newTx() }

func (s *MemStore) newTx() (*memTx, error) {
	s.mu.Lock()
	snapshot := make(map[string][]byte, len(s.store))
	for k, v := range s.store {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return &memTx{m: s, store: snapshot}, nil
}

type memTx struct {
	m       *MemStore
	store   map[string][]byte
	pending bool
}

func (t *memTx) Get(key string) (*KeyValue, error) {
	v, ok := t.store[key]
	if !ok {
		return nil, ErrNoKeyExists
	}
	return &KeyValue{Key: key, Value: v}, nil
}

func (t *memTx) Exists(key string) (bool, error) {
	_, ok := t.store[key]
	return ok, nil
}

func (t *memTx) List(prefix string) ([]*KeyValue, error) {
	kvs := make([]*KeyValue, 0, len(t.store))
	for k, v := range t.store {
		if strings.HasPrefix(k, prefix) {
			kvs = append(kvs, &KeyValue{Key: k, Value: v})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

func (t *memTx) Put(key string, value []byte) error {
	t.store[key] = value
	t.pending = true
	return nil
}

func (t *memTx) Delete(key string) error {
	delete(t.store, key)
	t.pending = true
	return nil
}

func (t *memTx) Commit() error {
	if !t.pending {
		return nil
	}
	t.m.mu.Lock()
	t.m.store = t.store
	t.m.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error { return nil }
