// Package store defines the persistent key/value contract that node
// identity, routing tables, and bridge memory are built on. The default
// implementation is backed by pkg/memkv; a durable on-disk implementation
// can satisfy the same interface without callers changing.
package store

import (
    "errors"
    "sync"
    "time"

    "realmesh/pkg/memkv"
)

// ErrNotFound is returned when a key is absent from a namespace.
var ErrNotFound = errors.New("store: key not found")

// Store is a namespaced key/value collaborator. Callers stage writes with
// Put and make them visible to later Gets with Commit; a crash between Put
// and Commit must leave the previously committed value intact.
type Store interface {
    Namespace(name string) Namespace
}

// Namespace scopes keys to a logical owner (identity, routing, bridges)
// so unrelated components never collide on key names.
type Namespace interface {
    Get(key string) ([]byte, error)
    Put(key string, val []byte) error
    PutTTL(key string, val []byte, ttl time.Duration) error
    Delete(key string) error
    Commit() error
}

type memStore struct {
    kv *memkv.Store
}

// NewMemStore returns a Store backed by an in-process sharded map. Writes
// are visible immediately; Commit is a no-op provided for interface
// symmetry with durable implementations.
func NewMemStore() Store {
    return &memStore{kv: memkv.New(memkv.Options{Shards: 32})}
}

func (m *memStore) Namespace(name string) Namespace {
    return &memNamespace{kv: m.kv, prefix: name + "/"}
}

type memNamespace struct {
    mu     sync.Mutex
    kv     *memkv.Store
    prefix string
}

func (n *memNamespace) key(k string) string { return n.prefix + k }

func (n *memNamespace) Get(key string) ([]byte, error) {
    v, ok := n.kv.Get(n.key(key))
    if !ok {
        return nil, ErrNotFound
    }
    return v, nil
}

func (n *memNamespace) Put(key string, val []byte) error {
    n.kv.Set(n.key(key), val, 0)
    return nil
}

func (n *memNamespace) PutTTL(key string, val []byte, ttl time.Duration) error {
    n.kv.Set(n.key(key), val, ttl)
    return nil
}

func (n *memNamespace) Delete(key string) error {
    n.kv.Delete(n.key(key))
    return nil
}

// Commit is a no-op: memkv writes are already durable within process
// lifetime. Kept so callers can swap in a disk-backed Store later.
func (n *memNamespace) Commit() error { return nil }
