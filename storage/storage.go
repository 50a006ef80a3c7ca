// Package storage defines the narrow persistence contract the vnode state
// machine depends on: a per-vnode key iterator plus get/put/delete, and a
// separate meta-storage handle for a vnode's clocks/log. Any embedded KV
// engine that can satisfy this surface plugs in directly.
package storage

import "github.com/vnodedb/dcdb/causal"

// KV is one stored record as seen by an iterator.
type KV struct {
	Key   []byte
	Value []byte
}

// Engine is the per-vnode embedded KV contract.
type Engine interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Iterator returns keys >= start in ascending order. A nil start scans
	// from the first key.
	Iterator(start []byte) (Iterator, error)
	Close() error
}

// Iterator walks a snapshot of a vnode's keyspace.
type Iterator interface {
	Next() (KV, bool, error)
	Close() error
}

// MetaState is what a vnode persists about itself across restarts: clocks
// and the log head.
type MetaState struct {
	Clocks  causal.BitmappedVersionVector
	LogHead uint64
}

// Meta persists and loads a single vnode's MetaState.
type Meta interface {
	Save(vnode causal.VNodeID, state MetaState, shutdown bool) error
	Load(vnode causal.VNodeID) (MetaState, bool, error)
}

// EngineFactory opens (or creates) the storage Engine for one vnode.
type EngineFactory interface {
	Open(vnode causal.VNodeID) (Engine, error)
}
