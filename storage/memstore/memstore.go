// Package memstore is a reference in-memory storage.Engine/storage.Meta,
// sufficient to run a whole cluster in one process without an external
// embedded-KV dependency. A production deployment backs storage.Engine
// with an embedded engine instead.
package memstore

import (
	"sort"
	"sync"

	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/storage"
)

// Engine is a mutex-guarded sorted map standing in for a per-vnode
// embedded KV engine.
type Engine struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{data: make(map[string][]byte)}
}

func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	e.data[string(key)] = cp
	return nil
}

func (e *Engine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.data, string(key))
	return nil
}

func (e *Engine) Iterator(start []byte) (storage.Iterator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.data))
	for k := range e.data {
		if start == nil || k >= string(start) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snap := make([]storage.KV, len(keys))
	for i, k := range keys {
		v := e.data[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		snap[i] = storage.KV{Key: []byte(k), Value: cp}
	}
	return &sliceIterator{items: snap}, nil
}

func (e *Engine) Close() error { return nil }

type sliceIterator struct {
	items []storage.KV
	pos   int
}

func (it *sliceIterator) Next() (storage.KV, bool, error) {
	if it.pos >= len(it.items) {
		return storage.KV{}, false, nil
	}
	kv := it.items[it.pos]
	it.pos++
	return kv, true, nil
}

func (it *sliceIterator) Close() error { return nil }

// Factory opens (creating on first use) one Engine per vnode.
type Factory struct {
	mu      sync.Mutex
	engines map[causal.VNodeID]*Engine
}

// NewFactory returns an empty in-memory EngineFactory.
func NewFactory() *Factory {
	return &Factory{engines: make(map[causal.VNodeID]*Engine)}
}

func (f *Factory) Open(vnode causal.VNodeID) (storage.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.engines[vnode]
	if !ok {
		e = NewEngine()
		f.engines[vnode] = e
	}
	return e, nil
}

// Wipe discards a vnode's data, simulating disk loss ahead of an unclean
// restart.
func (f *Factory) Wipe(vnode causal.VNodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.engines, vnode)
}

// Meta is an in-memory storage.Meta. Dirty (shutdown=false) saves are
// dropped: a vnode that never got a clean save starts with empty clocks
// and relies on sync to repair.
type Meta struct {
	mu    sync.Mutex
	state map[causal.VNodeID]storage.MetaState
}

// NewMeta returns an empty in-memory Meta.
func NewMeta() *Meta {
	return &Meta{state: make(map[causal.VNodeID]storage.MetaState)}
}

func (m *Meta) Save(vnode causal.VNodeID, state storage.MetaState, shutdown bool) error {
	if !shutdown {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[vnode] = storage.MetaState{Clocks: state.Clocks.Clone(), LogHead: state.LogHead}
	return nil
}

func (m *Meta) Load(vnode causal.VNodeID) (storage.MetaState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[vnode]
	return s, ok, nil
}

// Wipe discards persisted metadata for a vnode, simulating disk loss
// ahead of an unclean restart.
func (m *Meta) Wipe(vnode causal.VNodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, vnode)
}
