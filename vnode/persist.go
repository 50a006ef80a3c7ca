package vnode

import (
	"bytes"
	"encoding/gob"

	"github.com/vnodedb/dcdb/causal"
)

// loadDCCLocked reads key's container from the engine, gob-decoding it.
// A missing key is not an error: it returns a fresh empty container, the
// natural "nothing written yet" state for DCC's CRDT-join semantics.
// Caller holds vn.mu.
func (vn *VNode) loadDCCLocked(key []byte) (Container, error) {
	raw, ok, err := vn.engine.Get(key)
	if err != nil {
		return Container{}, err
	}
	if !ok {
		return causal.New[[]byte](), nil
	}
	var dcc Container
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&dcc); err != nil {
		return Container{}, err
	}
	return dcc, nil
}

// storeDCCLocked gob-encodes dcc and persists it under key. A fully empty
// container deletes the key instead of writing a tombstone record, keeping
// the engine free of unbounded empty entries. A dotless container whose
// stripped VV still carries entries above the node-clock base is NOT fully
// empty: that residue is causal context a later sync needs to keep dead
// siblings from resurrecting, so it stays on disk. Caller holds vn.mu.
func (vn *VNode) storeDCCLocked(key []byte, dcc Container) error {
	if dcc.IsEmpty() && dcc.VV.IsEmpty() {
		return vn.engine.Delete(key)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&dcc); err != nil {
		return err
	}
	return vn.engine.Put(key, buf.Bytes())
}
