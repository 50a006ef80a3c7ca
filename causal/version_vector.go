package causal

import (
	"bytes"
	"encoding/gob"
)

// VersionVector (VV) maps each actor to a dense version: "everything up to
// and including this version from this actor has been observed". It is the
// causal context a client carries between a read and its next write, and
// the per-key frontier carried inside a DottedCausalContainer.
type VersionVector struct {
	m map[NodeID]Version
}

// NewVersionVector returns an empty VersionVector.
func NewVersionVector() VersionVector {
	return VersionVector{m: make(map[NodeID]Version)}
}

func (vv *VersionVector) ensure() {
	if vv.m == nil {
		vv.m = make(map[NodeID]Version)
	}
}

// Get returns the version known for id, 0 if unknown.
func (vv VersionVector) Get(id NodeID) Version {
	return vv.m[id]
}

// Add advances id's entry to max(current, v).
func (vv *VersionVector) Add(id NodeID, v Version) {
	vv.ensure()
	if v > vv.m[id] {
		vv.m[id] = v
	}
}

// Remove deletes id's entry entirely.
func (vv *VersionVector) Remove(id NodeID) {
	delete(vv.m, id)
}

// Merge takes the elementwise max with other.
func (vv *VersionVector) Merge(other VersionVector) {
	vv.ensure()
	for id, v := range other.m {
		vv.Add(id, v)
	}
}

// MinVersion returns the smallest version across all actors, and whether
// the vector is non-empty.
func (vv VersionVector) MinVersion() (Version, bool) {
	first := true
	var min Version
	for _, v := range vv.m {
		if first || v < min {
			min = v
			first = false
		}
	}
	return min, !first
}

// MinID returns the actor with the smallest version, ties broken by the
// smaller NodeID, and whether the vector is non-empty.
func (vv VersionVector) MinID() (NodeID, bool) {
	first := true
	var minID NodeID
	var minV Version
	for id, v := range vv.m {
		if first || v < minV || (v == minV && id < minID) {
			minID, minV, first = id, v, false
		}
	}
	return minID, !first
}

// Reset zeroes every actor's version in place, keeping the actor set.
func (vv *VersionVector) Reset() {
	for id := range vv.m {
		vv.m[id] = 0
	}
}

// Clone returns a deep copy.
func (vv VersionVector) Clone() VersionVector {
	out := NewVersionVector()
	for id, v := range vv.m {
		out.m[id] = v
	}
	return out
}

// Actors returns the set of known actor ids.
func (vv VersionVector) Actors() []NodeID {
	out := make([]NodeID, 0, len(vv.m))
	for id := range vv.m {
		out = append(out, id)
	}
	return out
}

// IsEmpty reports whether the vector carries no actor entries at all.
func (vv VersionVector) IsEmpty() bool {
	return len(vv.m) == 0
}

// Equal reports whether both vectors carry the same actor->version map.
func (vv VersionVector) Equal(other VersionVector) bool {
	if len(vv.m) != len(other.m) {
		return false
	}
	for id, v := range vv.m {
		if other.m[id] != v {
			return false
		}
	}
	return true
}

// GobEncode serializes the actor->version map directly: it lives in an
// unexported field gob's default struct codec would otherwise skip.
func (vv VersionVector) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vv.m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode is the inverse of GobEncode.
func (vv *VersionVector) GobDecode(data []byte) error {
	m := make(map[NodeID]Version)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return err
	}
	vv.m = m
	return nil
}
