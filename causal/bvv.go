package causal

import (
	"bytes"
	"encoding/gob"
)

// BitmappedVersionVector (BVV) maps each actor to the set of events it has
// produced or observed. It is the node-clock used to decide which dots a
// vnode has already incorporated.
type BitmappedVersionVector struct {
	m map[NodeID]BitmappedVersion
}

// NewBVV returns an empty BitmappedVersionVector.
func NewBVV() BitmappedVersionVector {
	return BitmappedVersionVector{m: make(map[NodeID]BitmappedVersion)}
}

func (bvv *BitmappedVersionVector) ensure() {
	if bvv.m == nil {
		bvv.m = make(map[NodeID]BitmappedVersion)
	}
}

// Add records that actor id produced/observed event v.
func (bvv *BitmappedVersionVector) Add(id NodeID, v Version) {
	bvv.ensure()
	bv := bvv.m[id]
	bv.Add(v)
	bvv.m[id] = bv
}

// Get returns the BitmappedVersion known for id, and whether it exists.
func (bvv BitmappedVersionVector) Get(id NodeID) (BitmappedVersion, bool) {
	bv, ok := bvv.m[id]
	return bv, ok
}

// Base returns the dense base known for id, 0 if the actor is unknown.
func (bvv BitmappedVersionVector) Base(id NodeID) Version {
	return bvv.m[id].Base
}

// Event allocates the next dense event number for id. Requires the actor's
// bitmap to be empty, i.e. no gap above the dense base — the usual case for
// a coordinator assigning a fresh dot right after a sync.
func (bvv *BitmappedVersionVector) Event(id NodeID) Version {
	bvv.ensure()
	bv, ok := bvv.m[id]
	if !ok {
		bv = NewBitmappedVersion(1)
		bvv.m[id] = bv
		return 1
	}
	bv.Base++
	bvv.m[id] = bv
	return bv.Base
}

// JoinActor folds a single actor's observed set, as reported by a peer,
// into bvv, creating the entry if the actor is new. An anti-entropy round
// reconciles exactly one peer actor, so this is the single-actor
// counterpart to Merge's all-actors union.
func (bvv *BitmappedVersionVector) JoinActor(id NodeID, bv BitmappedVersion) {
	bvv.ensure()
	if cur, ok := bvv.m[id]; ok {
		cur.Join(bv)
		bvv.m[id] = cur
	} else {
		bvv.m[id] = bv.Clone()
	}
}

// Merge unions every actor present in either BVV, joining the overlapping
// per-actor BitmappedVersions. Commutative and idempotent.
func (bvv *BitmappedVersionVector) Merge(other BitmappedVersionVector) {
	bvv.ensure()
	for id, obv := range other.m {
		if bv, ok := bvv.m[id]; ok {
			bv.Join(obv)
			bvv.m[id] = bv
		} else {
			bvv.m[id] = obv.Clone()
		}
	}
}

// Join joins only the actors present in both BVVs; actors present solely in
// other are dropped, so other cannot introduce unrelated actors.
func (bvv *BitmappedVersionVector) Join(other BitmappedVersionVector) {
	bvv.ensure()
	for id, bv := range bvv.m {
		if obv, ok := other.m[id]; ok {
			bv.Join(obv)
			bvv.m[id] = bv
		}
	}
}

// CloneBase returns a new BVV with every actor's Base preserved and bitmap
// cleared — the dense-only projection of the clock.
func (bvv BitmappedVersionVector) CloneBase() BitmappedVersionVector {
	out := NewBVV()
	for id, bv := range bvv.m {
		out.m[id] = NewBitmappedVersion(bv.Base)
	}
	return out
}

// Reset clears every actor's bitmap in place, keeping bases.
func (bvv *BitmappedVersionVector) Reset() {
	for id, bv := range bvv.m {
		bvv.m[id] = NewBitmappedVersion(bv.Base)
	}
}

// Clone returns a deep copy.
func (bvv BitmappedVersionVector) Clone() BitmappedVersionVector {
	out := NewBVV()
	for id, bv := range bvv.m {
		out.m[id] = bv.Clone()
	}
	return out
}

// Actors returns the set of known actor ids.
func (bvv BitmappedVersionVector) Actors() []NodeID {
	out := make([]NodeID, 0, len(bvv.m))
	for id := range bvv.m {
		out = append(out, id)
	}
	return out
}

// GobEncode serializes the actor map directly: it lives in an unexported
// field gob's default struct codec would otherwise skip entirely. Each
// BitmappedVersion element is in turn encoded via its own GobEncode, since
// gob honors GobEncoder at every depth of the object graph.
func (bvv BitmappedVersionVector) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(bvv.m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode is the inverse of GobEncode.
func (bvv *BitmappedVersionVector) GobDecode(data []byte) error {
	m := make(map[NodeID]BitmappedVersion)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return err
	}
	bvv.m = m
	return nil
}
