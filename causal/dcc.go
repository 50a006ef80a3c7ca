package causal

// DottedCausalContainer (DCC) is the per-key value: the set of concurrent
// sibling values ("dots") plus the VersionVector summarizing everything
// that has been folded into it. An empty DCC represents an absent key
// (including a resolved delete/tombstone).
type DottedCausalContainer[T any] struct {
	Dots Dots[T]
	VV   VersionVector
}

// New returns an empty DottedCausalContainer.
func New[T any]() DottedCausalContainer[T] {
	return DottedCausalContainer[T]{Dots: NewDots[T](), VV: NewVersionVector()}
}

// Add inserts a new sibling at (id, v) and folds the dot into the VV.
func (dcc *DottedCausalContainer[T]) Add(id NodeID, v Version, value T) {
	dcc.Dots.Add(Dot{ID: id, Version: v}, value)
	dcc.VV.Add(id, v)
}

// Sync merges other into dcc: the standard Dotted-Version-Vector-Set join.
// Commutative, associative and idempotent.
func (dcc *DottedCausalContainer[T]) Sync(other DottedCausalContainer[T]) {
	dcc.Dots = merge(dcc.Dots, other.Dots, dcc.VV, other.VV)
	dcc.VV.Merge(other.VV)
}

// Discard drops every sibling dominated by vv (version <= vv[id]) and
// folds vv into dcc's VV. Used to apply a client-supplied causal context
// on write: siblings the client has already seen disappear.
func (dcc *DottedCausalContainer[T]) Discard(vv VersionVector) {
	kept := NewDots[T]()
	dcc.Dots.Each(func(dot Dot, v T) {
		if dot.Version > vv.Get(dot.ID) {
			kept.m[dot] = v
		}
	})
	dcc.Dots = kept
	dcc.VV.Merge(vv)
}

// Strip drops from dcc's VV every actor entry that is no longer above the
// dense base the given BVV already knows about, pruning the densely-known
// portion of the VV before persisting (it would otherwise grow forever).
func (dcc *DottedCausalContainer[T]) Strip(bvv BitmappedVersionVector) {
	kept := NewVersionVector()
	for id, v := range dcc.VV.m {
		if v > bvv.Base(id) {
			kept.m[id] = v
		}
	}
	dcc.VV = kept
}

// Fill re-inflates dcc's VV with every actor's dense base known to bvv,
// restoring the coherent VV a stripped, persisted DCC needs before it is
// handed to a client or fanned out to replicas.
func (dcc *DottedCausalContainer[T]) Fill(bvv BitmappedVersionVector) {
	for _, id := range bvv.Actors() {
		dcc.VV.Add(id, bvv.Base(id))
	}
}

// AddToBVV folds every dot's (actor, version) into bvv, recording that
// this actor's clock has now observed those events.
func (dcc DottedCausalContainer[T]) AddToBVV(bvv *BitmappedVersionVector) {
	dcc.Dots.Each(func(dot Dot, _ T) {
		bvv.Add(dot.ID, dot.Version)
	})
}

// IsEmpty reports whether the container has no surviving siblings (an
// absent key or a fully-resolved tombstone).
func (dcc DottedCausalContainer[T]) IsEmpty() bool {
	return dcc.Dots.Len() == 0
}

// Values returns the surviving sibling values.
func (dcc DottedCausalContainer[T]) Values() []T {
	return dcc.Dots.Values()
}

// Clone returns a deep-enough copy for independent mutation (sibling
// values themselves are copied by assignment, matching Go map semantics).
func (dcc DottedCausalContainer[T]) Clone() DottedCausalContainer[T] {
	return DottedCausalContainer[T]{Dots: dcc.Dots.Clone(), VV: dcc.VV.Clone()}
}
