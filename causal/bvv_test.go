package causal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBVVAddGet(t *testing.T) {
	a := NewBVV()
	_, ok := a.Get(1)
	assert.False(t, ok, "expected no entry for unknown actor")

	a.Add(1, 1)
	a.Add(1, 3)
	bv, _ := a.Get(1)
	assert.Equalf(t, Version(1), bv.Base, "expected base 1 (bit for event 3 set), got %s", bv)

	a.Add(1, 2)
	bv, _ = a.Get(1)
	assert.Equal(t, Version(3), bv.Base, "expected normalization to base 3")
	assert.True(t, bv.bitmap.IsEmpty(), "expected normalization to clear the bitmap")
}

func TestBVVMerge(t *testing.T) {
	a := NewBVV()
	a.Add(1, 5)
	a.Add(1, 6)
	a.Add(1, 7)
	b := NewBVV()
	for v := Version(1); v <= 4; v++ {
		b.Add(1, v)
	}
	a.Merge(b)
	bv, _ := a.Get(1)
	assert.Equal(t, Version(7), bv.Base, "expected merged base 7")

	c := NewBVV()
	c.Add(1, 5)
	d := NewBVV()
	d.Add(2, 2)
	c.Merge(d)
	_, ok := c.Get(2)
	require.True(t, ok, "merge should import actors only present on the other side")
}

func TestBVVJoinIdempotentAndCommutative(t *testing.T) {
	a := NewBVV()
	a.Add(1, 5)
	b := NewBVV()
	b.Add(1, 3)
	b.Add(2, 9)

	ab := a.Clone()
	ab.Join(b)
	ba := b.Clone()
	ba.Join(a)

	// join only acts on shared actors, so the results diverge on actor 2
	// (dropped from ab since a never had it); restrict comparison to the
	// shared actor to check commutativity of the per-actor join itself.
	abv, _ := ab.Get(1)
	bav, _ := ba.Get(1)
	assert.Truef(t, abv.Equal(bav), "per-actor join not commutative: %s vs %s", abv, bav)
	_, ok := ab.Get(2)
	assert.False(t, ok, "join must drop actors missing from self")

	aa := a.Clone()
	aa.Join(a)
	av, _ := aa.Get(1)
	av0, _ := a.Get(1)
	assert.True(t, av.Equal(av0), "join not idempotent")
}

func TestBVVEventRequiresNoGap(t *testing.T) {
	bvv := NewBVV()
	assert.Equal(t, Version(1), bvv.Event(1), "expected first event == 1")
	assert.Equal(t, Version(2), bvv.Event(1), "expected second event == 2")
}

func TestBVVCloneBaseAndReset(t *testing.T) {
	bvv := NewBVV()
	bvv.Add(1, 1)
	bvv.Add(1, 2)
	bvv.Add(1, 4)
	base := bvv.CloneBase()
	bv, _ := base.Get(1)
	assert.True(t, bv.IsZero() || bv.bitmap.GetCardinality() == 0, "clone_base must clear the bitmap")
	assert.Equal(t, Version(2), bv.Base, "clone_base must preserve the dense base")

	bvv.Reset()
	bv, _ = bvv.Get(1)
	assert.True(t, bv.bitmap.IsEmpty(), "reset must clear bitmaps")
	assert.Equal(t, Version(2), bv.Base, "reset must keep bases")
}
