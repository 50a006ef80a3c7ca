package causal

import "testing"

func TestBitmappedVersionNormalization(t *testing.T) {
	bv := NewBitmappedVersion(0)
	bv.Add(1)
	bv.Add(3)
	if bv.Base != 1 {
		t.Fatalf("expected base 1 after adding 1, got %d", bv.Base)
	}
	if !bv.bitmap.Contains(1) { // bit for event 3 (base=1, so 3-1-1=1)
		t.Fatalf("expected bit 1 set, got %s", bv)
	}
	bv.Add(2)
	// adding the gap-filler should cascade the normalization all the way up.
	if bv.Base != 3 || !bv.bitmap.IsEmpty() {
		t.Fatalf("expected fully normalized {3,0}, got %s", bv)
	}
}

func TestBitmappedVersionNormalizationProperty(t *testing.T) {
	// Property 1: after any mutation, bit 0 is 0 or the whole bitmap is 0.
	bv := NewBitmappedVersion(0)
	for _, v := range []Version{5, 1, 2, 3, 9, 4} {
		bv.Add(v)
		if !bv.bitmap.IsEmpty() && bv.bitmap.Contains(0) {
			t.Fatalf("bit 0 set after Add(%d): %s", v, bv)
		}
	}
}

func TestBitmappedVersionJoin(t *testing.T) {
	a := NewBitmappedVersion(5, 0) // base 5, bit0 set -> normalizes to base 6
	b := NewBitmappedVersion(2, 0, 1, 2)

	a2 := a.Clone()
	a2.Join(b)
	b2 := b.Clone()
	b2.Join(a)
	if !a2.Equal(b2) {
		t.Fatalf("join not commutative: %s vs %s", a2, b2)
	}

	a3 := a.Clone()
	a3.Join(a)
	if !a3.Equal(a) {
		t.Fatalf("join not idempotent: %s vs %s", a3, a)
	}
}
