package causal

import "testing"

func TestVersionVectorAddMerge(t *testing.T) {
	a := NewVersionVector()
	a.Add(1, 5)
	a.Add(1, 3) // lower version must not regress
	if a.Get(1) != 5 {
		t.Fatalf("expected 5, got %d", a.Get(1))
	}

	b := NewVersionVector()
	b.Add(1, 9)
	b.Add(2, 2)
	a.Merge(b)
	if a.Get(1) != 9 || a.Get(2) != 2 {
		t.Fatalf("merge should take elementwise max, got %v", a.m)
	}
}

func TestVersionVectorMinVersionAndID(t *testing.T) {
	vv := NewVersionVector()
	vv.Add(3, 10)
	vv.Add(1, 5)
	vv.Add(2, 5)

	min, ok := vv.MinVersion()
	if !ok || min != 5 {
		t.Fatalf("expected min version 5, got %d", min)
	}
	id, ok := vv.MinID()
	if !ok || id != 1 {
		t.Fatalf("expected tie-break on lower id (1), got %d", id)
	}
}
