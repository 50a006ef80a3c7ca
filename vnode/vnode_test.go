package vnode

import (
	"testing"

	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/fabric"
	"github.com/vnodedb/dcdb/ring"
	"github.com/vnodedb/dcdb/storage/memstore"
)

func newTestVNode(t *testing.T, node causal.NodeID, r *ring.Ring, fab *fabric.Fabric) *VNode {
	t.Helper()
	vn := New(0, node, DefaultConfig(), r, fab, memstore.NewEngine(), memstore.NewMeta(), causal.NewCookieAllocator(node))
	return vn
}

func TestHandleDHTChangeAbsentToReadyWhenAlreadyOwned(t *testing.T) {
	r := ring.New(ring.Config{Partitions: 1, Replication: 1}, []causal.NodeID{1})
	fab := fabric.New(1)
	vn := newTestVNode(t, 1, r, fab)

	if vn.Status() != Absent {
		t.Fatalf("expected Absent at construction, got %s", vn.Status())
	}
	vn.HandleDHTChange()
	if vn.Status() != Ready {
		t.Fatalf("expected Ready once already owned, got %s", vn.Status())
	}
}

func TestHandleDHTChangeAbsentToBootstrapWhenClaiming(t *testing.T) {
	r := ring.New(ring.Config{Partitions: 1, Replication: 2}, []causal.NodeID{1})
	fab1 := fabric.New(1)
	fab2 := fabric.New(2)
	fab1.RegisterNode(2, fab2)
	fab2.RegisterNode(1, fab1)

	r.Claim(2) // node 2 joins, becomes a pending replica for vnode 0

	vn2 := newTestVNode(t, 2, r, fab2)
	vn2.HandleDHTChange()
	if vn2.Status() != Bootstrap {
		t.Fatalf("expected Bootstrap while claiming, got %s", vn2.Status())
	}
}

func TestHandleDHTChangeReadyToAbsentWhenRevoked(t *testing.T) {
	// Node 2 starts as the sole owner of the ring's one partition (P=1,
	// N=1 walks the sorted node order deterministically from index 0).
	r := ring.New(ring.Config{Partitions: 1, Replication: 1}, []causal.NodeID{2})
	fab := fabric.New(2)
	vn := newTestVNode(t, 2, r, fab)
	vn.HandleDHTChange()
	if vn.Status() != Ready {
		t.Fatalf("setup: expected Ready, got %s", vn.Status())
	}

	// Node 1 joins; since 1 < 2, the deterministic walk now starts at 1,
	// staging the single partition to node 1. Settled ownership doesn't
	// move until the staged claim is settled (normally once node 1's
	// handoff finishes); simulate that here to exercise the revoke path.
	r.Claim(1)
	r.Settle(0)
	vn.HandleDHTChange()
	if vn.Status() != Absent {
		t.Fatalf("expected Absent once revoked, got %s", vn.Status())
	}
}

func TestAbortAllFailsPendingCoordinations(t *testing.T) {
	r := ring.New(ring.Config{Partitions: 1, Replication: 1}, []causal.NodeID{2})
	fab := fabric.New(2)
	vn := newTestVNode(t, 2, r, fab)
	vn.HandleDHTChange() // -> Ready

	var gotErr error
	done := func(_ causal.Token, _ Container, err error) { gotErr = err }
	vn.mu.Lock()
	vn.pendingCoord[vn.cookie.Next()] = &coordState{done: done}
	vn.mu.Unlock()

	r.Claim(1) // 1 < 2, so node 1 is staged to take over the sole partition
	r.Settle(0)
	vn.HandleDHTChange() // revoked -> aborts pending coordinations

	if gotErr == nil {
		t.Fatal("expected aborted coordination to receive an error")
	}
	vn.mu.Lock()
	n := len(vn.pendingCoord)
	vn.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected pendingCoord to be cleared, got %d entries", n)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	r := ring.New(ring.Config{Partitions: 1, Replication: 1}, []causal.NodeID{1})
	fab := fabric.New(1)
	meta := memstore.NewMeta()
	vn := New(0, 1, DefaultConfig(), r, fab, memstore.NewEngine(), meta, causal.NewCookieAllocator(1))

	vn.mu.Lock()
	for v := causal.Version(1); v <= 5; v++ {
		vn.clocks.Add(1, v)
	}
	vn.mu.Unlock()

	if err := vn.Save(true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	vn2 := New(0, 1, DefaultConfig(), r, fab, memstore.NewEngine(), meta, causal.NewCookieAllocator(1))
	vn2.Load()
	vn2.mu.Lock()
	bv, ok := vn2.clocks.Get(1)
	vn2.mu.Unlock()
	if !ok || bv.Base != 5 {
		t.Fatalf("expected restored base 5, got %v ok=%v", bv, ok)
	}
}

func TestLoadMissingMetaStartsEmpty(t *testing.T) {
	r := ring.New(ring.Config{Partitions: 1, Replication: 1}, []causal.NodeID{1})
	fab := fabric.New(1)
	vn := newTestVNode(t, 1, r, fab)
	vn.Load()
	vn.mu.Lock()
	actors := vn.clocks.Actors()
	vn.mu.Unlock()
	if len(actors) != 0 {
		t.Fatalf("expected empty clocks on missing meta, got %v", actors)
	}
}
