package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/db"
	"github.com/vnodedb/dcdb/fabric"
	"github.com/vnodedb/dcdb/membership"
	"github.com/vnodedb/dcdb/ring"
	"github.com/vnodedb/dcdb/storage/memstore"
	"github.com/vnodedb/dcdb/vnode"
	"github.com/vnodedb/dcdb/worker"
)

func newNodeRaw(t *testing.T, self causal.NodeID, mem *membership.Membership, fabrics map[causal.NodeID]*fabric.Fabric, factory *memstore.Factory, meta *memstore.Meta) *db.Database {
	t.Helper()
	fab := fabric.New(self)
	for id, other := range fabrics {
		fab.RegisterNode(id, other)
		other.RegisterNode(self, fab)
	}
	fabrics[self] = fab

	pcfg := worker.DefaultConfig()
	pcfg.Workers = 2
	pcfg.TickInterval = 15 * time.Millisecond

	vcfg := vnode.DefaultConfig()
	vcfg.RequestTimeout = 2 * time.Second
	vcfg.WindowSize = 4

	d, err := db.New(self, mem, fab, factory, meta, vcfg, pcfg)
	if err != nil {
		t.Fatalf("db.New(%d): %v", self, err)
	}
	d.Start()
	return d
}

func newNode(t *testing.T, self causal.NodeID, mem *membership.Membership, fabrics map[causal.NodeID]*fabric.Fabric, factory *memstore.Factory, meta *memstore.Meta) *db.Database {
	t.Helper()
	d := newNodeRaw(t, self, mem, fabrics, factory, meta)
	t.Cleanup(d.Stop)
	return d
}

// restartNode simulates an unclean-crash-then-restart for self: it builds a
// fresh Fabric and Database for self against the same (already-wiped)
// factory/meta, and repoints every other node's Fabric registration at the
// new Fabric, the way a reconnecting TCP transport would re-establish
// routes to a restarted peer.
func restartNode(t *testing.T, self causal.NodeID, mem *membership.Membership, fabrics map[causal.NodeID]*fabric.Fabric, factory *memstore.Factory, meta *memstore.Meta) *db.Database {
	t.Helper()
	delete(fabrics, self)
	d := newNodeRaw(t, self, mem, fabrics, factory, meta)
	t.Cleanup(d.Stop)
	return d
}

func valuesSet(c vnode.Container) map[string]bool {
	out := make(map[string]bool)
	for _, v := range c.Values() {
		out[string(v)] = true
	}
	return out
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// TestSingleNodeLifecycle runs the single-node read/write/sibling/delete
// lifecycle against one in-process node.
func TestSingleNodeLifecycle(t *testing.T) {
	r := ring.New(ring.Config{Partitions: 4, Replication: 1}, []causal.NodeID{1})
	mem := membership.New(r)
	fabrics := map[causal.NodeID]*fabric.Fabric{}
	d := newNode(t, 1, mem, fabrics, memstore.NewFactory(), memstore.NewMeta())

	ctx := context.Background()
	key := []byte("test")

	// Empty-get on a fresh cluster returns an empty DCC.
	got, err := d.Get(ctx, key)
	if err != nil {
		t.Fatalf("empty get: %v", err)
	}
	if !got.IsEmpty() {
		t.Fatalf("expected empty DCC on a fresh cluster, got %v", got.Values())
	}

	// A plain SET followed by GET returns exactly that one value.
	if _, err := d.Set(ctx, key, []byte("value1"), true, causal.NewVersionVector()); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	got, err = d.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after first Set: %v", err)
	}
	if vs := valuesSet(got); len(vs) != 1 || !vs["value1"] {
		t.Fatalf("expected {value1}, got %v", vs)
	}

	// Two concurrent SETs (both against the empty causal context) fork
	// into siblings.
	if _, err := d.Set(ctx, key, []byte("value1"), true, causal.NewVersionVector()); err != nil {
		t.Fatalf("concurrent Set 1: %v", err)
	}
	if _, err := d.Set(ctx, key, []byte("value2"), true, causal.NewVersionVector()); err != nil {
		t.Fatalf("concurrent Set 2: %v", err)
	}
	got, err = d.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after concurrent Sets: %v", err)
	}
	want := map[string]bool{"value1": true, "value2": true}
	if vs := valuesSet(got); len(vs) != 2 || vs["value1"] != want["value1"] || vs["value2"] != want["value2"] {
		t.Fatalf("expected siblings {value1,value2}, got %v", vs)
	}

	// Writing with the read's causal context resolves the siblings.
	if _, err := d.Set(ctx, key, []byte("value12"), true, got.VV); err != nil {
		t.Fatalf("resolving Set: %v", err)
	}
	got, err = d.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after resolving Set: %v", err)
	}
	if vs := valuesSet(got); len(vs) != 1 || !vs["value12"] {
		t.Fatalf("expected resolved {value12}, got %v", vs)
	}

	// Deleting with the current causal context empties the DCC.
	if _, err := d.Del(ctx, key, got.VV); err != nil {
		t.Fatalf("Del: %v", err)
	}
	got, err = d.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after Del: %v", err)
	}
	if !got.IsEmpty() {
		t.Fatalf("expected empty DCC after delete, got %v", got.Values())
	}
}

// TestTwoNodeMigration writes 10 keys on a single-node cluster,
// joins a second node, and verifies every key that migrates to node 2
// reads back with its stored value once the handoff drains.
func TestTwoNodeMigration(t *testing.T) {
	r := ring.New(ring.Config{Partitions: 8, Replication: 1}, []causal.NodeID{1})
	mem := membership.New(r)
	fabrics := map[causal.NodeID]*fabric.Fabric{}
	factory := memstore.NewFactory()
	meta := memstore.NewMeta()
	d1 := newNode(t, 1, mem, fabrics, factory, meta)

	ctx := context.Background()
	keys := make([][]byte, 10)
	values := make([][]byte, 10)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		values[i] = []byte(fmt.Sprintf("val-%d", i))
		if _, err := d1.Set(ctx, keys[i], values[i], true, causal.NewVersionVector()); err != nil {
			t.Fatalf("seed Set(%d): %v", i, err)
		}
	}

	d2 := newNode(t, 2, mem, fabrics, memstore.NewFactory(), memstore.NewMeta())
	mem.Claim(2)

	// Wait for every partition node 2 now has a stake in (owner or
	// bootstrapping) to finish its handoff and settle into Ready.
	eventually(t, 5*time.Second, func() bool {
		for i := causal.VNodeID(0); i < 8; i++ {
			status, ok := d2.VNodeStatus(i)
			if ok && status == vnode.Bootstrap {
				return false
			}
		}
		return true
	})

	migrated := 0
	for i, key := range keys {
		got, err := d2.Get(ctx, key)
		if err != nil {
			continue // vnode for this key settled back on node 1, not an error
		}
		migrated++
		if vs := valuesSet(got); len(vs) != 1 || !vs[string(values[i])] {
			t.Fatalf("key %d migrated with wrong value: %v", i, vs)
		}
	}
	if migrated == 0 {
		t.Fatal("expected at least one key to migrate onto node 2")
	}
}

// TestUncleanRestartSync writes 10 keys on a two-node cluster,
// confirms both replicas agree, wipes node 1's disk (simulating an unclean
// crash) and restarts it with empty storage, and verifies anti-entropy
// alone (no bootstrap — node 1's ring ownership never changed) repairs
// every key.
func TestUncleanRestartSync(t *testing.T) {
	r := ring.New(ring.Config{Partitions: 4, Replication: 2}, []causal.NodeID{1, 2})
	mem := membership.New(r)
	fabrics := map[causal.NodeID]*fabric.Fabric{}
	factory1 := memstore.NewFactory()
	meta1 := memstore.NewMeta()
	factory2 := memstore.NewFactory()
	meta2 := memstore.NewMeta()

	d1 := newNodeRaw(t, 1, mem, fabrics, factory1, meta1) // no auto-cleanup: restarted below
	d2 := newNode(t, 2, mem, fabrics, factory2, meta2)

	ctx := context.Background()
	keys := make([][]byte, 10)
	values := make([][]byte, 10)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		values[i] = []byte(fmt.Sprintf("val-%d", i))
		if _, err := d1.Set(ctx, keys[i], values[i], true, causal.NewVersionVector()); err != nil {
			t.Fatalf("seed Set(%d): %v", i, err)
		}
	}

	// Both replicas should already agree via the W=2 write path; confirm
	// before introducing the fault so a later mismatch is unambiguously
	// the sync path's fault, not the write path's.
	for i, key := range keys {
		got, err := d2.Get(ctx, key)
		if err != nil {
			t.Fatalf("pre-wipe Get(%d) on node 2: %v", i, err)
		}
		if vs := valuesSet(got); len(vs) != 1 || !vs[string(values[i])] {
			t.Fatalf("pre-wipe: node 2 key %d = %v, want {%s}", i, vs, values[i])
		}
	}

	d1.Stop() // clean save, so the wipe below is the only data loss
	for i := causal.VNodeID(0); i < 4; i++ {
		factory1.Wipe(i)
		meta1.Wipe(i)
	}

	d1 = restartNode(t, 1, mem, fabrics, factory1, meta1)

	// Node 1's quorum reads will already mask the local data loss against
	// node 2's intact replica; wait for that to settle first so the assert
	// below isn't racing a read still short of R replies.
	eventually(t, 5*time.Second, func() bool {
		for i, key := range keys {
			got, err := d1.Get(ctx, key)
			if err != nil {
				return false
			}
			if vs := valuesSet(got); len(vs) != 1 || !vs[string(values[i])] {
				return false
			}
		}
		return true
	})

	// Anti-entropy should independently finish repairing node 1's own copy
	// in the background, so outstanding sync states drain to zero even
	// with no further client traffic.
	eventually(t, 5*time.Second, func() bool {
		return d1.SyncsInflight() == 0
	})
}
