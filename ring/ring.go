// Package ring implements the consistent-hash partition map: it assigns
// keys to vnodes and vnodes to ordered replica sets of nodes, by walking
// a sorted node list from each partition's position.
package ring

import (
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/spaolacci/murmur3"

	"github.com/vnodedb/dcdb/causal"
)

// DefaultPartitions is the default partition count P (must be a power of two).
const DefaultPartitions = 64

// DefaultReplication is the default replication factor N.
const DefaultReplication = 3

// Config configures a Ring.
type Config struct {
	Partitions  uint16 // P, must be a power of two
	Replication int    // N
}

// DefaultConfig returns P=64, N=3.
func DefaultConfig() Config {
	return Config{Partitions: DefaultPartitions, Replication: DefaultReplication}
}

// Ring maps keys to vnodes and vnodes to the node ids that own or are
// claiming ownership of them. Reads and claim/settle mutations can arrive
// from different worker goroutines (a bootstrap finishing settles its
// partition from that vnode's worker), so all placement state is guarded
// by one reader-writer mutex.
type Ring struct {
	cfg Config

	mu sync.RWMutex

	// owners[i] is the settled, ordered replica set for vnode i.
	owners [][]causal.NodeID
	// pending[i] holds nodes newly claiming vnode i, not yet settled.
	pending [][]causal.NodeID
	// order is the list of known node ids, sorted, used to walk the ring.
	order []causal.NodeID
}

// New builds a Ring over the given member node ids, with every vnode's
// owner set already settled from those members (nothing pending); later
// joiners Claim their share.
func New(cfg Config, members []causal.NodeID) *Ring {
	r := &Ring{cfg: cfg}
	r.order = append([]causal.NodeID(nil), members...)
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	r.owners = make([][]causal.NodeID, cfg.Partitions)
	r.pending = make([][]causal.NodeID, cfg.Partitions)
	r.assignAll()
	return r
}

// Partitions returns P.
func (r *Ring) Partitions() uint16 { return r.cfg.Partitions }

// Replication returns N.
func (r *Ring) Replication() int { return r.cfg.Replication }

// KeyVNode hashes key with a stable non-cryptographic 64-bit hash and
// returns the owning vnode, key_vnode(key) = hash(key) mod P.
func (r *Ring) KeyVNode(key []byte) causal.VNodeID {
	h := murmur3.Sum64(key)
	return causal.VNodeID(h % uint64(r.cfg.Partitions))
}

// assignAll sets every vnode's settled owner list straight from the
// current node order, used only at construction: a brand new ring has no
// migration to stage, every partition starts settled.
func (r *Ring) assignAll() {
	target := r.computeTarget()
	for i, owners := range target {
		r.owners[i] = owners
		r.pending[i] = nil
	}
}

// computeTarget deterministically assigns every vnode's preference list by
// walking the sorted node order starting at the vnode's own position,
// collecting distinct owners until the replication factor is met. It is a
// pure function of r.order: it never mutates
// r.owners, so Claim can compare the result against the current settled
// placement before staging anything.
func (r *Ring) computeTarget() [][]causal.NodeID {
	out := make([][]causal.NodeID, r.cfg.Partitions)
	n := len(r.order)
	if n == 0 {
		return out
	}
	for i := 0; i < int(r.cfg.Partitions); i++ {
		start := i % n
		owners := make([]causal.NodeID, 0, r.cfg.Replication)
		seen := make(map[causal.NodeID]bool, r.cfg.Replication)
		for off := 0; off < n && len(owners) < r.cfg.Replication; off++ {
			id := r.order[(start+off)%n]
			if seen[id] {
				continue
			}
			seen[id] = true
			owners = append(owners, id)
		}
		out[i] = owners
	}
	return out
}

// NodesForVNode returns the ordered replica set for vnode i. When
// includePending is true, nodes newly claiming ownership are appended
// after the settled owners (deduplicated); the union may transiently
// exceed N during a membership change.
func (r *Ring) NodesForVNode(i causal.VNodeID, includePending bool) []causal.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owners := append([]causal.NodeID(nil), r.owners[i]...)
	if !includePending {
		return owners
	}
	seen := make(map[causal.NodeID]bool, len(owners))
	for _, id := range owners {
		seen[id] = true
	}
	for _, id := range r.pending[i] {
		if !seen[id] {
			seen[id] = true
			owners = append(owners, id)
		}
	}
	return owners
}

// VNodesForNode partitions the vnodes this node already fully owns from
// those it is still migrating in.
func (r *Ring) VNodesForNode(node causal.NodeID) (ready, pending map[causal.VNodeID]bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ready = make(map[causal.VNodeID]bool)
	pending = make(map[causal.VNodeID]bool)
	for i := 0; i < int(r.cfg.Partitions); i++ {
		for _, id := range r.owners[i] {
			if id == node {
				ready[causal.VNodeID(i)] = true
			}
		}
		for _, id := range r.pending[i] {
			if id == node && !ready[causal.VNodeID(i)] {
				pending[causal.VNodeID(i)] = true
			}
		}
	}
	return ready, pending
}

// Claim declares that node takes ownership of its assigned partitions: the
// ring computes the new target assignment for every vnode and, for any
// vnode whose owner set would actually change, stages the full new owner
// list as pending — the settled owner list is left untouched until Settle
// is called, so readers/writers keep using the old replica set while a
// handoff streams data to the new one.
func (r *Ring) Claim(node causal.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, id := range r.order {
		if id == node {
			found = true
			break
		}
	}
	if !found {
		r.order = append(r.order, node)
		sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	}

	target := r.computeTarget()
	for i, owners := range target {
		if !equalSet(r.owners[i], owners) {
			r.pending[i] = owners
		}
	}
	glog.V(1).Infof("ring: node %d claimed, recomputed %d partitions", node, r.cfg.Partitions)
}

// Settle marks vnode i's staged claim as complete: its pending target
// owner set becomes the settled owner set. Called once a handoff/bootstrap
// finishes. A no-op if vnode i has no pending claim.
func (r *Ring) Settle(i causal.VNodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[i] != nil {
		r.owners[i] = r.pending[i]
	}
	r.pending[i] = nil
}

// OwnershipChange describes one partition whose settled owner set differs
// between two ring snapshots, letting a reconciler act only on partitions
// that actually changed hands.
type OwnershipChange struct {
	VNode causal.VNodeID
	Prev  []causal.NodeID
	Next  []causal.NodeID
}

// PlacementVersion is an immutable snapshot of every vnode's settled
// owners, used by Reconcile to diff two points in time.
type PlacementVersion struct {
	owners [][]causal.NodeID
}

// Snapshot captures the current settled placement.
func (r *Ring) Snapshot() PlacementVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make([][]causal.NodeID, len(r.owners))
	for i, o := range r.owners {
		cp[i] = append([]causal.NodeID(nil), o...)
	}
	return PlacementVersion{owners: cp}
}

// Reconcile diffs prev against the ring's current placement and returns
// only the partitions whose owner set actually changed.
func (r *Ring) Reconcile(prev PlacementVersion) []OwnershipChange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var changes []OwnershipChange
	for i := range r.owners {
		var prevOwners []causal.NodeID
		if i < len(prev.owners) {
			prevOwners = prev.owners[i]
		}
		if !equalSet(prevOwners, r.owners[i]) {
			changes = append(changes, OwnershipChange{
				VNode: causal.VNodeID(i),
				Prev:  append([]causal.NodeID(nil), prevOwners...),
				Next:  append([]causal.NodeID(nil), r.owners[i]...),
			})
		}
	}
	return changes
}

func toSet(ids []causal.NodeID) map[causal.NodeID]bool {
	s := make(map[causal.NodeID]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func equalSet(a, b []causal.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := toSet(a), toSet(b)
	for id := range sa {
		if !sb[id] {
			return false
		}
	}
	return true
}
