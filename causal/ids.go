package causal

import "sync/atomic"

// VNodeID indexes a partition in the ring.
type VNodeID uint16

// Token is a client-chosen correlator for an in-flight request.
type Token uint64

// Cookie uniquely identifies one coordinator-scoped request across the
// cluster: the node that allocated it plus a per-node monotonic counter.
type Cookie struct {
	Node NodeID
	Seq  uint64
}

// CookieAllocator hands out cookies unique to one node: the node id paired
// with an atomically incremented counter. Shared by every vnode on a node
// so allocation can never collide across vnodes.
type CookieAllocator struct {
	node NodeID
	seq  uint64
}

// NewCookieAllocator returns an allocator scoped to node.
func NewCookieAllocator(node NodeID) *CookieAllocator {
	return &CookieAllocator{node: node}
}

// Next returns a fresh, globally-unique Cookie.
func (a *CookieAllocator) Next() Cookie {
	return Cookie{Node: a.node, Seq: atomic.AddUint64(&a.seq, 1)}
}
