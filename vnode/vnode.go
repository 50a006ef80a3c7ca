// Package vnode implements the replicated state machine for one
// partition: the Absent/Bootstrap/Ready lifecycle and its three
// sub-machines (client coordination, handoff, anti-entropy sync).
package vnode

import (
	"sync"
	"time"

	"github.com/golang/glog"

	dcdb "github.com/vnodedb/dcdb"
	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/fabric"
	"github.com/vnodedb/dcdb/ring"
	"github.com/vnodedb/dcdb/storage"
)

// Status is the vnode's placement/readiness state.
type Status int

const (
	Absent Status = iota
	Bootstrap
	Ready
)

func (s Status) String() string {
	switch s {
	case Absent:
		return "Absent"
	case Bootstrap:
		return "Bootstrap"
	case Ready:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Container is the value type stored per key: a DCC over byte-string
// siblings.
type Container = causal.DottedCausalContainer[[]byte]

// LogCapacity bounds the per-vnode dot log. The log records freshly
// generated dots and its length is saved as the log head; anti-entropy does
// not read it (sync always scans the whole keyspace), and dots live in the
// persisted containers and clocks, so evicting old entries loses no dot.
const LogCapacity = 4096

// Config configures a VNode's quorum and timeouts.
type Config struct {
	W, R           int
	RequestTimeout time.Duration
	WindowSize     int // bootstrap/sync sliding window
}

// DefaultConfig returns W=R=2, the majority quorum for N=3.
func DefaultConfig() Config {
	return Config{W: 2, R: 2, RequestTimeout: 5 * time.Second, WindowSize: 64}
}

// VNode is the replicated state machine for one partition. All state is
// mutated only while mu is held; every exported method locks internally.
type VNode struct {
	mu sync.Mutex

	ID   causal.VNodeID
	Node causal.NodeID // this process's node id, used as the coordinator actor
	cfg  Config

	status Status
	clocks causal.BitmappedVersionVector
	log    []causal.Dot // ring buffer, most-recent last

	pendingCoord     map[causal.Cookie]*coordState
	pendingBootstrap map[causal.Cookie]*bootstrapState
	pendingSync      map[causal.Cookie]*syncState
	syncCursor       int  // round-robins which peer HandleTick syncs with next
	syncReverse      bool // alternates pull/push sync mode each tick

	engine storage.Engine
	meta   storage.Meta
	r      *ring.Ring
	fab    *fabric.Fabric
	cookie *causal.CookieAllocator
}

// New constructs a VNode in the Absent state; Database brings it to
// Bootstrap/Ready via HandleDHTChange once ownership is known.
func New(id causal.VNodeID, node causal.NodeID, cfg Config, r *ring.Ring, fab *fabric.Fabric,
	engine storage.Engine, meta storage.Meta, cookie *causal.CookieAllocator) *VNode {
	vn := &VNode{
		ID:               id,
		Node:             node,
		cfg:              cfg,
		status:           Absent,
		clocks:           causal.NewBVV(),
		pendingCoord:     make(map[causal.Cookie]*coordState),
		pendingBootstrap: make(map[causal.Cookie]*bootstrapState),
		pendingSync:      make(map[causal.Cookie]*syncState),
		engine:           engine,
		meta:             meta,
		r:                r,
		fab:              fab,
		cookie:           cookie,
	}
	return vn
}

// Status returns the current state.
func (vn *VNode) Status() Status {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	return vn.status
}

// Load restores clocks from meta storage. A missing or corrupt
// meta entry leaves clocks empty, the explicit unclean-shutdown recovery
// path: sync is relied on to repair.
func (vn *VNode) Load() {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	state, ok, err := vn.meta.Load(vn.ID)
	if !ok || err != nil {
		if err != nil {
			glog.Errorf("vnode %d: corrupt meta state, starting empty: %v", vn.ID, err)
		}
		vn.clocks = causal.NewBVV()
		return
	}
	vn.clocks = state.Clocks
}

// Save persists clocks to meta storage. On shutdown=true this is a clean
// save; on shutdown=false it is dropped by storage.Meta, which is what
// makes a dirty restart start from empty clocks.
func (vn *VNode) Save(shutdown bool) error {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	state := storage.MetaState{Clocks: vn.clocks.Clone(), LogHead: uint64(len(vn.log))}
	return vn.meta.Save(vn.ID, state, shutdown)
}

// HandleDHTChange reconciles the vnode's status against the ring's current
// ownership for this node:
//
//	Absent --claim-in--> Bootstrap --bootstrap-fin--> Ready
//	Ready --revoked--> Absent (after save)
//	Bootstrap --revoked--> Absent (abort in-flight handoff)
func (vn *VNode) HandleDHTChange() {
	owned := false
	claiming := false
	for _, id := range vn.r.NodesForVNode(vn.ID, false) {
		if id == vn.Node {
			owned = true
		}
	}
	for _, id := range vn.r.NodesForVNode(vn.ID, true) {
		if id == vn.Node {
			claiming = true
		}
	}

	vn.mu.Lock()
	defer vn.mu.Unlock()

	switch vn.status {
	case Absent:
		if owned {
			vn.status = Ready
			glog.V(1).Infof("vnode %d: Absent -> Ready (already owned at startup)", vn.ID)
		} else if claiming {
			vn.status = Bootstrap
			glog.V(1).Infof("vnode %d: Absent -> Bootstrap (claim-in)", vn.ID)
			go vn.startBootstrap()
		}
	case Bootstrap:
		if !claiming && !owned {
			vn.abortAllLocked()
			vn.status = Absent
			glog.V(1).Infof("vnode %d: Bootstrap -> Absent (revoked)", vn.ID)
		}
	case Ready:
		if !owned {
			state := storage.MetaState{Clocks: vn.clocks.Clone(), LogHead: uint64(len(vn.log))}
			if err := vn.meta.Save(vn.ID, state, true); err != nil {
				glog.Errorf("vnode %d: save on revoke failed: %v", vn.ID, err)
			}
			vn.abortAllLocked()
			vn.status = Absent
			glog.V(1).Infof("vnode %d: Ready -> Absent (revoked)", vn.ID)
		}
	}
}

// startBootstrap kicks off an incoming handoff pull. Runs on its own
// goroutine (never with mu held — RequestBootstrap takes it itself) so the
// status transition that triggered it doesn't block on fabric sends.
func (vn *VNode) startBootstrap() {
	sources := vn.r.NodesForVNode(vn.ID, false)
	var source causal.NodeID
	found := false
	for _, id := range sources {
		if id != vn.Node {
			source = id
			found = true
			break
		}
	}
	if !found {
		glog.Warningf("vnode %d: no bootstrap source available", vn.ID)
		return
	}
	vn.RequestBootstrap(source)
}

// abortAllLocked cancels every inflight coordinator/handoff/sync state
// when a membership transition takes the vnode to Absent. Waiting callers
// each receive a Timeout error.
func (vn *VNode) abortAllLocked() {
	for cookie, st := range vn.pendingCoord {
		st.fail(dcdb.ErrTimeout)
		delete(vn.pendingCoord, cookie)
	}
	for cookie := range vn.pendingBootstrap {
		delete(vn.pendingBootstrap, cookie)
	}
	for cookie := range vn.pendingSync {
		delete(vn.pendingSync, cookie)
	}
}

// appendLog records a freshly generated dot, evicting the oldest entry
// once LogCapacity is exceeded.
func (vn *VNode) appendLog(dot causal.Dot) {
	vn.log = append(vn.log, dot)
	if len(vn.log) > LogCapacity {
		vn.log = vn.log[len(vn.log)-LogCapacity:]
	}
}

// HandleTick advances every deadline-bearing sub-machine by one tick and,
// when Ready, kicks off one round of anti-entropy against the next peer
// replica in rotation so replica state keeps converging even when nothing
// else triggers it. Successive rounds alternate pull and push mode.
func (vn *VNode) HandleTick(now time.Time) {
	vn.mu.Lock()

	for cookie, st := range vn.pendingCoord {
		if now.After(st.deadline) {
			st.fail(dcdb.ErrTimeout)
			delete(vn.pendingCoord, cookie)
		}
	}
	for cookie, st := range vn.pendingBootstrap {
		if now.After(st.deadline) {
			vn.retryBootstrapLocked(cookie, st)
		}
	}
	for cookie, st := range vn.pendingSync {
		if now.After(st.deadline) {
			vn.retrySyncLocked(cookie, st)
		}
	}

	var syncPeer causal.NodeID
	wantSync := false
	reverse := false
	if vn.status == Ready {
		peers := otherReplicas(vn.r.NodesForVNode(vn.ID, false), vn.Node)
		if len(peers) > 0 {
			vn.syncCursor = (vn.syncCursor + 1) % len(peers)
			syncPeer = peers[vn.syncCursor]
			wantSync = true
			reverse = vn.syncReverse
			vn.syncReverse = !vn.syncReverse
		}
	}
	vn.mu.Unlock()

	if wantSync {
		go vn.StartSync(syncPeer, syncPeer, reverse)
	}
}

// MigrationsInflight reports the number of active handoff states, used by
// tests/ops to know when a bootstrap has drained.
func (vn *VNode) MigrationsInflight() int {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	return len(vn.pendingBootstrap)
}

// SyncsInflight reports the number of active sync states.
func (vn *VNode) SyncsInflight() int {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	return len(vn.pendingSync)
}
