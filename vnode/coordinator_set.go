package vnode

import (
	"time"

	"github.com/golang/glog"

	dcdb "github.com/vnodedb/dcdb"
	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/fabric"
)

// ResultFunc is the response callback invoked once a coordinator
// completes, successfully or not. The vnode only calls it, never
// interprets what's on the other side.
type ResultFunc func(token causal.Token, container Container, err error)

// coordState is the per-cookie bookkeeping for one in-flight client SET
// or GET.
type coordState struct {
	isSet bool

	key      []byte
	token    causal.Token
	done     ResultFunc
	deadline time.Time

	// SET bookkeeping
	filled    Container
	fanout    int
	needW     int // min(cfg.W, replicas actually available), see DoSet
	repliesOk int // starts at 1: the local write counts as one ack
	repliesEr int

	// GET bookkeeping
	acc     Container
	needR   int
	gotR    int
	replied bool
}

func (st *coordState) fail(err error) {
	if st.replied {
		return
	}
	st.replied = true
	st.done(st.token, Container{}, err)
}

func (st *coordState) succeed(c Container) {
	if st.replied {
		return
	}
	st.replied = true
	st.done(st.token, c, nil)
}

// DoSet is the client SET coordinator entry point.
//
//  1. read-modify the local DCC: discard what ctx already covers, assign a
//     fresh dot, strip the dense VV, persist, fill for fan-out.
//  2. fan the filled container out to every other replica.
//  3. wait for W acks (the local write counts as the first) or the fanout
//     to exhaust without reaching W, or the per-cookie deadline.
func (vn *VNode) DoSet(token causal.Token, key []byte, value []byte, hasValue bool, ctx causal.VersionVector, done ResultFunc) {
	vn.mu.Lock()
	if vn.status != Ready {
		vn.mu.Unlock()
		done(token, Container{}, dcdb.ErrNotReady)
		return
	}

	filled, err := vn.localSetLocked(key, value, hasValue, ctx)
	if err != nil {
		vn.mu.Unlock()
		done(token, Container{}, err)
		return
	}

	targets := otherReplicas(vn.r.NodesForVNode(vn.ID, true), vn.Node)
	cookie := vn.cookie.Next()
	// A ring may hold fewer live replicas for this vnode than cfg.W asks
	// for (a single-node cluster, or replication temporarily short a
	// node) — quorum can never exceed what's actually reachable.
	needW := vn.cfg.W
	if n := len(targets) + 1; needW > n {
		needW = n
	}
	st := &coordState{
		isSet:     true,
		key:       key,
		token:     token,
		done:      done,
		deadline:  time.Now().Add(vn.cfg.RequestTimeout),
		filled:    filled,
		fanout:    len(targets),
		needW:     needW,
		repliesOk: 1,
	}
	vn.pendingCoord[cookie] = st

	// Quorum may already be met locally (e.g. W=1 or no replicas); the
	// fan-out still goes out so replicas catch up, it just no longer gates
	// the client's response.
	already := st.repliesOk >= st.needW
	if already {
		st.succeed(filled)
		delete(vn.pendingCoord, cookie)
	}
	vn.mu.Unlock()

	vn.fanOutSet(targets, cookie, key, filled)
}

func (vn *VNode) fanOutSet(targets []causal.NodeID, cookie causal.Cookie, key []byte, filled Container) {
	for _, target := range targets {
		err := vn.fab.SendMessage(target, fabric.Msg{
			Kind:   fabric.KindRemoteSet,
			VNode:  vn.ID,
			Cookie: cookie,
			Payload: fabric.RemoteSet{
				Key:       key,
				Container: filled,
			},
		})
		if err != nil {
			vn.HandleRemoteSetAck(target, cookie, false)
		}
	}
}

// localSetLocked performs the sibling-generation step against the local
// replica. Caller holds vn.mu.
func (vn *VNode) localSetLocked(key []byte, value []byte, hasValue bool, ctx causal.VersionVector) (Container, error) {
	dcc, err := vn.loadDCCLocked(key)
	if err != nil {
		return Container{}, err
	}
	dcc.Discard(ctx)
	v := vn.clocks.Event(vn.Node)
	if hasValue {
		dcc.Add(vn.Node, v, value)
	}
	vn.appendLog(causal.Dot{ID: vn.Node, Version: v})

	toPersist := dcc.Clone()
	toPersist.Strip(vn.clocks)
	if err := vn.storeDCCLocked(key, toPersist); err != nil {
		return Container{}, err
	}

	filled := toPersist.Clone()
	filled.Fill(vn.clocks)
	return filled, nil
}

// HandleRemoteSetAck processes a RemoteSetAck from a replica.
func (vn *VNode) HandleRemoteSetAck(from causal.NodeID, cookie causal.Cookie, ok bool) {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	st, found := vn.pendingCoord[cookie]
	if !found {
		// Unknown cookie: ignored, the sender already failed it over.
		glog.V(2).Infof("vnode %d: remote set ack from %d: %v", vn.ID, from, dcdb.ErrCookieNotFound)
		return
	}
	if !st.isSet {
		return
	}
	if ok {
		st.repliesOk++
	} else {
		st.repliesEr++
	}
	if st.repliesOk >= st.needW {
		st.succeed(st.filled)
		delete(vn.pendingCoord, cookie)
		return
	}
	if st.repliesOk+st.repliesEr >= st.fanout+1 { // +1 for the local write
		st.fail(dcdb.ErrWriteQuorumFailed)
		delete(vn.pendingCoord, cookie)
	}
}

// HandlerSetRemote is the replica-side RemoteSet handler: CRDT-join the
// coordinator's container into the local copy and ack.
func (vn *VNode) HandlerSetRemote(from causal.NodeID, cookie causal.Cookie, key []byte, container Container) {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	ok := true
	if vn.status != Ready {
		ok = false
		glog.V(2).Infof("vnode %d: rejecting remote set from %d: %v", vn.ID, from, dcdb.ErrBadVNodeStatus)
	} else {
		dcc, err := vn.loadDCCLocked(key)
		if err != nil {
			ok = false
		} else {
			dcc.Sync(container)
			dcc.AddToBVV(&vn.clocks)
			dcc.Strip(vn.clocks)
			if err := vn.storeDCCLocked(key, dcc); err != nil {
				ok = false
			}
		}
	}

	vn.fab.SendMessage(from, fabric.Msg{
		Kind:    fabric.KindRemoteSetAck,
		VNode:   vn.ID,
		Cookie:  cookie,
		Payload: fabric.RemoteSetAck{OK: ok},
	})
}

func otherReplicas(all []causal.NodeID, self causal.NodeID) []causal.NodeID {
	out := make([]causal.NodeID, 0, len(all))
	for _, id := range all {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}
