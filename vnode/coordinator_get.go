package vnode

import (
	"time"

	"github.com/golang/glog"

	dcdb "github.com/vnodedb/dcdb"
	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/fabric"
)

// DoGet is the client GET coordinator entry point: read the local
// replica, fan a RemoteGet out to the others, and CRDT-join every reply as
// it arrives until R replies (including the local one) have been folded
// in, or the deadline passes.
func (vn *VNode) DoGet(token causal.Token, key []byte, done ResultFunc) {
	vn.mu.Lock()
	if vn.status != Ready {
		vn.mu.Unlock()
		done(token, Container{}, dcdb.ErrNotReady)
		return
	}

	local, err := vn.loadDCCLocked(key)
	if err != nil {
		vn.mu.Unlock()
		done(token, Container{}, err)
		return
	}
	local.Fill(vn.clocks)

	targets := otherReplicas(vn.r.NodesForVNode(vn.ID, true), vn.Node)
	cookie := vn.cookie.Next()
	// As in DoSet: never require more acks than there are replicas to ask.
	needR := vn.cfg.R
	if n := len(targets) + 1; needR > n {
		needR = n
	}
	st := &coordState{
		isSet:    false,
		key:      key,
		token:    token,
		done:     done,
		deadline: time.Now().Add(vn.cfg.RequestTimeout),
		acc:      local,
		needR:    needR,
		gotR:     1,
		fanout:   len(targets),
	}
	vn.pendingCoord[cookie] = st

	if st.gotR >= st.needR {
		st.succeed(st.acc)
		delete(vn.pendingCoord, cookie)
		vn.mu.Unlock()
		vn.fanOutGet(targets, cookie, key)
		return
	}
	vn.mu.Unlock()

	vn.fanOutGet(targets, cookie, key)
}

func (vn *VNode) fanOutGet(targets []causal.NodeID, cookie causal.Cookie, key []byte) {
	for _, target := range targets {
		err := vn.fab.SendMessage(target, fabric.Msg{
			Kind:    fabric.KindRemoteGet,
			VNode:   vn.ID,
			Cookie:  cookie,
			Payload: fabric.RemoteGet{Key: key},
		})
		if err != nil {
			vn.HandleRemoteGetAck(target, cookie, false, Container{})
		}
	}
}

// HandleRemoteGetAck folds a replica's reply into the accumulator and
// completes the read once R replies have landed.
func (vn *VNode) HandleRemoteGetAck(from causal.NodeID, cookie causal.Cookie, ok bool, container Container) {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	st, found := vn.pendingCoord[cookie]
	if !found {
		glog.V(2).Infof("vnode %d: remote get ack from %d: %v", vn.ID, from, dcdb.ErrCookieNotFound)
		return
	}
	if st.isSet {
		return
	}
	if !ok {
		st.repliesEr++
		if st.gotR+st.repliesEr >= st.fanout+1 {
			st.fail(dcdb.ErrReadQuorumFailed)
			delete(vn.pendingCoord, cookie)
		}
		return
	}
	st.acc.Sync(container)
	st.gotR++
	if st.gotR >= st.needR {
		st.succeed(st.acc)
		delete(vn.pendingCoord, cookie)
	}
}

// HandlerGetRemote is the replica-side RemoteGet handler: load, fill and
// return the local copy.
func (vn *VNode) HandlerGetRemote(from causal.NodeID, cookie causal.Cookie, key []byte) {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	ok := vn.status == Ready
	if !ok {
		glog.V(2).Infof("vnode %d: rejecting remote get from %d: %v", vn.ID, from, dcdb.ErrBadVNodeStatus)
	}
	var dcc Container
	if ok {
		var err error
		dcc, err = vn.loadDCCLocked(key)
		if err != nil {
			ok = false
		} else {
			dcc.Fill(vn.clocks)
		}
	}

	vn.fab.SendMessage(from, fabric.Msg{
		Kind:    fabric.KindRemoteGetAck,
		VNode:   vn.ID,
		Cookie:  cookie,
		Payload: fabric.RemoteGetAck{OK: ok, Container: dcc},
	})
}
