package vnode

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	dcdb "github.com/vnodedb/dcdb"
	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/fabric"
	"github.com/vnodedb/dcdb/storage"
)

// bootstrapRole distinguishes the two ends of one handoff cookie: the new
// owner pulling data in, and the existing replica streaming it out.
type bootstrapRole int

const (
	roleDestination bootstrapRole = iota
	roleSource
)

// bootstrapState is the per-cookie handoff bookkeeping, held on both the
// destination (pulling the vnode in) and the source (streaming it out).
type bootstrapState struct {
	role     bootstrapRole
	peer     causal.NodeID
	deadline time.Time
	boff     *backoff.ExponentialBackOff

	// source-side streaming
	iter    storage.Iterator
	nextSeq uint64
	credit  int
}

func newHandoffBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // retry until the vnode is revoked (abortAllLocked handles that)
	return b
}

// RequestBootstrap is the destination-side entry point: ask source to
// stream this vnode's contents.
func (vn *VNode) RequestBootstrap(source causal.NodeID) {
	vn.mu.Lock()
	boff := newHandoffBackoff()
	cookie := vn.cookie.Next()
	st := &bootstrapState{
		role:     roleDestination,
		peer:     source,
		deadline: time.Now().Add(vn.cfg.RequestTimeout),
		boff:     boff,
	}
	vn.pendingBootstrap[cookie] = st
	vn.mu.Unlock()

	if err := vn.fab.SendMessage(source, fabric.Msg{
		Kind:    fabric.KindBootstrapStart,
		VNode:   vn.ID,
		Cookie:  cookie,
		Payload: fabric.BootstrapStart{},
	}); err != nil {
		glog.Warningf("vnode %d: bootstrap request to %d failed to send: %v", vn.ID, source, err)
	}
}

// retryBootstrapLocked advances a handoff whose deadline elapsed. Caller
// holds vn.mu.
func (vn *VNode) retryBootstrapLocked(cookie causal.Cookie, st *bootstrapState) {
	switch st.role {
	case roleDestination:
		st.deadline = time.Now().Add(st.boff.NextBackOff())
		glog.V(1).Infof("vnode %d: bootstrap from %d stalled, retrying", vn.ID, st.peer)
		go vn.fab.SendMessage(st.peer, fabric.Msg{
			Kind:    fabric.KindBootstrapStart,
			VNode:   vn.ID,
			Cookie:  cookie,
			Payload: fabric.BootstrapStart{},
		})
	case roleSource:
		glog.Warningf("vnode %d: abandoning stalled outbound handoff to %d", vn.ID, st.peer)
		if st.iter != nil {
			st.iter.Close()
		}
		delete(vn.pendingBootstrap, cookie)
	}
}

// HandlerBootstrapStart is the source-side handler: open an iterator over
// the local keyspace and start streaming it under a sliding window.
func (vn *VNode) HandlerBootstrapStart(from causal.NodeID, cookie causal.Cookie) {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	iter, err := vn.engine.Iterator(nil)
	if err != nil {
		glog.Errorf("vnode %d: bootstrap iterator open failed: %v", vn.ID, err)
		vn.fab.SendMessage(from, fabric.Msg{
			Kind: fabric.KindBootstrapFin, VNode: vn.ID, Cookie: cookie,
			Payload: fabric.BootstrapFin{OK: false},
		})
		return
	}
	st := &bootstrapState{
		role:     roleSource,
		peer:     from,
		deadline: time.Now().Add(vn.cfg.RequestTimeout),
		iter:     iter,
		credit:   vn.cfg.WindowSize,
	}
	vn.pendingBootstrap[cookie] = st
	vn.pumpBootstrapLocked(cookie, st)
}

// pumpBootstrapLocked sends as many BootstrapSend messages as the current
// credit window allows, finishing the handoff with a BootstrapFin once the
// iterator is exhausted. Caller holds vn.mu.
func (vn *VNode) pumpBootstrapLocked(cookie causal.Cookie, st *bootstrapState) {
	for st.credit > 0 {
		kv, ok, err := st.iter.Next()
		if err != nil {
			glog.Errorf("vnode %d: bootstrap iterator error: %v", vn.ID, err)
			vn.finishBootstrapSourceLocked(cookie, st, false)
			return
		}
		if !ok {
			vn.finishBootstrapSourceLocked(cookie, st, true)
			return
		}
		var dcc Container
		if err := gob.NewDecoder(bytes.NewReader(kv.Value)).Decode(&dcc); err != nil {
			glog.Errorf("vnode %d: bootstrap record decode error: %v", vn.ID, err)
			continue
		}
		seq := st.nextSeq
		st.nextSeq++
		st.credit--
		vn.fab.SendMessage(st.peer, fabric.Msg{
			Kind:    fabric.KindBootstrapSend,
			VNode:   vn.ID,
			Cookie:  cookie,
			Payload: fabric.BootstrapSend{Seq: seq, Key: kv.Key, Container: dcc},
		})
	}
}

func (vn *VNode) finishBootstrapSourceLocked(cookie causal.Cookie, st *bootstrapState, ok bool) {
	st.iter.Close()
	vn.fab.SendMessage(st.peer, fabric.Msg{
		Kind:    fabric.KindBootstrapFin,
		VNode:   vn.ID,
		Cookie:  cookie,
		Payload: fabric.BootstrapFin{OK: ok, Clocks: vn.clocks.Clone()},
	})
	delete(vn.pendingBootstrap, cookie)
}

// HandlerBootstrapAck slides the source's send window.
func (vn *VNode) HandlerBootstrapAck(from causal.NodeID, cookie causal.Cookie) {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	st, ok := vn.pendingBootstrap[cookie]
	if !ok {
		glog.V(2).Infof("vnode %d: bootstrap ack from %d: %v", vn.ID, from, dcdb.ErrCookieNotFound)
		return
	}
	if st.role != roleSource {
		return
	}
	st.credit++
	vn.pumpBootstrapLocked(cookie, st)
}

// HandlerBootstrapSend is the destination-side handler for one streamed
// record: CRDT-join it into the local store and ack.
func (vn *VNode) HandlerBootstrapSend(from causal.NodeID, cookie causal.Cookie, seq uint64, key []byte, container Container) {
	vn.mu.Lock()
	if _, ok := vn.pendingBootstrap[cookie]; !ok {
		glog.V(2).Infof("vnode %d: bootstrap send from %d: %v", vn.ID, from, dcdb.ErrCookieNotFound)
		vn.mu.Unlock()
		return
	}

	local, err := vn.loadDCCLocked(key)
	if err == nil {
		local.Sync(container)
		local.AddToBVV(&vn.clocks)
		local.Strip(vn.clocks)
		vn.storeDCCLocked(key, local)
	}
	vn.mu.Unlock()

	vn.fab.SendMessage(from, fabric.Msg{
		Kind:    fabric.KindBootstrapAck,
		VNode:   vn.ID,
		Cookie:  cookie,
		Payload: fabric.BootstrapAck{Seq: seq},
	})
}

// HandlerBootstrapFin is the destination-side completion handler: on
// success the vnode absorbs the source's clocks and becomes Ready; on
// failure it stays in Bootstrap and leans on HandleTick's retry.
func (vn *VNode) HandlerBootstrapFin(from causal.NodeID, cookie causal.Cookie, ok bool, clocks causal.BitmappedVersionVector) {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	st, found := vn.pendingBootstrap[cookie]
	if !found {
		glog.V(2).Infof("vnode %d: bootstrap fin from %d: %v", vn.ID, from, dcdb.ErrCookieNotFound)
		return
	}
	if st.role != roleDestination {
		return
	}

	if !ok {
		// Leave the state in pendingBootstrap under the same cookie so
		// HandleTick's deadline sweep drives retryBootstrapLocked; deleting
		// here would strand the handoff with nothing left to retry it.
		st.deadline = time.Now().Add(st.boff.NextBackOff())
		glog.Warningf("vnode %d: bootstrap from %d reported failure, retrying after backoff", vn.ID, from)
		return
	}
	delete(vn.pendingBootstrap, cookie)

	vn.clocks.Merge(clocks)
	if vn.status == Bootstrap {
		vn.status = Ready
		vn.r.Settle(vn.ID)
		glog.V(1).Infof("vnode %d: bootstrap from %d complete, now Ready", vn.ID, from)
	}
}
