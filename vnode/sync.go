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

// syncState is the per-cookie anti-entropy bookkeeping. Unlike a
// handoff, a sync exchange is symmetric and recurring: either side can be
// the initiator, and the relationship with one peer actor repeats forever
// on a ticker-driven cadence rather than running once to completion.
type syncState struct {
	peer    causal.NodeID
	actor   causal.NodeID // the BVV actor this exchange is reconciling
	reverse bool          // true once this cookie is a push, not a pull

	deadline time.Time
	boff     *backoff.ExponentialBackOff

	iter    storage.Iterator
	nextSeq uint64
	credit  int
}

func newSyncBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// StartSync initiates an anti-entropy exchange with peer, in one of two
// symmetric modes. Normal (reverse=false) pulls: we send our clock for actor
// and peer streams back every key it stores (it does not filter by that
// clock). Reverse
// pushes instead: we stream our own store toward peer without waiting to be
// asked, the same wire exchange with the streaming direction swapped — used
// to proactively repair a peer rather than wait for it to notice it is
// behind.
func (vn *VNode) StartSync(peer causal.NodeID, actor causal.NodeID, reverse bool) {
	vn.mu.Lock()
	cookie := vn.cookie.Next()

	if reverse {
		iter, err := vn.engine.Iterator(nil)
		if err != nil {
			vn.mu.Unlock()
			glog.Errorf("vnode %d: reverse sync iterator open failed: %v", vn.ID, err)
			return
		}
		st := &syncState{
			peer:     peer,
			reverse:  true,
			deadline: time.Now().Add(vn.cfg.RequestTimeout),
			iter:     iter,
			credit:   vn.cfg.WindowSize,
		}
		vn.pendingSync[cookie] = st
		if err := vn.fab.SendMessage(peer, fabric.Msg{
			Kind:    fabric.KindSyncStart,
			VNode:   vn.ID,
			Cookie:  cookie,
			Payload: fabric.SyncStart{Reverse: true},
		}); err != nil {
			glog.Warningf("vnode %d: reverse sync notice to %d failed to send: %v", vn.ID, peer, err)
		}
		vn.pumpSyncLocked(cookie, st)
		vn.mu.Unlock()
		return
	}

	bv, _ := vn.clocks.Get(actor)
	st := &syncState{
		peer:     peer,
		actor:    actor,
		deadline: time.Now().Add(vn.cfg.RequestTimeout),
		boff:     newSyncBackoff(),
	}
	vn.pendingSync[cookie] = st
	vn.mu.Unlock()

	if err := vn.fab.SendMessage(peer, fabric.Msg{
		Kind:    fabric.KindSyncStart,
		VNode:   vn.ID,
		Cookie:  cookie,
		Payload: fabric.SyncStart{ClockInPeer: bv, Reverse: false},
	}); err != nil {
		glog.Warningf("vnode %d: sync request to %d failed to send: %v", vn.ID, peer, err)
	}
}

// retrySyncLocked re-issues a stalled sync round. Caller holds vn.mu.
func (vn *VNode) retrySyncLocked(cookie causal.Cookie, st *syncState) {
	if st.iter != nil {
		// We are the side streaming data out — pulled-from (Normal) or
		// pushed (Reverse) makes no difference here — and a stalled acker
		// means the peer is gone, so give up this round rather than retry
		// a send nobody is receiving.
		st.iter.Close()
		delete(vn.pendingSync, cookie)
		return
	}
	if st.reverse {
		// We are the receiving side of a push that never arrived; the
		// pusher already gave up its own round above, so there is nothing
		// for us to retry — just stop waiting.
		delete(vn.pendingSync, cookie)
		return
	}
	bv, _ := vn.clocks.Get(st.actor)
	st.deadline = time.Now().Add(st.boff.NextBackOff())
	go vn.fab.SendMessage(st.peer, fabric.Msg{
		Kind:    fabric.KindSyncStart,
		VNode:   vn.ID,
		Cookie:  cookie,
		Payload: fabric.SyncStart{ClockInPeer: bv, Reverse: false},
	})
}

// HandlerSyncStart is the responding side. Normal mode streams every
// locally-stored key from a full keyspace scan; the requester's claimed
// clock (peerClock) is not used to filter what is sent, and the dot log is
// not consulted. Reverse mode means from is about to push its own
// deltas to us instead, so we only stand up a passive receiver entry and
// wait for the incoming SyncSend/SyncFin.
func (vn *VNode) HandlerSyncStart(from causal.NodeID, cookie causal.Cookie, peerClock causal.BitmappedVersion, reverse bool) {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	if vn.status != Ready {
		glog.V(2).Infof("vnode %d: rejecting sync start from %d: %v", vn.ID, from, dcdb.ErrBadVNodeStatus)
		vn.fab.SendMessage(from, fabric.Msg{
			Kind: fabric.KindSyncFin, VNode: vn.ID, Cookie: cookie,
			Payload: fabric.SyncFin{OK: false},
		})
		return
	}

	if reverse {
		vn.pendingSync[cookie] = &syncState{
			peer:     from,
			reverse:  true,
			deadline: time.Now().Add(vn.cfg.RequestTimeout),
		}
		return
	}

	iter, err := vn.engine.Iterator(nil)
	if err != nil {
		glog.Errorf("vnode %d: sync iterator open failed: %v", vn.ID, err)
		vn.fab.SendMessage(from, fabric.Msg{
			Kind: fabric.KindSyncFin, VNode: vn.ID, Cookie: cookie,
			Payload: fabric.SyncFin{OK: false},
		})
		return
	}
	st := &syncState{
		peer:     from,
		deadline: time.Now().Add(vn.cfg.RequestTimeout),
		iter:     iter,
		credit:   vn.cfg.WindowSize,
	}
	vn.pendingSync[cookie] = st
	vn.pumpSyncLocked(cookie, st)
}

// pumpSyncLocked streams every remaining key under the current credit
// window. A production implementation would filter by peerClock so only
// genuinely missing dots cross the wire; this reference engine has no
// per-key dot index to filter against cheaply, so it relies on the
// destination's own Sync/Strip to make the exchange idempotent — sending
// a dot the peer already has is wasted bandwidth, never a correctness bug.
func (vn *VNode) pumpSyncLocked(cookie causal.Cookie, st *syncState) {
	for st.credit > 0 {
		kv, ok, err := st.iter.Next()
		if err != nil {
			glog.Errorf("vnode %d: sync iterator error: %v", vn.ID, err)
			vn.finishSyncSourceLocked(cookie, st, false)
			return
		}
		if !ok {
			vn.finishSyncSourceLocked(cookie, st, true)
			return
		}
		var dcc Container
		if err := gob.NewDecoder(bytes.NewReader(kv.Value)).Decode(&dcc); err != nil {
			glog.Errorf("vnode %d: sync record decode error: %v", vn.ID, err)
			continue
		}
		seq := st.nextSeq
		st.nextSeq++
		st.credit--
		vn.fab.SendMessage(st.peer, fabric.Msg{
			Kind:    fabric.KindSyncSend,
			VNode:   vn.ID,
			Cookie:  cookie,
			Payload: fabric.SyncSend{Seq: seq, Key: kv.Key, Container: dcc},
		})
	}
}

func (vn *VNode) finishSyncSourceLocked(cookie causal.Cookie, st *syncState, ok bool) {
	st.iter.Close()
	// Tell the receiving side how far our own clock has advanced, so it can
	// update what it believes we've observed.
	bv, _ := vn.clocks.Get(vn.Node)
	vn.fab.SendMessage(st.peer, fabric.Msg{
		Kind:    fabric.KindSyncFin,
		VNode:   vn.ID,
		Cookie:  cookie,
		Payload: fabric.SyncFin{OK: ok, PeerForActor: bv},
	})
	delete(vn.pendingSync, cookie)
}

// HandlerSyncAck slides the responder's send window.
func (vn *VNode) HandlerSyncAck(from causal.NodeID, cookie causal.Cookie) {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	st, ok := vn.pendingSync[cookie]
	if !ok {
		glog.V(2).Infof("vnode %d: sync ack from %d: %v", vn.ID, from, dcdb.ErrCookieNotFound)
		return
	}
	if st.iter == nil {
		return
	}
	st.credit++
	vn.pumpSyncLocked(cookie, st)
}

// HandlerSyncSend is the receiving side's handler for one streamed record
// (the initiator of a Normal sync, the responder of a Reverse one): join it
// the same way HandlerBootstrapSend does, then ack.
func (vn *VNode) HandlerSyncSend(from causal.NodeID, cookie causal.Cookie, seq uint64, key []byte, container Container) {
	vn.mu.Lock()
	if _, ok := vn.pendingSync[cookie]; !ok {
		glog.V(2).Infof("vnode %d: sync send from %d: %v", vn.ID, from, dcdb.ErrCookieNotFound)
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
		Kind:    fabric.KindSyncAck,
		VNode:   vn.ID,
		Cookie:  cookie,
		Payload: fabric.SyncAck{Seq: seq},
	})
}

// HandlerSyncFin completes the receiving side's round: fold the streaming
// side's claimed BitmappedVersion for its own actor into our clock,
// recording that we've now caught up to it.
func (vn *VNode) HandlerSyncFin(from causal.NodeID, cookie causal.Cookie, ok bool, peerForActor causal.BitmappedVersion) {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	st, found := vn.pendingSync[cookie]
	if !found {
		glog.V(2).Infof("vnode %d: sync fin from %d: %v", vn.ID, from, dcdb.ErrCookieNotFound)
		return
	}
	if st.iter != nil {
		return
	}
	delete(vn.pendingSync, cookie)

	if !ok {
		glog.V(1).Infof("vnode %d: sync with %d failed, will retry on next round", vn.ID, from)
		return
	}
	vn.clocks.JoinActor(from, peerForActor)
	glog.V(2).Infof("vnode %d: sync with %d complete", vn.ID, from)
}
