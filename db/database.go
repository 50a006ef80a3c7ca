package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	dcdb "github.com/vnodedb/dcdb"
	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/fabric"
	"github.com/vnodedb/dcdb/membership"
	"github.com/vnodedb/dcdb/ring"
	"github.com/vnodedb/dcdb/storage"
	"github.com/vnodedb/dcdb/vnode"
	"github.com/vnodedb/dcdb/worker"
)

// Database is one node's view of the cluster: every vnode it might own or
// be bootstrapping, wired to a shared Fabric, a shared worker Pool, and the
// Membership it listens to for ownership changes. It implements
// membership.Listener.
type Database struct {
	self causal.NodeID

	mem  *membership.Membership
	fab  *fabric.Fabric
	pool *worker.Pool

	cookie *causal.CookieAllocator

	vnodes map[causal.VNodeID]*vnode.VNode
	shards map[causal.VNodeID]int

	proxyTimeout time.Duration
	proxyMu      sync.Mutex
	proxyPending map[causal.Cookie]*proxyState
}

// proxyState is the Database-level inflight bookkeeping for one client
// SET/DEL this node forwarded to the vnode's actual owner instead of
// serving locally.
type proxyState struct {
	cmd      *Command
	deadline time.Time
}

// New builds a Database owning one vnode.VNode per partition in mem's
// ring, each backed by an Engine opened from factory and sharing meta.
func New(self causal.NodeID, mem *membership.Membership, fab *fabric.Fabric,
	factory storage.EngineFactory, meta storage.Meta, vcfg vnode.Config, pcfg worker.Config) (*Database, error) {

	if pcfg.Workers <= 0 {
		pcfg.Workers = 1
	}
	d := &Database{
		self:         self,
		mem:          mem,
		fab:          fab,
		cookie:       causal.NewCookieAllocator(self),
		vnodes:       make(map[causal.VNodeID]*vnode.VNode),
		shards:       make(map[causal.VNodeID]int),
		proxyTimeout: vcfg.RequestTimeout,
		proxyPending: make(map[causal.Cookie]*proxyState),
	}
	d.pool = worker.New(pcfg, d.handle)

	r := mem.Ring()
	for i := causal.VNodeID(0); i < causal.VNodeID(r.Partitions()); i++ {
		engine, err := factory.Open(i)
		if err != nil {
			return nil, fmt.Errorf("db: open engine for vnode %d: %w", i, err)
		}
		vn := vnode.New(i, self, vcfg, r, fab, engine, meta, d.cookie)
		vn.Load()
		d.vnodes[i] = vn
		d.shards[i] = int(i) % pcfg.Workers
	}

	d.registerFabricHandlers()
	mem.Subscribe(d)
	return d, nil
}

// Start brings the worker pool up and reconciles every vnode against the
// ring's placement at startup: every vnode begins Absent until told
// otherwise, then catches up.
func (d *Database) Start() {
	d.pool.Start()
	d.OnChange()
}

// Stop drains the worker pool and cleanly persists every vnode's clocks.
func (d *Database) Stop() {
	d.pool.Stop()
	for id, vn := range d.vnodes {
		if err := vn.Save(true); err != nil {
			glog.Errorf("vnode %d: save on shutdown failed: %v", id, err)
		}
	}
}

// OnChange implements membership.Listener: reconcile every vnode's status
// against the ring's current placement. VNode locks internally, so this is
// safe to call directly from the membership callback without going through
// the worker pool.
func (d *Database) OnChange() {
	for _, vn := range d.vnodes {
		vn.HandleDHTChange()
	}
}

func (d *Database) vnodeFor(key []byte) (*vnode.VNode, int) {
	id := d.mem.Ring().KeyVNode(key)
	return d.vnodes[id], d.shards[id]
}

// Get performs a client GET.
func (d *Database) Get(ctx context.Context, key []byte) (vnode.Container, error) {
	_, shard := d.vnodeFor(key)
	cmd := &Command{Kind: CmdGet, Token: causal.Token(d.cookie.Next().Seq), Key: key, Reply: make(chan commandResult, 1)}
	return d.dispatch(ctx, shard, cmd)
}

// Set performs a client SET (hasValue=true) or DEL (hasValue=false).
func (d *Database) Set(ctx context.Context, key, value []byte, hasValue bool, causalCtx causal.VersionVector) (vnode.Container, error) {
	_, shard := d.vnodeFor(key)
	kind := CmdSet
	if !hasValue {
		kind = CmdDel
	}
	cmd := &Command{
		Kind: kind, Token: causal.Token(d.cookie.Next().Seq), Key: key,
		Value: value, HasValue: hasValue, Context: causalCtx,
		Reply: make(chan commandResult, 1),
	}
	return d.dispatch(ctx, shard, cmd)
}

// Del is Set with no value, the client-visible delete verb.
func (d *Database) Del(ctx context.Context, key []byte, causalCtx causal.VersionVector) (vnode.Container, error) {
	return d.Set(ctx, key, nil, false, causalCtx)
}

func (d *Database) dispatch(ctx context.Context, shard int, cmd *Command) (vnode.Container, error) {
	d.pool.DispatchTo(shard, worker.Msg{Kind: worker.MsgCommand, Command: cmd})
	select {
	case res := <-cmd.Reply:
		return res.container, res.err
	case <-ctx.Done():
		return vnode.Container{}, ctx.Err()
	}
}

// handle is the single Handler installed on the worker pool. workerIdx
// lets MsgTick act only on the vnodes sharded to this worker, so a Tick
// broadcast to every queue does N/workers of work per worker instead of
// redoing every vnode's tick on every one of them.
func (d *Database) handle(workerIdx int, m worker.Msg) {
	switch m.Kind {
	case worker.MsgCommand:
		d.handleCommand(m.Command.(*Command))
	case worker.MsgFabric:
		d.handleFabric(m.From, m.Fabric)
	case worker.MsgTick:
		for id, vn := range d.vnodes {
			if d.shards[id] == workerIdx {
				vn.HandleTick(m.Instant)
				// A vnode whose ownership settled through another node's
				// handoff completion (no membership.Claim fired locally)
				// still converges on this periodic reconciliation.
				vn.HandleDHTChange()
			}
		}
		if workerIdx == 0 {
			d.sweepProxyPending(m.Instant)
		}
	case worker.MsgDHTChange:
		for id, vn := range d.vnodes {
			if d.shards[id] == workerIdx {
				vn.HandleDHTChange()
			}
		}
	}
}

func (d *Database) handleCommand(cmd *Command) {
	vn, _ := d.vnodeFor(cmd.Key)
	if vn == nil {
		cmd.Reply <- commandResult{err: dcdb.ErrNotReady}
		return
	}
	// A vnode this node doesn't currently hold Ready can't serve a write
	// locally; rather than fail it outright, proxy it to a node that does
	// hold it. Reads are never proxied: only writes have a forwarding
	// message.
	if cmd.Kind != CmdGet && vn.Status() != vnode.Ready {
		if d.proxySet(cmd) {
			return
		}
	}
	done := func(_ causal.Token, c vnode.Container, err error) {
		cmd.Reply <- commandResult{container: c, err: err}
	}
	switch cmd.Kind {
	case CmdGet:
		vn.DoGet(cmd.Token, cmd.Key, done)
	case CmdSet, CmdDel:
		vn.DoSet(cmd.Token, cmd.Key, cmd.Value, cmd.HasValue, cmd.Context, done)
	}
}

// proxySet forwards cmd to the first other node owning cmd.Key's vnode via
// fabric.Set, registering a proxyState under a fresh cookie so the eventual
// SetAck (handled in handleSetAck) can answer cmd.Reply. Returns false if no
// other owner could be reached, leaving the caller to fall through to the
// normal (NotReady) local path.
func (d *Database) proxySet(cmd *Command) bool {
	id := d.mem.Ring().KeyVNode(cmd.Key)
	for _, target := range d.mem.Ring().NodesForVNode(id, true) {
		if target == d.self {
			continue
		}
		cookie := d.cookie.Next()
		d.proxyMu.Lock()
		d.proxyPending[cookie] = &proxyState{cmd: cmd, deadline: time.Now().Add(d.proxyTimeout)}
		d.proxyMu.Unlock()

		err := d.fab.SendMessage(target, fabric.Msg{
			Kind:   fabric.KindSet,
			VNode:  id,
			Cookie: cookie,
			Payload: fabric.Set{
				Key: cmd.Key, Value: cmd.Value, HasVal: cmd.HasValue, Context: cmd.Context,
			},
		})
		if err != nil {
			d.proxyMu.Lock()
			delete(d.proxyPending, cookie)
			d.proxyMu.Unlock()
			continue
		}
		return true
	}
	return false
}

// sweepProxyPending fails any proxied SET/DEL whose deadline has elapsed
// with the same Timeout a stalled local coordinator would report.
func (d *Database) sweepProxyPending(now time.Time) {
	d.proxyMu.Lock()
	var expired []*proxyState
	for cookie, st := range d.proxyPending {
		if now.After(st.deadline) {
			delete(d.proxyPending, cookie)
			expired = append(expired, st)
		}
	}
	d.proxyMu.Unlock()
	for _, st := range expired {
		st.cmd.Reply <- commandResult{err: dcdb.ErrTimeout}
	}
}

// handleSet is the receiving owner's side of a proxied write: run it
// through the normal DoSet coordinator and reply with a SetAck carrying
// the merged container.
func (d *Database) handleSet(from causal.NodeID, id causal.VNodeID, cookie causal.Cookie, p fabric.Set) {
	vn, ok := d.vnodes[id]
	if !ok {
		d.fab.SendMessage(from, fabric.Msg{
			Kind: fabric.KindSetAck, VNode: id, Cookie: cookie,
			Payload: fabric.SetAck{OK: false},
		})
		return
	}
	vn.DoSet(causal.Token(cookie.Seq), p.Key, p.Value, p.HasVal, p.Context,
		func(_ causal.Token, c vnode.Container, err error) {
			d.fab.SendMessage(from, fabric.Msg{
				Kind: fabric.KindSetAck, VNode: id, Cookie: cookie,
				Payload: fabric.SetAck{OK: err == nil, Container: c},
			})
		})
}

// handleSetAck is the proxying node's side: resolve the proxyState the
// cookie was registered under and answer the original client's Command.
func (d *Database) handleSetAck(from causal.NodeID, cookie causal.Cookie, p fabric.SetAck) {
	d.proxyMu.Lock()
	st, ok := d.proxyPending[cookie]
	if ok {
		delete(d.proxyPending, cookie)
	}
	d.proxyMu.Unlock()
	if !ok {
		glog.V(2).Infof("db: set ack from %d: %v", from, dcdb.ErrCookieNotFound)
		return
	}
	if p.OK {
		st.cmd.Reply <- commandResult{container: p.Container}
	} else {
		st.cmd.Reply <- commandResult{err: dcdb.ErrWriteQuorumFailed}
	}
}

// registerFabricHandlers installs one Fabric handler per Kind; each simply
// re-enqueues the message onto the owning vnode's shard so the actual
// per-vnode state mutation always happens on a worker goroutine, never on
// the Fabric's own delivery goroutine.
func (d *Database) registerFabricHandlers() {
	for _, k := range []fabric.Kind{
		fabric.KindRemoteGet, fabric.KindRemoteGetAck,
		fabric.KindSet, fabric.KindSetAck,
		fabric.KindRemoteSet, fabric.KindRemoteSetAck,
		fabric.KindBootstrapStart, fabric.KindBootstrapSend, fabric.KindBootstrapAck, fabric.KindBootstrapFin,
		fabric.KindSyncStart, fabric.KindSyncSend, fabric.KindSyncAck, fabric.KindSyncFin,
	} {
		d.fab.RegisterHandler(k, d.routeFabric)
	}
}

func (d *Database) routeFabric(from causal.NodeID, m fabric.Msg) {
	shard, ok := d.shards[m.VNode]
	if !ok {
		glog.Warningf("db: fabric message for unknown vnode %d dropped", m.VNode)
		return
	}
	d.pool.DispatchTo(shard, worker.Msg{Kind: worker.MsgFabric, From: from, Fabric: m})
}

func (d *Database) handleFabric(from causal.NodeID, m fabric.Msg) {
	vn, ok := d.vnodes[m.VNode]
	if !ok {
		return
	}
	switch m.Kind {
	case fabric.KindSet:
		p := m.Payload.(fabric.Set)
		d.handleSet(from, m.VNode, m.Cookie, p)
	case fabric.KindSetAck:
		p := m.Payload.(fabric.SetAck)
		d.handleSetAck(from, m.Cookie, p)
	case fabric.KindRemoteGet:
		p := m.Payload.(fabric.RemoteGet)
		vn.HandlerGetRemote(from, m.Cookie, p.Key)
	case fabric.KindRemoteGetAck:
		p := m.Payload.(fabric.RemoteGetAck)
		vn.HandleRemoteGetAck(from, m.Cookie, p.OK, p.Container)
	case fabric.KindRemoteSet:
		p := m.Payload.(fabric.RemoteSet)
		vn.HandlerSetRemote(from, m.Cookie, p.Key, p.Container)
	case fabric.KindRemoteSetAck:
		p := m.Payload.(fabric.RemoteSetAck)
		vn.HandleRemoteSetAck(from, m.Cookie, p.OK)
	case fabric.KindBootstrapStart:
		vn.HandlerBootstrapStart(from, m.Cookie)
	case fabric.KindBootstrapSend:
		p := m.Payload.(fabric.BootstrapSend)
		vn.HandlerBootstrapSend(from, m.Cookie, p.Seq, p.Key, p.Container)
	case fabric.KindBootstrapAck:
		vn.HandlerBootstrapAck(from, m.Cookie)
	case fabric.KindBootstrapFin:
		p := m.Payload.(fabric.BootstrapFin)
		vn.HandlerBootstrapFin(from, m.Cookie, p.OK, p.Clocks)
	case fabric.KindSyncStart:
		p := m.Payload.(fabric.SyncStart)
		vn.HandlerSyncStart(from, m.Cookie, p.ClockInPeer, p.Reverse)
	case fabric.KindSyncSend:
		p := m.Payload.(fabric.SyncSend)
		vn.HandlerSyncSend(from, m.Cookie, p.Seq, p.Key, p.Container)
	case fabric.KindSyncAck:
		vn.HandlerSyncAck(from, m.Cookie)
	case fabric.KindSyncFin:
		p := m.Payload.(fabric.SyncFin)
		vn.HandlerSyncFin(from, m.Cookie, p.OK, p.PeerForActor)
	}
}

// VNodeStatus reports one vnode's lifecycle state, used by tests and ops
// tooling.
func (d *Database) VNodeStatus(id causal.VNodeID) (vnode.Status, bool) {
	vn, ok := d.vnodes[id]
	if !ok {
		return vnode.Absent, false
	}
	return vn.Status(), true
}

// Ring returns the underlying partition ring, a read-only convenience for
// callers that need KeyVNode without reaching through Membership.
func (d *Database) Ring() *ring.Ring { return d.mem.Ring() }

// SyncsInflight sums active anti-entropy states across every vnode this
// node holds, used by tests/ops to know when a post-restart repair has
// drained.
func (d *Database) SyncsInflight() int {
	total := 0
	for _, vn := range d.vnodes {
		total += vn.SyncsInflight()
	}
	return total
}

// MigrationsInflight sums active handoff states across every vnode this
// node holds, used by tests/ops to know when a join's bootstrap has
// drained.
func (d *Database) MigrationsInflight() int {
	total := 0
	for _, vn := range d.vnodes {
		total += vn.MigrationsInflight()
	}
	return total
}

// RunTick manually fires one tick across every vnode, outside the pool's
// own ticker, for callers that want deterministic timing instead of
// waiting on worker.DefaultTickInterval.
func (d *Database) RunTick(now time.Time) {
	for _, vn := range d.vnodes {
		vn.HandleTick(now)
	}
}
