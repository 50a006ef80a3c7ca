package fabric

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/vnodedb/dcdb/causal"
)

// Handler receives an inbound message from a peer node.
type Handler func(from causal.NodeID, m Msg)

// inboxDepth bounds how many undelivered messages a node will buffer before
// senders start blocking.
const inboxDepth = 1024

type envelope struct {
	from causal.NodeID
	wire []byte
}

// Fabric is a node-addressed, typed message channel. Registered type
// handlers receive messages addressed to the local node; SendMessage
// delivers to a registered peer. This in-process implementation keeps
// every node's inbox as a buffered Go channel drained by one goroutine,
// so delivery order from any sender is preserved the way a TCP stream
// would preserve it. A TCP-backed Fabric satisfying the same surface can
// replace it without touching the core.
type Fabric struct {
	self  causal.NodeID
	inbox chan envelope

	mu       sync.RWMutex
	peers    map[causal.NodeID]*Fabric
	handlers map[Kind]Handler
}

// New returns a Fabric endpoint for node self and starts its delivery
// goroutine.
func New(self causal.NodeID) *Fabric {
	f := &Fabric{
		self:     self,
		inbox:    make(chan envelope, inboxDepth),
		peers:    make(map[causal.NodeID]*Fabric),
		handlers: make(map[Kind]Handler),
	}
	go f.deliver()
	return f
}

// Self returns this endpoint's node id.
func (f *Fabric) Self() causal.NodeID { return f.self }

// RegisterNode makes peer reachable via SendMessage. Nodes typically learn
// about each other through Membership's node-address book; here the peer's
// Fabric endpoint stands in for a network address since delivery is
// in-process.
func (f *Fabric) RegisterNode(id causal.NodeID, peer *Fabric) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[id] = peer
}

// RegisterHandler installs the handler invoked for inbound messages of the
// given kind.
func (f *Fabric) RegisterHandler(k Kind, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[k] = h
}

// SendMessage delivers m to the peer node id, round-tripping it through
// Encode/Decode so the in-process Fabric exercises the same codec a real
// network transport would use. Messages to one peer arrive in send order.
func (f *Fabric) SendMessage(id causal.NodeID, m Msg) error {
	f.mu.RLock()
	peer := f.peers[id]
	f.mu.RUnlock()
	if peer == nil {
		return fmt.Errorf("fabric: unknown node %d", id)
	}

	wire, err := Encode(m)
	if err != nil {
		return fmt.Errorf("fabric: encode: %w", err)
	}
	peer.inbox <- envelope{from: f.self, wire: wire}
	return nil
}

// deliver drains the inbox in arrival order, dispatching each message to
// its kind's registered handler.
func (f *Fabric) deliver() {
	for env := range f.inbox {
		decoded, err := Decode(env.wire)
		if err != nil {
			glog.Errorf("fabric: node %d: decode from %d: %v", f.self, env.from, err)
			continue
		}
		f.mu.RLock()
		h := f.handlers[decoded.Kind]
		f.mu.RUnlock()
		if h == nil {
			glog.V(2).Infof("fabric: node %d has no handler for %s, dropping", f.self, decoded.Kind)
			continue
		}
		h(env.from, decoded)
	}
}
