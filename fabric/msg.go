// Package fabric implements the node-addressed, typed message channel the
// vnode state machine uses to talk to its replicas: client coordination
// fan-out, handoff streaming, and anti-entropy sync.
package fabric

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/vnodedb/dcdb/causal"
)

// Kind tags a Msg's payload type so a receiver can dispatch before
// decoding.
type Kind byte

const (
	KindRemoteGet Kind = iota + 1
	KindRemoteGetAck
	KindSet
	KindSetAck
	KindRemoteSet
	KindRemoteSetAck
	KindBootstrapStart
	KindBootstrapSend
	KindBootstrapAck
	KindBootstrapFin
	KindSyncStart
	KindSyncSend
	KindSyncAck
	KindSyncFin
)

func (k Kind) String() string {
	switch k {
	case KindRemoteGet:
		return "RemoteGet"
	case KindRemoteGetAck:
		return "RemoteGetAck"
	case KindSet:
		return "Set"
	case KindSetAck:
		return "SetAck"
	case KindRemoteSet:
		return "RemoteSet"
	case KindRemoteSetAck:
		return "RemoteSetAck"
	case KindBootstrapStart:
		return "BootstrapStart"
	case KindBootstrapSend:
		return "BootstrapSend"
	case KindBootstrapAck:
		return "BootstrapAck"
	case KindBootstrapFin:
		return "BootstrapFin"
	case KindSyncStart:
		return "SyncStart"
	case KindSyncSend:
		return "SyncSend"
	case KindSyncAck:
		return "SyncAck"
	case KindSyncFin:
		return "SyncFin"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Msg is an envelope carrying a Kind-tagged payload. Every non-Start
// variant carries VNode and Cookie verbatim so replies route back to the
// originating coordinator/handoff/sync state without a global lock.
type Msg struct {
	Kind    Kind
	VNode   causal.VNodeID
	Cookie  causal.Cookie
	Payload any
}

// --- payload types, one per Kind ---

// RemoteGet asks a replica to load and fill the DCC for Key.
type RemoteGet struct {
	Key []byte
}

// RemoteGetAck carries the replica's (possibly errored) read.
type RemoteGetAck struct {
	OK        bool
	Container causal.DottedCausalContainer[[]byte]
}

// Set is a whole client SET/DEL forwarded to the node that actually owns
// the target vnode: a node that receives a client write for a vnode it
// doesn't currently hold Ready sends this instead of failing the request
// outright.
type Set struct {
	Key     []byte
	Value   []byte
	HasVal  bool
	Context causal.VersionVector
}

// SetAck acknowledges a Set, carrying the owner's merged container back
// so the proxying node can answer the client exactly as if it had served
// the write itself.
type SetAck struct {
	OK        bool
	Container causal.DottedCausalContainer[[]byte]
}

// RemoteSet is the coordinator's fan-out payload to a replica during a
// client SET.
type RemoteSet struct {
	Key       []byte
	Container causal.DottedCausalContainer[[]byte]
}

// RemoteSetAck acknowledges a RemoteSet.
type RemoteSetAck struct {
	OK bool
}

// BootstrapStart begins a handoff: the incoming owner asks a source replica
// to stream the vnode's contents.
type BootstrapStart struct{}

// BootstrapSend streams one key during handoff.
type BootstrapSend struct {
	Seq       uint64
	Key       []byte
	Container causal.DottedCausalContainer[[]byte]
}

// BootstrapAck slides the sender's window.
type BootstrapAck struct {
	Seq uint64
}

// BootstrapFin ends a handoff, carrying the source's clocks on success.
type BootstrapFin struct {
	OK     bool
	Clocks causal.BitmappedVersionVector
}

// SyncStart begins an anti-entropy exchange for one peer actor.
type SyncStart struct {
	ClockInPeer causal.BitmappedVersion
	Reverse     bool
}

// SyncSend streams one delta key during sync.
type SyncSend struct {
	Seq       uint64
	Key       []byte
	Container causal.DottedCausalContainer[[]byte]
}

// SyncAck slides the sender's window.
type SyncAck struct {
	Seq uint64
}

// SyncFin ends a sync, carrying the peer's BitmappedVersion for the synced
// actor on success.
type SyncFin struct {
	OK           bool
	PeerForActor causal.BitmappedVersion
}

func init() {
	for _, v := range []any{
		RemoteGet{}, RemoteGetAck{}, Set{}, SetAck{}, RemoteSet{}, RemoteSetAck{},
		BootstrapStart{}, BootstrapSend{}, BootstrapAck{}, BootstrapFin{},
		SyncStart{}, SyncSend{}, SyncAck{}, SyncFin{},
	} {
		gob.Register(v)
	}
}

// Encode serializes a Msg as a one-byte Kind tag followed by a gob-encoded
// envelope.
func Encode(m Msg) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Kind))
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(m.VNode); err != nil {
		return nil, err
	}
	if err := enc.Encode(m.Cookie); err != nil {
		return nil, err
	}
	if err := enc.Encode(&m.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode; it round-trips every field Encode wrote.
func Decode(b []byte) (Msg, error) {
	if len(b) < 1 {
		return Msg{}, fmt.Errorf("fabric: empty message")
	}
	m := Msg{Kind: Kind(b[0])}
	dec := gob.NewDecoder(bytes.NewReader(b[1:]))
	if err := dec.Decode(&m.VNode); err != nil {
		return Msg{}, err
	}
	if err := dec.Decode(&m.Cookie); err != nil {
		return Msg{}, err
	}
	if err := dec.Decode(&m.Payload); err != nil {
		return Msg{}, err
	}
	return m, nil
}
