// Package dcdb is the module root: it holds the client-visible sentinel
// errors shared by every subpackage.
package dcdb

import "errors"

// Client-visible error kinds.
var (
	// ErrNotReady is returned when a vnode is not in the Ready state.
	ErrNotReady = errors.New("dcdb: vnode not ready")
	// ErrWriteQuorumFailed means fewer than W acks were received.
	ErrWriteQuorumFailed = errors.New("dcdb: write quorum failed")
	// ErrReadQuorumFailed means fewer than R acks were received.
	ErrReadQuorumFailed = errors.New("dcdb: read quorum failed")
	// ErrTimeout means a coordinator/handoff/sync state's deadline elapsed.
	ErrTimeout = errors.New("dcdb: request timed out")
	// ErrProtocol means a malformed frame was received at the wire edge.
	ErrProtocol = errors.New("dcdb: protocol error")
)

// Internal-only error kinds: never propagated to a client. A replica
// logs one of these when it rejects a fabric message — an unknown cookie, or
// an Absent/Bootstrap vnode asked to do Ready-only work — then replies with
// a bare negative ack; the sender only ever sees that ack and treats the
// peer as failed, never the kind itself. Exported (rather than package-
// private) because vnode, the package that raises them, is not the package
// that declares them.
var (
	ErrCookieNotFound = errors.New("dcdb: cookie not found")
	ErrBadVNodeStatus = errors.New("dcdb: bad vnode status")
)
