// Package db assembles the ring, membership, fabric, storage and worker
// pool collaborators into the client-facing Database.
package db

import (
	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/vnode"
)

// CommandKind tags a client-facing operation.
type CommandKind int

const (
	CmdGet CommandKind = iota
	CmdSet
	CmdDel
)

// Command is one client request dispatched onto the worker pool.
type Command struct {
	Kind  CommandKind
	Token causal.Token
	Key   []byte

	// CmdSet only
	Value    []byte
	HasValue bool
	Context  causal.VersionVector

	Reply chan commandResult
}

type commandResult struct {
	container vnode.Container
	err       error
}
