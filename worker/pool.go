// Package worker implements the fixed-size worker pool and ticker that
// drive the Database's single-threaded-per-queue execution model.
package worker

import (
	"math/rand"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/fabric"
)

// MsgKind tags a worker queue entry.
type MsgKind int

const (
	MsgFabric MsgKind = iota
	MsgCommand
	MsgTick
	MsgDHTChange
	MsgExit
)

// Msg is one unit of work handed to a worker's queue.
type Msg struct {
	Kind MsgKind

	// MsgFabric
	From   causal.NodeID
	Fabric fabric.Msg

	// MsgCommand
	Token   causal.Token
	Command any

	// MsgTick
	Instant time.Time
}

// Handler processes one dequeued Msg. workerIdx identifies which of the
// pool's fixed workers is calling it, so a handler can shard per-vnode
// work (e.g. Tick) across workers deterministically instead of redoing
// every vnode's work on every worker. The Database installs this.
type Handler func(workerIdx int, m Msg)

// DefaultTickInterval is the default Tick period.
const DefaultTickInterval = time.Second

// Config configures a Pool.
type Config struct {
	Workers      int
	TickInterval time.Duration
}

// DefaultConfig returns a reasonable default pool configuration.
func DefaultConfig() Config {
	return Config{Workers: 4, TickInterval: DefaultTickInterval}
}

// Pool is a fixed set of single-threaded executors, each draining its own
// queue in receive order. Senders distribute across workers round-robin
// starting from a randomly initialized cursor, to avoid convoying many
// senders onto worker 0.
type Pool struct {
	cfg     Config
	queues  []chan Msg
	handler Handler
	cursor  uint64 // atomically-ish advanced under mu; low contention path
	mu      sync.Mutex
	wg      sync.WaitGroup
	ticker  *time.Ticker
	done    chan struct{}
}

// New creates a Pool. Start must be called before dispatching.
func New(cfg Config, handler Handler) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Pool{
		cfg:     cfg,
		handler: handler,
		done:    make(chan struct{}),
	}
	p.queues = make([]chan Msg, cfg.Workers)
	for i := range p.queues {
		p.queues[i] = make(chan Msg, 256)
	}
	p.cursor = uint64(rand.Intn(cfg.Workers))
	return p
}

// Workers returns the fixed number of worker queues.
func (p *Pool) Workers() int { return len(p.queues) }

// DispatchTo enqueues m on a specific worker's queue, letting a caller pin
// all traffic for one shard (e.g. one vnode) onto a single worker.
func (p *Pool) DispatchTo(idx int, m Msg) {
	p.queues[idx%len(p.queues)] <- m
}

// Start launches the worker goroutines and the ticker thread.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.ticker = time.NewTicker(p.cfg.TickInterval)
	go p.runTicker()
}

func (p *Pool) runWorker(idx int) {
	defer p.wg.Done()
	for m := range p.queues[idx] {
		if m.Kind == MsgExit {
			glog.V(2).Infof("worker %d exiting", idx)
			return
		}
		p.handler(idx, m)
	}
}

func (p *Pool) runTicker() {
	for {
		select {
		case t := <-p.ticker.C:
			p.Broadcast(Msg{Kind: MsgTick, Instant: t})
		case <-p.done:
			return
		}
	}
}

// nextQueue picks the next worker index round-robin.
func (p *Pool) nextQueue() int {
	p.mu.Lock()
	idx := int(p.cursor % uint64(len(p.queues)))
	p.cursor++
	p.mu.Unlock()
	return idx
}

// Dispatch round-robins m onto one worker's queue. Senders are free to
// round-robin since serialization is enforced by the per-vnode mutex, not
// by queue affinity; callers that want queue affinity use DispatchTo.
func (p *Pool) Dispatch(m Msg) {
	p.queues[p.nextQueue()] <- m
}

// Broadcast enqueues m on every worker's queue (used for Tick and Exit).
func (p *Pool) Broadcast(m Msg) {
	for _, q := range p.queues {
		q <- m
	}
}

// Stop broadcasts Exit and waits for every worker to drain its queue and
// return before returning itself.
func (p *Pool) Stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	close(p.done)
	p.Broadcast(Msg{Kind: MsgExit})
	p.wg.Wait()
}
