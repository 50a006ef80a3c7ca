// Command dcdbd wires one node's worth of the distributed key-value store
// together and keeps it running until signaled.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/db"
	"github.com/vnodedb/dcdb/fabric"
	"github.com/vnodedb/dcdb/membership"
	"github.com/vnodedb/dcdb/ring"
	"github.com/vnodedb/dcdb/storage/memstore"
	"github.com/vnodedb/dcdb/vnode"
	"github.com/vnodedb/dcdb/worker"
)

func main() {
	nodeID := flag.Uint64("node", 1, "this node's id")
	partitions := flag.Int("partitions", int(ring.DefaultPartitions), "ring partition count (power of two)")
	replication := flag.Int("replication", ring.DefaultReplication, "replication factor N")
	workers := flag.Int("workers", 4, "worker pool size")
	listen := flag.String("listen", "", "address to serve the RESP client protocol on, e.g. :6380 (disabled if empty)")
	flag.Parse()
	defer glog.Flush()

	self := causal.NodeID(*nodeID)
	rcfg := ring.Config{Partitions: uint16(*partitions), Replication: *replication}
	r := ring.New(rcfg, []causal.NodeID{self})
	mem := membership.New(r)
	mem.Claim(self)

	fab := fabric.New(self)
	fab.RegisterNode(self, fab)

	pcfg := worker.DefaultConfig()
	pcfg.Workers = *workers

	database, err := db.New(self, mem, fab, memstore.NewFactory(), memstore.NewMeta(), vnode.DefaultConfig(), pcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dcdbd: %v\n", err)
		os.Exit(1)
	}
	database.Start()
	glog.Infof("dcdbd: node %d up with %d partitions, N=%d", self, *partitions, *replication)

	if *listen != "" {
		ln, err := net.Listen("tcp", *listen)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dcdbd: %v\n", err)
			os.Exit(1)
		}
		defer ln.Close()
		go func() {
			if err := database.Serve(ln); err != nil {
				glog.Warningf("dcdbd: resp listener on %s stopped: %v", *listen, err)
			}
		}()
		glog.Infof("dcdbd: node %d serving RESP clients on %s", self, *listen)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	glog.Infof("dcdbd: node %d shutting down", self)
	database.Stop()
}
