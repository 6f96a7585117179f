package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreraft/raft"
)

// noopFSM is the default FSM when raftd is run standalone (exercising
// replication/election without a real application on top). A real
// deployment wires its own FSM in instead of main.
type noopFSM struct{}

func (noopFSM) Apply([]byte) {}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: raftd <config.yaml>\n")
		os.Exit(2)
	}

	cfg, err := LoadConfig(os.Args[1])
	if err != nil {
		log.Fatalf("raftd: %v", err)
	}

	configuration, err := cfg.Configuration()
	if err != nil {
		log.Fatalf("raftd: %v", err)
	}

	entry := log.WithField("replica", cfg.Node.ID)
	addresses := make(map[uint64]string, len(cfg.Cluster.Servers))
	for _, s := range cfg.Cluster.Servers {
		addresses[s.ID] = s.Address
	}
	transport := newTCPTransport(addresses, entry)

	replica, err := raft.Open(raft.Options{
		ID:             cfg.Node.ID,
		Address:        cfg.Node.Address,
		Dir:            cfg.Node.DataDir,
		ElectionTicks:  10,
		HeartbeatTicks: 2,
		TickInterval:   100 * time.Millisecond,
		Tracer:         raft.NewLogrusTracer(cfg.Node.ID),
	}, transport, noopFSM{})
	if err != nil {
		log.Fatalf("raftd: open replica: %v", err)
	}
	transport.bind(replica)

	if err := transport.listen(cfg.Node.Address); err != nil {
		log.Fatalf("raftd: %v", err)
	}

	if err := replica.Bootstrap(configuration.Servers); err != nil {
		entry.Warnf("bootstrap skipped: %v", err)
	}
	replica.Start()

	entry.Infof("raftd: replica %d listening on %s", cfg.Node.ID, cfg.Node.Address)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := replica.Close(); err != nil {
		entry.Warnf("close: %v", err)
	}
}
