package main

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/coreraft/raft"
	"github.com/coreraft/raft/proto"
)

// Message.Body carries one of these concrete payloads behind an
// interface{}; gob needs every concrete type named up front to decode into
// an interface field.
func init() {
	gob.Register(raftpb.RequestVote{})
	gob.Register(raftpb.RequestVoteResult{})
	gob.Register(raftpb.AppendEntries{})
	gob.Register(raftpb.AppendEntriesResult{})
	gob.Register(raftpb.InstallSnapshot{})
	gob.Register(raftpb.InstallSnapshotResult{})
	gob.Register(raftpb.TimeoutNow{})
}

// tcpTransport is a minimal point-to-point Transport: one dialed
// connection per peer, messages framed as a 4-byte length prefix followed
// by a gob-encoded raftpb.Message, mirroring w41ter-bior's utils/pd gob
// wire format. Reconnection is lazy: Send dials on first use and redials
// after any write failure.
type tcpTransport struct {
	mu        sync.Mutex
	addresses map[uint64]string
	conns     map[uint64]net.Conn

	replica *raft.Replica
	log     *log.Entry
}

func newTCPTransport(addresses map[uint64]string, lg *log.Entry) *tcpTransport {
	return &tcpTransport{
		addresses: addresses,
		conns:     make(map[uint64]net.Conn),
		log:       lg,
	}
}

// bind wires the transport to the replica it delivers inbound messages to.
// Called once, after raft.Open, before the listener starts accepting.
func (t *tcpTransport) bind(r *raft.Replica) {
	t.replica = r
}

func (t *tcpTransport) Send(msg raftpb.Message) error {
	conn, err := t.dial(msg.To)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(buf.Len()))
	if _, err := conn.Write(header[:]); err != nil {
		t.drop(msg.To)
		return err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		t.drop(msg.To)
		return err
	}
	return nil
}

func (t *tcpTransport) dial(id uint64) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[id]; ok {
		return conn, nil
	}
	addr, ok := t.addresses[id]
	if !ok {
		return nil, fmt.Errorf("tcpTransport: no address for server %d", id)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %d at %s: %w", id, addr, err)
	}
	t.conns[id] = conn
	return conn, nil
}

func (t *tcpTransport) drop(id uint64) {
	t.mu.Lock()
	if conn, ok := t.conns[id]; ok {
		conn.Close()
		delete(t.conns, id)
	}
	t.mu.Unlock()
}

// listen accepts inbound connections and feeds every decoded message to
// the bound replica's Step, one goroutine per connection, one per
// message: delivery must never block on the sender's own call stack
// (raft_test.go's hub documents why), and a fresh goroutine per accepted
// message both satisfies that and tolerates a slow peer without head-of-
// line blocking the listener.
func (t *tcpTransport) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				t.log.Warnf("raftd: accept failed: %v", err)
				return
			}
			go t.serve(conn)
		}
	}()
	return nil
}

func (t *tcpTransport) serve(conn net.Conn) {
	defer conn.Close()
	for {
		var header [4]byte
		if _, err := readFull(conn, header[:]); err != nil {
			return
		}
		size := binary.LittleEndian.Uint32(header[:])
		payload := make([]byte, size)
		if _, err := readFull(conn, payload); err != nil {
			return
		}

		var msg raftpb.Message
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
			t.log.Warnf("raftd: decode message: %v", err)
			continue
		}
		go t.replica.Step(msg)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
