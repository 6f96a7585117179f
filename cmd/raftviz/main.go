// Command raftviz drives a small in-process cluster and renders each
// replica's Status() in a terminal UI, refreshed on a timer — a status
// inspector, grounded on mblichar-raft-playground's cli package
// (flex layout, a periodic renderNodesState redraw, an input field for
// driving commands into the cluster).
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/coreraft/raft"
	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/proto"
)

type hub struct {
	mu       sync.Mutex
	replicas map[uint64]*raft.Replica
}

func (h *hub) register(id uint64, r *raft.Replica) {
	h.mu.Lock()
	h.replicas[id] = r
	h.mu.Unlock()
}

func (h *hub) deliver(msg raftpb.Message) {
	h.mu.Lock()
	r, ok := h.replicas[msg.To]
	h.mu.Unlock()
	if ok {
		r.Step(msg)
	}
}

type memTransport struct{ h *hub }

func (t *memTransport) Send(msg raftpb.Message) error {
	go t.h.deliver(msg)
	return nil
}

type countingFSM struct {
	mu      sync.Mutex
	applied int
}

func (f *countingFSM) Apply([]byte) {
	f.mu.Lock()
	f.applied++
	f.mu.Unlock()
}

func (f *countingFSM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

func main() {
	ids := []uint64{1, 2, 3}
	h := &hub{replicas: make(map[uint64]*raft.Replica)}

	var servers []conf.Server
	for _, id := range ids {
		servers = append(servers, conf.Server{ID: id, Address: fmt.Sprintf("n%d", id), Role: conf.RoleVoter})
	}

	replicas := make(map[uint64]*raft.Replica, len(ids))
	fsms := make(map[uint64]*countingFSM, len(ids))
	for _, id := range ids {
		dir, err := os.MkdirTemp("", fmt.Sprintf("raftviz-%d-", id))
		if err != nil {
			fmt.Fprintf(os.Stderr, "raftviz: %v\n", err)
			os.Exit(1)
		}
		fsm := &countingFSM{}
		fsms[id] = fsm
		r, err := raft.Open(raft.Options{
			ID:             id,
			Address:        fmt.Sprintf("n%d", id),
			Dir:            dir,
			ElectionTicks:  10,
			HeartbeatTicks: 2,
			TickInterval:   50 * time.Millisecond,
		}, &memTransport{h: h}, fsm)
		if err != nil {
			fmt.Fprintf(os.Stderr, "raftviz: open replica %d: %v\n", id, err)
			os.Exit(1)
		}
		replicas[id] = r
		h.register(id, r)
	}
	for _, id := range ids {
		_ = replicas[id].Bootstrap(servers)
	}
	for _, id := range ids {
		replicas[id].Start()
	}
	defer func() {
		for _, id := range ids {
			_ = replicas[id].Close()
		}
	}()

	app, quit := setupApp(ids, replicas, fsms)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "raftviz: %v\n", err)
		os.Exit(1)
	}
	close(quit)
}

func setupApp(ids []uint64, replicas map[uint64]*raft.Replica, fsms map[uint64]*countingFSM) (*tview.Application, chan struct{}) {
	flex := tview.NewFlex().SetDirection(tview.FlexRow)

	stateView := tview.NewTextView().SetDynamicColors(true)
	stateView.SetBorder(true).SetTitle("Replica Status")
	flex.AddItem(stateView, 0, 3, false)

	commandInput := tview.NewInputField().SetLabel("propose> ")
	commandInput.SetBorder(true).SetTitle("Apply a command to the leader")
	flex.AddItem(commandInput, 3, 1, true)

	quit := make(chan struct{})
	app := tview.NewApplication().SetRoot(flex, true)

	commandInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		payload := strings.TrimSpace(commandInput.GetText())
		commandInput.SetText("")
		if payload == "" {
			return
		}
		go applyToLeader(ids, replicas, payload)
	})

	go func() {
		ticker := time.NewTicker(150 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				render(ids, replicas, fsms, stateView)
				app.Draw()
			case <-quit:
				return
			}
		}
	}()
	return app, quit
}

func applyToLeader(ids []uint64, replicas map[uint64]*raft.Replica, payload string) {
	for _, id := range ids {
		r := replicas[id]
		if r.Status().Role == "leader" {
			_, _ = r.Apply([]byte(payload))
			return
		}
	}
}

func render(ids []uint64, replicas map[uint64]*raft.Replica, fsms map[uint64]*countingFSM, view *tview.TextView) {
	writer := view.BatchWriter()
	defer writer.Close()
	writer.Clear()
	for _, id := range ids {
		s := replicas[id].Status()
		fmt.Fprintf(writer, "[yellow]node %d[white]  role:%-9s term:%s  leader:%d  commit:%d  applied:%d  count:%d\n",
			s.ID, s.Role, strconv.FormatUint(s.Term, 10), s.LeaderID, s.CommitIndex, s.LastApplied, fsms[id].count())
	}
}
