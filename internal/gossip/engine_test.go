package gossip

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-gossip/internal/membership"
	"github.com/Klingon-tech/klingnet-gossip/internal/p2p"
	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

func addr(port uint16) types.Address {
	return types.NewAddress("127.0.0.1", port)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeTransport records calls instead of touching the network.
type fakeTransport struct {
	mu         sync.Mutex
	connects   []types.Address
	sends      map[types.Address][]*p2p.Message
	broadcasts []*p2p.Message
	targets    [][]types.Address
	connectErr error
	failing    map[types.Address]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sends:   make(map[types.Address][]*p2p.Message),
		failing: make(map[types.Address]error),
	}
}

func (f *fakeTransport) ConnectTo(_ context.Context, a types.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, a)
	if f.connectErr != nil {
		return &p2p.ConnectError{Addr: a, Err: f.connectErr}
	}
	return nil
}

func (f *fakeTransport) Send(_ context.Context, a types.Address, msg *p2p.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[a] = append(f.sends[a], msg)
	return nil
}

func (f *fakeTransport) Broadcast(_ context.Context, msg *p2p.Message, targets []types.Address) map[types.Address]error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
	f.targets = append(f.targets, slices.Clone(targets))
	var failed map[types.Address]error
	for _, a := range targets {
		if err, ok := f.failing[a]; ok {
			if failed == nil {
				failed = make(map[types.Address]error)
			}
			failed[a] = err
		}
	}
	return failed
}

func (f *fakeTransport) connected() []types.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.connects)
	slices.SortFunc(out, types.Address.Compare)
	return slices.Compact(out)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func newTestEngine(t *testing.T, self, seed types.Address, ft *fakeTransport) *Engine {
	t.Helper()
	e := New(Config{Seed: seed, Period: time.Hour}, membership.New(self), ft)
	t.Cleanup(e.Stop)
	return e
}

// --- Bootstrap ---

func TestEngine_SeedNodeSkipsBootstrap(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, addr(8080), types.Address{}, ft)

	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if ft.connectCount() != 0 {
		t.Error("seed node must not dial")
	}
	if e.Registry().Len() != 1 {
		t.Errorf("registry len = %d, want 1", e.Registry().Len())
	}
}

func TestEngine_BootstrapSendsSelfOnly(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, addr(8081), addr(8080), ft)

	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if got := ft.connected(); !slices.Equal(got, []types.Address{addr(8080)}) {
		t.Errorf("connects = %v", got)
	}

	msgs := ft.sends[addr(8080)]
	if len(msgs) != 1 {
		t.Fatalf("sends to seed = %d, want 1", len(msgs))
	}
	if msgs[0].Sender != addr(8081) {
		t.Errorf("sender = %v", msgs[0].Sender)
	}
	if !slices.Equal(msgs[0].Peers.Addresses(), []types.Address{addr(8081)}) {
		t.Errorf("bootstrap view = %v, want only self", msgs[0].Peers.Addresses())
	}
	if e.Registry().Contains(addr(8080)) {
		t.Error("seed must be learned through gossip, not added on dial")
	}
}

func TestEngine_BootstrapConnectError(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("connection refused")
	e := newTestEngine(t, addr(8081), addr(8080), ft)

	err := e.Bootstrap(context.Background())
	var cerr *p2p.ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *p2p.ConnectError", err)
	}
	if len(ft.sends) != 0 {
		t.Error("no message should be sent after a failed dial")
	}
}

func TestEngine_StartSurvivesBootstrapFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("connection refused")
	e := New(Config{Seed: addr(8080), Period: time.Hour, BootstrapRetry: 10 * time.Millisecond},
		membership.New(addr(8081)), ft)
	defer e.Stop()

	if e.State() != StateBootstrapping {
		t.Errorf("initial state = %v", e.State())
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.State() != StateActive {
		t.Errorf("state = %v, want active", e.State())
	}

	// The retry loop keeps dialing the seed while the node is alone.
	waitFor(t, 2*time.Second, func() bool { return ft.connectCount() >= 3 }, "seed retries")
}

func TestEngine_StartTwice(t *testing.T) {
	e := newTestEngine(t, addr(8080), types.Address{}, newFakeTransport())
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(); err == nil {
		t.Error("second Start should fail")
	}
}

// --- Rounds ---

func TestEngine_RunRound_BroadcastsFullView(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, addr(8080), types.Address{}, ft)
	e.Registry().Merge(membership.View{
		{Addr: addr(8081), LastSeen: 1},
		{Addr: addr(8082), LastSeen: 1},
	})

	res := e.RunRound(context.Background())

	want := []types.Address{addr(8081), addr(8082)}
	if !slices.Equal(res.Targets, want) {
		t.Errorf("targets = %v, want %v", res.Targets, want)
	}
	if res.Failed != nil {
		t.Errorf("failed = %v", res.Failed)
	}
	if len(ft.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(ft.broadcasts))
	}

	msg := ft.broadcasts[0]
	if msg.Sender != addr(8080) || msg.Peers.Len() != 3 {
		t.Errorf("message = %+v", msg)
	}
	self, _ := msg.Peers.Get(addr(8080))
	if self.Version != 1 || !strings.HasPrefix(self.Payload, "Time: ") {
		t.Errorf("self record = %+v, want stamped", self)
	}
	if e.Rounds() != 1 {
		t.Errorf("Rounds = %d", e.Rounds())
	}
}

func TestEngine_RunRound_NoPeers(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, addr(8080), types.Address{}, ft)

	res := e.RunRound(context.Background())
	if len(res.Targets) != 0 || len(ft.broadcasts) != 0 {
		t.Errorf("lonely round should not broadcast: %+v", res)
	}
	if e.Rounds() != 1 {
		t.Errorf("Rounds = %d", e.Rounds())
	}
}

func TestEngine_RunRound_FailuresKeepPeers(t *testing.T) {
	ft := newFakeTransport()
	ft.failing[addr(8082)] = errors.New("broken pipe")
	e := newTestEngine(t, addr(8080), types.Address{}, ft)
	e.Registry().Merge(membership.View{{Addr: addr(8081), LastSeen: 1}, {Addr: addr(8082), LastSeen: 1}})

	res := e.RunRound(context.Background())
	if _, ok := res.Failed[addr(8082)]; !ok || len(res.Failed) != 1 {
		t.Errorf("failed = %v", res.Failed)
	}
	if !e.Registry().Contains(addr(8082)) {
		t.Error("failed peer must stay in the registry")
	}
}

func TestEngine_RunRound_VersionIncreases(t *testing.T) {
	e := newTestEngine(t, addr(8080), types.Address{}, newFakeTransport())
	e.RunRound(context.Background())
	e.RunRound(context.Background())

	self, _ := e.Registry().Get(addr(8080))
	if self.Version != 2 {
		t.Errorf("self version = %d, want 2", self.Version)
	}
}

// --- Inbound ---

func TestEngine_HandleMessage_DialsDiscovered(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, addr(8080), types.Address{}, ft)

	e.HandleMessage(&p2p.Message{
		Sender: addr(8081),
		Peers: membership.View{
			{Addr: addr(8080), LastSeen: 5},
			{Addr: addr(8081), LastSeen: 5, Version: 1, Payload: "Time: 1"},
			{Addr: addr(8082), LastSeen: 5},
		},
	})

	want := []types.Address{addr(8081), addr(8082)}
	waitFor(t, time.Second, func() bool { return slices.Equal(ft.connected(), want) }, "dials to discovered peers")

	if e.Registry().Len() != 3 {
		t.Errorf("registry len = %d, want 3", e.Registry().Len())
	}
	rec, _ := e.Registry().Get(addr(8081))
	if rec.Payload != "Time: 1" {
		t.Errorf("payload = %q", rec.Payload)
	}
}

func TestEngine_HandleMessage_KnownPeersNotRedialed(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, addr(8080), types.Address{}, ft)
	msg := &p2p.Message{Sender: addr(8081), Peers: membership.View{{Addr: addr(8081), LastSeen: 5}}}

	e.HandleMessage(msg)
	waitFor(t, time.Second, func() bool { return ft.connectCount() == 1 }, "first dial")

	e.HandleMessage(msg)
	time.Sleep(50 * time.Millisecond)
	if n := ft.connectCount(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
}

func TestEngine_HandleMessage_SenderObserved(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, addr(8080), types.Address{}, ft)

	// A sender missing from its own view is still learned.
	e.HandleMessage(&p2p.Message{Sender: addr(8081)})
	if !e.Registry().Contains(addr(8081)) {
		t.Fatal("sender should be added to the registry")
	}
	waitFor(t, time.Second, func() bool { return ft.connectCount() == 1 }, "dial to sender")
}

func TestEngine_HandleMessage_IgnoresSelfAndNil(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, addr(8080), types.Address{}, ft)

	e.HandleMessage(nil)
	e.HandleMessage(&p2p.Message{Sender: addr(8080), Peers: membership.View{{Addr: addr(8099), LastSeen: 1}}})
	if e.Registry().Len() != 1 {
		t.Errorf("registry len = %d, want 1", e.Registry().Len())
	}
}

func TestEngine_HandleMessage_AfterStop(t *testing.T) {
	ft := newFakeTransport()
	e := New(Config{Period: time.Hour}, membership.New(addr(8080)), ft)
	e.Stop()

	e.HandleMessage(&p2p.Message{Sender: addr(8081)})
	time.Sleep(20 * time.Millisecond)
	if ft.connectCount() != 0 {
		t.Error("stopped engine must not dial")
	}
	if !e.Registry().Contains(addr(8081)) {
		t.Error("merge still applies after stop")
	}
}

func TestState_String(t *testing.T) {
	if StateBootstrapping.String() != "bootstrapping" || StateActive.String() != "active" {
		t.Error("unexpected state names")
	}
	if State(9).String() != "unknown" {
		t.Error("unknown state name")
	}
}

// --- Live network ---

type testNode struct {
	addr types.Address
	reg  *membership.Registry
	mgr  *p2p.Manager
	ln   *p2p.Listener
	eng  *Engine
}

func startNode(t *testing.T, seed types.Address, period time.Duration) *testNode {
	t.Helper()

	ln := p2p.NewListener("127.0.0.1:0")
	if err := ln.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	tcp := ln.Addr().(*net.TCPAddr)
	self := types.NewAddress(tcp.IP.String(), uint16(tcp.Port))

	n := &testNode{addr: self, reg: membership.New(self), ln: ln}
	n.mgr = p2p.NewManager(self, p2p.ManagerConfig{DialTimeout: time.Second, DialRate: -1})
	n.eng = New(Config{Seed: seed, Period: period, BootstrapRetry: period}, n.reg, n.mgr)
	n.mgr.SetHandler(n.eng.HandleMessage)

	if err := ln.Serve(n.mgr); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if err := n.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(n.stop)
	return n
}

func (n *testNode) stop() {
	n.eng.Stop()
	n.ln.Close()
	n.mgr.Close()
}

func deadAddress(t *testing.T) types.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	tcp := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return types.NewAddress(tcp.IP.String(), uint16(tcp.Port))
}

func TestNetwork_SeedAlone(t *testing.T) {
	seed := startNode(t, types.Address{}, 50*time.Millisecond)

	waitFor(t, time.Second, func() bool { return seed.eng.Rounds() >= 2 }, "two rounds")
	if seed.eng.State() != StateActive {
		t.Errorf("state = %v", seed.eng.State())
	}
	if got := seed.reg.Addresses(); !slices.Equal(got, []types.Address{seed.addr}) {
		t.Errorf("seed registry = %v, want only itself", got)
	}
}

func TestNetwork_PeerJoinsSeed(t *testing.T) {
	seed := startNode(t, types.Address{}, 100*time.Millisecond)
	peer := startNode(t, seed.addr, 100*time.Millisecond)

	waitFor(t, 3*time.Second, func() bool { return seed.reg.Len() == 2 }, "seed learns the peer")
	waitFor(t, 3*time.Second, func() bool { return peer.reg.Contains(seed.addr) }, "peer learns the seed")

	if peer.reg.Len() != 2 {
		t.Errorf("peer registry = %v", peer.reg.Addresses())
	}

	// Payloads travel with the view.
	waitFor(t, 3*time.Second, func() bool {
		rec, ok := seed.reg.Get(peer.addr)
		return ok && rec.Version > 0 && strings.HasPrefix(rec.Payload, "Time: ")
	}, "peer payload at seed")
}

func TestNetwork_ThreePeersConverge(t *testing.T) {
	a := startNode(t, types.Address{}, 100*time.Millisecond)
	b := startNode(t, a.addr, 100*time.Millisecond)
	c := startNode(t, a.addr, 100*time.Millisecond)

	want := []types.Address{a.addr, b.addr, c.addr}
	slices.SortFunc(want, types.Address.Compare)

	waitFor(t, 5*time.Second, func() bool {
		for _, n := range []*testNode{a, b, c} {
			if !slices.Equal(n.reg.Addresses(), want) {
				return false
			}
		}
		return true
	}, "three registries to converge")

	if a.reg.Snapshot().Digest() != c.reg.Snapshot().Digest() {
		t.Error("converged registries should share a digest")
	}
	// b learned c through a and dialed it directly.
	waitFor(t, 2*time.Second, func() bool { return b.mgr.HasSession(c.addr) }, "b to c session")
}

func TestNetwork_UnreachablePeerStays(t *testing.T) {
	n := startNode(t, types.Address{}, 50*time.Millisecond)
	dead := deadAddress(t)

	err := n.mgr.ConnectTo(context.Background(), dead)
	var cerr *p2p.ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *p2p.ConnectError", err)
	}

	n.eng.HandleMessage(&p2p.Message{
		Sender: types.NewAddress("127.0.0.1", 1),
		Peers:  membership.View{{Addr: dead, LastSeen: time.Now().UnixMilli()}},
	})
	waitFor(t, 2*time.Second, func() bool { return n.eng.Rounds() >= 3 }, "rounds over the dead peer")

	if !n.reg.Contains(dead) {
		t.Error("unreachable address must remain in the registry")
	}
	failures := n.mgr.Failures()
	if !slices.ContainsFunc(failures, func(f p2p.FailureRecord) bool { return f.Addr == dead && f.Total >= 2 }) {
		t.Errorf("failures = %+v, want repeated attempts to %v", failures, dead)
	}
}

func TestNetwork_BootstrapToDeadSeed(t *testing.T) {
	dead := deadAddress(t)
	n := startNode(t, dead, 50*time.Millisecond)

	if n.eng.State() != StateActive {
		t.Errorf("state = %v, want active despite failed bootstrap", n.eng.State())
	}
	if n.reg.Len() != 1 {
		t.Errorf("registry = %v, want only self", n.reg.Addresses())
	}
}
