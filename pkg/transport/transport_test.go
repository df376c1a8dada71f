package transport

import (
	"bytes"
	"errors"
	"math/rand"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine/memory"
)

/* ------------------------------------------------------------------
   Helpers: transports on a shared in-memory network
   ------------------------------------------------------------------ */

type testNet struct {
	wire *memory.Network
}

func newTestNet() *testNet {
	return &testNet{wire: memory.NewNetwork()}
}

func (n *testNet) transport(t *testing.T, opts ...Option) *Transport {
	t.Helper()
	tr, err := New(memory.NewEngine(n.wire), opts...)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(tr.Destroy)
	return tr
}

func (n *testNet) server(t *testing.T, maxConnections int) (*Transport, int) {
	t.Helper()
	srv := n.transport(t)
	if err := srv.StartServer(0, maxConnections); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return srv, srv.ServerAddr().(*net.UDPAddr).Port
}

// serverPeer returns the engine's handle for a server-side connection.
func (n *testNet) serverPeer(t *testing.T, port int, id ConnectionID) *memory.Peer {
	t.Helper()
	h, ok := n.wire.Host(port)
	if !ok {
		t.Fatalf("no host on port %d", port)
	}
	p, ok := h.Peer(uint32(id))
	if !ok {
		t.Fatalf("no peer %d on port %d", id, port)
	}
	return p
}

// pollFor polls until an event of kind arrives, failing on a none event
// first. The memory engine delivers synchronously, so no waiting is needed.
func pollFor(t *testing.T, poll func() (Event, error), kind EventKind) Event {
	t.Helper()
	for i := 0; i < 16; i++ {
		ev, err := poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if ev.Kind == kind {
			return ev
		}
		if ev.IsNone() {
			break
		}
	}
	t.Fatalf("no %s event", kind)
	return Event{}
}

func drain(t *testing.T, poll func() (Event, error)) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if ev.IsNone() {
			return out
		}
		out = append(out, ev)
	}
}

func connectClient(t *testing.T, n *testNet, srv *Transport, port int) (*Transport, ConnectionID) {
	t.Helper()
	c := n.transport(t)
	if err := c.StartClient("127.0.0.1", port); err != nil {
		t.Fatalf("start client: %v", err)
	}
	pollFor(t, c.ClientPoll, EventConnect)
	ev := pollFor(t, srv.ServerPoll, EventConnect)
	return c, ev.ConnectionID
}

func wantCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	if CodeOf(err) != code {
		t.Fatalf("err = %v, want %s", err, code)
	}
	if !errors.Is(err, code) {
		t.Fatalf("errors.Is(%v, %s) = false", err, code)
	}
}

/* ------------------------------------------------------------------
   Tests
   ------------------------------------------------------------------ */

func TestNewValidatesOptions(t *testing.T) {
	eng := memory.NewEngine(nil)
	if _, err := New(nil); CodeOf(err) != CodeInvalidConfig {
		t.Fatalf("nil engine: err = %v", err)
	}
	if _, err := New(eng, WithChannelCount(2)); CodeOf(err) != CodeInvalidConfig {
		t.Fatalf("fixed mapping on 2 channels: err = %v", err)
	}
	if _, err := New(eng, WithChannelCount(0)); CodeOf(err) != CodeInvalidConfig {
		t.Fatalf("zero channels: err = %v", err)
	}
	if _, err := New(eng, WithChannelCount(2), WithDeliveryMapping(SplitChannels{ChannelCount: 2})); err != nil {
		t.Fatalf("split mapping on 2 channels: %v", err)
	}
	// A split mapping spreads lanes over the count it was built for, which
	// must be the transport's own.
	if _, err := New(eng, WithChannelCount(4), WithDeliveryMapping(SplitChannels{ChannelCount: 16})); CodeOf(err) != CodeInvalidConfig {
		t.Fatalf("split mapping for 16 channels on 4: err = %v", err)
	}
	if _, err := New(eng, WithChannelCount(8), WithDeliveryMapping(SplitChannels{ChannelCount: 4})); CodeOf(err) != CodeInvalidConfig {
		t.Fatalf("split mapping for 4 channels on 8: err = %v", err)
	}
	tr, err := New(eng)
	if err != nil {
		t.Fatal(err)
	}
	if tr.ChannelCount() != DefaultChannelCount || tr.Mapping().Name() != "fixed" || !tr.HasImplementedPing() {
		t.Fatalf("unexpected defaults: %d channels, mapping %s", tr.ChannelCount(), tr.Mapping().Name())
	}
}

func TestOperationsRequireStartedRole(t *testing.T) {
	tr := newTestNet().transport(t)

	_, err := tr.ClientPoll()
	wantCode(t, err, CodeNotStarted)
	_, err = tr.ServerPoll()
	wantCode(t, err, CodeNotStarted)
	wantCode(t, tr.ClientSend(ReliableOrdered, []byte("x")), CodeNotStarted)
	wantCode(t, tr.ServerSend(1, ReliableOrdered, []byte("x")), CodeNotStarted)
	wantCode(t, tr.ServerDisconnect(1), CodeNotStarted)
	_, err = tr.ClientRtt()
	wantCode(t, err, CodeNotStarted)
	_, err = tr.ServerRtt(1)
	wantCode(t, err, CodeNotStarted)

	if tr.IsClientStarted() || tr.IsServerStarted() || tr.ServerAddr() != nil {
		t.Fatalf("fresh transport reports a started role")
	}

	// Stopping a stopped role does nothing.
	tr.StopClient()
	tr.StopServer()
	if tr.ClientState() != StateStopped || tr.ServerState() != StateStopped {
		t.Fatalf("stop changed state")
	}
}

// TestClientServerScenario runs two clients against a two-slot server, then
// has the server drop one of them.
func TestClientServerScenario(t *testing.T) {
	n := newTestNet()
	srv, port := n.server(t, 2)

	c1, id1 := connectClient(t, n, srv, port)
	c2, id2 := connectClient(t, n, srv, port)
	if !c1.IsClientStarted() || !c2.IsClientStarted() {
		t.Fatalf("clients not started after connect event")
	}
	if srv.ServerPeerCount() != 2 {
		t.Fatalf("ServerPeerCount = %d, want 2", srv.ServerPeerCount())
	}
	if got := srv.ServerPeers(); !slices.Equal(got, []ConnectionID{id1, id2}) {
		t.Fatalf("ServerPeers = %v, want [%d %d]", got, id1, id2)
	}

	// A third client is refused by the full server.
	c3 := n.transport(t)
	if err := c3.StartClient("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}
	ev := pollFor(t, c3.ClientPoll, EventDisconnect)
	if ev.Reason != ReasonOther {
		t.Fatalf("refused client reason = %s, want other", ev.Reason)
	}

	if err := c1.ClientSend(ReliableOrdered, []byte("ping")); err != nil {
		t.Fatalf("client send: %v", err)
	}
	data := pollFor(t, srv.ServerPoll, EventData)
	if data.ConnectionID != id1 || data.Channel != 0 || !bytes.Equal(data.Payload, []byte("ping")) {
		t.Fatalf("server got %s %q", data, data.Payload)
	}

	if err := srv.ServerSend(id1, Unreliable, []byte("pong")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	data = pollFor(t, c1.ClientPoll, EventData)
	if data.Channel != 3 || !bytes.Equal(data.Payload, []byte("pong")) {
		t.Fatalf("client got %s %q", data, data.Payload)
	}

	if err := srv.ServerDisconnect(id1); err != nil {
		t.Fatalf("server disconnect: %v", err)
	}
	if srv.ServerPeerCount() != 1 {
		t.Fatalf("ServerPeerCount after disconnect = %d, want 1", srv.ServerPeerCount())
	}
	// The engine's own disconnect event is absorbed by the registry.
	drain(t, srv.ServerPoll)
	if srv.ServerPeerCount() != 1 {
		t.Fatalf("ServerPeerCount after drain = %d, want 1", srv.ServerPeerCount())
	}

	pollFor(t, c1.ClientPoll, EventDisconnect)
	if c1.IsClientStarted() {
		t.Fatalf("c1 still started after disconnect")
	}
	wantCode(t, c1.ClientSend(ReliableOrdered, []byte("late")), CodeNotConnected)
	wantCode(t, srv.ServerSend(id1, ReliableOrdered, []byte("late")), CodeUnknownPeer)

	_, err := srv.ServerRtt(id1)
	wantCode(t, err, CodeUnknownPeer)
	rtt, err := srv.ServerRtt(id2)
	if err != nil || rtt != memory.DefaultRoundTripTime {
		t.Fatalf("ServerRtt(%d) = %v, %v", id2, rtt, err)
	}
}

func TestStartServerTwiceKeepsRegistry(t *testing.T) {
	n := newTestNet()
	srv, port := n.server(t, 4)
	connectClient(t, n, srv, port)

	wantCode(t, srv.StartServer(port, 8), CodeAlreadyStarted)
	if srv.ServerPeerCount() != 1 {
		t.Fatalf("registry disturbed: count %d", srv.ServerPeerCount())
	}
	if srv.ServerMaxConnections() != 4 {
		t.Fatalf("max connections changed to %d", srv.ServerMaxConnections())
	}
	if srv.ServerAddr().(*net.UDPAddr).Port != port {
		t.Fatalf("server rebound")
	}
}

func TestStartServerFailureLeavesStopped(t *testing.T) {
	n := newTestNet()
	_, port := n.server(t, 1)

	other := n.transport(t)
	wantCode(t, other.StartServer(port, 1), CodeEngineFailure)
	if other.IsServerStarted() {
		t.Fatalf("server started on a taken port")
	}
	wantCode(t, other.StartServer(0, 0), CodeInvalidConfig)
	if err := other.StartServer(0, 1); err != nil {
		t.Fatalf("restart on free port: %v", err)
	}
}

func TestClientCannotSendBeforeConnect(t *testing.T) {
	n := newTestNet()
	_, port := n.server(t, 1)
	c := n.transport(t)
	if err := c.StartClient("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}
	wantCode(t, c.StartClient("127.0.0.1", port), CodeAlreadyStarted)

	if c.ClientState() != StateStarting || c.IsClientStarted() {
		t.Fatalf("client state = %s before connect event", c.ClientState())
	}
	wantCode(t, c.ClientSend(ReliableOrdered, []byte("early")), CodeNotConnected)
	_, err := c.ClientRtt()
	wantCode(t, err, CodeNotConnected)

	pollFor(t, c.ClientPoll, EventConnect)
	if c.ClientState() != StateStarted {
		t.Fatalf("client state = %s after connect event", c.ClientState())
	}
	rtt, err := c.ClientRtt()
	if err != nil || rtt != memory.DefaultRoundTripTime {
		t.Fatalf("ClientRtt = %v, %v", rtt, err)
	}
}

func TestClientConnectTimeout(t *testing.T) {
	c := newTestNet().transport(t)
	if err := c.StartClient("127.0.0.1", 1); err != nil {
		t.Fatal(err)
	}
	ev := pollFor(t, c.ClientPoll, EventDisconnect)
	if ev.Reason != ReasonTimeout {
		t.Fatalf("reason = %s, want timeout", ev.Reason)
	}
	c.StopClient()
	if c.ClientState() != StateStopped {
		t.Fatalf("client not stopped")
	}
}

func TestServerSendRejections(t *testing.T) {
	n := newTestNet()
	srv, port := n.server(t, 2)
	_, id := connectClient(t, n, srv, port)
	peer := n.serverPeer(t, port, id)

	peer.SetSendError(engine.ErrQueueFull)
	err := srv.ServerSend(id, Sequenced, []byte("x"))
	wantCode(t, err, CodeSendRejectedByEngine)
	if !errors.Is(err, engine.ErrQueueFull) {
		t.Fatalf("engine cause lost: %v", err)
	}
	peer.SetSendError(nil)

	peer.SetState(engine.PeerStateDisconnecting)
	wantCode(t, srv.ServerSend(id, Sequenced, []byte("x")), CodeNotConnected)
	peer.SetState(engine.PeerStateConnected)

	peer.SetRoundTripTime(42 * time.Millisecond)
	if rtt, _ := srv.ServerRtt(id); rtt != 42*time.Millisecond {
		t.Fatalf("ServerRtt = %v, want 42ms", rtt)
	}

	if err := srv.ServerSendOn(id, 9, ReliableSequenced, []byte("y")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := peer.Sent()
	last := sent[len(sent)-1]
	if last.Channel != 1 || last.Flags != engine.PacketFlagReliable {
		t.Fatalf("sent on channel %d with %s", last.Channel, last.Flags)
	}
}

func TestStopServerDisconnectsPeers(t *testing.T) {
	n := newTestNet()
	srv, port := n.server(t, 2)
	c, _ := connectClient(t, n, srv, port)

	srv.StopServer()
	if srv.IsServerStarted() || srv.ServerPeerCount() != 0 {
		t.Fatalf("server still has state after stop")
	}
	pollFor(t, c.ClientPoll, EventDisconnect)

	// The same transport can serve again.
	if err := srv.StartServer(port, 2); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if srv.ServerPeerCount() != 0 {
		t.Fatalf("registry not cleared on restart")
	}
}

// TestServerPeerCountMatchesEvents drives random connects, disconnects and
// timeouts and checks the registry against a model built only from polled
// events and explicit disconnects.
func TestServerPeerCountMatchesEvents(t *testing.T) {
	n := newTestNet()
	srv, port := n.server(t, 16)
	host, _ := n.wire.Host(port)
	rng := rand.New(rand.NewSource(7))

	model := map[ConnectionID]bool{}
	var clients []*Transport

	apply := func() {
		for _, ev := range drain(t, srv.ServerPoll) {
			switch ev.Kind {
			case EventConnect:
				model[ev.ConnectionID] = true
			case EventDisconnect:
				delete(model, ev.ConnectionID)
			}
		}
	}
	pick := func() (ConnectionID, bool) {
		ids := make([]ConnectionID, 0, len(model))
		for id := range model {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return 0, false
		}
		slices.Sort(ids)
		return ids[rng.Intn(len(ids))], true
	}

	for step := 0; step < 300; step++ {
		switch rng.Intn(4) {
		case 0:
			c := n.transport(t)
			if err := c.StartClient("127.0.0.1", port); err != nil {
				t.Fatal(err)
			}
			clients = append(clients, c)
		case 1:
			if id, ok := pick(); ok {
				if err := srv.ServerDisconnect(id); err != nil {
					t.Fatalf("step %d: disconnect %d: %v", step, id, err)
				}
				delete(model, id)
			}
		case 2:
			if id, ok := pick(); ok {
				host.Timeout(uint32(id))
			}
		case 3:
			if len(clients) > 0 {
				i := rng.Intn(len(clients))
				clients[i].StopClient()
				clients = append(clients[:i], clients[i+1:]...)
			}
		}
		apply()

		if srv.ServerPeerCount() != len(model) {
			t.Fatalf("step %d: ServerPeerCount = %d, model has %d", step, srv.ServerPeerCount(), len(model))
		}
		if srv.ServerPeerCount() > srv.ServerMaxConnections() {
			t.Fatalf("step %d: %d peers over the limit", step, srv.ServerPeerCount())
		}
		for _, id := range srv.ServerPeers() {
			if !model[id] {
				t.Fatalf("step %d: registry holds %d, unknown to the model", step, id)
			}
		}
	}
}

func TestFactoryBuildsMatchingTransports(t *testing.T) {
	f := Factory{
		Engine:       memory.NewEngine(nil),
		ChannelCount: 8,
		Mapping:      SplitChannels{ChannelCount: 8},
	}
	a, err := f.Build()
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Build()
	if err != nil {
		t.Fatal(err)
	}
	if a.ChannelCount() != b.ChannelCount() || a.Mapping() != b.Mapping() {
		t.Fatalf("factory built different transports")
	}
	if a.ID() == b.ID() {
		t.Fatalf("transports share an id")
	}
}

// TestClientLeavesThenOtherSends follows a client that stops on its own: the
// server sees one disconnect, and the remaining client keeps working.
func TestClientLeavesThenOtherSends(t *testing.T) {
	n := newTestNet()
	srv, port := n.server(t, 2)
	leaving, leavingID := connectClient(t, n, srv, port)
	staying, stayingID := connectClient(t, n, srv, port)

	leaving.StopClient()
	ev := pollFor(t, srv.ServerPoll, EventDisconnect)
	if ev.ConnectionID != leavingID {
		t.Fatalf("disconnect for %d, want %d", ev.ConnectionID, leavingID)
	}
	if srv.ServerPeerCount() != 1 {
		t.Fatalf("ServerPeerCount = %d, want 1", srv.ServerPeerCount())
	}

	for _, payload := range [][]byte{[]byte("still here"), {}} {
		if err := staying.ClientSend(ReliableOrdered, payload); err != nil {
			t.Fatalf("send: %v", err)
		}
		data := pollFor(t, srv.ServerPoll, EventData)
		if data.ConnectionID != stayingID || !bytes.Equal(data.Payload, payload) || data.Payload == nil {
			t.Fatalf("server got %s %q", data, data.Payload)
		}
	}
	if ev, _ := srv.ServerPoll(); !ev.IsNone() {
		t.Fatalf("unexpected extra event %s", ev)
	}
}
