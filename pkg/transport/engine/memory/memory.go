// Package memory implements engine.Engine over an in-process loopback
// network. Hosts created from engines sharing a Network can connect to each
// other by port. Nothing happens in the background: state changes for a peer
// are applied when its host services the corresponding event, which keeps
// tests deterministic.
package memory

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

// DefaultRoundTripTime is the RTT reported by peers until SetRoundTripTime
// is called.
const DefaultRoundTripTime = time.Millisecond

const firstEphemeralPort = 49152

var ErrAddressInUse = errors.New("memory: address already in use")

type (
	// Network is the shared wire. All state of every host on it is guarded by mu.
	Network struct {
		mu       sync.Mutex
		hosts    map[int]*Host
		nextPort int
	}

	Engine struct {
		network *Network
	}

	Host struct {
		network      *Network
		port         int
		bound        bool
		maxPeers     int
		channelCount int
		disposed     bool

		events []engine.Event
		peers  map[uint32]*Peer
		nextID uint32
	}

	Peer struct {
		id      uint32
		host    *Host
		remote  *Peer
		state   engine.PeerState
		rtt     time.Duration
		sendErr error
		sent    []SentPacket
	}

	// SentPacket records one successful Peer.Send call.
	SentPacket struct {
		Channel uint8
		Flags   engine.PacketFlags
		Data    []byte
	}

	Packet struct {
		data     []byte
		disposed bool
	}
)

func NewNetwork() *Network {
	return &Network{
		hosts:    make(map[int]*Host),
		nextPort: firstEphemeralPort,
	}
}

func NewEngine(network *Network) *Engine {
	if network == nil {
		network = NewNetwork()
	}
	return &Engine{network: network}
}

// Network returns the wire this engine creates hosts on.
func (e *Engine) Network() *Network {
	return e.network
}

func (e *Engine) CreateHost(opts engine.HostOptions) (engine.Host, error) {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()

	port := opts.Port
	if !opts.Bind || port == 0 {
		port = n.allocatePort()
	} else if _, taken := n.hosts[port]; taken {
		return nil, fmt.Errorf("memory: bind port %d: %w", port, ErrAddressInUse)
	}

	channels := opts.ChannelCount
	if channels <= 0 {
		channels = 1
	}
	h := &Host{
		network:      n,
		port:         port,
		bound:        opts.Bind,
		maxPeers:     opts.MaxPeers,
		channelCount: channels,
		peers:        make(map[uint32]*Peer),
	}
	n.hosts[port] = h
	return h, nil
}

func (n *Network) allocatePort() int {
	for {
		port := n.nextPort
		n.nextPort++
		if _, taken := n.hosts[port]; !taken {
			return port
		}
	}
}

// Host returns the live host bound to port, if any.
func (n *Network) Host(port int) (*Host, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.hosts[port]
	return h, ok
}

// Port is the port this host is reachable on.
func (h *Host) Port() int {
	return h.port
}

func (h *Host) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.port}
}

func (h *Host) Connect(address string, port int, channelCount int) (engine.Peer, error) {
	n := h.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if h.disposed {
		return nil, engine.ErrHostDisposed
	}
	local := h.newPeer(engine.PeerStateConnecting)

	target, ok := n.hosts[port]
	switch {
	case !ok || target.disposed || !target.bound:
		// Nobody answers: the attempt times out.
		h.push(engine.Event{Type: engine.EventTimeout, Peer: local})
	case target.full():
		h.push(engine.Event{Type: engine.EventDisconnect, Peer: local})
	default:
		remote := target.newPeer(engine.PeerStateConnecting)
		local.remote, remote.remote = remote, local
		target.push(engine.Event{Type: engine.EventConnect, Peer: remote})
		h.push(engine.Event{Type: engine.EventConnect, Peer: local})
	}
	return local, nil
}

func (h *Host) Service(_ time.Duration) (engine.Event, error) {
	n := h.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if h.disposed {
		return engine.Event{}, engine.ErrHostDisposed
	}
	if len(h.events) == 0 {
		return engine.Event{Type: engine.EventNone}, nil
	}
	ev := h.events[0]
	h.events[0] = engine.Event{}
	h.events = h.events[1:]

	if p, ok := ev.Peer.(*Peer); ok && p.host == h {
		switch ev.Type {
		case engine.EventConnect:
			if p.state == engine.PeerStateConnecting {
				p.state = engine.PeerStateConnected
			}
		case engine.EventDisconnect, engine.EventTimeout:
			p.state = engine.PeerStateDisconnected
			p.remote = nil
			delete(h.peers, p.id)
		}
	}
	return ev, nil
}

func (h *Host) PeerCount() int {
	h.network.mu.Lock()
	defer h.network.mu.Unlock()
	count := 0
	for _, p := range h.peers {
		if p.state != engine.PeerStateDisconnected {
			count++
		}
	}
	return count
}

// Dispose releases the host without notifying peers gracefully; remote
// hosts observe a timeout, like a process that vanished from the network.
func (h *Host) Dispose() error {
	n := h.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if h.disposed {
		return nil
	}
	h.disposed = true
	for _, p := range h.peers {
		if r := p.remote; r != nil && !r.host.disposed {
			r.remote = nil
			r.host.push(engine.Event{Type: engine.EventTimeout, Peer: r})
		}
		p.state = engine.PeerStateDisconnected
		p.remote = nil
	}
	h.peers = map[uint32]*Peer{}
	h.events = nil
	delete(n.hosts, h.port)
	return nil
}

// Inject queues a synthetic event as if the engine had produced it.
func (h *Host) Inject(ev engine.Event) {
	h.network.mu.Lock()
	defer h.network.mu.Unlock()
	h.push(ev)
}

// Pending is the number of queued events.
func (h *Host) Pending() int {
	h.network.mu.Lock()
	defer h.network.mu.Unlock()
	return len(h.events)
}

// Timeout simulates loss of the link to peer id: both ends get a timeout
// event. It reports false if the peer is unknown.
func (h *Host) Timeout(id uint32) bool {
	h.network.mu.Lock()
	defer h.network.mu.Unlock()
	p, ok := h.peers[id]
	if !ok {
		return false
	}
	if r := p.remote; r != nil {
		r.remote = nil
		r.host.push(engine.Event{Type: engine.EventTimeout, Peer: r})
	}
	p.remote = nil
	h.push(engine.Event{Type: engine.EventTimeout, Peer: p})
	return true
}

// Peer returns the peer with the given id.
func (h *Host) Peer(id uint32) (*Peer, bool) {
	h.network.mu.Lock()
	defer h.network.mu.Unlock()
	p, ok := h.peers[id]
	return p, ok
}

func (h *Host) full() bool {
	if h.maxPeers <= 0 {
		return false
	}
	live := 0
	for _, p := range h.peers {
		if p.state != engine.PeerStateDisconnected {
			live++
		}
	}
	return live >= h.maxPeers
}

func (h *Host) newPeer(state engine.PeerState) *Peer {
	h.nextID++
	p := &Peer{id: h.nextID, host: h, state: state, rtt: DefaultRoundTripTime}
	h.peers[p.id] = p
	return p
}

func (h *Host) push(ev engine.Event) {
	h.events = append(h.events, ev)
}

// NewPeer builds a peer that belongs to no host, for feeding synthetic
// events through Host.Inject.
func NewPeer(id uint32, state engine.PeerState) *Peer {
	return &Peer{id: id, state: state, rtt: DefaultRoundTripTime}
}

func (p *Peer) ID() uint32 {
	return p.id
}

func (p *Peer) State() engine.PeerState {
	p.lock()
	defer p.unlock()
	return p.state
}

func (p *Peer) SetState(state engine.PeerState) {
	p.lock()
	defer p.unlock()
	p.state = state
}

func (p *Peer) RoundTripTime() time.Duration {
	p.lock()
	defer p.unlock()
	return p.rtt
}

func (p *Peer) SetRoundTripTime(rtt time.Duration) {
	p.lock()
	defer p.unlock()
	p.rtt = rtt
}

// SetSendError makes every following Send fail with err until reset with nil.
func (p *Peer) SetSendError(err error) {
	p.lock()
	defer p.unlock()
	p.sendErr = err
}

// Sent returns the packets accepted by Send so far.
func (p *Peer) Sent() []SentPacket {
	p.lock()
	defer p.unlock()
	out := make([]SentPacket, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *Peer) Send(channel uint8, flags engine.PacketFlags, payload []byte) error {
	p.lock()
	defer p.unlock()

	if p.state != engine.PeerStateConnected {
		return engine.ErrPeerNotConnected
	}
	if p.host != nil && int(channel) >= p.host.channelCount {
		return fmt.Errorf("channel %d of %d: %w", channel, p.host.channelCount, engine.ErrChannelOutOfRange)
	}
	if p.sendErr != nil {
		return p.sendErr
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	p.sent = append(p.sent, SentPacket{Channel: channel, Flags: flags, Data: data})

	if r := p.remote; r != nil && !r.host.disposed {
		wire := make([]byte, len(payload))
		copy(wire, payload)
		r.host.push(engine.Event{
			Type:      engine.EventReceive,
			Peer:      r,
			ChannelID: channel,
			Packet:    NewPacket(wire),
		})
	}
	return nil
}

func (p *Peer) Disconnect(_ uint32) {
	p.lock()
	defer p.unlock()

	if p.state == engine.PeerStateDisconnected || p.state == engine.PeerStateDisconnecting {
		return
	}
	p.state = engine.PeerStateDisconnecting
	if r := p.remote; r != nil && !r.host.disposed {
		r.state = engine.PeerStateDisconnecting
		r.remote = nil
		r.host.push(engine.Event{Type: engine.EventDisconnect, Peer: r})
	}
	p.remote = nil
	if p.host != nil {
		p.host.push(engine.Event{Type: engine.EventDisconnect, Peer: p})
	}
}

// lock takes the network lock for peers attached to a host. Detached peers
// are only touched by the test goroutine that built them.
func (p *Peer) lock() {
	if p.host != nil {
		p.host.network.mu.Lock()
	}
}

func (p *Peer) unlock() {
	if p.host != nil {
		p.host.network.mu.Unlock()
	}
}

// NewPacket wraps data without copying it.
func NewPacket(data []byte) *Packet {
	return &Packet{data: data}
}

func (p *Packet) Data() []byte {
	return p.data
}

func (p *Packet) Len() int {
	return len(p.data)
}

// Dispose zeroes the buffer so that anyone still holding Data sees garbage,
// the way a pooled engine buffer would be reused.
func (p *Packet) Dispose() {
	for i := range p.data {
		p.data[i] = 0
	}
	p.data = nil
	p.disposed = true
}

func (p *Packet) Disposed() bool {
	return p.disposed
}
