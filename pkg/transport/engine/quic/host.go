package quic

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	tconfig "github.com/antonionduarte/go-datagram-transport/pkg/transport/config"
	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

type host struct {
	cfg       tconfig.EngineConfig
	conn      *net.UDPConn
	tr        *quicgo.Transport
	ln        *quicgo.Listener
	qconf     *quicgo.Config
	tlsClient *tls.Config

	maxPeers     int
	channelCount int

	events chan engine.Event
	epoch  time.Time

	mu     sync.Mutex // guards peers and nextID
	peers  map[uint32]*peer
	nextID uint32

	ctx      context.Context
	cancel   context.CancelFunc
	disposed atomic.Bool
	wg       sync.WaitGroup

	logger *logrus.Entry
}

func (h *host) LocalAddr() net.Addr {
	return h.conn.LocalAddr()
}

// Connect starts a handshake with address:port in the background and
// returns the pending peer. The result arrives through Service.
func (h *host) Connect(address string, port int, channelCount int) (engine.Peer, error) {
	if h.disposed.Load() {
		return nil, engine.ErrHostDisposed
	}
	raddr, err := resolve(address, port)
	if err != nil {
		return nil, err
	}
	if channelCount <= 0 || channelCount > h.channelCount {
		channelCount = h.channelCount
	}

	p := h.addPeer(engine.PeerStateConnecting, channelCount, raddr)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, h.cfg.HandshakeTimeout)
		defer cancel()
		conn, err := h.tr.Dial(ctx, raddr, h.tlsClient, h.qconf)
		if err != nil {
			p.finish(err)
			return
		}
		p.attach(conn)
	}()
	return p, nil
}

// Service returns the next pending event, waiting at most timeout. A zero
// timeout never blocks.
func (h *host) Service(timeout time.Duration) (engine.Event, error) {
	if h.disposed.Load() {
		return engine.Event{}, engine.ErrHostDisposed
	}
	if timeout <= 0 {
		select {
		case ev := <-h.events:
			return ev, nil
		default:
			return engine.Event{Type: engine.EventNone}, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-h.events:
		return ev, nil
	case <-timer.C:
		return engine.Event{Type: engine.EventNone}, nil
	case <-h.ctx.Done():
		return engine.Event{}, engine.ErrHostDisposed
	}
}

func (h *host) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Dispose closes every connection without waiting for peers to acknowledge
// and releases the socket. Queued events are discarded.
func (h *host) Dispose() error {
	if !h.disposed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()

	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.closeConn(codeHostDisposed, "host disposed")
	}

	if h.ln != nil {
		_ = h.ln.Close()
	}
	_ = h.tr.Close()
	err := h.conn.Close()
	h.wg.Wait()
	h.logger.Debug("quic engine: host disposed")
	return err
}

func (h *host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept(h.ctx)
		if err != nil {
			if h.ctx.Err() == nil {
				h.logger.WithError(err).Warn("quic engine: accept failed")
			}
			return
		}
		if h.full() {
			h.logger.WithField("remote", conn.RemoteAddr().String()).Info("quic engine: refusing peer, host full")
			_ = conn.CloseWithError(codeHostFull, "host full")
			continue
		}
		p := h.addPeer(engine.PeerStateConnecting, h.channelCount, conn.RemoteAddr())
		p.attach(conn)
	}
}

// admit fails the TLS handshake of a client the host has no room for, so
// the client sees its dial fail instead of a connect followed by a close.
func (h *host) admit(*tls.ClientHelloInfo) (*tls.Config, error) {
	if h.full() {
		return nil, engine.ErrHostFull
	}
	return nil, nil
}

func (h *host) full() bool {
	if h.maxPeers <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers) >= h.maxPeers
}

func (h *host) addPeer(state engine.PeerState, channelCount int, remote net.Addr) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	p := newPeer(h, h.nextID, state, channelCount, remote)
	h.peers[p.id] = p
	return p
}

func (h *host) removePeer(id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
}

// emit queues ev for Service. It blocks while the queue is full, which
// pushes back on the readers, and gives up once the host is disposed.
func (h *host) emit(ev engine.Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
		if ev.Packet != nil {
			ev.Packet.Dispose()
		}
	}
}

// now is the monotonic clock used for ping timestamps.
func (h *host) now() time.Duration {
	return time.Since(h.epoch)
}
