package quic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

type outgoing struct {
	channel uint8
	flags   engine.PacketFlags
	payload []byte
}

type peer struct {
	h            *host
	id           uint32
	channelCount int
	remote       net.Addr

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan outgoing
	once   sync.Once

	mu         sync.Mutex // guards state, conn and rtt
	state      engine.PeerState
	conn       quicgo.Connection
	rtt        time.Duration
	rttSampled bool

	// Owned by writeLoop.
	streams []quicgo.SendStream
	sendSeq []uint16

	// Owned by datagramLoop.
	recvSeq []uint16
	seenSeq []bool

	logger *logrus.Entry
}

func newPeer(h *host, id uint32, state engine.PeerState, channelCount int, remote net.Addr) *peer {
	ctx, cancel := context.WithCancel(h.ctx)
	return &peer{
		h:            h,
		id:           id,
		channelCount: channelCount,
		remote:       remote,
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan outgoing, h.cfg.SendQueue),
		state:        state,
		rtt:          DefaultRoundTripTime,
		streams:      make([]quicgo.SendStream, channelCount),
		sendSeq:      make([]uint16, channelCount),
		recvSeq:      make([]uint16, channelCount),
		seenSeq:      make([]bool, channelCount),
		logger:       h.logger.WithFields(logrus.Fields{"peer": id, "remote": remote.String()}),
	}
}

func (p *peer) ID() uint32 {
	return p.id
}

func (p *peer) State() engine.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *peer) RoundTripTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt
}

// Send queues a copy of payload for the writer goroutine.
func (p *peer) Send(channel uint8, flags engine.PacketFlags, payload []byte) error {
	if p.State() != engine.PeerStateConnected {
		return engine.ErrPeerNotConnected
	}
	if int(channel) >= p.channelCount {
		return fmt.Errorf("channel %d of %d: %w", channel, p.channelCount, engine.ErrChannelOutOfRange)
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	select {
	case p.queue <- outgoing{channel: channel, flags: flags, payload: data}:
		return nil
	default:
		return engine.ErrQueueFull
	}
}

// Disconnect closes the connection with data as the application error
// code. A pending handshake is abandoned. Either way the host reports a
// disconnect event for this peer once the connection is gone.
func (p *peer) Disconnect(data uint32) {
	p.mu.Lock()
	state, conn := p.state, p.conn
	if state == engine.PeerStateConnecting || state == engine.PeerStateConnected {
		p.state = engine.PeerStateDisconnecting
	}
	p.mu.Unlock()

	switch state {
	case engine.PeerStateConnecting:
		p.cancel()
	case engine.PeerStateConnected:
		_ = conn.CloseWithError(quicgo.ApplicationErrorCode(data), "disconnect")
	}
}

// attach binds an established connection to the peer and starts its
// goroutines. The connect event is queued before any receive event.
func (p *peer) attach(conn quicgo.Connection) {
	p.mu.Lock()
	if p.state != engine.PeerStateConnecting {
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "disconnect")
		p.finish(context.Canceled)
		return
	}
	p.conn = conn
	p.state = engine.PeerStateConnected
	p.mu.Unlock()

	p.logger.Debug("quic engine: peer connected")
	p.h.emit(engine.Event{Type: engine.EventConnect, Peer: p})

	p.h.wg.Add(3)
	go p.writeLoop(conn)
	go p.datagramLoop(conn)
	go p.streamAcceptLoop(conn)
}

func (p *peer) closeConn(code quicgo.ApplicationErrorCode, msg string) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		_ = conn.CloseWithError(code, msg)
	}
	p.cancel()
}

// finish runs once, when the connection or handshake ends for any reason.
func (p *peer) finish(cause error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.state = engine.PeerStateDisconnected
		p.mu.Unlock()
		p.cancel()
		p.h.removePeer(p.id)

		if p.h.ctx.Err() != nil {
			return
		}
		typ := classify(cause)
		p.logger.WithError(cause).WithField("event", typ.String()).Debug("quic engine: peer gone")
		p.h.emit(engine.Event{Type: typ, Peer: p})
	})
}

// classify maps the reason a connection ended to the engine event that
// reports it.
func classify(err error) engine.EventType {
	var (
		idle      *quicgo.IdleTimeoutError
		handshake *quicgo.HandshakeTimeoutError
	)
	switch {
	case errors.As(err, &idle), errors.As(err, &handshake):
		return engine.EventTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return engine.EventTimeout
	default:
		return engine.EventDisconnect
	}
}

func (p *peer) writeLoop(conn quicgo.Connection) {
	defer p.h.wg.Done()
	ticker := time.NewTicker(p.h.cfg.PingInterval)
	defer ticker.Stop()

	p.ping(conn)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.ping(conn)
		case out := <-p.queue:
			if err := p.write(conn, out); err != nil {
				p.logger.WithError(err).Debug("quic engine: write failed")
				p.closeConn(codeWriteFailed, "write failed")
				return
			}
		}
	}
}

func (p *peer) write(conn quicgo.Connection, out outgoing) error {
	ch := out.channel
	switch {
	case out.flags.Has(engine.PacketFlagReliable), len(out.payload) > maxDatagramPayload:
		return p.writeStream(conn, ch, out.payload)
	case out.flags.Has(engine.PacketFlagUnsequenced):
		p.sendDatagram(conn, datagramHeader{kind: kindUnsequenced, channel: ch}, out.payload)
	default:
		p.sendSeq[ch]++
		p.sendDatagram(conn, datagramHeader{kind: kindSequenced, channel: ch, seq: p.sendSeq[ch]}, out.payload)
	}
	return nil
}

func (p *peer) writeStream(conn quicgo.Connection, ch uint8, payload []byte) error {
	s := p.streams[ch]
	if s == nil {
		var err error
		s, err = conn.OpenUniStreamSync(p.ctx)
		if err != nil {
			return err
		}
		if _, err := s.Write([]byte{ch}); err != nil {
			return err
		}
		p.streams[ch] = s
	}
	_, err := s.Write(encodeStreamFrame(payload))
	return err
}

// sendDatagram drops the datagram on error, as the link would.
func (p *peer) sendDatagram(conn quicgo.Connection, h datagramHeader, payload []byte) {
	if err := conn.SendDatagram(encodeDatagram(h, payload)); err != nil {
		p.logger.WithError(err).Trace("quic engine: datagram dropped")
	}
}

func (p *peer) ping(conn quicgo.Connection) {
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(p.h.now()))
	p.sendDatagram(conn, datagramHeader{kind: kindPing}, ts[:])
}

func (p *peer) observeRTT(sample time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rttSampled {
		p.rtt = sample
		p.rttSampled = true
		return
	}
	p.rtt = (7*p.rtt + sample) / 8
}

func (p *peer) datagramLoop(conn quicgo.Connection) {
	defer p.h.wg.Done()
	for {
		buf, err := conn.ReceiveDatagram(p.ctx)
		if err != nil {
			p.finish(err)
			return
		}
		hdr, payload, err := decodeDatagram(buf)
		if err != nil {
			p.logger.WithError(err).Debug("quic engine: bad datagram")
			continue
		}

		switch hdr.kind {
		case kindPing:
			p.sendDatagram(conn, datagramHeader{kind: kindPong}, payload)
		case kindPong:
			if len(payload) == 8 {
				sent := time.Duration(binary.LittleEndian.Uint64(payload))
				p.observeRTT(p.h.now() - sent)
			}
		case kindSequenced:
			if int(hdr.channel) >= p.channelCount {
				continue
			}
			if p.seenSeq[hdr.channel] && !seqNewer(hdr.seq, p.recvSeq[hdr.channel]) {
				continue
			}
			p.seenSeq[hdr.channel] = true
			p.recvSeq[hdr.channel] = hdr.seq
			p.deliver(hdr.channel, &packet{data: payload})
		case kindUnsequenced:
			if int(hdr.channel) >= p.channelCount {
				continue
			}
			p.deliver(hdr.channel, &packet{data: payload})
		}
	}
}

func (p *peer) streamAcceptLoop(conn quicgo.Connection) {
	defer p.h.wg.Done()
	for {
		s, err := conn.AcceptUniStream(p.ctx)
		if err != nil {
			return
		}
		p.h.wg.Add(1)
		go p.readStream(s)
	}
}

func (p *peer) readStream(s quicgo.ReceiveStream) {
	defer p.h.wg.Done()
	var pre [1]byte
	if _, err := io.ReadFull(s, pre[:]); err != nil {
		return
	}
	ch := pre[0]
	if int(ch) >= p.channelCount {
		s.CancelRead(0)
		return
	}
	for {
		pkt, err := readStreamFrame(s)
		if err != nil {
			if !errors.Is(err, io.EOF) && p.ctx.Err() == nil {
				p.logger.WithError(err).Debug("quic engine: stream read failed")
			}
			return
		}
		p.deliver(ch, pkt)
	}
}

// deliver queues a receive event unless the peer is already gone.
func (p *peer) deliver(ch uint8, pkt *packet) {
	if p.State() == engine.PeerStateDisconnected {
		pkt.Dispose()
		return
	}
	p.h.emit(engine.Event{Type: engine.EventReceive, Peer: p, ChannelID: ch, Packet: pkt})
}
