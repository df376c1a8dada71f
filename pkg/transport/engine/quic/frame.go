package quic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Datagram layout: kind(1) || channel(1) || seq(u16 BE) || payload.
// Reliable traffic uses one unidirectional stream per channel whose first
// byte is the channel, followed by frames of u32 LE length || payload.
const (
	datagramHeaderSize = 4
	streamLengthSize   = 4

	// maxDatagramPayload keeps datagrams inside the smallest QUIC packet;
	// anything bigger goes through the channel's reliable stream instead.
	maxDatagramPayload = 1100
	maxStreamFrame     = 16 << 20

	pooledBufferSize = 64 << 10
)

type datagramKind byte

const (
	kindSequenced datagramKind = iota + 1
	kindUnsequenced
	kindPing
	kindPong
)

var (
	errShortDatagram = errors.New("quic engine: datagram shorter than header")
	errFrameTooLarge = errors.New("quic engine: stream frame too large")
)

type datagramHeader struct {
	kind    datagramKind
	channel uint8
	seq     uint16
}

func encodeDatagram(h datagramHeader, payload []byte) []byte {
	buf := make([]byte, datagramHeaderSize+len(payload))
	buf[0] = byte(h.kind)
	buf[1] = h.channel
	binary.BigEndian.PutUint16(buf[2:4], h.seq)
	copy(buf[datagramHeaderSize:], payload)
	return buf
}

func decodeDatagram(buf []byte) (datagramHeader, []byte, error) {
	if len(buf) < datagramHeaderSize {
		return datagramHeader{}, nil, errShortDatagram
	}
	h := datagramHeader{
		kind:    datagramKind(buf[0]),
		channel: buf[1],
		seq:     binary.BigEndian.Uint16(buf[2:4]),
	}
	return h, buf[datagramHeaderSize:], nil
}

// seqNewer reports whether a is after b in 16-bit serial number arithmetic.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

func encodeStreamFrame(payload []byte) []byte {
	buf := make([]byte, streamLengthSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:streamLengthSize], uint32(len(payload)))
	copy(buf[streamLengthSize:], payload)
	return buf
}

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, pooledBufferSize)
		return &b
	},
}

// readStreamFrame reads one frame into a pooled buffer when it fits.
func readStreamFrame(r io.Reader) (*packet, error) {
	var lenbuf [streamLengthSize]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n > maxStreamFrame {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, n)
	}

	var p *packet
	if n <= pooledBufferSize {
		p = &packet{pooled: bufferPool.Get().(*[]byte)}
		p.data = (*p.pooled)[:n]
	} else {
		p = &packet{data: make([]byte, n)}
	}
	if _, err := io.ReadFull(r, p.data); err != nil {
		p.Dispose()
		return nil, err
	}
	return p, nil
}

// packet is a received payload. Pooled buffers go back to the pool on
// Dispose and will be overwritten by later reads.
type packet struct {
	data   []byte
	pooled *[]byte
}

func (p *packet) Data() []byte {
	return p.data
}

func (p *packet) Len() int {
	return len(p.data)
}

func (p *packet) Dispose() {
	if p.pooled != nil {
		bufferPool.Put(p.pooled)
		p.pooled = nil
	}
	p.data = nil
}
