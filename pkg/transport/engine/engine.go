// Package engine describes the reliable-datagram network engine that the
// transport package drives. The engine owns connection establishment,
// retransmission and RTT estimation; the transport only polls it for events
// and pushes packets through it.
//
// Two implementations live in sub-packages: engine/quic talks to real sockets,
// engine/memory is a deterministic loopback used by tests.
package engine

import (
	"errors"
	"net"
	"time"
)

type (
	// Engine creates hosts. One host backs one client or server endpoint.
	Engine interface {
		CreateHost(opts HostOptions) (Host, error)
	}

	// HostOptions configures a host. When Bind is false the host is a client
	// host bound to an ephemeral local port and accepts no inbound peers.
	HostOptions struct {
		BindAddress  string
		Port         int
		Bind         bool
		MaxPeers     int
		ChannelCount int
	}

	// Host is one engine instance. Service is non-blocking when called with a
	// zero timeout and returns an Event of type EventNone when nothing is pending.
	Host interface {
		Connect(address string, port int, channelCount int) (Peer, error)
		Service(timeout time.Duration) (Event, error)
		PeerCount() int
		LocalAddr() net.Addr
		Dispose() error
	}

	// Peer is a handle to one remote connection. It is owned by its Host and
	// must not be used after the Host is disposed.
	Peer interface {
		ID() uint32
		State() PeerState
		RoundTripTime() time.Duration
		Send(channel uint8, flags PacketFlags, payload []byte) error
		Disconnect(data uint32)
	}

	// Packet is a received payload. Data is only valid until Dispose.
	Packet interface {
		Data() []byte
		Len() int
		Dispose()
	}

	// Event is a native engine event. Peer is set for every type but
	// EventNone; Packet is set only for EventReceive.
	Event struct {
		Type      EventType
		Peer      Peer
		ChannelID uint8
		Packet    Packet
	}

	EventType int

	PeerState int

	PacketFlags uint32
)

const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventTimeout
	EventReceive
)

const (
	PeerStateDisconnected PeerState = iota
	PeerStateConnecting
	PeerStateConnected
	PeerStateDisconnecting
)

const (
	PacketFlagNone        PacketFlags = 0
	PacketFlagReliable    PacketFlags = 1 << 0
	PacketFlagUnsequenced PacketFlags = 1 << 1
)

var (
	ErrHostDisposed      = errors.New("engine: host disposed")
	ErrPeerNotConnected  = errors.New("engine: peer not connected")
	ErrChannelOutOfRange = errors.New("engine: channel out of range")
	ErrQueueFull         = errors.New("engine: outgoing queue full")
	ErrHostFull          = errors.New("engine: host has no free peer slots")
)

var eventTypeName = map[EventType]string{
	EventNone:       "none",
	EventConnect:    "connect",
	EventDisconnect: "disconnect",
	EventTimeout:    "timeout",
	EventReceive:    "receive",
}

func (t EventType) String() string {
	if name, ok := eventTypeName[t]; ok {
		return name
	}
	return "unknown"
}

var peerStateName = map[PeerState]string{
	PeerStateDisconnected:  "disconnected",
	PeerStateConnecting:    "connecting",
	PeerStateConnected:     "connected",
	PeerStateDisconnecting: "disconnecting",
}

func (s PeerState) String() string {
	if name, ok := peerStateName[s]; ok {
		return name
	}
	return "unknown"
}

// Has reports whether every bit of flag is set in f.
func (f PacketFlags) Has(flag PacketFlags) bool {
	return flag != 0 && f&flag == flag
}

func (f PacketFlags) String() string {
	switch {
	case f.Has(PacketFlagReliable):
		return "reliable"
	case f.Has(PacketFlagUnsequenced):
		return "unsequenced"
	default:
		return "sequenced"
	}
}
