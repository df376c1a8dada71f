package transport

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

// clientEndpoint holds at most one peer: the server it connects to.
// state is Starting from StartClient until the connect event is polled.
type clientEndpoint struct {
	state    EndpointState
	host     engine.Host
	peer     engine.Peer
	registry *Registry
}

// StartClient creates a client host and starts connecting to address:port.
// A nil error means the attempt was dispatched; ClientPoll reports the
// outcome as EventConnect or EventDisconnect.
func (t *Transport) StartClient(address string, port int) error {
	const op = "start client"
	if t.client.state != StateStopped {
		return newError(op, CodeAlreadyStarted, nil)
	}

	t.client.state = StateStarting
	t.client.registry.Clear()
	host, err := t.engine.CreateHost(engine.HostOptions{MaxPeers: 1, ChannelCount: t.channelCount})
	if err != nil {
		t.client.state = StateStopped
		return newError(op, CodeEngineFailure, err)
	}
	peer, err := host.Connect(address, port, t.channelCount)
	if err != nil {
		_ = host.Dispose()
		t.client.state = StateStopped
		return newError(op, CodeEngineFailure, err)
	}

	t.client.host = host
	t.client.peer = peer
	t.logger.WithFields(logrus.Fields{"address": address, "port": port}).Info("client connecting")
	return nil
}

// StopClient disconnects from the server and releases the host. It is a
// no-op when the client is not started.
func (t *Transport) StopClient() {
	if t.client.state == StateStopped {
		return
	}
	if p := t.client.peer; p != nil && p.State() != engine.PeerStateDisconnected {
		p.Disconnect(0)
	}
	if t.client.host != nil {
		if err := t.client.host.Dispose(); err != nil {
			t.logger.WithError(err).Warn("client host dispose failed")
		}
	}
	t.client = clientEndpoint{registry: t.client.registry}
	t.client.registry.Clear()
	t.logger.Info("client stopped")
}

// ClientPoll consumes at most one engine event for the client role.
func (t *Transport) ClientPoll() (Event, error) {
	if t.client.state == StateStopped {
		return Event{Kind: EventNone}, newError("client poll", CodeNotStarted, nil)
	}
	ev, err := translate(t.client.host, t.client.registry)
	if err != nil {
		return ev, newError("client poll", CodeEngineFailure, err)
	}
	if ev.Kind == EventConnect && t.client.state == StateStarting {
		t.client.state = StateStarted
	}
	t.logEvent(RoleClient, ev)
	return ev, nil
}

// ClientSend sends payload to the server on the channel the mapping picks
// for method.
func (t *Transport) ClientSend(method DeliveryMethod, payload []byte) error {
	return t.ClientSendOn(0, method, payload)
}

// ClientSendOn is ClientSend with a caller-chosen channel, for mappings that
// take one into account.
func (t *Transport) ClientSendOn(channel uint8, method DeliveryMethod, payload []byte) error {
	const op = "client send"
	peer, id, err := t.clientPeer(op)
	if err != nil {
		return err
	}
	return t.send(op, id, peer, channel, method, payload)
}

// ClientRtt is the engine's current round-trip estimate to the server.
func (t *Transport) ClientRtt() (time.Duration, error) {
	peer, _, err := t.clientPeer("client rtt")
	if err != nil {
		return 0, err
	}
	return peer.RoundTripTime(), nil
}

// IsClientStarted reports whether the client is connected to its server.
func (t *Transport) IsClientStarted() bool {
	return t.client.state == StateStarted && t.client.peer != nil &&
		t.client.peer.State() == engine.PeerStateConnected
}

func (t *Transport) ClientState() EndpointState {
	return t.client.state
}

// clientPeer returns the server peer if the client is started and the peer
// is connected.
func (t *Transport) clientPeer(op string) (engine.Peer, ConnectionID, error) {
	if t.client.state == StateStopped {
		return nil, 0, newError(op, CodeNotStarted, nil)
	}
	p := t.client.peer
	id := ConnectionID(p.ID())
	if t.client.state != StateStarted {
		return nil, 0, newPeerError(op, CodeNotConnected, id, nil)
	}
	if _, ok := t.client.registry.TryGet(id); !ok || p.State() != engine.PeerStateConnected {
		return nil, 0, newPeerError(op, CodeNotConnected, id, nil)
	}
	return p, id, nil
}
