package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

type serverEndpoint struct {
	state          EndpointState
	host           engine.Host
	registry       *Registry
	maxConnections int
}

// StartServer binds a server host to port, accepting up to maxConnections
// peers. Port 0 picks an ephemeral port; see ServerAddr. On failure the
// server stays stopped and may be started again with other parameters.
func (t *Transport) StartServer(port int, maxConnections int) error {
	const op = "start server"
	if t.server.state != StateStopped {
		return newError(op, CodeAlreadyStarted, nil)
	}
	if maxConnections < 1 {
		return newError(op, CodeInvalidConfig, fmt.Errorf("maxConnections must be positive, got %d", maxConnections))
	}

	t.server.state = StateStarting
	t.server.registry.Clear()
	host, err := t.engine.CreateHost(engine.HostOptions{
		Port:         port,
		Bind:         true,
		MaxPeers:     maxConnections,
		ChannelCount: t.channelCount,
	})
	if err != nil {
		t.server.state = StateStopped
		t.logger.WithFields(logrus.Fields{"port": port, "err": err}).Error("server bind failed")
		return newError(op, CodeEngineFailure, err)
	}

	t.server.host = host
	t.server.maxConnections = maxConnections
	t.server.state = StateStarted
	t.logger.WithFields(logrus.Fields{
		"addr":           host.LocalAddr().String(),
		"maxConnections": maxConnections,
	}).Info("server started")
	return nil
}

// StopServer disconnects every registered peer and releases the host. It is
// a no-op when the server is not started.
func (t *Transport) StopServer() {
	if t.server.state == StateStopped {
		return
	}
	for _, id := range t.server.registry.IDs() {
		if p, ok := t.server.registry.TryGet(id); ok {
			p.Disconnect(0)
		}
	}
	if t.server.host != nil {
		if err := t.server.host.Dispose(); err != nil {
			t.logger.WithError(err).Warn("server host dispose failed")
		}
	}
	t.server.registry.Clear()
	t.server = serverEndpoint{registry: t.server.registry}
	t.logger.Info("server stopped")
}

// ServerPoll consumes at most one engine event for the server role.
func (t *Transport) ServerPoll() (Event, error) {
	if t.server.state != StateStarted {
		return Event{Kind: EventNone}, newError("server poll", CodeNotStarted, nil)
	}
	ev, err := translate(t.server.host, t.server.registry)
	if err != nil {
		return ev, newError("server poll", CodeEngineFailure, err)
	}
	t.logEvent(RoleServer, ev)
	return ev, nil
}

// ServerSend sends payload to a connected peer.
func (t *Transport) ServerSend(id ConnectionID, method DeliveryMethod, payload []byte) error {
	return t.ServerSendOn(id, 0, method, payload)
}

// ServerSendOn is ServerSend with a caller-chosen channel.
func (t *Transport) ServerSendOn(id ConnectionID, channel uint8, method DeliveryMethod, payload []byte) error {
	const op = "server send"
	peer, err := t.serverPeer(op, id)
	if err != nil {
		return err
	}
	// A registered peer may still be mid-handshake or already closing.
	if peer.State() != engine.PeerStateConnected {
		return newPeerError(op, CodeNotConnected, id, nil)
	}
	return t.send(op, id, peer, channel, method, payload)
}

// ServerDisconnect starts a graceful disconnect and forgets the peer at
// once; the engine's later disconnect event for it is absorbed.
func (t *Transport) ServerDisconnect(id ConnectionID) error {
	peer, err := t.serverPeer("server disconnect", id)
	if err != nil {
		return err
	}
	peer.Disconnect(0)
	t.server.registry.Remove(id)
	t.logger.WithField("peer", id).Info("peer disconnect requested")
	return nil
}

// ServerPeerCount is the number of peers currently in the registry.
func (t *Transport) ServerPeerCount() int {
	return t.server.registry.Count()
}

// ServerPeers lists the registered connection ids in ascending order.
func (t *Transport) ServerPeers() []ConnectionID {
	return t.server.registry.IDs()
}

// ServerRtt returns the round-trip estimate for id. Unknown ids are an
// error rather than zero, which would read as a very fast link.
func (t *Transport) ServerRtt(id ConnectionID) (time.Duration, error) {
	peer, err := t.serverPeer("server rtt", id)
	if err != nil {
		return 0, err
	}
	return peer.RoundTripTime(), nil
}

func (t *Transport) ServerMaxConnections() int {
	return t.server.maxConnections
}

func (t *Transport) IsServerStarted() bool {
	return t.server.state == StateStarted
}

func (t *Transport) ServerState() EndpointState {
	return t.server.state
}

// ServerAddr is the bound address, or nil when the server is stopped.
func (t *Transport) ServerAddr() net.Addr {
	if t.server.state != StateStarted {
		return nil
	}
	return t.server.host.LocalAddr()
}

func (t *Transport) serverPeer(op string, id ConnectionID) (engine.Peer, error) {
	if t.server.state != StateStarted {
		return nil, newError(op, CodeNotStarted, nil)
	}
	peer, ok := t.server.registry.TryGet(id)
	if !ok {
		return nil, newPeerError(op, CodeUnknownPeer, id, nil)
	}
	return peer, nil
}
