// Package transport adapts a reliable-datagram engine to a small client /
// server transport contract: start and stop each role, poll for connect,
// disconnect and data events, send with a delivery method, and inspect peers.
//
// A Transport is driven from a single goroutine, typically a game loop that
// calls ClientPoll and ServerPoll once per tick until they return EventNone.
// Callers that share a Transport between goroutines must serialize access.
package transport

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

type (
	// Transport owns one client endpoint and one server endpoint, each backed
	// by its own engine host and peer registry.
	Transport struct {
		id           uuid.UUID
		engine       engine.Engine
		channelCount int
		mapping      DeliveryMapping
		logger       *logrus.Entry

		client clientEndpoint
		server serverEndpoint
	}

	// EndpointState is the lifecycle state of one role.
	EndpointState int

	Option func(*Transport)
)

const (
	StateStopped EndpointState = iota
	StateStarting
	StateStarted
)

const maxChannelCount = 255

func (s EndpointState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	default:
		return "stopped"
	}
}

// WithChannelCount sets how many engine channels each connection opens.
func WithChannelCount(n int) Option {
	return func(t *Transport) { t.channelCount = n }
}

// WithDeliveryMapping replaces the default FixedChannels mapping.
func WithDeliveryMapping(m DeliveryMapping) Option {
	return func(t *Transport) { t.mapping = m }
}

func WithLogger(logger *logrus.Entry) Option {
	return func(t *Transport) { t.logger = logger }
}

// New builds a stopped Transport on top of eng.
func New(eng engine.Engine, opts ...Option) (*Transport, error) {
	if eng == nil {
		return nil, newError("new", CodeInvalidConfig, fmt.Errorf("nil engine"))
	}
	t := &Transport{
		id:           uuid.New(),
		engine:       eng,
		channelCount: DefaultChannelCount,
		mapping:      FixedChannels{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if t.mapping == nil {
		return nil, newError("new", CodeInvalidConfig, fmt.Errorf("nil delivery mapping"))
	}
	if t.channelCount < 1 || t.channelCount > maxChannelCount {
		return nil, newError("new", CodeInvalidConfig,
			fmt.Errorf("channel count %d outside [1, %d]", t.channelCount, maxChannelCount))
	}
	if t.mapping.MinChannels() > t.channelCount {
		return nil, newError("new", CodeInvalidConfig,
			fmt.Errorf("mapping %q needs %d channels, have %d", t.mapping.Name(), t.mapping.MinChannels(), t.channelCount))
	}
	if s, ok := t.mapping.(SplitChannels); ok && s.ChannelCount != t.channelCount {
		return nil, newError("new", CodeInvalidConfig,
			fmt.Errorf("split mapping built for %d channels, have %d", s.ChannelCount, t.channelCount))
	}

	t.logger = t.logger.WithFields(logrus.Fields{"component": "transport", "transport": t.id.String()})
	t.client.registry = NewRegistry(RoleClient, t.logger)
	t.server.registry = NewRegistry(RoleServer, t.logger)
	t.logger.WithFields(logrus.Fields{
		"channels": t.channelCount,
		"mapping":  t.mapping.Name(),
	}).Debug("transport created")
	return t, nil
}

// ID is a random identifier used to tell transports apart in logs.
func (t *Transport) ID() uuid.UUID {
	return t.id
}

func (t *Transport) ChannelCount() int {
	return t.channelCount
}

func (t *Transport) Mapping() DeliveryMapping {
	return t.mapping
}

// HasImplementedPing reports that ClientRtt and ServerRtt return measured
// values rather than placeholders.
func (t *Transport) HasImplementedPing() bool {
	return true
}

// Destroy stops both roles.
func (t *Transport) Destroy() {
	t.StopClient()
	t.StopServer()
}

// send pushes payload to peer with the flags and channel chosen by the mapping.
func (t *Transport) send(op string, id ConnectionID, peer engine.Peer, channel uint8, method DeliveryMethod, payload []byte) error {
	flags, lane := t.mapping.Map(method, channel)
	if err := peer.Send(lane, flags, payload); err != nil {
		t.logger.WithFields(logrus.Fields{
			"op":      op,
			"peer":    id,
			"channel": lane,
			"method":  method.String(),
			"err":     err,
		}).Debug("send rejected by engine")
		return newPeerError(op, CodeSendRejectedByEngine, id, err)
	}
	return nil
}

func (t *Transport) logEvent(role Role, ev Event) {
	if ev.Kind == EventNone {
		return
	}
	entry := t.logger.WithFields(logrus.Fields{"role": role.String(), "peer": ev.ConnectionID})
	switch ev.Kind {
	case EventConnect:
		entry.Info("peer connected")
	case EventDisconnect:
		entry.WithField("reason", ev.Reason.String()).Info("peer disconnected")
	case EventData:
		entry.WithFields(logrus.Fields{"channel": ev.Channel, "bytes": len(ev.Payload)}).Debug("data received")
	}
}
