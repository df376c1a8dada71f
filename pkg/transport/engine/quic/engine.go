// Package quic is the production engine.Engine. Each host runs one QUIC
// transport on a UDP socket: reliable channels map to unidirectional
// streams, sequenced and unreliable channels map to QUIC datagrams, and
// round-trip time is measured with ping datagrams.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	tconfig "github.com/antonionduarte/go-datagram-transport/pkg/transport/config"
	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

// DefaultRoundTripTime is reported until the first pong arrives.
const DefaultRoundTripTime = 500 * time.Millisecond

const (
	// codeHostFull closes connections a full server cannot take.
	codeHostFull quicgo.ApplicationErrorCode = 1
	// codeHostDisposed closes connections of a host being torn down.
	codeHostDisposed quicgo.ApplicationErrorCode = 2
	// codeWriteFailed closes a connection whose outgoing stream broke.
	codeWriteFailed quicgo.ApplicationErrorCode = 3

	maxUniStreams = 256
)

type Engine struct {
	cfg    tconfig.EngineConfig
	logger *logrus.Entry
}

func New(cfg tconfig.EngineConfig, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cfg:    cfg.WithDefaults(),
		logger: logger.WithField("component", "engine"),
	}
}

func (e *Engine) quicConfig() *quicgo.Config {
	return &quicgo.Config{
		HandshakeIdleTimeout:  e.cfg.HandshakeTimeout,
		MaxIdleTimeout:        e.cfg.IdleTimeout,
		KeepAlivePeriod:       e.cfg.KeepAlivePeriod,
		EnableDatagrams:       true,
		MaxIncomingUniStreams: maxUniStreams,
		MaxIncomingStreams:    -1,
	}
}

// CreateHost opens a UDP socket and starts accepting connections when
// opts.Bind is set.
func (e *Engine) CreateHost(opts engine.HostOptions) (engine.Host, error) {
	port := 0
	if opts.Bind {
		port = opts.Port
	}
	conn, err := listenUDP(context.Background(), opts.BindAddress, port, e.cfg.SocketBuffer)
	if err != nil {
		return nil, fmt.Errorf("quic engine: bind: %w", err)
	}
	if e.cfg.TrafficClass != 0 {
		if err := setTrafficClass(conn, e.cfg.TrafficClass); err != nil {
			e.logger.WithError(err).Warn("quic engine: traffic class not applied")
		}
	}

	channels := opts.ChannelCount
	if channels <= 0 {
		channels = 1
	}
	role := "client"
	if opts.Bind {
		role = "server"
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &host{
		cfg:          e.cfg,
		conn:         conn,
		tr:           &quicgo.Transport{Conn: conn},
		qconf:        e.quicConfig(),
		tlsClient:    clientTLSConfig(),
		maxPeers:     opts.MaxPeers,
		channelCount: channels,
		events:       make(chan engine.Event, e.cfg.EventBuffer),
		peers:        make(map[uint32]*peer),
		epoch:        time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		logger:       e.logger.WithFields(logrus.Fields{"role": role, "addr": conn.LocalAddr().String()}),
	}

	if opts.Bind {
		var tlsConf *tls.Config
		tlsConf, err = serverTLSConfig()
		if err == nil {
			tlsConf.GetConfigForClient = h.admit
			h.ln, err = h.tr.Listen(tlsConf, h.qconf)
		}
		if err != nil {
			cancel()
			_ = h.tr.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("quic engine: listen: %w", err)
		}
		h.wg.Add(1)
		go h.acceptLoop()
	}
	h.logger.Debug("quic engine: host created")
	return h, nil
}

func resolve(address string, port int) (*net.UDPAddr, error) {
	if address == "" {
		address = "127.0.0.1"
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(address, fmt.Sprint(port)))
}
