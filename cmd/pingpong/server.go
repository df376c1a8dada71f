package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/antonionduarte/go-datagram-transport/cmd/pingpong/protocol"
	"github.com/antonionduarte/go-datagram-transport/pkg/transport"
)

var (
	serverPort           int
	serverMaxConnections int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Answer every ping with a pong",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", 0, "UDP port to listen on (default from config)")
	serverCmd.Flags().IntVar(&serverMaxConnections, "max-connections", 0, "peer limit (default from config)")
}

func runServer(cmd *cobra.Command, _ []string) error {
	if !cmd.Flags().Changed("port") {
		serverPort = cfg.Endpoint.Port
	}
	if !cmd.Flags().Changed("max-connections") {
		serverMaxConnections = cfg.Endpoint.MaxConnections
	}

	s, err := newSession("server")
	if err != nil {
		return err
	}
	defer s.tr.Destroy()
	if err := s.tr.StartServer(serverPort, serverMaxConnections); err != nil {
		return err
	}
	s.log.WithField("addr", s.tr.ServerAddr().String()).Info("listening")

	ctx, stop := signalContext(cmd)
	defer stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutting down")
			return nil
		case <-ticker.C:
		}
		if err := s.serveEvents(); err != nil {
			return err
		}
	}
}

// serveEvents drains the server's pending events.
func (s *session) serveEvents() error {
	for {
		ev, err := s.tr.ServerPoll()
		if err != nil {
			return err
		}
		switch ev.Kind {
		case transport.EventNone:
			return nil
		case transport.EventConnect:
			s.log.WithFields(logrus.Fields{"peer": ev.ConnectionID, "peers": s.tr.ServerPeerCount()}).Info("client joined")
		case transport.EventDisconnect:
			s.log.WithFields(logrus.Fields{"peer": ev.ConnectionID, "reason": ev.Reason}).Info("client left")
		case transport.EventData:
			s.answer(ev)
		}
	}
}

func (s *session) answer(ev transport.Event) {
	entry := s.log.WithField("peer", ev.ConnectionID)
	msg, err := s.codec.Decode(ev.Payload)
	if err != nil {
		entry.WithError(err).Warn("dropping undecodable payload")
		return
	}
	pong, err := protocol.Reply(msg)
	if err != nil {
		entry.WithError(err).Debug("ignoring message")
		return
	}
	data, err := s.codec.Encode(pong)
	if err != nil {
		entry.WithError(err).Error("encode pong")
		return
	}
	if err := s.tr.ServerSend(ev.ConnectionID, s.method, data); err != nil {
		entry.WithError(err).Warn("pong not sent")
		return
	}
	rtt, _ := s.tr.ServerRtt(ev.ConnectionID)
	entry.WithFields(logrus.Fields{"seq": msg.Seq, "rtt": rtt}).Debug("ping answered")
}
