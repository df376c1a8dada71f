package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/antonionduarte/go-datagram-transport/cmd/pingpong/protocol"
	"github.com/antonionduarte/go-datagram-transport/pkg/transport"
)

var (
	clientAddress  string
	clientPort     int
	clientCount    int
	clientInterval time.Duration
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Send pings to a server and report round-trip times",
	RunE:  runClient,
}

func init() {
	clientCmd.Flags().StringVar(&clientAddress, "address", "", "server address (default from config)")
	clientCmd.Flags().IntVar(&clientPort, "port", 0, "server port (default from config)")
	clientCmd.Flags().IntVar(&clientCount, "count", 10, "pongs to wait for; 0 runs until interrupted")
	clientCmd.Flags().DurationVar(&clientInterval, "interval", time.Second, "time between pings")
}

var errServerGone = errors.New("server closed the connection")

func runClient(cmd *cobra.Command, _ []string) error {
	if !cmd.Flags().Changed("address") {
		clientAddress = cfg.Endpoint.Address
	}
	if !cmd.Flags().Changed("port") {
		clientPort = cfg.Endpoint.Port
	}

	s, err := newSession("client")
	if err != nil {
		return err
	}
	defer s.tr.Destroy()
	if err := s.tr.StartClient(clientAddress, clientPort); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	pings := time.NewTicker(clientInterval)
	defer pings.Stop()

	var seq uint32
	received := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pings.C:
			if !s.tr.IsClientStarted() {
				continue
			}
			seq++
			if err := s.ping(seq); err != nil {
				s.log.WithError(err).Warn("ping not sent")
			}
		case <-poll.C:
			n, err := s.clientEvents()
			if err != nil {
				return err
			}
			received += n
			if clientCount > 0 && received >= clientCount {
				s.log.WithField("pongs", received).Info("done")
				return nil
			}
		}
	}
}

func (s *session) ping(seq uint32) error {
	data, err := s.codec.Encode(protocol.NewPing(seq, time.Now()))
	if err != nil {
		return err
	}
	return s.tr.ClientSend(s.method, data)
}

// clientEvents drains the client's pending events and returns how many
// pongs arrived.
func (s *session) clientEvents() (int, error) {
	pongs := 0
	for {
		ev, err := s.tr.ClientPoll()
		if err != nil {
			return pongs, err
		}
		switch ev.Kind {
		case transport.EventNone:
			return pongs, nil
		case transport.EventConnect:
			s.log.Info("connected")
		case transport.EventDisconnect:
			return pongs, fmt.Errorf("%w (%s)", errServerGone, ev.Reason)
		case transport.EventData:
			msg, err := s.codec.Decode(ev.Payload)
			if err != nil || msg.Kind != protocol.KindPong {
				s.log.WithError(err).Warn("unexpected payload")
				continue
			}
			pongs++
			engineRTT, _ := s.tr.ClientRtt()
			s.log.WithFields(logrus.Fields{
				"seq":       msg.Seq,
				"rtt":       protocol.RoundTrip(msg, time.Now()),
				"engineRtt": engineRTT,
			}).Info("pong")
		}
	}
}
