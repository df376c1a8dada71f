package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/antonionduarte/go-datagram-transport/cmd/pingpong/protocol"
	"github.com/antonionduarte/go-datagram-transport/pkg/transport"
	tconfig "github.com/antonionduarte/go-datagram-transport/pkg/transport/config"
	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine/quic"
)

// pollInterval is the tick of the poll loops.
const pollInterval = 5 * time.Millisecond

var (
	cfgFile    string
	logLevel   string
	codecName  string
	methodName string

	cfg    *tconfig.Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "pingpong",
	Short:         "Exchange ping/pong messages over the datagram transport",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = tconfig.LoadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
		} else {
			cfg = tconfig.Default()
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		tconfig.SetGlobalConfig(cfg)
		logger = transport.NewLoggerFromConfig(cfg.Logging)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&codecName, "codec", "cbor", "message codec: cbor or proto")
	rootCmd.PersistentFlags().StringVar(&methodName, "method", transport.ReliableOrdered.String(), "delivery method for messages")
	rootCmd.AddCommand(serverCmd, clientCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// session bundles what both subcommands build from the loaded config.
type session struct {
	tr     *transport.Transport
	codec  protocol.Codec
	method transport.DeliveryMethod
	log    *logrus.Entry
}

func newSession(role string) (*session, error) {
	codec, err := protocol.CodecByName(codecName)
	if err != nil {
		return nil, err
	}
	method, err := transport.ParseDeliveryMethod(methodName)
	if err != nil {
		return nil, err
	}

	eng := quic.New(cfg.Engine, logrus.NewEntry(logger))
	factory, err := transport.NewFactoryFromConfig(cfg, eng, logger)
	if err != nil {
		return nil, err
	}
	tr, err := factory.Build()
	if err != nil {
		return nil, err
	}
	return &session{
		tr:     tr,
		codec:  codec,
		method: method,
		log:    logger.WithFields(logrus.Fields{"component": "pingpong", "role": role}),
	}, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
