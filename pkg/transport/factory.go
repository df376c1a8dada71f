package transport

import (
	"github.com/sirupsen/logrus"

	tconfig "github.com/antonionduarte/go-datagram-transport/pkg/transport/config"
	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

// DefaultChannelCount is enough for every lane of FixedChannels.
const DefaultChannelCount = tconfig.DefaultChannelCount

// Factory builds identically configured transports, so that every process
// in a deployment agrees on channel count and mapping.
type Factory struct {
	Engine       engine.Engine
	ChannelCount int
	Mapping      DeliveryMapping
	Logger       *logrus.Entry
}

func (f Factory) Build() (*Transport, error) {
	opts := []Option{WithLogger(f.Logger)}
	if f.ChannelCount != 0 {
		opts = append(opts, WithChannelCount(f.ChannelCount))
	}
	if f.Mapping != nil {
		opts = append(opts, WithDeliveryMapping(f.Mapping))
	}
	return New(f.Engine, opts...)
}

// NewFactoryFromConfig reads channel count and mapping from cfg.Endpoint.
func NewFactoryFromConfig(cfg *tconfig.Config, eng engine.Engine, logger *logrus.Logger) (Factory, error) {
	mapping, err := MappingByName(cfg.Endpoint.DeliveryMapping, cfg.Endpoint.ChannelCount)
	if err != nil {
		return Factory{}, newError("factory", CodeInvalidConfig, err)
	}
	var entry *logrus.Entry
	if logger != nil {
		entry = logrus.NewEntry(logger)
	}
	return Factory{
		Engine:       eng,
		ChannelCount: cfg.Endpoint.ChannelCount,
		Mapping:      mapping,
		Logger:       entry,
	}, nil
}
