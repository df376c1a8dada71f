package transport

import (
	"fmt"

	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

// DeliveryMethod is the guarantee requested for one send.
type DeliveryMethod int

const (
	ReliableOrdered DeliveryMethod = iota
	ReliableUnordered
	ReliableSequenced
	Sequenced
	Unreliable
)

var deliveryMethodName = map[DeliveryMethod]string{
	ReliableOrdered:   "reliable-ordered",
	ReliableUnordered: "reliable-unordered",
	ReliableSequenced: "reliable-sequenced",
	Sequenced:         "sequenced",
	Unreliable:        "unreliable",
}

func (m DeliveryMethod) String() string {
	if name, ok := deliveryMethodName[m]; ok {
		return name
	}
	return fmt.Sprintf("delivery(%d)", int(m))
}

// DeliveryMethods lists every known method, in declaration order.
func DeliveryMethods() []DeliveryMethod {
	return []DeliveryMethod{ReliableOrdered, ReliableUnordered, ReliableSequenced, Sequenced, Unreliable}
}

// ParseDeliveryMethod is the inverse of DeliveryMethod.String.
func ParseDeliveryMethod(name string) (DeliveryMethod, error) {
	for m, n := range deliveryMethodName {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown delivery method %q", name)
}

// DeliveryMapping turns a method, plus the channel a caller asked for, into
// engine flags and the channel actually used. Channel indices are part of the
// wire multiplexing, so both ends of a connection must use the same mapping
// and channel count.
type DeliveryMapping interface {
	Map(method DeliveryMethod, channel uint8) (engine.PacketFlags, uint8)
	MinChannels() int
	Name() string
}

// PacketFlags is the flag half of every mapping. Unknown methods get the
// most permissive flags.
func PacketFlags(method DeliveryMethod) engine.PacketFlags {
	switch method {
	case ReliableOrdered, ReliableUnordered, ReliableSequenced:
		return engine.PacketFlagReliable
	case Sequenced:
		return engine.PacketFlagNone
	default:
		return engine.PacketFlagUnsequenced
	}
}

// FixedChannels ignores the caller's channel: every method has its own lane
// and reliable-ordered traffic never shares one with anything else.
type FixedChannels struct{}

const (
	fixedOrderedChannel    uint8 = 0
	fixedReliableChannel   uint8 = 1
	fixedSequencedChannel  uint8 = 2
	fixedUnreliableChannel uint8 = 3
)

func (FixedChannels) Map(method DeliveryMethod, _ uint8) (engine.PacketFlags, uint8) {
	flags := PacketFlags(method)
	switch method {
	case ReliableOrdered:
		return flags, fixedOrderedChannel
	case ReliableUnordered, ReliableSequenced:
		return flags, fixedReliableChannel
	case Sequenced:
		return flags, fixedSequencedChannel
	default:
		return flags, fixedUnreliableChannel
	}
}

func (FixedChannels) MinChannels() int { return int(fixedUnreliableChannel) + 1 }
func (FixedChannels) Name() string     { return "fixed" }

// SplitChannels keeps the caller's channel but moves sequenced and
// unreliable traffic into the upper half of the channel space.
type SplitChannels struct {
	ChannelCount int
}

func (s SplitChannels) Map(method DeliveryMethod, channel uint8) (engine.PacketFlags, uint8) {
	half := s.ChannelCount / 2
	if half < 1 {
		half = 1
	}
	flags := PacketFlags(method)
	lane := int(channel) % half
	if !flags.Has(engine.PacketFlagReliable) {
		lane += half
	}
	return flags, uint8(lane)
}

// MinChannels is the channel count the mapping was built for, since Map
// spreads lanes over all of it.
func (s SplitChannels) MinChannels() int { return max(2, s.ChannelCount) }
func (SplitChannels) Name() string       { return "split" }

// MappingByName resolves the names accepted in configuration files.
func MappingByName(name string, channelCount int) (DeliveryMapping, error) {
	switch name {
	case "", "fixed":
		return FixedChannels{}, nil
	case "split":
		return SplitChannels{ChannelCount: channelCount}, nil
	default:
		return nil, fmt.Errorf("unknown delivery mapping %q", name)
	}
}

// MapDelivery applies the default mapping.
func MapDelivery(method DeliveryMethod) (engine.PacketFlags, uint8) {
	return FixedChannels{}.Map(method, 0)
}
