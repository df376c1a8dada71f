// Package protocol defines the ping/pong messages exchanged by the pingpong
// demo and the codecs that put them on the wire.
package protocol

import (
	"fmt"
	"time"
)

type (
	Kind uint8

	// Message is a ping or the pong answering it. A pong echoes the Seq and
	// SentAt of its ping so the sender can measure the round trip.
	Message struct {
		Kind   Kind
		Seq    uint32
		SentAt time.Time
	}
)

const (
	KindPing Kind = iota + 1
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func NewPing(seq uint32, now time.Time) Message {
	return Message{Kind: KindPing, Seq: seq, SentAt: now}
}

// Reply builds the pong for ping.
func Reply(ping Message) (Message, error) {
	if ping.Kind != KindPing {
		return Message{}, fmt.Errorf("reply to %s: not a ping", ping.Kind)
	}
	return Message{Kind: KindPong, Seq: ping.Seq, SentAt: ping.SentAt}, nil
}

// RoundTrip is the time elapsed since the ping answered by pong was sent.
func RoundTrip(pong Message, now time.Time) time.Duration {
	return now.Sub(pong.SentAt)
}
