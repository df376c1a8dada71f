package protocol

import (
	"fmt"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec turns messages into payloads and back. Both ends must agree on it.
type Codec interface {
	Name() string
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// CodecByName resolves the --codec flag.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "cbor":
		c, err := NewCBORCodec()
		if err != nil {
			return nil, err
		}
		return c, nil
	case "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Timestamps travel as Unix microseconds, which fit a float64 exactly.
func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}

/* ----------- CBOR ----------- */

type cborMessage struct {
	Kind   uint8  `cbor:"1,keyasint"`
	Seq    uint32 `cbor:"2,keyasint"`
	SentAt int64  `cbor:"3,keyasint"`
}

type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec returns a codec using canonical CBOR encoding.
func NewCBORCodec() (*CBORCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{enc: em, dec: dm}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }

func (c *CBORCodec) Encode(m Message) ([]byte, error) {
	return c.enc.Marshal(cborMessage{Kind: uint8(m.Kind), Seq: m.Seq, SentAt: toMicros(m.SentAt)})
}

func (c *CBORCodec) Decode(data []byte) (Message, error) {
	var w cborMessage
	if err := c.dec.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("cbor decode: %w", err)
	}
	return validate(Message{Kind: Kind(w.Kind), Seq: w.Seq, SentAt: fromMicros(w.SentAt)})
}

/* ----------- Protobuf ----------- */

// ProtoCodec encodes messages as a google.protobuf.Struct, so the payload can
// be inspected with any protobuf tooling without a schema of our own.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Encode(m Message) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"kind":   m.Kind.String(),
		"seq":    float64(m.Seq),
		"sentAt": float64(toMicros(m.SentAt)),
	})
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

func (ProtoCodec) Decode(data []byte) (Message, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Message{}, fmt.Errorf("proto decode: %w", err)
	}
	f := s.GetFields()
	var kind Kind
	switch f["kind"].GetStringValue() {
	case "ping":
		kind = KindPing
	case "pong":
		kind = KindPong
	}
	return validate(Message{
		Kind:   kind,
		Seq:    uint32(f["seq"].GetNumberValue()),
		SentAt: fromMicros(int64(f["sentAt"].GetNumberValue())),
	})
}

func validate(m Message) (Message, error) {
	if m.Kind != KindPing && m.Kind != KindPong {
		return Message{}, fmt.Errorf("decode: unknown message %s", m.Kind)
	}
	return m, nil
}
