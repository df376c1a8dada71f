package transport

import (
	"errors"
	"fmt"

	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

// translate services host once without waiting and turns the native event,
// if any, into a transport Event, applying the matching registry transition.
// Nothing is buffered here: unpolled events stay queued inside the engine.
func translate(host engine.Host, reg *Registry) (Event, error) {
	native, err := host.Service(0)
	if err != nil {
		return Event{}, fmt.Errorf("service host: %w", err)
	}
	if native.Type == engine.EventNone || native.Peer == nil {
		if native.Packet != nil {
			native.Packet.Dispose()
		}
		return Event{Kind: EventNone}, nil
	}

	id := ConnectionID(native.Peer.ID())
	var ev Event
	switch native.Type {
	case engine.EventConnect:
		ev = Event{Kind: EventConnect, ConnectionID: id}

	case engine.EventDisconnect:
		ev = Event{Kind: EventDisconnect, ConnectionID: id, Reason: ReasonOther}

	case engine.EventTimeout:
		ev = Event{Kind: EventDisconnect, ConnectionID: id, Reason: ReasonTimeout}

	case engine.EventReceive:
		ev = Event{Kind: EventData, ConnectionID: id, Channel: native.ChannelID, Payload: copyPacket(native.Packet)}

	default:
		return Event{Kind: EventNone}, nil
	}

	if err := reg.Apply(ev.Kind, id, native.Peer); err != nil {
		if errors.Is(err, ErrRegistryOccupied) {
			// The engine connected a peer we never asked for; drop it.
			native.Peer.Disconnect(0)
		}
		return Event{Kind: EventNone}, err
	}
	return ev, nil
}

// copyPacket moves the payload out of the engine's buffer and releases the
// packet. The returned slice is never nil, so empty payloads stay distinct
// from "no payload".
func copyPacket(p engine.Packet) []byte {
	if p == nil {
		return []byte{}
	}
	data := make([]byte, p.Len())
	copy(data, p.Data())
	p.Dispose()
	return data
}
