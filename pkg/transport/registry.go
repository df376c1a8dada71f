package transport

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
)

type (
	// ConnectionID identifies a peer within one endpoint. Identifiers are
	// unique among live peers only; the engine may reuse them.
	ConnectionID uint32

	Role int

	// Registry maps connection identifiers to the engine's peer handles for
	// one endpoint. An identifier is present exactly between the Connect
	// event for it and its Disconnect/Timeout event or an explicit Remove.
	// It is not safe for concurrent use.
	Registry struct {
		role   Role
		peers  map[ConnectionID]engine.Peer
		logger *logrus.Entry
	}
)

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

func NewRegistry(role Role, logger *logrus.Entry) *Registry {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		role:   role,
		peers:  make(map[ConnectionID]engine.Peer),
		logger: logger.WithFields(logrus.Fields{"component": "registry", "role": role.String()}),
	}
}

func (r *Registry) Role() Role {
	return r.role
}

// Insert records a newly connected peer. A client registry refuses a second
// live peer; a server registry overwrites a stale entry with the same id.
func (r *Registry) Insert(id ConnectionID, peer engine.Peer) error {
	if r.role == RoleClient {
		for existing := range r.peers {
			if existing != id {
				r.logger.WithFields(logrus.Fields{"existing": existing, "peer": id}).
					Error("registry: refusing second client peer")
				return fmt.Errorf("insert peer %d: %w", id, ErrRegistryOccupied)
			}
		}
	}
	if _, stale := r.peers[id]; stale {
		r.logger.WithField("peer", id).Warn("registry: overwriting stale entry")
	}
	r.peers[id] = peer
	r.logger.WithFields(logrus.Fields{"peer": id, "count": len(r.peers)}).Debug("registry: peer inserted")
	return nil
}

// Remove deletes id and reports whether it was present. Removing an absent
// id is a no-op; the engine may report both a disconnect and a timeout for
// the same peer, or report one after an explicit disconnect.
func (r *Registry) Remove(id ConnectionID) bool {
	if _, ok := r.peers[id]; !ok {
		r.logger.WithField("peer", id).Debug("registry: remove of absent peer ignored")
		return false
	}
	delete(r.peers, id)
	r.logger.WithFields(logrus.Fields{"peer": id, "count": len(r.peers)}).Debug("registry: peer removed")
	return true
}

func (r *Registry) TryGet(id ConnectionID) (engine.Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

func (r *Registry) Count() int {
	return len(r.peers)
}

func (r *Registry) Clear() {
	clear(r.peers)
}

// IDs returns the registered identifiers in ascending order.
func (r *Registry) IDs() []ConnectionID {
	ids := make([]ConnectionID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Apply is the per-identifier transition function driven by translated
// events: absent -> present on connect, present -> absent on disconnect.
// Data and none events leave the registry untouched.
func (r *Registry) Apply(kind EventKind, id ConnectionID, peer engine.Peer) error {
	switch kind {
	case EventConnect:
		return r.Insert(id, peer)
	case EventDisconnect:
		r.Remove(id)
	}
	return nil
}
