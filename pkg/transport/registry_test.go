package transport

import (
	"errors"
	"slices"
	"testing"

	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine"
	"github.com/antonionduarte/go-datagram-transport/pkg/transport/engine/memory"
)

func TestRegistryInsertRemove(t *testing.T) {
	r := NewRegistry(RoleServer, nil)
	for _, id := range []uint32{3, 1, 2} {
		if err := r.Insert(ConnectionID(id), memory.NewPeer(id, engine.PeerStateConnected)); err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}
	if r.Count() != 3 {
		t.Fatalf("Count = %d, want 3", r.Count())
	}
	if got := r.IDs(); !slices.Equal(got, []ConnectionID{1, 2, 3}) {
		t.Fatalf("IDs = %v, want [1 2 3]", got)
	}
	if !r.Remove(2) {
		t.Fatalf("Remove(2) = false, want true")
	}
	if _, ok := r.TryGet(2); ok {
		t.Fatalf("peer 2 still present after Remove")
	}
	if r.Count() != 2 {
		t.Fatalf("Count = %d, want 2", r.Count())
	}
}

// TestRegistryRemoveIsIdempotent covers the disconnect-after-explicit-remove
// and disconnect-plus-timeout cases.
func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(RoleServer, nil)
	if err := r.Insert(7, memory.NewPeer(7, engine.PeerStateConnected)); err != nil {
		t.Fatal(err)
	}
	if !r.Remove(7) {
		t.Fatalf("first Remove = false")
	}
	if r.Remove(7) {
		t.Fatalf("second Remove = true")
	}
	if r.Remove(99) {
		t.Fatalf("Remove of never-seen id = true")
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0", r.Count())
	}
}

func TestRegistryServerOverwritesStaleEntry(t *testing.T) {
	r := NewRegistry(RoleServer, nil)
	old := memory.NewPeer(4, engine.PeerStateConnected)
	fresh := memory.NewPeer(4, engine.PeerStateConnected)
	_ = r.Insert(4, old)
	if err := r.Insert(4, fresh); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ := r.TryGet(4)
	if got != engine.Peer(fresh) {
		t.Fatalf("stale handle kept")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestRegistryClientHoldsOnePeer(t *testing.T) {
	r := NewRegistry(RoleClient, nil)
	if err := r.Insert(1, memory.NewPeer(1, engine.PeerStateConnected)); err != nil {
		t.Fatal(err)
	}
	err := r.Insert(2, memory.NewPeer(2, engine.PeerStateConnected))
	if !errors.Is(err, ErrRegistryOccupied) {
		t.Fatalf("second insert err = %v, want ErrRegistryOccupied", err)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
	// Same id again is a stale overwrite, not a second peer.
	if err := r.Insert(1, memory.NewPeer(1, engine.PeerStateConnected)); err != nil {
		t.Fatalf("re-insert same id: %v", err)
	}
}

func TestRegistryApply(t *testing.T) {
	r := NewRegistry(RoleServer, nil)
	p := memory.NewPeer(5, engine.PeerStateConnected)

	_ = r.Apply(EventConnect, 5, p)
	_ = r.Apply(EventData, 5, p)
	_ = r.Apply(EventNone, 5, p)
	if r.Count() != 1 {
		t.Fatalf("Count after connect/data/none = %d, want 1", r.Count())
	}
	_ = r.Apply(EventDisconnect, 5, p)
	_ = r.Apply(EventDisconnect, 5, p)
	if r.Count() != 0 {
		t.Fatalf("Count after disconnects = %d, want 0", r.Count())
	}
}
