package crdt

import (
	"encoding/json"
	"testing"

	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func peerDelta(t *testing.T, id, hostname string, counter uint64) Delta {
	t.Helper()
	data, err := json.Marshal(&types.Peer{ID: id, Hostname: hostname})
	if err != nil {
		t.Fatalf("marshal peer: %v", err)
	}
	return Delta{
		Op:       OpCreatePeer,
		EntityID: id,
		Clock:    types.Clock{Counter: counter, ActorID: "node-a"},
		Data:     data,
	}
}

func TestEngineApplyIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	eng := NewEngine(store)

	d := peerDelta(t, "peer-1", "alice", 1)

	applied, err := eng.Apply("peers", d)
	if err != nil || !applied {
		t.Fatalf("first apply: applied=%v err=%v", applied, err)
	}

	applied, err = eng.Apply("peers", d)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if applied {
		t.Fatalf("expected second identical apply to be a no-op")
	}
}

func TestEngineRejectsStaleClock(t *testing.T) {
	store := newTestStore(t)
	eng := NewEngine(store)

	newer := peerDelta(t, "peer-1", "alice-new", 5)
	if applied, err := eng.Apply("peers", newer); err != nil || !applied {
		t.Fatalf("newer apply: applied=%v err=%v", applied, err)
	}

	stale := peerDelta(t, "peer-1", "alice-old", 2)
	applied, err := eng.Apply("peers", stale)
	if err != nil {
		t.Fatalf("stale apply: %v", err)
	}
	if applied {
		t.Fatalf("expected stale write to be rejected")
	}

	got, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if got.Hostname != "alice-new" {
		t.Fatalf("expected hostname alice-new, got %s", got.Hostname)
	}
}

func TestMergeField(t *testing.T) {
	older := types.Clock{Counter: 1, ActorID: "a"}
	newer := types.Clock{Counter: 2, ActorID: "a"}
	if !MergeField(older, newer) {
		t.Fatal("expected newer clock to win")
	}
	if MergeField(newer, older) {
		t.Fatal("expected older clock to lose")
	}
}
