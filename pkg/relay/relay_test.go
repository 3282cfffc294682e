package relay

import (
	"testing"
	"time"

	"github.com/cuemby/formation/pkg/types"
)

func TestHeaderCheckFreshness(t *testing.T) {
	now := time.Now()

	tooOld := Header{Type: MsgForwardPacket, Timestamp: now.Add(-31 * time.Second)}
	if err := tooOld.CheckFreshness(now); err == nil {
		t.Fatal("expected stale forward packet to be rejected")
	}

	fresh := Header{Type: MsgForwardPacket, Timestamp: now.Add(-10 * time.Second)}
	if err := fresh.CheckFreshness(now); err != nil {
		t.Fatalf("expected fresh forward packet to pass, got %v", err)
	}

	tooFuture := Header{Type: MsgForwardPacket, Timestamp: now.Add(6 * time.Second)}
	if err := tooFuture.CheckFreshness(now); err == nil {
		t.Fatal("expected far-future forward packet to be rejected")
	}

	// Heartbeat has no configured freshness window and is always valid.
	ancient := Header{Type: MsgHeartbeat, Timestamp: now.Add(-24 * time.Hour)}
	if err := ancient.CheckFreshness(now); err != nil {
		t.Fatalf("expected heartbeat to always pass freshness, got %v", err)
	}
}

func TestRelayAnnouncementHasLongWindow(t *testing.T) {
	now := time.Now()
	h := Header{Type: MsgRelayAnnouncement, Timestamp: now.Add(-12 * time.Hour)}
	if err := h.CheckFreshness(now); err != nil {
		t.Fatalf("expected 12h-old announcement within 24h window, got %v", err)
	}
	h.Timestamp = now.Add(-25 * time.Hour)
	if err := h.CheckFreshness(now); err == nil {
		t.Fatal("expected 25h-old announcement to be stale")
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := NewSessionTable()
	var src, dst [32]byte
	src[0] = 1
	dst[0] = 2

	sess := st.Create(1, src, dst)
	if sess.State != types.RelayStateRequested {
		t.Fatalf("expected Requested state, got %s", sess.State)
	}

	if !st.Establish(1) {
		t.Fatal("expected Establish to succeed")
	}
	got, _ := st.Get(1)
	if got.State != types.RelayStateEstablished {
		t.Fatalf("expected Established state, got %s", got.State)
	}

	if !st.Heartbeat(1, 1) {
		t.Fatal("expected heartbeat to succeed")
	}

	// Simulate missed heartbeats by backdating LastSeen.
	got.LastSeen = time.Now().Add(-4 * heartbeatInterval)
	for i := 0; i < maxMissedHeartbeats; i++ {
		st.CheckMissedHeartbeats(time.Now())
	}
	got, _ = st.Get(1)
	if got.State != types.RelayStateClosed {
		t.Fatalf("expected session closed after missed heartbeats, got %s", got.State)
	}

	if st.Usable(1, time.Now()) {
		t.Fatal("expected closed session id to be unusable during cooldown")
	}
	if !st.Usable(1, time.Now().Add(61*time.Second)) {
		t.Fatal("expected closed session id usable after cooldown elapses")
	}
}

func TestUpdateReliabilityEMA(t *testing.T) {
	r := &types.RelayNodeRecord{Reliability: 100}
	r.UpdateReliability(false)
	if r.Reliability != 80 {
		t.Fatalf("expected reliability 80 after one failure from 100, got %d", r.Reliability)
	}
	r.UpdateReliability(false)
	if r.Reliability != 64 {
		t.Fatalf("expected reliability 64 after second failure, got %d", r.Reliability)
	}
}

func TestSelectRelayPrefersRegionThenReliability(t *testing.T) {
	local := &types.RelayNodeRecord{PubKey: [32]byte{1}, Region: "us-east", Capabilities: types.RelayCapIPv4, Reliability: 50, Load: 10}
	remote := &types.RelayNodeRecord{PubKey: [32]byte{2}, Region: "eu-west", Capabilities: types.RelayCapIPv4, Reliability: 99, Load: 1}

	best := SelectRelay([]*types.RelayNodeRecord{remote, local}, types.RelayCapIPv4, "us-east", nil)
	if best != local {
		t.Fatalf("expected region match to outrank higher reliability")
	}

	// Without a region match, reliability decides.
	best = SelectRelay([]*types.RelayNodeRecord{remote, local}, types.RelayCapIPv4, "ap-south", nil)
	if best != remote {
		t.Fatalf("expected higher reliability to win when no region matches")
	}
}

func TestSelectRelayRequiresCapabilitySuperset(t *testing.T) {
	weak := &types.RelayNodeRecord{PubKey: [32]byte{1}, Capabilities: types.RelayCapIPv4}
	strong := &types.RelayNodeRecord{PubKey: [32]byte{2}, Capabilities: types.RelayCapIPv4 | types.RelayCapTCPFallback}

	best := SelectRelay([]*types.RelayNodeRecord{weak, strong}, types.RelayCapIPv4|types.RelayCapTCPFallback, "", nil)
	if best != strong {
		t.Fatalf("expected only capability superset candidate to be selected")
	}

	best = SelectRelay([]*types.RelayNodeRecord{weak}, types.RelayCapIPv4|types.RelayCapTCPFallback, "", nil)
	if best != nil {
		t.Fatalf("expected nil when no candidate satisfies required capabilities")
	}
}
