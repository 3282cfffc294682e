// Package e2e seeds the end-to-end scenarios against the real packages
// they exercise, wiring components together the way cmd/formationd does.
// The only stand-in is fakeScanner, which replaces the GPU manager's host
// device scanner.
package e2e

import (
	"bytes"
	"encoding/gob"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formation/pkg/cluster"
	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/gpu"
	"github.com/cuemby/formation/pkg/membership"
	"github.com/cuemby/formation/pkg/relay"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// 1. Peer creation then reachability.
func TestPeerCreationThenReachability(t *testing.T) {
	store := newStore(t)
	resolver := membership.NewResolver(store)

	root := &types.CIDR{ID: "root", Name: "root", Network: "10.0.0.0/16"}
	require.NoError(t, resolver.ValidateCIDR(root))
	require.NoError(t, store.CreateCIDR(root))

	child := &types.CIDR{ID: "child", Name: "child", Network: "10.0.1.0/24", ParentID: "root"}
	require.NoError(t, resolver.ValidateCIDR(child))
	require.NoError(t, store.CreateCIDR(child))

	alice := &types.Peer{ID: "alice", Hostname: "alice", CIDRID: "child", IP: net.IPv4(10, 0, 1, 5), IsRedeemed: true}
	require.NoError(t, resolver.ValidatePeer(alice))
	require.NoError(t, store.CreatePeer(alice))

	bobOutsideParent := &types.Peer{ID: "bob", Hostname: "bob", CIDRID: "child", IP: net.IPv4(10, 0, 2, 5)}
	err := resolver.ValidatePeer(bobOutsideParent)
	require.Error(t, err)
	var ferr *ferrors.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ferrors.KindInvalidQuery, ferr.Kind)
	assert.Contains(t, err.Error(), "not within cidr")

	bob := &types.Peer{ID: "bob", Hostname: "bob", CIDRID: "child", IP: net.IPv4(10, 0, 1, 6), IsRedeemed: true}
	require.NoError(t, resolver.ValidatePeer(bob))
	require.NoError(t, store.CreatePeer(bob))

	reachable, err := resolver.ReachablePeers("alice")
	require.NoError(t, err)
	var ids []string
	for _, p := range reachable {
		ids = append(ids, p.ID)
	}
	assert.Contains(t, ids, "bob")
}

// 2. Relay message freshness.
func TestRelayMessageFreshness(t *testing.T) {
	now := time.Now()

	stale := relay.ConnectionRequest{Header: relay.Header{Type: relay.MsgConnectionRequest, Timestamp: now.Add(-120 * time.Second)}}
	assert.Error(t, stale.Header.CheckFreshness(now))

	tooFuture := relay.ConnectionRequest{Header: relay.Header{Type: relay.MsgConnectionRequest, Timestamp: now.Add(30 * time.Second)}}
	assert.Error(t, tooFuture.Header.CheckFreshness(now))

	fresh := relay.ConnectionRequest{Header: relay.Header{Type: relay.MsgConnectionRequest, Timestamp: now}}
	assert.NoError(t, fresh.Header.CheckFreshness(now))
}

// 3. Relay packet round-trip.
func TestRelayPacketRoundTrip(t *testing.T) {
	destKey := [32]byte{}
	for i := range destKey {
		destKey[i] = 1
	}

	pkt := relay.ForwardPacket{
		Header:     relay.Header{Type: relay.MsgForwardPacket, Timestamp: time.Now()},
		SessionID:  12345,
		DestPubKey: destKey,
		Payload:    []byte{0, 1, 2, 3, 4, 5},
	}

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(pkt))

	var decoded relay.ForwardPacket
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))

	assert.Equal(t, pkt.SessionID, decoded.SessionID)
	assert.Equal(t, pkt.DestPubKey, decoded.DestPubKey)
	assert.Equal(t, pkt.Payload, decoded.Payload)
	assert.True(t, decoded.Header.Timestamp.Equal(pkt.Header.Timestamp))
}

// 4. GPU allocate/release.
type fakeScanner struct {
	devices []gpu.Device
	bound   map[string]bool
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{
		devices: []gpu.Device{
			{PCIAddress: "0000:01:00.0", VendorID: "10de", DeviceID: "2684", IOMMUGroup: "10", Model: gpu.ModelRTX5090},
			{PCIAddress: "0000:02:00.0", VendorID: "10de", DeviceID: "2684", IOMMUGroup: "11", Model: gpu.ModelRTX5090},
		},
		bound: make(map[string]bool),
	}
}

func (f *fakeScanner) Scan() ([]gpu.Device, error) {
	out := make([]gpu.Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeScanner) Bind(pciAddress, vendorID, deviceID string) (string, error) {
	f.bound[pciAddress] = true
	return "/dev/vfio/" + pciAddress, nil
}

func (f *fakeScanner) Unbind(pciAddress string) error {
	delete(f.bound, pciAddress)
	return nil
}

func TestGPUAllocateAndRelease(t *testing.T) {
	mgr := gpu.NewManager(newFakeScanner())

	allocs, err := mgr.Allocate("a", []gpu.Request{{Model: gpu.ModelRTX5090, Count: 2}})
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	_, err = mgr.Bind(allocs)
	require.NoError(t, err)

	_, err = mgr.Allocate("b", []gpu.Request{{Model: gpu.ModelRTX5090, Count: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough")

	require.NoError(t, mgr.Release("a"))

	allocs2, err := mgr.Allocate("b", []gpu.Request{{Model: gpu.ModelRTX5090, Count: 2}})
	require.NoError(t, err)
	assert.Len(t, allocs2, 2)
}

// 5. Rollback verification success.
func TestRollbackVerificationSuccess(t *testing.T) {
	pre := map[string]*types.ClusterMember{
		"m1": {InstanceID: "m1", NodeFormnetIP: net.IPv4(10, 0, 0, 101), Status: types.MemberHealthy},
		"m2": {InstanceID: "m2", NodeFormnetIP: net.IPv4(10, 0, 0, 102), Status: types.MemberHealthy},
	}
	post := &types.Cluster{
		ID:                 "c1",
		TemplateInstanceID: "template-1",
		Members: map[string]*types.ClusterMember{
			"m1": pre["m1"],
			"m2": pre["m2"],
		},
	}

	result := cluster.VerifyRestoration(post, pre, nil, []string{"inst-temp1", "vol-123", "ip-10.0.0.200"}, time.Now().Unix())
	assert.True(t, result.Success, result.Summary())
}

// 6. Rollback verification failure.
func TestRollbackVerificationFailure(t *testing.T) {
	pre := map[string]*types.ClusterMember{
		"m1": {InstanceID: "m1", NodeFormnetIP: net.IPv4(10, 0, 0, 101), InstanceFormnetIP: net.IPv4(10, 0, 0, 101), Status: types.MemberHealthy},
		"m2": {InstanceID: "m2", NodeFormnetIP: net.IPv4(10, 0, 0, 102), InstanceFormnetIP: net.IPv4(10, 0, 0, 102), Status: types.MemberHealthy},
		"m3": {InstanceID: "m3", NodeFormnetIP: net.IPv4(10, 0, 0, 103), InstanceFormnetIP: net.IPv4(10, 0, 0, 103), Status: types.MemberHealthy},
	}
	mutated := &types.ClusterMember{
		InstanceID:        "m2",
		NodeFormnetIP:     net.IPv4(10, 0, 0, 102),
		InstanceFormnetIP: net.IPv4(10, 0, 0, 200), // changed, should have been restored to .102
		Status:            types.MemberHealthy,
	}
	post := &types.Cluster{
		ID: "c1",
		Members: map[string]*types.ClusterMember{
			"m1": pre["m1"],
			"m2": mutated,
			// m3 missing
		},
	}

	// "m2" itself is named as a cleaned-up resource, but it is still a
	// live member of the restored cluster — the cleanup never happened.
	result := cluster.VerifyRestoration(post, pre, nil, []string{"m2"}, time.Now().Unix())
	assert.False(t, result.Success)

	byAspect := make(map[string]bool)
	for _, item := range result.VerificationItems {
		byAspect[item.Aspect] = item.Success
	}
	assert.False(t, byAspect["Member count match"])
	assert.False(t, byAspect["All members present"])
	assert.False(t, byAspect["FormNet IPs match"])
	assert.False(t, byAspect["Resource cleanup"])
}

// 7 (quantified invariant). Idempotence: the same write applied twice
// yields a single observable delta.
func TestDatastoreWriteIdempotence(t *testing.T) {
	store := newStore(t)
	key := storage.WriteKey{Collection: "peers", EntityID: "alice", ActorID: "node-1", Counter: 1}

	seenFirst, err := store.Seen(key)
	require.NoError(t, err)
	assert.False(t, seenFirst)

	seenSecond, err := store.Seen(key)
	require.NoError(t, err)
	assert.True(t, seenSecond)
}

// 8 (quantified invariant). Round-trip: deserialize(serialize(m)) = m
// for a ConnectionRequest, the other core relay message shape alongside
// ForwardPacket (see TestRelayPacketRoundTrip).
func TestRelayConnectionRequestRoundTrip(t *testing.T) {
	var src, dst [32]byte
	src[0], dst[0] = 1, 2
	req := relay.ConnectionRequest{
		Header:       relay.Header{Type: relay.MsgConnectionRequest, Timestamp: time.Now()},
		SourcePubKey: src,
		DestPubKey:   dst,
	}

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(req))

	var decoded relay.ConnectionRequest
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))

	assert.Equal(t, req.SourcePubKey, decoded.SourcePubKey)
	assert.Equal(t, req.DestPubKey, decoded.DestPubKey)
}
